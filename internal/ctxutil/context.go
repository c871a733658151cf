// Package ctxutil holds context helpers shared by the run loop and the
// browser surface.
package ctxutil

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also
// cancelled when secondary is. Values come from primary only, so the CDP
// target info carried by a surface context survives while an operation
// deadline comes from secondary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext inherits the values of its parent but none of its
// deadline or cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that keeps ctx's values but is never cancelled
// with it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// DetachWithTimeout detaches ctx and bounds the result by d. Cleanup after a
// cancelled run (journal flush, freeze) uses it.
func DetachWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), d)
}
