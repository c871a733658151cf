package ctxutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type ctxKey struct{}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), ctxKey{}, "cdp"), time.Millisecond)
	cancel()

	d := Detach(parent)
	assert.NoError(t, d.Err())
	assert.Nil(t, d.Done())
	_, ok := d.Deadline()
	assert.False(t, ok)
	assert.Equal(t, "cdp", d.Value(ctxKey{}))

	bounded, stop := DetachWithTimeout(parent, time.Hour)
	defer stop()
	assert.NoError(t, bounded.Err())
	assert.Equal(t, "cdp", bounded.Value(ctxKey{}))
}

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	primary := context.WithValue(context.Background(), ctxKey{}, "cdp")
	secondary, cancelSecondary := context.WithCancel(context.Background())

	combined, cancel := CombineContext(primary, secondary)
	defer cancel()
	assert.Equal(t, "cdp", combined.Value(ctxKey{}))
	assert.NoError(t, combined.Err())

	cancelSecondary()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context was not cancelled with the secondary")
	}
}
