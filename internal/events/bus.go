// Package events fans run events out to interested subscribers and carries
// operator notifications.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// wildcard is the subscription key for every event type.
const wildcard schemas.EventType = "*"

// Bus is an in-process pub/sub for schemas.Event.
type Bus struct {
	logger *zap.Logger

	// Map of event type to a list of channels (subscribers).
	subscribers map[schemas.EventType][]chan schemas.Event
	mu          sync.RWMutex
	bufferSize  int

	// WaitGroup to track active Publish operations.
	activePubs sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

var _ schemas.EventPublisher = (*Bus)(nil)

// NewBus initializes a Bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[schemas.EventType][]chan schemas.Event),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Publish delivers ev to every subscriber of its type. A lossy event is
// dropped for a subscriber whose buffer is full; any other event blocks until
// there is room, ctx is done or the bus shuts down.
func (b *Bus) Publish(ctx context.Context, ev schemas.Event) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish event: bus is shut down")
	}
	b.activePubs.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePubs.Done()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]chan schemas.Event, 0, len(b.subscribers[ev.Type])+len(b.subscribers[wildcard]))
	targets = append(targets, b.subscribers[ev.Type]...)
	targets = append(targets, b.subscribers[wildcard]...)
	b.mu.RUnlock()

	for _, ch := range targets {
		if ev.Type.Lossy() {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("Subscriber is behind, dropping event.", zap.String("type", string(ev.Type)), zap.String("session_id", ev.SessionID))
			}
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownChan:
			return fmt.Errorf("failed to publish event: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a channel of events of the given types, or of every type
// when none is given. The channel is closed by Shutdown; after unsubscribe
// it simply stops receiving.
func (b *Bus) Subscribe(types ...schemas.EventType) (<-chan schemas.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdownLocked() {
		closed := make(chan schemas.Event)
		close(closed)
		return closed, func() {}
	}
	if len(types) == 0 {
		types = []schemas.EventType{wildcard}
	}

	ch := make(chan schemas.Event, b.bufferSize)
	subscribed := append([]schemas.EventType(nil), types...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range subscribed {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
				if len(b.subscribers[t]) == 0 {
					delete(b.subscribers, t)
				}
			}
			// The channel is left open: a Publish may still hold it.
		})
	}
	return ch, unsubscribe
}

func (b *Bus) isShutdownLocked() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Shutdown stops publishing and closes every subscriber channel.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePubs.Wait()

		b.mu.Lock()
		unique := make(map[chan schemas.Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		b.subscribers = make(map[schemas.EventType][]chan schemas.Event)
		b.mu.Unlock()
		b.logger.Debug("Event bus shut down.", zap.Int("subscribers", len(unique)))
	})
}
