package events_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/events"
	"github.com/xkilldash9x/applypilot/internal/mocks"
)

func newTestBus(t *testing.T, bufferSize int) *events.Bus {
	return events.NewBus(zaptest.NewLogger(t), bufferSize)
}

func TestBusDelivery(t *testing.T) {
	b := newTestBus(t, 4)
	defer b.Shutdown()

	progress, unsubProgress := b.Subscribe(schemas.EventProgress)
	defer unsubProgress()
	all, unsubAll := b.Subscribe()
	defer unsubAll()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, schemas.Event{Type: schemas.EventProgress, SessionID: "s1", Progress: 50}))
	require.NoError(t, b.Publish(ctx, schemas.Event{Type: schemas.EventLog, SessionID: "s1", Message: "hello"}))

	ev := <-progress
	assert.Equal(t, 50.0, ev.Progress)
	assert.NotEmpty(t, ev.ID, "Publish assigns an id")
	assert.False(t, ev.Timestamp.IsZero())
	select {
	case extra := <-progress:
		t.Fatalf("unexpected %s event on progress subscription", extra.Type)
	default:
	}

	first, second := <-all, <-all
	assert.Equal(t, schemas.EventProgress, first.Type)
	assert.Equal(t, schemas.EventLog, second.Type)
}

func TestBusUnsubscribe(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.EventLog)
	unsubscribe()
	unsubscribe()

	require.NoError(t, b.Publish(context.Background(), schemas.Event{Type: schemas.EventLog}))
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received an event")
	default:
	}
}

func TestBusPublishCancellation(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.EventStatusChange)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- b.Publish(ctx, schemas.Event{Type: schemas.EventStatusChange})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after cancellation")
	}
	select {
	case <-ch:
		t.Error("event should not be delivered after cancellation")
	default:
	}
}

func TestBusDropsLossyEventsForSlowSubscribers(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if err := b.Publish(context.Background(), schemas.Event{Type: schemas.EventProgress, Progress: float64(i)}); err != nil {
				done <- err
				return
			}
		}
		done <- b.Publish(context.Background(), schemas.Event{Type: schemas.EventLog, Message: "still running"})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lossy publish blocked on a full subscriber")
	}
	ev := <-ch
	assert.Equal(t, 0.0, ev.Progress, "The buffered event is kept, later ones are dropped")
	select {
	case extra := <-ch:
		t.Fatalf("unexpected %s event after the buffer filled", extra.Type)
	default:
	}

	assert.True(t, schemas.EventReplayProgress.Lossy())
	assert.False(t, schemas.EventStatusChange.Lossy())
	assert.False(t, schemas.EventHumanNeeded.Lossy())
}

func TestBusShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(t, 2)
	var consumers sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch, _ := b.Subscribe(schemas.EventStatusChange)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for range ch {
				time.Sleep(time.Millisecond)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var producers sync.WaitGroup
	for i := 0; i < 5; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < 40; j++ {
				if err := b.Publish(ctx, schemas.Event{Type: schemas.EventStatusChange, Message: fmt.Sprintf("%d-%d", id, j)}); err != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	shutdown := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdown)
	}()
	cancel()

	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("bus shutdown timed out")
	}
	producers.Wait()
	consumers.Wait()

	assert.Error(t, b.Publish(context.Background(), schemas.Event{Type: schemas.EventLog}))
	ch, _ := b.Subscribe(schemas.EventLog)
	_, open := <-ch
	assert.False(t, open, "Subscriptions after shutdown are closed")
}

func TestNotifiers(t *testing.T) {
	ctx := context.Background()
	req := schemas.HumanRequest{
		SessionID:     "s1",
		EntryPoint:    "https://jobs.example.com/1",
		Reason:        "Loop detected",
		RecentActions: []string{"click:id:next", "click:id:back"},
	}

	t.Run("BusNotifier", func(t *testing.T) {
		b := newTestBus(t, 1)
		defer b.Shutdown()
		ch, unsubscribe := b.Subscribe(schemas.EventHumanNeeded)
		defer unsubscribe()

		require.NoError(t, events.NewBusNotifier(b).NotifyHuman(ctx, req))
		ev := <-ch
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, "Loop detected", ev.Message)
		assert.Equal(t, req.RecentActions, ev.Payload["recent_actions"])
	})

	t.Run("FanOutJoinsErrors", func(t *testing.T) {
		failing := new(mocks.MockNotifier)
		failing.On("NotifyHuman", mock.Anything, req).Return(errors.New("smtp down"))
		ok := new(mocks.MockNotifier)
		ok.On("NotifyHuman", mock.Anything, req).Return(nil)

		err := events.Notifiers{failing, nil, events.NewLogNotifier(zaptest.NewLogger(t)), ok}.NotifyHuman(ctx, req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "smtp down")
		failing.AssertExpectations(t)
		ok.AssertExpectations(t)
	})

	t.Run("Discard", func(t *testing.T) {
		assert.NoError(t, events.Discard{}.Publish(ctx, schemas.Event{}))
	})
}
