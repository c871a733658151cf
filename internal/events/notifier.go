package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// LogNotifier reports human requests as warnings in the log.
type LogNotifier struct {
	logger *zap.Logger
}

var _ schemas.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) NotifyHuman(_ context.Context, req schemas.HumanRequest) error {
	n.logger.Warn("Human intervention required.",
		zap.String("session_id", req.SessionID),
		zap.String("entry_point", req.EntryPoint),
		zap.String("reason", req.Reason),
		zap.String("recent_actions", strings.Join(req.RecentActions, " -> ")),
		zap.String("screenshot", req.ScreenshotPath))
	return nil
}

// BusNotifier turns human requests into human_needed events.
type BusNotifier struct {
	publisher schemas.EventPublisher
}

var _ schemas.Notifier = (*BusNotifier)(nil)

func NewBusNotifier(p schemas.EventPublisher) *BusNotifier {
	return &BusNotifier{publisher: p}
}

func (n *BusNotifier) NotifyHuman(ctx context.Context, req schemas.HumanRequest) error {
	ts := req.RequestedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return n.publisher.Publish(ctx, schemas.Event{
		Type:      schemas.EventHumanNeeded,
		SessionID: req.SessionID,
		Timestamp: ts,
		Message:   req.Reason,
		Payload: map[string]interface{}{
			"entry_point":     req.EntryPoint,
			"recent_actions":  req.RecentActions,
			"screenshot_path": req.ScreenshotPath,
		},
	})
}

// Notifiers delivers to every notifier in order and joins their errors.
type Notifiers []schemas.Notifier

var _ schemas.Notifier = Notifiers(nil)

func (ns Notifiers) NotifyHuman(ctx context.Context, req schemas.HumanRequest) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.NotifyHuman(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a publisher that drops every event.
type Discard struct{}

var _ schemas.EventPublisher = Discard{}

func (Discard) Publish(context.Context, schemas.Event) error { return nil }
