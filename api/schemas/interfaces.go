package schemas

import (
	"context"
	"time"
)

// -- Surface Interface --

// Surface is the interactable external surface a run drives. Every blocking
// method honors ctx; bounded waits return ErrSurfaceTimeout when the timeout
// elapses. A surface is owned by one caller at a time.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	// AwaitNavigation waits for structural load of the current document.
	AwaitNavigation(ctx context.Context, timeout time.Duration) error
	AwaitVisible(ctx context.Context, loc Locator, timeout time.Duration) error
	Exists(ctx context.Context, loc Locator) (bool, error)

	Click(ctx context.Context, loc Locator) error
	// ClickNth clicks the index-th element matching loc, in document order.
	ClickNth(ctx context.Context, loc Locator, index int) error
	SetValue(ctx context.Context, loc Locator, value string) error
	Clear(ctx context.Context, loc Locator) error
	// TypeText sends text character by character.
	TypeText(ctx context.Context, loc Locator, text string) error
	SelectByValue(ctx context.Context, loc Locator, value string) error
	SelectByText(ctx context.Context, loc Locator, text string) error
	UploadFile(ctx context.Context, loc Locator, path string) error
	PressKey(ctx context.Context, key string) error

	// TextsOf returns the visible text of up to limit elements matching loc.
	TextsOf(ctx context.Context, loc Locator, limit int) ([]string, error)
	Markup(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)

	Capture(ctx context.Context) (*SurfaceSnapshot, error)
	Restore(ctx context.Context, snap *SurfaceSnapshot) error

	// EnterFrame transfers interaction to the embedded document at loc.
	EnterFrame(ctx context.Context, loc Locator) error
	ExitFrame(ctx context.Context) error
	Close() error
}

// -- Capability Interfaces --

// Detector finds one kind of page condition and knows how to act on it.
// Detect returns a nil signal when the condition is absent.
type Detector interface {
	Name() string
	Detect(ctx context.Context) (*Signal, error)
	Execute(ctx context.Context, sig *Signal) (bool, error)
}

// Classifier suggests the next page action from a screenshot.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*ClassifierVerdict, error)
}

// FormFiller fills the fields it can discover on the current page.
type FormFiller interface {
	FillDiscoveredFields(ctx context.Context, profile Profile) (*FillReport, error)
}

// Inspector summarizes the current page for rule-based decisions.
type Inspector interface {
	Inspect(ctx context.Context) (*PageSignals, error)
}

// Notifier delivers a human intervention request to the operator.
type Notifier interface {
	NotifyHuman(ctx context.Context, req HumanRequest) error
}

// EventPublisher receives progress, log and status events from a run.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// -- Store Interface --

// SessionStore persists sessions, journals and snapshots. Writes for one
// session id are serialized; different sessions proceed independently.
type SessionStore interface {
	Save(ctx context.Context, s *ApplicationSession) error
	Get(ctx context.Context, id string) (*ApplicationSession, error)
	List(ctx context.Context) ([]*ApplicationSession, error)

	SaveJournal(ctx context.Context, sessionID string, j *ActionJournal) error
	// LoadJournal returns nil without error when no journal exists.
	LoadJournal(ctx context.Context, sessionID string) (*ActionJournal, error)
	SaveSnapshot(ctx context.Context, sessionID string, snap *SurfaceSnapshot) error
	// LoadSnapshot returns nil without error when no snapshot exists.
	LoadSnapshot(ctx context.Context, sessionID string) (*SurfaceSnapshot, error)

	// Freeze persists the snapshot, journal and session record together.
	Freeze(ctx context.Context, s *ApplicationSession, j *ActionJournal, snap *SurfaceSnapshot) error
}
