// Package journal records every attempted interaction of a run as an ordered,
// append-only log and moves that log to and from its line-oriented encoding.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

var (
	// ErrAlreadyRecording is returned when Start is called on an open recorder.
	ErrAlreadyRecording = errors.New("journal: a journal is already open for recording")
	// ErrNotRecording is returned when recording or stopping without Start.
	ErrNotRecording = errors.New("journal: no journal is open for recording")
	// ErrNoSink is returned when persistence is requested without a sink.
	ErrNoSink = errors.New("journal: no sink configured for persistence")
)

// Sink receives flushed journals. The session store satisfies it.
type Sink interface {
	SaveJournal(ctx context.Context, sessionID string, j *schemas.ActionJournal) error
}

// Recorder owns the single open journal of one session's run. It is safe for
// concurrent use, though a run only records from one goroutine.
type Recorder struct {
	mu        sync.Mutex
	sessionID string
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time
	active    *schemas.ActionJournal
}

// NewRecorder creates a recorder for the given session. sink may be nil when
// the journal is never persisted.
func NewRecorder(sessionID string, sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sessionID: sessionID,
		sink:      sink,
		logger:    logger.Named("journal").With(zap.String("session_id", sessionID)),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SessionID returns the session the recorder writes for.
func (r *Recorder) SessionID() string { return r.sessionID }

// Start opens a new journal for a run attempt.
func (r *Recorder) Start(runID, entryPoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return fmt.Errorf("%w (run %s)", ErrAlreadyRecording, r.active.RunID)
	}
	r.active = &schemas.ActionJournal{
		RunID:      runID,
		EntryPoint: entryPoint,
		StartedAt:  r.now(),
		Steps:      []schemas.ActionStep{},
	}
	r.logger.Debug("Journal opened.", zap.String("run_id", runID), zap.String("entry_point", entryPoint))
	return nil
}

// Recording reports whether a journal is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Append adds a step and returns it as stored. Seq is always assigned by the
// recorder; a zero Timestamp is filled in. The metadata map is copied so the
// caller cannot mutate the stored step.
func (r *Recorder) Append(step schemas.ActionStep) (schemas.ActionStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return schemas.ActionStep{}, ErrNotRecording
	}
	step.Seq = len(r.active.Steps)
	if step.Timestamp.IsZero() {
		step.Timestamp = r.now()
	}
	if step.Outcome.Status == "" {
		step.Outcome = schemas.Succeeded()
	}
	step.Metadata = normalizeMetadata(step.Metadata)
	r.active.Steps = append(r.active.Steps, step)

	if !step.Outcome.OK() {
		r.logger.Debug("Recorded unsuccessful step.",
			zap.Int("seq", step.Seq),
			zap.String("kind", string(step.Kind)),
			zap.String("status", string(step.Outcome.Status)),
			zap.String("reason", step.Outcome.Reason))
	}
	return step, nil
}

func (r *Recorder) record(step schemas.ActionStep) error {
	_, err := r.Append(step)
	return err
}

// RecordNavigate records a navigation to url.
func (r *Recorder) RecordNavigate(url string, out schemas.Outcome) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindNavigate, Value: url, Outcome: out})
}

// RecordFill records a value written into a field.
func (r *Recorder) RecordFill(target schemas.Locator, value, label, category string, out schemas.Outcome, meta map[string]interface{}) error {
	return r.record(schemas.ActionStep{
		Kind: schemas.KindFillField, Target: target, Value: value,
		Label: label, Category: category, Outcome: out, Metadata: meta,
	})
}

// RecordClick records a click on target.
func (r *Recorder) RecordClick(target schemas.Locator, label string, out schemas.Outcome, meta map[string]interface{}) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindClick, Target: target, Label: label, Outcome: out, Metadata: meta})
}

// RecordSelect records an option selection.
func (r *Recorder) RecordSelect(target schemas.Locator, value, label string, out schemas.Outcome, meta map[string]interface{}) error {
	return r.record(schemas.ActionStep{
		Kind: schemas.KindSelectOption, Target: target, Value: value,
		Label: label, Outcome: out, Metadata: meta,
	})
}

// RecordUpload records a file attached to an input.
func (r *Recorder) RecordUpload(target schemas.Locator, path, label string, out schemas.Outcome) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindUploadFile, Target: target, Value: path, Label: label, Outcome: out})
}

// RecordWait records an explicit pause.
func (r *Recorder) RecordWait(d time.Duration) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindWait, Value: d.String(), Outcome: schemas.Succeeded()})
}

// RecordIframeSwitch records a transfer of interaction into a frame.
func (r *Recorder) RecordIframeSwitch(target schemas.Locator, out schemas.Outcome) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindIframeSwitch, Target: target, Outcome: out})
}

// RecordPageState records an observed page state for diagnostics.
func (r *Recorder) RecordPageState(state string, meta map[string]interface{}) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindPageState, Value: state, Outcome: schemas.Succeeded(), Metadata: meta})
}

// RecordFormSnapshot records the fields of a form for audit.
func (r *Recorder) RecordFormSnapshot(label string, meta map[string]interface{}) error {
	return r.record(schemas.ActionStep{Kind: schemas.KindFormSnapshot, Label: label, Outcome: schemas.Succeeded(), Metadata: meta})
}

// RecordFailure records a failure marker of the given kind.
func (r *Recorder) RecordFailure(kind string, out schemas.Outcome, meta map[string]interface{}) error {
	if out.OK() {
		out = schemas.Failed(schemas.ErrCodeExecutionFailure, kind)
	}
	return r.record(schemas.ActionStep{Kind: schemas.KindFailureMarker, FailureKind: kind, Outcome: out, Metadata: meta})
}

// SuccessfulSteps returns the successful steps of the open journal.
func (r *Recorder) SuccessfulSteps() []schemas.ActionStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.SuccessfulSteps()
}

// FirstFailure returns the earliest unsuccessful step of the open journal.
func (r *Recorder) FirstFailure() (schemas.ActionStep, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.FirstFailure()
}

// LastSuccess returns the latest successful step of the open journal.
func (r *Recorder) LastSuccess() (schemas.ActionStep, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.LastSuccess()
}

// Snapshot returns a copy of the open journal, or nil.
func (r *Recorder) Snapshot() *schemas.ActionJournal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.Clone()
}

// Checkpoint flushes the open journal to the sink without closing it.
func (r *Recorder) Checkpoint(ctx context.Context) error {
	snap := r.Snapshot()
	if snap == nil {
		return ErrNotRecording
	}
	return r.flush(ctx, snap)
}

// Stop closes the journal and, when persist is set, flushes it to the sink.
// The journal is closed even when the flush fails.
func (r *Recorder) Stop(ctx context.Context, persist bool) (*schemas.ActionJournal, error) {
	r.mu.Lock()
	j := r.active
	r.active = nil
	r.mu.Unlock()

	if j == nil {
		return nil, ErrNotRecording
	}
	r.logger.Debug("Journal closed.", zap.String("run_id", j.RunID), zap.Int("steps", len(j.Steps)), zap.Bool("persist", persist))
	if !persist {
		return j, nil
	}
	return j, r.flush(ctx, j)
}

func (r *Recorder) flush(ctx context.Context, j *schemas.ActionJournal) error {
	if r.sink == nil {
		return ErrNoSink
	}
	if err := r.sink.SaveJournal(ctx, r.sessionID, j); err != nil {
		r.logger.Warn("Failed to flush journal.", zap.String("run_id", j.RunID), zap.Error(err))
		return fmt.Errorf("journal: flush run %s: %w", j.RunID, err)
	}
	return nil
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
