package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/detectors"
	"github.com/xkilldash9x/applypilot/internal/formfill"
	"github.com/xkilldash9x/applypilot/internal/journal"
	"github.com/xkilldash9x/applypilot/internal/navigator"
	"github.com/xkilldash9x/applypilot/internal/observability"
	"github.com/xkilldash9x/applypilot/internal/replay"
)

var (
	// ErrNoSurfaces is returned when a run is requested without a browser.
	ErrNoSurfaces = errors.New("service: no surface factory configured")
	// ErrNoJournal is returned when replay finds nothing recorded.
	ErrNoJournal = errors.New("service: session has no recorded journal")
	// ErrNotResumable is returned when the session status forbids a new run.
	ErrNotResumable = errors.New("service: session cannot be resumed")
)

// Capabilities are the per-run collaborators that read or drive a surface.
type Capabilities struct {
	Detectors navigator.Detectors
	Inspector schemas.Inspector
	Filler    schemas.FormFiller
}

// CapabilityBuilder wires capabilities onto a fresh surface and recorder.
type CapabilityBuilder func(surface schemas.Surface, rec *journal.Recorder, logger *zap.Logger) Capabilities

// DefaultCapabilities builds the rule-based detectors, the inspector and the
// form filler.
func DefaultCapabilities(cfg config.Interface) CapabilityBuilder {
	return func(surface schemas.Surface, rec *journal.Recorder, logger *zap.Logger) Capabilities {
		opts := detectors.Options{VisibleTimeout: cfg.Replay().VisibleTimeout}
		return Capabilities{
			Detectors: navigator.Detectors(detectors.NewSet(surface, logger, opts)),
			Inspector: detectors.NewInspector(surface, cfg.Navigator().SuccessPhrases, logger),
			Filler:    formfill.New(surface, rec, logger),
		}
	}
}

// RunMeta is descriptive data attached to a new session.
type RunMeta struct {
	Title   string
	Company string
}

// StartRequest is one entry of StartMany.
type StartRequest struct {
	EntryPoint string
	Meta       RunMeta
}

// Outcome pairs a StartMany request with its result.
type Outcome struct {
	Request StartRequest
	Result  *navigator.RunResult
	Err     error
}

// ReplayOptions tune ReplaySession.
type ReplayOptions struct {
	SlowMode          bool
	ContinueOnFailure bool
}

// Runner implements the command entry points on top of shared components.
type Runner struct {
	cfg    config.Interface
	c      *Components
	build  CapabilityBuilder
	logger *zap.Logger
	now    func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithCapabilities replaces the default capability wiring.
func WithCapabilities(b CapabilityBuilder) RunnerOption {
	return func(r *Runner) { r.build = b }
}

// NewRunner creates a Runner over c.
func NewRunner(cfg config.Interface, c *Components, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:    cfg,
		c:      c,
		build:  DefaultCapabilities(cfg),
		logger: logger.Named("runner"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartRun creates a session for entryPoint and drives it to a terminal
// state.
func (r *Runner) StartRun(ctx context.Context, entryPoint string, meta RunMeta) (*navigator.RunResult, error) {
	if err := validEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	now := r.now()
	sess := &schemas.ApplicationSession{
		ID:         uuid.NewString(),
		EntryPoint: entryPoint,
		Title:      strings.TrimSpace(meta.Title),
		Company:    strings.TrimSpace(meta.Company),
		Status:     schemas.StatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	runID := ulid.Make().String()
	logger := observability.ForRun(r.logger, sess.ID, runID)
	logger.Info("Starting application run.", zap.String("entry_point", entryPoint))

	surface, err := r.openSurface(ctx)
	if err != nil {
		return nil, err
	}
	defer r.closeSurface(surface, logger)

	rec := journal.NewRecorder(sess.ID, r.c.Store, logger)
	m, err := r.machine(surface, rec, logger, navigator.Options{RunID: runID})
	if err != nil {
		return nil, err
	}
	return m.Run(ctx, sess)
}

// StartMany runs every request, at most runner.concurrency at a time. One
// failed run does not stop the others.
func (r *Runner) StartMany(ctx context.Context, reqs []StartRequest) []Outcome {
	out := make([]Outcome, len(reqs))
	limit := r.cfg.Runner().Concurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		out[i].Request = req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			res, err := r.StartRun(ctx, req.EntryPoint, req.Meta)
			out[i].Result, out[i].Err = res, err
			if err != nil {
				r.logger.Error("Run failed to start.", zap.String("entry_point", req.EntryPoint), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ListSessions returns every stored session, newest first.
func (r *Runner) ListSessions(ctx context.Context) ([]*schemas.ApplicationSession, error) {
	sessions, err := r.c.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// GetSession loads one session with its journal.
func (r *Runner) GetSession(ctx context.Context, id string) (*schemas.ApplicationSession, error) {
	return r.c.Store.Get(ctx, id)
}

// ReplaySession re-executes the session's recorded steps on a fresh surface
// without changing the stored session.
func (r *Runner) ReplaySession(ctx context.Context, id string, opts ReplayOptions) (*replay.Result, error) {
	sess, j, err := r.loadJournal(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With(zap.String("session_id", sess.ID))

	surface, err := r.openSurface(ctx)
	if err != nil {
		return nil, err
	}
	defer r.closeSurface(surface, logger)

	rp := replay.New(surface, r.cfg.Replay(), logger)
	res := rp.Replay(ctx, j.Steps, replay.Options{
		StopAtFirstFailure: !opts.ContinueOnFailure,
		SlowMode:           opts.SlowMode,
		OnProgress:         r.forwardProgress(ctx, sess.ID, j.RunID),
	})
	return res, nil
}

// ResumeSession restores the session's snapshot, replays its journal up to
// the first recorded failure and hands the surface to a new machine.
func (r *Runner) ResumeSession(ctx context.Context, id string) (*navigator.RunResult, error) {
	sess, j, err := r.loadJournal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Resumable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, sess.ID, sess.Status)
	}

	runID := ulid.Make().String()
	logger := observability.ForRun(r.logger, sess.ID, runID)
	logger.Info("Resuming session.", zap.String("status", string(sess.Status)), zap.Int("recorded_steps", len(j.Steps)))

	surface, err := r.openSurface(ctx)
	if err != nil {
		return nil, err
	}
	defer r.closeSurface(surface, logger)

	snap, err := r.c.Store.LoadSnapshot(ctx, sess.ID)
	if err != nil {
		logger.Warn("Could not load snapshot; replaying from a clean surface.", zap.Error(err))
	} else if snap != nil {
		if err := surface.Restore(ctx, snap); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Snapshot restore failed; replaying from a clean surface.", zap.Error(err))
		}
	}

	rec := journal.NewRecorder(sess.ID, r.c.Store, logger)
	if err := rec.Start(runID, sess.EntryPoint); err != nil {
		return nil, err
	}
	rp := replay.New(surface, r.cfg.Replay(), logger)
	res := rp.Replay(ctx, j.Steps, replay.Options{
		StopAtFirstFailure: true,
		OnProgress:         r.forwardProgress(ctx, sess.ID, runID),
		Recorder:           rec,
	})
	if !res.Success {
		logger.Warn("Replay did not complete cleanly; continuing from the current page.", zap.String("reason", res.Reason))
	}

	submitted := j.Submitted()
	if submitted {
		logger.Info("Journal records a form submission; the resumed run will not submit again.")
		carrySubmission(rec, j, logger)
	}
	m, err := r.machine(surface, rec, logger, navigator.Options{RunID: runID, Resume: true, Submitted: submitted})
	if err != nil {
		_, _ = rec.Stop(ctx, true)
		return nil, err
	}
	return m.Run(ctx, sess)
}

// carrySubmission copies the first recorded submission into the new journal
// so a later resume still knows the form went out.
func carrySubmission(rec *journal.Recorder, j *schemas.ActionJournal, logger *zap.Logger) {
	for _, step := range j.Steps {
		if !step.Outcome.OK() || !step.Submits() {
			continue
		}
		meta := make(map[string]interface{}, len(step.Metadata)+2)
		for k, v := range step.Metadata {
			meta[k] = v
		}
		meta["carried_over"] = true
		meta["original_seq"] = step.Seq
		step.Metadata = meta
		step.Timestamp = time.Time{}
		if _, err := rec.Append(step); err != nil {
			logger.Warn("Could not carry the recorded submission forward.", zap.Error(err))
		}
		return
	}
}

func (r *Runner) loadJournal(ctx context.Context, id string) (*schemas.ApplicationSession, *schemas.ActionJournal, error) {
	sess, err := r.c.Store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	j := sess.Journal
	if j == nil {
		if j, err = r.c.Store.LoadJournal(ctx, id); err != nil {
			return nil, nil, err
		}
	}
	if j == nil || len(j.Steps) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoJournal, id)
	}
	return sess, j, nil
}

func (r *Runner) machine(surface schemas.Surface, rec *journal.Recorder, logger *zap.Logger, opts navigator.Options) (*navigator.Machine, error) {
	caps := r.build(surface, rec, logger)
	return navigator.New(r.cfg.Navigator(), navigator.Deps{
		Surface:    surface,
		Store:      r.c.Store,
		Recorder:   rec,
		Detectors:  caps.Detectors,
		Inspector:  caps.Inspector,
		Classifier: r.c.Classifier,
		Filler:     caps.Filler,
		Notifier:   r.c.Notifier,
		Publisher:  r.publisher(),
		Profile:    r.c.Profile,
		Logger:     logger,
	}, opts)
}

func (r *Runner) publisher() schemas.EventPublisher {
	if r.c.Bus == nil {
		return nil
	}
	return r.c.Bus
}

func (r *Runner) openSurface(ctx context.Context) (schemas.Surface, error) {
	if r.c.Surfaces == nil {
		return nil, ErrNoSurfaces
	}
	s, err := r.c.Surfaces.NewSurface(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open surface: %w", err)
	}
	return s, nil
}

func (r *Runner) closeSurface(s schemas.Surface, logger *zap.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn("Failed to close surface.", zap.Error(err))
	}
}

// forwardProgress publishes replay progress on the bus.
func (r *Runner) forwardProgress(ctx context.Context, sessionID, runID string) func(replay.Progress) {
	pub := r.publisher()
	if pub == nil {
		return nil
	}
	return func(p replay.Progress) {
		_ = pub.Publish(ctx, schemas.Event{
			Type:      schemas.EventReplayProgress,
			SessionID: sessionID,
			RunID:     runID,
			Message:   fmt.Sprintf("Replay step %d/%d (%s): %s", p.Index+1, p.Total, p.Step.Kind, p.Status),
			Progress:  float64(p.Index+1) / float64(p.Total),
			Payload:   map[string]interface{}{"seq": p.Step.Seq, "status": string(p.Status)},
		})
	}
}

func validEntryPoint(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service: entry point %q is not an http(s) url", raw)
	}
	return nil
}
