// Package navigator drives a single application run through its states,
// recording every interaction and escalating to a human when automation
// runs out of safe moves.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/events"
	"github.com/xkilldash9x/applypilot/internal/journal"
)

// State is a node of the run state machine.
type State string

const (
	StateStart             State = "Start"
	StateGuidedNavigation  State = "GuidedNavigation"
	StateResolveBlocker    State = "ResolveBlocker"
	StateClickApply        State = "ClickApply"
	StateFillForm          State = "FillForm"
	StateAnalyzePage       State = "AnalyzePage"
	StateHumanIntervention State = "HumanIntervention"
	StateSuccess           State = "Success"
	StateFail              State = "Fail"
)

// Terminal reports whether the run ends in s.
func (s State) Terminal() bool {
	return s == StateHumanIntervention || s == StateSuccess || s == StateFail
}

// ErrMissingRunContext is returned when Run lacks a session or a required
// capability.
var ErrMissingRunContext = errors.New("navigator: missing required run context")

// Detectors groups the rule-based capabilities, one per concern. Any of them
// may be nil, in which case that check is skipped.
type Detectors struct {
	Overlay schemas.Detector
	Auth    schemas.Detector
	Consent schemas.Detector
	CTA     schemas.Detector
	Submit  schemas.Detector
	Next    schemas.Detector
}

// Deps are the capabilities a Machine drives. Surface, Store, Recorder,
// Inspector and Filler are required.
type Deps struct {
	Surface    schemas.Surface
	Store      schemas.SessionStore
	Recorder   *journal.Recorder
	Detectors  Detectors
	Inspector  schemas.Inspector
	Classifier schemas.Classifier
	Filler     schemas.FormFiller
	Notifier   schemas.Notifier
	Publisher  schemas.EventPublisher
	Profile    schemas.Profile
	Logger     *zap.Logger
}

// Options tune a single run.
type Options struct {
	// RunID names the journal when the machine opens it.
	RunID string
	// Resume continues a journal the caller already opened and replayed into,
	// and skips the entry navigation.
	Resume bool
	// Submitted means an earlier run of the session already submitted a
	// form. Submit controls are then escalated to a human instead of clicked.
	Submitted bool
}

// RunResult is the outcome of Machine.Run.
type RunResult struct {
	State         State
	Status        schemas.SessionStatus
	Reason        string
	RecentActions []string
	Session       *schemas.ApplicationSession
}

type stateFunc func(ctx context.Context) (State, error)

// Machine runs one attempt of one session. A resumed session gets a new
// Machine.
type Machine struct {
	cfg    config.NavigatorConfig
	deps   Deps
	opts   Options
	logger *zap.Logger

	handlers   map[State]stateFunc
	successURL []*regexp.Regexp
	loops      *LoopDetector

	session *schemas.ApplicationSession
	state   State
	prev    State
	reason  string

	transitions     int
	goalReached     bool
	consentHandled  bool
	authRequired    bool
	blocker         *schemas.Signal
	cta             *schemas.Signal
	page            *schemas.PageSignals
	filledPages     map[string]bool
	fieldsFilled    int
	fieldsFound     int
	replayedFields  int
	frameDepth      int
	successEvidence string
}

// New validates deps and builds a Machine.
func New(cfg config.NavigatorConfig, deps Deps, opts Options) (*Machine, error) {
	switch {
	case deps.Surface == nil:
		return nil, fmt.Errorf("%w: surface", ErrMissingRunContext)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingRunContext)
	case deps.Recorder == nil:
		return nil, fmt.Errorf("%w: recorder", ErrMissingRunContext)
	case deps.Inspector == nil:
		return nil, fmt.Errorf("%w: inspector", ErrMissingRunContext)
	case deps.Filler == nil:
		return nil, fmt.Errorf("%w: form filler", ErrMissingRunContext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Notifier == nil {
		deps.Notifier = events.NewLogNotifier(deps.Logger)
	}
	if opts.RunID == "" {
		opts.RunID = ulid.Make().String()
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.SuccessURLPatterns))
	for _, p := range cfg.SuccessURLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("navigator: invalid success url pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	m := &Machine{
		cfg:         cfg,
		deps:        deps,
		opts:        opts,
		logger:      deps.Logger.Named("navigator"),
		successURL:  patterns,
		loops:       NewLoopDetector(cfg.LoopWindow),
		filledPages: make(map[string]bool),
	}
	m.handlers = make(map[State]stateFunc)
	m.registerHandlers()
	return m, nil
}

func (m *Machine) registerHandlers() {
	m.handlers[StateStart] = m.start
	m.handlers[StateGuidedNavigation] = m.guided
	m.handlers[StateResolveBlocker] = m.resolveBlocker
	m.handlers[StateClickApply] = m.clickApply
	m.handlers[StateFillForm] = m.fillForm
	m.handlers[StateAnalyzePage] = m.analyzePage
	m.handlers[StateHumanIntervention] = m.humanIntervention
	m.handlers[StateSuccess] = m.success
	m.handlers[StateFail] = m.fail
}

// Run drives sess until a terminal state. Interaction failures are recorded
// and steer the machine; a returned error means a run invariant was broken.
func (m *Machine) Run(ctx context.Context, sess *schemas.ApplicationSession) (*RunResult, error) {
	if sess == nil || sess.ID == "" {
		return nil, fmt.Errorf("%w: session", ErrMissingRunContext)
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("navigator: session %s is already %s", sess.ID, sess.Status)
	}
	if m.deps.Recorder.SessionID() != sess.ID {
		return nil, fmt.Errorf("%w: recorder belongs to session %s", ErrMissingRunContext, m.deps.Recorder.SessionID())
	}
	if m.opts.Resume != m.deps.Recorder.Recording() {
		if m.opts.Resume {
			return nil, fmt.Errorf("%w: resume without an open journal", journal.ErrNotRecording)
		}
		return nil, journal.ErrAlreadyRecording
	}

	m.session = sess
	m.logger = m.logger.With(zap.String("session_id", sess.ID), zap.String("run_id", m.opts.RunID))
	m.state = StateStart

	for {
		if err := ctx.Err(); err != nil {
			return m.cancelled(ctx, err), nil
		}
		handler, ok := m.handlers[m.state]
		if !ok {
			return nil, fmt.Errorf("navigator: no handler for state %s", m.state)
		}
		next, err := handler(ctx)
		if err != nil {
			return nil, err
		}
		if m.state.Terminal() {
			return m.result(), nil
		}

		m.transitions++
		if m.cfg.MaxTransitions > 0 && m.transitions > m.cfg.MaxTransitions && !next.Terminal() {
			m.reason = fmt.Sprintf("Transition budget of %d exhausted", m.cfg.MaxTransitions)
			next = StateHumanIntervention
		}
		m.transition(ctx, next)
	}
}

func (m *Machine) transition(ctx context.Context, next State) {
	m.logger.Debug("State transition.", zap.String("from", string(m.state)), zap.String("to", string(next)))
	m.publish(ctx, schemas.Event{
		Type:    schemas.EventStateChange,
		State:   string(next),
		Message: fmt.Sprintf("%s -> %s", m.state, next),
	})
	m.prev, m.state = m.state, next
}

func (m *Machine) result() *RunResult {
	return &RunResult{
		State:         m.state,
		Status:        m.session.Status,
		Reason:        m.session.Reason,
		RecentActions: append([]string(nil), m.session.RecentActions...),
		Session:       m.session,
	}
}

// start checkpoints the session and opens the journal, then loads the entry
// point unless the surface was handed over by a replay.
func (m *Machine) start(ctx context.Context) (State, error) {
	if !m.opts.Resume {
		if err := m.deps.Recorder.Start(m.opts.RunID, m.session.EntryPoint); err != nil {
			return "", err
		}
	}
	m.session.Status = schemas.StatusInProgress
	m.session.Reason = ""
	m.session.FailurePoint = ""
	m.session.RunCount++
	if m.opts.Resume {
		m.seedCompletion()
	}
	m.checkpoint(ctx, "start")
	m.publishStatus(ctx, "Run started")

	if m.opts.Resume {
		return StateGuidedNavigation, nil
	}

	out := schemas.Succeeded()
	sctx, cancel := m.stepCtx(ctx)
	err := m.deps.Surface.Navigate(sctx, m.session.EntryPoint)
	cancel()
	if err != nil {
		out = schemas.OutcomeFromError(err)
	}
	m.recordErr(m.deps.Recorder.RecordNavigate(m.session.EntryPoint, out))
	if !out.OK() {
		m.reason = fmt.Sprintf("Could not load %s: %s", m.session.EntryPoint, out.Reason)
		return StateFail, nil
	}
	return StateGuidedNavigation, nil
}

// observe feeds the loop detector. A trip sets the escalation reason.
func (m *Machine) observe(key string) bool {
	desc, tripped := m.loops.Observe(key)
	m.session.RecentActions = m.loops.Recent()
	if tripped {
		m.reason = "Loop detected: " + desc
		m.logger.Warn("Loop detected.", zap.String("pattern", desc), zap.Strings("recent", m.session.RecentActions))
	}
	return tripped
}

// checkpoint commits the working session and journal. Failures are logged;
// the run continues on its in-memory copy.
func (m *Machine) checkpoint(ctx context.Context, label string) {
	m.syncProgress()
	if err := m.deps.Store.Save(ctx, m.session); err != nil {
		m.logger.Warn("Session checkpoint failed.", zap.String("checkpoint", label), zap.Error(err))
		return
	}
	if err := m.deps.Recorder.Checkpoint(ctx); err != nil {
		m.logger.Warn("Journal checkpoint failed.", zap.String("checkpoint", label), zap.Error(err))
	}
}

// syncProgress copies journal-derived fields onto the working session.
func (m *Machine) syncProgress() {
	if last, ok := m.deps.Recorder.LastSuccess(); ok {
		m.session.LastSuccessfulStep = last.Seq
	}
	m.session.CompletionPercentage = completion(m.fieldsFilled, m.fieldsFound)
}

func (m *Machine) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StepTimeout)
}

func (m *Machine) recordErr(err error) {
	if err != nil {
		m.logger.Warn("Failed to record step.", zap.Error(err))
	}
}

func (m *Machine) publish(ctx context.Context, ev schemas.Event) {
	ev.SessionID = m.session.ID
	ev.RunID = m.opts.RunID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	pctx, cancel := m.stepCtx(ctx)
	defer cancel()
	if err := m.deps.Publisher.Publish(pctx, ev); err != nil {
		m.logger.Debug("Event not published.", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (m *Machine) publishStatus(ctx context.Context, msg string) {
	m.publish(ctx, schemas.Event{
		Type:     schemas.EventStatusChange,
		Status:   m.session.Status,
		State:    string(m.state),
		Message:  msg,
		Progress: m.session.CompletionPercentage,
	})
}

// verified reports whether the page carries explicit evidence of a finished
// application: a success phrase or a success URL.
func (m *Machine) verified(p *schemas.PageSignals) (string, bool) {
	if p == nil {
		return "", false
	}
	if p.SuccessText != "" {
		return p.SuccessText, true
	}
	heading := strings.ToLower(p.VisibleHeading)
	for _, phrase := range m.cfg.SuccessPhrases {
		if phrase != "" && heading != "" && strings.Contains(heading, strings.ToLower(phrase)) {
			return p.VisibleHeading, true
		}
	}
	for _, re := range m.successURL {
		if re.MatchString(p.URL) {
			return p.URL, true
		}
	}
	return "", false
}

func signalKey(prefix string, sig *schemas.Signal) string {
	switch {
	case sig == nil:
		return prefix
	case !sig.Target.Empty():
		return prefix + ":" + string(sig.Target)
	case sig.Text != "":
		return prefix + ":" + sig.Text
	}
	return prefix + ":" + sig.Detector
}
