package navigator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/journal"
	"github.com/xkilldash9x/applypilot/internal/mocks"
	"github.com/xkilldash9x/applypilot/internal/store"
)

const entryURL = "https://jobs.example.com/apply"

// fakeDetector is a scripted detector. detect receives the 1-based call
// number so a signal can appear only for the first few looks.
type fakeDetector struct {
	name    string
	mu      sync.Mutex
	detect  func(n int) *schemas.Signal
	execute func(sig *schemas.Signal) bool
	looks   int
	acts    int
}

func (f *fakeDetector) Name() string { return f.name }

func (f *fakeDetector) Detect(context.Context) (*schemas.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.looks++
	if f.detect == nil {
		return nil, nil
	}
	return f.detect(f.looks), nil
}

func (f *fakeDetector) Execute(_ context.Context, sig *schemas.Signal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acts++
	if f.execute == nil {
		return true, nil
	}
	return f.execute(sig), nil
}

func always(sig schemas.Signal) func(int) *schemas.Signal {
	return func(int) *schemas.Signal {
		s := sig
		return &s
	}
}

func firstN(n int, sig schemas.Signal) func(int) *schemas.Signal {
	return func(call int) *schemas.Signal {
		if call > n {
			return nil
		}
		s := sig
		return &s
	}
}

func never(*schemas.Signal) bool { return false }

type eventLog struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (l *eventLog) Publish(_ context.Context, ev schemas.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(t schemas.EventType) []schemas.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schemas.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t         *testing.T
	surface   *mocks.MockSurface
	store     *store.FileStore
	recorder  *journal.Recorder
	inspector *mocks.MockInspector
	filler    *mocks.MockFormFiller
	events    *eventLog
	deps      Deps
	session   *schemas.ApplicationSession
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.NewFileStore(afero.NewMemMapFs(), "/data", logger)
	require.NoError(t, err)

	sess := &schemas.ApplicationSession{ID: "sess-1", EntryPoint: entryURL, Company: "Acme"}
	h := &harness{
		t:         t,
		surface:   new(mocks.MockSurface),
		store:     st,
		recorder:  journal.NewRecorder(sess.ID, st, logger),
		inspector: new(mocks.MockInspector),
		filler:    new(mocks.MockFormFiller),
		events:    &eventLog{},
		session:   sess,
	}
	h.deps = Deps{
		Surface:   h.surface,
		Store:     h.store,
		Recorder:  h.recorder,
		Inspector: h.inspector,
		Filler:    h.filler,
		Publisher: h.events,
		Profile:   schemas.Profile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		Logger:    logger,
	}

	h.surface.On("AwaitNavigation", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.surface.On("AwaitVisible", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.surface.On("Click", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.surface.On("CurrentURL", mock.Anything).Return(entryURL, nil).Maybe()
	h.surface.On("Screenshot", mock.Anything).Return([]byte("png-bytes"), nil).Maybe()
	h.surface.On("Capture", mock.Anything).Return(&schemas.SurfaceSnapshot{URL: entryURL, Markup: "<html></html>"}, nil).Maybe()
	return h
}

func (h *harness) loadsEntry() {
	h.surface.On("Navigate", mock.Anything, entryURL).Return(nil).Once()
}

func (h *harness) run(ctx context.Context, cfg config.NavigatorConfig, opts Options) *RunResult {
	h.t.Helper()
	m, err := New(cfg, h.deps, opts)
	require.NoError(h.t, err)
	res, err := m.Run(ctx, h.session)
	require.NoError(h.t, err)
	require.NotNil(h.t, res)
	return res
}

func (h *harness) stored() *schemas.ApplicationSession {
	h.t.Helper()
	got, err := h.store.Get(context.Background(), h.session.ID)
	require.NoError(h.t, err)
	return got
}

func kinds(j *schemas.ActionJournal) []schemas.ActionKind {
	out := make([]schemas.ActionKind, 0, len(j.Steps))
	for _, s := range j.Steps {
		out = append(out, s.Kind)
	}
	return out
}

func testConfig() config.NavigatorConfig {
	return config.NavigatorConfig{
		MaxTransitions:       40,
		FillMaxIterations:    10,
		StallIterations:      3,
		DoneStableIterations: 2,
		LoopWindow:           10,
		MinConfidence:        0.5,
		StepTimeout:          time.Second,
		SuccessPhrases:       []string{"thank you"},
		SuccessURLPatterns:   []string{`(?i)/thanks`},
	}
}

var successPage = &schemas.PageSignals{
	URL:         "https://jobs.example.com/done",
	Fingerprint: "done",
	SuccessText: "Thank you for applying",
}

func TestRunSingleFieldApplication(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()

	cta := &fakeDetector{name: "cta", detect: always(schemas.Signal{Target: "css:#apply", Text: "Apply now"})}
	submit := &fakeDetector{name: "submit", detect: always(schemas.Signal{Target: "css:button[type=submit]"})}
	h.deps.Detectors = Detectors{CTA: cta, Submit: submit}

	form := &schemas.PageSignals{URL: entryURL + "/form", Fingerprint: "form-1", FieldCount: 1, HasSubmit: true}
	h.inspector.On("Inspect", mock.Anything).Return(form, nil).Twice()
	h.inspector.On("Inspect", mock.Anything).Return(successPage, nil).Once()
	h.filler.On("FillDiscoveredFields", mock.Anything, h.deps.Profile).
		Return(&schemas.FillReport{TotalFilled: 1, FieldsDiscovered: 1}, nil).Once()

	res := h.run(context.Background(), testConfig(), Options{RunID: "run-1"})

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.Empty(t, res.Reason)
	assert.Equal(t, 1, cta.acts, "The apply control is clicked once and never looked for again")
	assert.Equal(t, 1, submit.acts)

	got := h.stored()
	assert.Equal(t, schemas.StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.CompletionPercentage)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 4, got.LastSuccessfulStep)
	require.NotNil(t, got.Journal)
	assert.Equal(t, "run-1", got.Journal.RunID)
	assert.Equal(t, []schemas.ActionKind{
		schemas.KindNavigate, schemas.KindClick, schemas.KindFormSnapshot, schemas.KindClick, schemas.KindPageState,
	}, kinds(got.Journal))
	assert.Equal(t, "apply", got.Journal.Steps[1].Label)
	assert.Equal(t, "submit", got.Journal.Steps[3].Label)
	assert.True(t, got.Journal.Steps[3].Submits(), "Submit clicks are marked for replay")
	assert.False(t, got.Journal.Steps[1].Submits())

	statuses := h.events.ofType(schemas.EventStatusChange)
	require.NotEmpty(t, statuses)
	assert.Equal(t, schemas.StatusInProgress, statuses[0].Status)
	assert.Equal(t, schemas.StatusCompleted, statuses[len(statuses)-1].Status)
	assert.NotEmpty(t, h.events.ofType(schemas.EventProgress))

	h.inspector.AssertExpectations(t)
	h.filler.AssertExpectations(t)
	h.surface.AssertExpectations(t)
}

func TestRunStalledForm(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()

	page := &schemas.PageSignals{URL: entryURL, Fingerprint: "form-1", FieldCount: 3}
	h.inspector.On("Inspect", mock.Anything).Return(page, nil)
	h.filler.On("FillDiscoveredFields", mock.Anything, mock.Anything).
		Return(&schemas.FillReport{FieldsDiscovered: 3}, nil)

	res := h.run(context.Background(), testConfig(), Options{})

	assert.Equal(t, StateFail, res.State)
	assert.Equal(t, schemas.StatusNeedsAttention, res.Status)
	assert.Equal(t, "No progress detected after 3 form-fill iterations", res.Reason)
	h.filler.AssertNumberOfCalls(t, "FillDiscoveredFields", 3)

	got := h.stored()
	assert.Equal(t, "FillForm @ "+entryURL, got.FailurePoint)
	assert.Equal(t, 0.0, got.CompletionPercentage)
	require.NotNil(t, got.Journal)
	stalled, ok := got.Journal.FirstFailure()
	require.True(t, ok)
	assert.Equal(t, "form_stalled", stalled.FailureKind)
	assert.Equal(t, schemas.ErrCodeNoProgress, stalled.Outcome.Code)
	last := got.Journal.Steps[len(got.Journal.Steps)-1]
	assert.Equal(t, "run_failed", last.FailureKind)
}

func TestRunLoopFreezesAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()

	cta := &fakeDetector{name: "cta", detect: always(schemas.Signal{Target: "css:#apply"}), execute: never}
	h.deps.Detectors = Detectors{CTA: cta}

	notifier := new(mocks.MockNotifier)
	wantReason := `Loop detected: action "apply:css:#apply" repeated 3 times`
	notifier.On("NotifyHuman", mock.Anything, mock.MatchedBy(func(req schemas.HumanRequest) bool {
		return req.SessionID == "sess-1" &&
			req.EntryPoint == entryURL &&
			req.Reason == wantReason &&
			len(req.RecentActions) == 3 &&
			req.ScreenshotPath == "/data/screenshots/sess-1.png"
	})).Return(nil).Once()
	h.deps.Notifier = notifier

	res := h.run(context.Background(), testConfig(), Options{})

	assert.Equal(t, StateHumanIntervention, res.State)
	assert.Equal(t, schemas.StatusFrozen, res.Status)
	assert.Equal(t, wantReason, res.Reason)
	assert.Equal(t, []string{"apply:css:#apply", "apply:css:#apply", "apply:css:#apply"}, res.RecentActions)
	assert.Equal(t, 3, cta.acts)
	notifier.AssertExpectations(t)
	h.inspector.AssertNotCalled(t, "Inspect", mock.Anything)

	got := h.stored()
	assert.Equal(t, schemas.StatusFrozen, got.Status)
	assert.Equal(t, "ClickApply", got.FailurePoint)
	require.NotNil(t, got.Journal)
	assert.Len(t, got.Journal.Steps, 5)
	marker := got.Journal.Steps[4]
	assert.Equal(t, schemas.KindFailureMarker, marker.Kind)
	assert.Equal(t, "human_intervention", marker.FailureKind)
	assert.Equal(t, schemas.OutcomeNeedsHuman, marker.Outcome.Status)

	snap, err := h.store.LoadSnapshot(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, entryURL, snap.URL)
	assert.Equal(t, "/data/screenshots/sess-1.png", snap.ScreenshotPath)
}

func TestRunBlocker(t *testing.T) {
	overlay := func(detect func(int) *schemas.Signal) *fakeDetector {
		return &fakeDetector{name: "overlay", detect: detect, execute: never}
	}
	blockerSig := schemas.Signal{Target: "css:.modal-close", Text: "Join our talent network"}
	constrained := mock.MatchedBy(func(req schemas.ClassifyRequest) bool {
		return len(req.AllowedActions) == 2 &&
			req.Allows(schemas.PageDismissBlocker) &&
			string(req.Screenshot) == "png-bytes" &&
			req.URL == entryURL
	})

	t.Run("EscalatesWithoutClassifier", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		h.deps.Detectors = Detectors{Overlay: overlay(always(blockerSig))}

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateHumanIntervention, res.State)
		assert.Equal(t, schemas.StatusFrozen, res.Status)
		assert.Equal(t, "Blocking overlay could not be dismissed", res.Reason)
	})

	t.Run("ClassifierDismisses", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		h.deps.Detectors = Detectors{Overlay: overlay(firstN(1, blockerSig))}
		classifier := new(mocks.MockClassifier)
		classifier.On("Classify", mock.Anything, constrained).Return(&schemas.ClassifierVerdict{
			Action: schemas.PageDismissBlocker, Confidence: 0.9, Target: "css:button.close",
		}, nil).Once()
		h.deps.Classifier = classifier
		h.inspector.On("Inspect", mock.Anything).Return(successPage, nil).Once()

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateSuccess, res.State)
		assert.Equal(t, schemas.StatusCompleted, res.Status)
		classifier.AssertExpectations(t)
		h.surface.AssertCalled(t, "Click", mock.Anything, schemas.Locator("css:button.close"))
	})

	t.Run("ClassifierAsksForHuman", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		h.deps.Detectors = Detectors{Overlay: overlay(always(blockerSig))}
		classifier := new(mocks.MockClassifier)
		classifier.On("Classify", mock.Anything, constrained).Return(&schemas.ClassifierVerdict{
			Action: schemas.PageNeedsHuman, Confidence: 0.9, Reason: "Captcha",
		}, nil).Once()
		h.deps.Classifier = classifier

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateHumanIntervention, res.State)
		assert.Equal(t, "Blocking overlay needs a human: needsHuman (confidence 0.90): Captcha", res.Reason)
	})

	t.Run("GuidedActionIsRejected", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		h.deps.Detectors = Detectors{Overlay: overlay(always(blockerSig))}
		classifier := new(mocks.MockClassifier)
		classifier.On("Classify", mock.Anything, constrained).Return(&schemas.ClassifierVerdict{
			Action: schemas.PageSubmitForm, Confidence: 0.99, Target: "css:#submit",
		}, nil).Once()
		h.deps.Classifier = classifier

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateHumanIntervention, res.State)
		assert.Equal(t, "Blocking overlay could not be dismissed: submitForm (confidence 0.99)", res.Reason)
		h.surface.AssertNotCalled(t, "Click", mock.Anything, schemas.Locator("css:#submit"))
	})
}

func TestRunClassifierGate(t *testing.T) {
	review := &schemas.PageSignals{URL: entryURL + "/review", Fingerprint: "review"}

	tests := []struct {
		name    string
		verdict *schemas.ClassifierVerdict
		reason  string
	}{
		{
			name:    "UnverifiedCompletion",
			verdict: &schemas.ClassifierVerdict{Action: schemas.PageComplete, Confidence: 0.95, PageType: "confirmation"},
			reason:  "Classifier reported completion without a confirmation message; please verify",
		},
		{
			name:    "LowConfidence",
			verdict: &schemas.ClassifierVerdict{Action: schemas.PageFillForm, Confidence: 0.1},
			reason:  "Page classifier was not confident: fillForm (confidence 0.10)",
		},
		{
			name:    "OutOfSetAction",
			verdict: &schemas.ClassifierVerdict{Action: schemas.PageDismissBlocker, Confidence: 0.9},
			reason:  "Page classifier was not confident: dismissBlocker (confidence 0.90)",
		},
		{
			name:    "PrimaryActionWithoutTarget",
			verdict: &schemas.ClassifierVerdict{Action: schemas.PageFindPrimaryAction, Confidence: 0.8},
			reason:  "Classifier suggested an apply action without a target",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.loadsEntry()
			h.inspector.On("Inspect", mock.Anything).Return(review, nil)
			classifier := new(mocks.MockClassifier)
			classifier.On("Classify", mock.Anything, mock.MatchedBy(func(req schemas.ClassifyRequest) bool {
				return req.URL == review.URL && len(req.AllowedActions) == len(schemas.GuidedActions)
			})).Return(tt.verdict, nil).Once()
			h.deps.Classifier = classifier

			res := h.run(context.Background(), testConfig(), Options{})

			assert.Equal(t, StateHumanIntervention, res.State)
			assert.Equal(t, schemas.StatusFrozen, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEqual(t, schemas.StatusCompleted, h.stored().Status)
			classifier.AssertExpectations(t)
		})
	}

	t.Run("VerifiedCompletion", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		thanks := &schemas.PageSignals{URL: "https://jobs.example.com/Thanks?id=7", Fingerprint: "thanks"}
		h.inspector.On("Inspect", mock.Anything).Return(thanks, nil).Once()

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateSuccess, res.State)
		assert.Equal(t, schemas.StatusCompleted, res.Status)
		assert.Equal(t, 100.0, h.stored().CompletionPercentage)
	})

	t.Run("NoClassifier", func(t *testing.T) {
		h := newHarness(t)
		h.loadsEntry()
		h.inspector.On("Inspect", mock.Anything).Return(review, nil)

		res := h.run(context.Background(), testConfig(), Options{})

		assert.Equal(t, StateHumanIntervention, res.State)
		assert.Equal(t, "No rule matched this page and no classifier is configured", res.Reason)
	})
}

func TestRunAuthWall(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()
	auth := &fakeDetector{name: "auth", detect: always(schemas.Signal{Text: "Sign in to continue"})}
	cta := &fakeDetector{name: "cta", detect: always(schemas.Signal{Target: "css:#apply"})}
	h.deps.Detectors = Detectors{Auth: auth, CTA: cta}

	res := h.run(context.Background(), testConfig(), Options{})

	assert.Equal(t, StateHumanIntervention, res.State)
	assert.Equal(t, schemas.StatusRequiresAuth, res.Status)
	assert.Equal(t, "Authentication required: Sign in to continue", res.Reason)
	assert.Zero(t, cta.looks, "Authentication is checked before the call to action")

	got := h.stored()
	assert.Equal(t, schemas.StatusRequiresAuth, got.Status)
	require.NotNil(t, got.Journal)
	marker := got.Journal.Steps[len(got.Journal.Steps)-1]
	assert.Equal(t, string(schemas.ErrCodeAuthRequired), marker.Metadata["code"])
}

func TestRunConsentHandledOnce(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()
	consent := &fakeDetector{name: "consent", detect: always(schemas.Signal{Target: "css:#accept-cookies"})}
	h.deps.Detectors = Detectors{Consent: consent}
	h.inspector.On("Inspect", mock.Anything).Return(successPage, nil).Once()

	res := h.run(context.Background(), testConfig(), Options{})

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 1, consent.looks)
	assert.Equal(t, 1, consent.acts)
}

func TestRunCancellation(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	page := &schemas.PageSignals{URL: entryURL, Fingerprint: "form-1", FieldCount: 3}
	h.inspector.On("Inspect", mock.Anything).Return(page, nil)
	h.filler.On("FillDiscoveredFields", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&schemas.FillReport{FieldsDiscovered: 3}, nil).Once()

	res := h.run(ctx, testConfig(), Options{})

	assert.Equal(t, schemas.StatusFrozen, res.Status)
	assert.Equal(t, fmt.Sprintf("Run cancelled during FillForm @ %s: %v", entryURL, context.Canceled), res.Reason)
	assert.False(t, h.recorder.Recording())
	h.filler.AssertExpectations(t)

	got := h.stored()
	assert.Equal(t, schemas.StatusFrozen, got.Status)
	assert.Equal(t, "FillForm @ "+entryURL, got.FailurePoint)
	require.NotNil(t, got.Journal, "The partial journal is persisted")
	last := got.Journal.Steps[len(got.Journal.Steps)-1]
	assert.Equal(t, "cancelled", last.FailureKind)
	assert.Equal(t, schemas.ErrCodeCancelled, last.Outcome.Code)
}

func TestRunEntryLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.surface.On("Navigate", mock.Anything, entryURL).Return(errors.New("net::ERR_NAME_NOT_RESOLVED")).Once()

	res := h.run(context.Background(), testConfig(), Options{})

	assert.Equal(t, StateFail, res.State)
	assert.Equal(t, schemas.StatusNeedsAttention, res.Status)
	assert.Equal(t, "Could not load "+entryURL+": net::ERR_NAME_NOT_RESOLVED", res.Reason)

	got := h.stored()
	assert.Equal(t, "Start", got.FailurePoint)
	require.NotNil(t, got.Journal)
	first, ok := got.Journal.FirstFailure()
	require.True(t, ok)
	assert.Equal(t, schemas.KindNavigate, first.Kind)
	assert.Equal(t, schemas.ErrCodeNavigationError, first.Outcome.Code)
}

// stalledPublisher accepts no event until the publish context ends.
type stalledPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *stalledPublisher) Publish(ctx context.Context, _ schemas.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestRunSurvivesStalledPublisher(t *testing.T) {
	h := newHarness(t)
	h.surface.On("Navigate", mock.Anything, entryURL).Return(errors.New("net::ERR_NAME_NOT_RESOLVED")).Once()
	pub := &stalledPublisher{}
	h.deps.Publisher = pub
	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond

	m, err := New(cfg, h.deps, Options{})
	require.NoError(t, err)

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Run(context.Background(), h.session)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StateFail, out.res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on a publisher that never accepts events")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.NotZero(t, pub.calls)
}

func TestRunTransitionBudget(t *testing.T) {
	h := newHarness(t)
	h.loadsEntry()
	cta := &fakeDetector{
		name: "cta",
		detect: func(n int) *schemas.Signal {
			return &schemas.Signal{Target: schemas.Locator(fmt.Sprintf("css:#apply-%d", n))}
		},
		execute: never,
	}
	h.deps.Detectors = Detectors{CTA: cta}
	cfg := testConfig()
	cfg.MaxTransitions = 3

	res := h.run(context.Background(), cfg, Options{})

	assert.Equal(t, StateHumanIntervention, res.State)
	assert.Equal(t, "Transition budget of 3 exhausted", res.Reason)
	assert.Equal(t, 1, cta.acts)
}

func TestRunResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.recorder.Start("run-0", entryURL))
	_, err := h.recorder.Append(schemas.ActionStep{Kind: schemas.KindNavigate, Value: entryURL})
	require.NoError(t, err)
	h.session.Status = schemas.StatusFrozen
	h.session.RunCount = 1
	h.inspector.On("Inspect", mock.Anything).Return(successPage, nil).Once()

	res := h.run(context.Background(), testConfig(), Options{RunID: "run-1", Resume: true})

	assert.Equal(t, StateSuccess, res.State)
	h.surface.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything)

	got := h.stored()
	assert.Equal(t, 2, got.RunCount)
	require.NotNil(t, got.Journal)
	assert.Equal(t, "run-0", got.Journal.RunID)
	assert.Equal(t, []schemas.ActionKind{schemas.KindNavigate, schemas.KindPageState}, kinds(got.Journal))
}

// resumedHarness opens a journal holding one replayed email fill, the state a
// resume leaves the recorder in.
func resumedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.recorder.Start("run-1", entryURL))
	_, err := h.recorder.Append(schemas.ActionStep{Kind: schemas.KindNavigate, Value: entryURL})
	require.NoError(t, err)
	_, err = h.recorder.Append(schemas.ActionStep{
		Kind: schemas.KindFillField, Target: "name:email", Value: "ada@example.com",
		Metadata: map[string]interface{}{"field_key": "email", "replayed": true, "original_seq": 1},
	})
	require.NoError(t, err)
	h.session.Status = schemas.StatusFrozen
	h.session.RunCount = 1
	return h
}

func TestRunResumeOnFilledForm(t *testing.T) {
	h := resumedHarness(t)
	submit := &fakeDetector{name: "submit", detect: always(schemas.Signal{Target: "css:button[type=submit]"})}
	h.deps.Detectors = Detectors{Submit: submit}

	form := &schemas.PageSignals{URL: entryURL, Fingerprint: "form-1", FieldCount: 1, HasSubmit: true}
	h.inspector.On("Inspect", mock.Anything).Return(form, nil).Twice()
	h.inspector.On("Inspect", mock.Anything).Return(successPage, nil).Once()
	h.filler.On("FillDiscoveredFields", mock.Anything, mock.Anything).
		Return(&schemas.FillReport{FieldsDiscovered: 1, AlreadySatisfied: 1}, nil).Once()

	res := h.run(context.Background(), testConfig(), Options{RunID: "run-1", Resume: true})

	assert.Equal(t, StateSuccess, res.State, "A form the replay already filled is done, not stalled")
	assert.Equal(t, 1, submit.acts)
	got := h.stored()
	assert.Equal(t, 100.0, got.CompletionPercentage)
	assert.Equal(t, []schemas.ActionKind{
		schemas.KindNavigate, schemas.KindFillField, schemas.KindFormSnapshot, schemas.KindClick, schemas.KindPageState,
	}, kinds(got.Journal))
	h.filler.AssertExpectations(t)
}

func TestRunResumeNeverSubmitsTwice(t *testing.T) {
	h := resumedHarness(t)
	submit := &fakeDetector{name: "submit", detect: always(schemas.Signal{Target: "css:button[type=submit]"})}
	h.deps.Detectors = Detectors{Submit: submit}

	form := &schemas.PageSignals{URL: entryURL, Fingerprint: "form-1", FieldCount: 1, HasSubmit: true}
	h.inspector.On("Inspect", mock.Anything).Return(form, nil).Twice()
	h.filler.On("FillDiscoveredFields", mock.Anything, mock.Anything).
		Return(&schemas.FillReport{FieldsDiscovered: 1, AlreadySatisfied: 1}, nil).Once()

	res := h.run(context.Background(), testConfig(), Options{RunID: "run-1", Resume: true, Submitted: true})

	assert.Equal(t, StateHumanIntervention, res.State)
	assert.Equal(t, schemas.StatusFrozen, res.Status)
	assert.Contains(t, res.Reason, "already submitted")
	assert.Zero(t, submit.acts)
	h.surface.AssertNotCalled(t, "Click", mock.Anything, schemas.Locator("css:button[type=submit]"))
}

func TestRunInvariants(t *testing.T) {
	t.Run("MissingCapabilities", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps
		deps.Surface = nil
		_, err := New(testConfig(), deps, Options{})
		assert.ErrorIs(t, err, ErrMissingRunContext)

		deps = h.deps
		deps.Filler = nil
		_, err = New(testConfig(), deps, Options{})
		assert.ErrorIs(t, err, ErrMissingRunContext)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		h := newHarness(t)
		cfg := testConfig()
		cfg.LoopWindow = 2
		_, err := New(cfg, h.deps, Options{})
		assert.Error(t, err)

		cfg = testConfig()
		cfg.SuccessURLPatterns = []string{"("}
		_, err = New(cfg, h.deps, Options{})
		assert.Error(t, err)
	})

	t.Run("Sessions", func(t *testing.T) {
		h := newHarness(t)
		m, err := New(testConfig(), h.deps, Options{})
		require.NoError(t, err)

		_, err = m.Run(context.Background(), nil)
		assert.ErrorIs(t, err, ErrMissingRunContext)

		_, err = m.Run(context.Background(), &schemas.ApplicationSession{ID: "sess-1", Status: schemas.StatusCompleted})
		assert.Error(t, err)

		_, err = m.Run(context.Background(), &schemas.ApplicationSession{ID: "other"})
		assert.ErrorIs(t, err, ErrMissingRunContext)
	})

	t.Run("ResumeRequiresOpenJournal", func(t *testing.T) {
		h := newHarness(t)
		m, err := New(testConfig(), h.deps, Options{Resume: true})
		require.NoError(t, err)
		_, err = m.Run(context.Background(), h.session)
		assert.ErrorIs(t, err, journal.ErrNotRecording)
	})

	t.Run("FreshRunRejectsOpenJournal", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.recorder.Start("run-0", entryURL))
		m, err := New(testConfig(), h.deps, Options{})
		require.NoError(t, err)
		_, err = m.Run(context.Background(), h.session)
		assert.ErrorIs(t, err, journal.ErrAlreadyRecording)
		h.surface.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything)
	})
}
