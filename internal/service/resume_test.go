package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/events"
	"github.com/xkilldash9x/applypilot/internal/mocks"
	"github.com/xkilldash9x/applypilot/internal/navigator"
)

// formSite is a one-page application whose markup follows the writes made
// against it. Any click submits the form and shows the confirmation page.
type formSite struct {
	*mocks.MockSurface
	mu        sync.Mutex
	email     string
	submitted bool
	submits   int
}

func (s *formSite) Markup(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitted {
		return `<html><body><h1>Thank you for applying</h1><p>We will be in touch.</p></body></html>`, nil
	}
	return fmt.Sprintf(`<html><body><form>
<label for="email">Email</label><input type="email" id="email" name="email" value=%q required>
<button type="submit" id="send">Submit application</button>
</form></body></html>`, s.email), nil
}

func (s *formSite) SetValue(_ context.Context, _ schemas.Locator, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.email = value
	return nil
}

func (s *formSite) Click(context.Context, schemas.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = true
	s.submits++
	return nil
}

type siteSurfaces struct{ site *formSite }

func (f siteSurfaces) NewSurface(context.Context) (schemas.Surface, error) { return f.site, nil }
func (f siteSurfaces) Close() error                                        { return nil }

// siteRunner wires a runner with the default detectors, inspector and filler
// against site.
func siteRunner(t *testing.T, f *fixture, site *formSite) *Runner {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewRunner(f.cfg, &Components{
		Store:    f.store,
		Bus:      f.bus,
		Surfaces: siteSurfaces{site: site},
		Notifier: events.NewLogNotifier(logger),
		Profile:  schemas.Profile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
	}, logger)
}

func newSite() *formSite {
	s := &formSite{MockSurface: passiveSurface()}
	s.On("Navigate", mock.Anything, entryURL).Return(nil).Once()
	return s
}

func filledEmail() schemas.ActionStep {
	return ok(schemas.ActionStep{
		Kind: schemas.KindFillField, Target: "id:email", Value: "ada@example.com", Label: "Email", Category: "email",
		Metadata: map[string]interface{}{"field_key": "email"},
	})
}

func TestResumeWithDefaultCapabilities(t *testing.T) {
	t.Run("FilledFormIsSubmittedOnce", func(t *testing.T) {
		f := newFixture(t)
		f.seed(frozenSession("sess-form"),
			ok(schemas.ActionStep{Kind: schemas.KindNavigate, Value: entryURL}),
			filledEmail(),
			schemas.ActionStep{Kind: schemas.KindFailureMarker, FailureKind: "cancelled", Outcome: schemas.Failed(schemas.ErrCodeCancelled, "interrupted")},
		)
		site := newSite()

		res, err := siteRunner(t, f, site).ResumeSession(context.Background(), "sess-form")
		require.NoError(t, err)

		assert.Equal(t, navigator.StateSuccess, res.State, res.Reason)
		assert.Equal(t, 1, site.submits)
		got, err := f.store.Get(context.Background(), "sess-form")
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusCompleted, got.Status)
		assert.Equal(t, 100.0, got.CompletionPercentage, "Replayed fields count toward completion")
		require.NotNil(t, got.Journal)
		assert.True(t, got.Journal.Submitted())
		site.AssertExpectations(t)
	})

	t.Run("RecordedSubmissionIsNotRepeated", func(t *testing.T) {
		f := newFixture(t)
		f.seed(frozenSession("sess-sent"),
			ok(schemas.ActionStep{Kind: schemas.KindNavigate, Value: entryURL}),
			filledEmail(),
			ok(schemas.ActionStep{Kind: schemas.KindClick, Target: "id:send", Label: "submit",
				Metadata: map[string]interface{}{schemas.MetaSubmits: true}}),
			schemas.ActionStep{Kind: schemas.KindFailureMarker, FailureKind: "human_intervention", Outcome: schemas.NeedsHuman("completion not verified")},
		)
		site := newSite()

		res, err := siteRunner(t, f, site).ResumeSession(context.Background(), "sess-sent")
		require.NoError(t, err)

		assert.Equal(t, navigator.StateHumanIntervention, res.State)
		assert.Equal(t, schemas.StatusFrozen, res.Status)
		assert.Contains(t, res.Reason, "already submitted")
		assert.Zero(t, site.submits, "Neither the replay nor the new run clicks submit")

		got, err := f.store.Get(context.Background(), "sess-sent")
		require.NoError(t, err)
		require.NotNil(t, got.Journal)
		assert.NotEqual(t, "run-0", got.Journal.RunID)
		assert.True(t, got.Journal.Submitted(), "The submission carries into the new journal for later resumes")
		site.AssertExpectations(t)
	})
}
