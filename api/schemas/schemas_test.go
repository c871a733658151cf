package schemas_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

func TestLocatorQuery(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		loc       schemas.Locator
		wantQuery string
		wantType  schemas.QueryType
	}{
		{"StableID", "id:email", `[id="email"]`, schemas.QueryCSS},
		{"Name", "name:first_name", `[name="first_name"]`, schemas.QueryCSS},
		{"CSSPrefix", "css:form button[type=submit]", `form button[type=submit]`, schemas.QueryCSS},
		{"XPathPrefix", "xpath://button", `//button`, schemas.QueryXPath},
		{"UnprefixedCSS", "#apply .btn", `#apply .btn`, schemas.QueryCSS},
		{"UnprefixedXPath", "//div[@role='dialog']", `//div[@role='dialog']`, schemas.QueryXPath},
		{"BareIdentifier", "submit", `[id="submit"], [name="submit"]`, schemas.QueryCSS},
		{"QuotedValue", `id:a"b`, `[id="a\"b"]`, schemas.QueryCSS},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q, typ := tc.loc.Query()
			assert.Equal(t, tc.wantQuery, q)
			assert.Equal(t, tc.wantType, typ)
		})
	}

	t.Run("TextLocatorUsesNormalizedText", func(t *testing.T) {
		q, typ := schemas.ByText("Apply now").Query()
		assert.Equal(t, schemas.QueryXPath, typ)
		assert.Contains(t, q, `normalize-space(.)="Apply now"`)
	})

	t.Run("TextLocatorWithBothQuotes", func(t *testing.T) {
		q, _ := schemas.ByText(`it's "here"`).Query()
		assert.Contains(t, q, "concat(")
	})
}

func TestActionKind(t *testing.T) {
	t.Parallel()
	assert.True(t, schemas.KindFillField.Known())
	assert.True(t, schemas.KindFailureMarker.Known())
	assert.False(t, schemas.ActionKind("hover").Known())

	assert.True(t, schemas.KindClick.Interactive())
	assert.False(t, schemas.KindPageState.Interactive())
	assert.False(t, schemas.KindWait.Interactive())
}

func TestJournalQueries(t *testing.T) {
	t.Parallel()
	ts := getTestTime(t)
	j := &schemas.ActionJournal{
		RunID:      "run-1",
		EntryPoint: "https://jobs.example.com/apply",
		StartedAt:  ts,
		Steps: []schemas.ActionStep{
			{Seq: 0, Kind: schemas.KindNavigate, Value: "https://jobs.example.com/apply", Outcome: schemas.Succeeded()},
			{Seq: 1, Kind: schemas.KindFillField, Target: "id:email", Value: "a@b.com", Outcome: schemas.Succeeded()},
			{Seq: 2, Kind: schemas.KindClick, Target: "submit", Outcome: schemas.Failed(schemas.ErrCodeElementNotFound, "missing")},
			{Seq: 3, Kind: schemas.KindWait, Value: "500ms", Outcome: schemas.Succeeded()},
		},
	}

	t.Run("SuccessfulSteps", func(t *testing.T) {
		steps := j.SuccessfulSteps()
		require.Len(t, steps, 3)
		assert.Equal(t, []int{0, 1, 3}, []int{steps[0].Seq, steps[1].Seq, steps[2].Seq})
	})

	t.Run("FirstFailure", func(t *testing.T) {
		step, ok := j.FirstFailure()
		require.True(t, ok)
		assert.Equal(t, 2, step.Seq)
	})

	t.Run("LastSuccess", func(t *testing.T) {
		step, ok := j.LastSuccess()
		require.True(t, ok)
		assert.Equal(t, 3, step.Seq)
	})

	t.Run("NilJournal", func(t *testing.T) {
		var nilJournal *schemas.ActionJournal
		assert.Empty(t, nilJournal.SuccessfulSteps())
		_, ok := nilJournal.FirstFailure()
		assert.False(t, ok)
	})

	t.Run("CloneIsIndependent", func(t *testing.T) {
		c := j.Clone()
		c.Steps = append(c.Steps, schemas.ActionStep{Seq: 4})
		assert.Len(t, j.Steps, 4)
		assert.Len(t, c.Steps, 5)
	})
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		err  error
		want schemas.ErrorCode
	}{
		{"Nil", nil, ""},
		{"SentinelTimeout", fmt.Errorf("wait: %w", schemas.ErrSurfaceTimeout), schemas.ErrCodeTimeoutError},
		{"Deadline", context.DeadlineExceeded, schemas.ErrCodeTimeoutError},
		{"Cancelled", context.Canceled, schemas.ErrCodeCancelled},
		{"SentinelNotFound", fmt.Errorf("click: %w", schemas.ErrElementNotFound), schemas.ErrCodeElementNotFound},
		{"SelectorHeuristic", errors.New("invalid selector"), schemas.ErrCodeElementNotFound},
		{"NotInteractable", errors.New("element not interactable"), schemas.ErrCodeNotInteractable},
		{"NetError", errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), schemas.ErrCodeNavigationError},
		{"Other", errors.New("boom"), schemas.ErrCodeExecutionFailure},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, schemas.ClassifyError(tc.err))
		})
	}
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()
	assert.True(t, schemas.StatusCompleted.Terminal())
	assert.True(t, schemas.StatusFailed.Terminal())
	assert.False(t, schemas.StatusFrozen.Terminal())
	assert.True(t, schemas.StatusFrozen.Resumable())
	assert.True(t, schemas.StatusNeedsAttention.Resumable())
	assert.False(t, schemas.StatusCompleted.Resumable())
}

func TestClassifyRequestAllows(t *testing.T) {
	t.Parallel()
	req := schemas.ClassifyRequest{AllowedActions: schemas.BlockerActions}
	assert.True(t, req.Allows(schemas.PageDismissBlocker))
	assert.False(t, req.Allows(schemas.PageComplete))
	assert.True(t, schemas.ClassifyRequest{}.Allows(schemas.PageComplete))
}
