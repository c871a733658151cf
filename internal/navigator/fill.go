package navigator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// maxFillIterations is the hard ceiling on filler passes per form page.
const maxFillIterations = 10

// fillForm asks the filler for repeated passes over the current page until
// the tracker calls it done or stalled.
func (m *Machine) fillForm(ctx context.Context) (State, error) {
	fp := ""
	if m.page != nil {
		fp = m.page.Fingerprint
	}
	if m.observe("fill:" + fp) {
		return StateHumanIntervention, nil
	}

	limit := m.cfg.FillMaxIterations
	if limit <= 0 || limit > maxFillIterations {
		limit = maxFillIterations
	}
	tracker := NewCompletionTracker(m.cfg.StallIterations, m.cfg.DoneStableIterations)

	verdict := FillContinue
	for i := 0; i < limit && verdict == FillContinue; i++ {
		if ctx.Err() != nil {
			// The run loop turns this into a freeze.
			return StateFail, nil
		}
		sctx, cancel := m.stepCtx(ctx)
		report, err := m.deps.Filler.FillDiscoveredFields(sctx, m.deps.Profile)
		cancel()
		if err != nil {
			m.logger.Warn("Form fill pass failed.", zap.Int("iteration", i+1), zap.Error(err))
			report = &schemas.FillReport{Errors: []string{err.Error()}}
		}
		verdict = tracker.Observe(report)
		m.logger.Debug("Form fill pass.",
			zap.Int("iteration", tracker.Iterations()),
			zap.Int("new_fields", report.TotalFilled),
			zap.Int("filled", tracker.Filled()),
			zap.Int("discovered", tracker.Discovered()),
			zap.Stringer("verdict", verdict))
		m.publish(ctx, schemas.Event{
			Type:     schemas.EventProgress,
			State:    string(StateFillForm),
			Message:  fmt.Sprintf("Form pass %d filled %d new fields", tracker.Iterations(), report.TotalFilled),
			Progress: completion(m.pageCompletion(tracker)),
		})
	}
	if verdict == FillContinue {
		verdict = tracker.Conclude()
	}

	meta := map[string]interface{}{
		"fingerprint": fp,
		"filled":      tracker.Filled(),
		"discovered":  tracker.Discovered(),
		"satisfied":   tracker.Satisfied(),
		"iterations":  tracker.Iterations(),
	}
	if needs := tracker.NeedingHuman(); len(needs) > 0 {
		meta["fields_needing_human"] = needs
	}

	if verdict == FillStalled {
		m.reason = fmt.Sprintf("No progress detected after %d form-fill iterations", tracker.Iterations())
		m.recordErr(m.deps.Recorder.RecordFailure("form_stalled", schemas.Failed(schemas.ErrCodeNoProgress, m.reason), meta))
		return StateFail, nil
	}

	m.filledPages[fp] = true
	m.fieldsFilled, m.fieldsFound = m.pageCompletion(tracker)
	m.replayedFields -= m.replayedOverlap(tracker)
	m.recordErr(m.deps.Recorder.RecordFormSnapshot("form_complete", meta))
	m.checkpoint(ctx, "form")
	return StateGuidedNavigation, nil
}

// pageCompletion adds a page's tracker counts to the run totals. Fields that
// already held a value count as filled, except those attributed to writes an
// earlier run made, which seedCompletion counted already.
func (m *Machine) pageCompletion(t *CompletionTracker) (filled, found int) {
	overlap := m.replayedOverlap(t)
	return m.fieldsFilled + t.Filled() + t.Satisfied() - overlap, m.fieldsFound + t.Discovered() - overlap
}

func (m *Machine) replayedOverlap(t *CompletionTracker) int {
	if t.Satisfied() < m.replayedFields {
		return t.Satisfied()
	}
	return m.replayedFields
}

// seedCompletion counts the distinct fields an earlier run wrote, as replayed
// into the open journal, so a resumed run reports completion across both.
func (m *Machine) seedCompletion() {
	seen := make(map[schemas.Locator]struct{})
	for _, s := range m.deps.Recorder.SuccessfulSteps() {
		if fieldWrite(s) {
			seen[s.Target] = struct{}{}
		}
	}
	m.replayedFields = len(seen)
	m.fieldsFilled += len(seen)
	m.fieldsFound += len(seen)
}

func fieldWrite(s schemas.ActionStep) bool {
	switch s.Kind {
	case schemas.KindFillField, schemas.KindSelectOption, schemas.KindUploadFile:
		return true
	case schemas.KindClick:
		_, ok := s.Metadata["field_key"]
		return ok
	}
	return false
}
