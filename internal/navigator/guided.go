package navigator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

const submitLabel = "submit"

// guided evaluates the navigation policy in fixed priority order. Universal
// checks run before goal-directed ones, and rule-based classification runs
// before the AI classifier is consulted.
func (m *Machine) guided(ctx context.Context) (State, error) {
	d := m.deps.Detectors

	if sig := m.detect(ctx, d.Overlay); sig != nil {
		m.blocker = sig
		return StateResolveBlocker, nil
	}

	if sig := m.detect(ctx, d.Auth); sig != nil {
		m.authRequired = true
		m.reason = "Authentication required"
		if sig.Text != "" {
			m.reason += ": " + sig.Text
		}
		return StateHumanIntervention, nil
	}

	if !m.consentHandled {
		if sig := m.detect(ctx, d.Consent); sig != nil {
			m.consentHandled = true
			m.execute(ctx, d.Consent, sig, "consent")
			if m.observe(signalKey("consent", sig)) {
				return StateHumanIntervention, nil
			}
			return StateGuidedNavigation, nil
		}
	}

	if !m.goalReached {
		if sig := m.detect(ctx, d.CTA); sig != nil {
			m.cta = sig
			return StateClickApply, nil
		}
	}

	page, err := m.inspect(ctx)
	if err != nil {
		m.logger.Warn("Page inspection failed.", zap.Error(err))
	}
	m.page = page
	if page != nil {
		if evidence, ok := m.verified(page); ok {
			m.successEvidence = evidence
			return StateSuccess, nil
		}
		if page.FieldCount > 0 && !m.filledPages[page.Fingerprint] {
			return StateFillForm, nil
		}
		if page.HasSubmit && m.filledPages[page.Fingerprint] {
			if next, acted := m.advance(ctx, d.Submit, submitLabel); acted {
				return next, nil
			}
		}
		if page.HasNext {
			if next, acted := m.advance(ctx, d.Next, "next"); acted {
				return next, nil
			}
		}
	}

	if m.deps.Classifier == nil {
		m.reason = "No rule matched this page and no classifier is configured"
		return StateHumanIntervention, nil
	}
	return StateAnalyzePage, nil
}

// advance runs a submit or next control if its detector finds one. acted is
// false when there was nothing to click.
func (m *Machine) advance(ctx context.Context, det schemas.Detector, label string) (State, bool) {
	sig := m.detect(ctx, det)
	if sig == nil {
		return "", false
	}
	if m.submitBlocked(label) {
		return StateHumanIntervention, true
	}
	ok := m.execute(ctx, det, sig, label)
	if m.observe(signalKey(label, sig)) {
		return StateHumanIntervention, true
	}
	if ok {
		m.awaitSettle(ctx)
		if label == submitLabel {
			m.checkpoint(ctx, submitLabel)
		}
	}
	return StateGuidedNavigation, true
}

// clickApply acts on the primary call to action found by the CTA detector.
func (m *Machine) clickApply(ctx context.Context) (State, error) {
	sig := m.cta
	m.cta = nil
	ok := m.execute(ctx, m.deps.Detectors.CTA, sig, "apply")
	if m.observe(signalKey("apply", sig)) {
		return StateHumanIntervention, nil
	}
	if ok {
		m.goalReached = true
		m.awaitSettle(ctx)
		m.checkpoint(ctx, "apply")
	}
	return StateGuidedNavigation, nil
}

// resolveBlocker tries the rule-based dismissal, then one constrained
// classifier attempt, then gives up to a human.
func (m *Machine) resolveBlocker(ctx context.Context) (State, error) {
	sig := m.blocker
	m.blocker = nil
	if m.observe(signalKey("dismiss", sig)) {
		return StateHumanIntervention, nil
	}
	if m.execute(ctx, m.deps.Detectors.Overlay, sig, "dismiss") {
		return StateGuidedNavigation, nil
	}

	if m.deps.Classifier == nil {
		m.reason = "Blocking overlay could not be dismissed"
		return StateHumanIntervention, nil
	}
	verdict, req, err := m.classify(ctx, schemas.BlockerActions, "A blocking overlay covers the page: "+sig.Text)
	switch {
	case err != nil:
		m.reason = "Blocking overlay could not be dismissed: " + err.Error()
		return StateHumanIntervention, nil
	case !m.confident(verdict, req):
		m.reason = "Blocking overlay could not be dismissed: " + verdictSummary(verdict)
		return StateHumanIntervention, nil
	case verdict.Action != schemas.PageDismissBlocker || verdict.Target.Empty():
		m.reason = "Blocking overlay needs a human: " + verdictSummary(verdict)
		return StateHumanIntervention, nil
	}

	if !m.clickTarget(ctx, verdict.Target, "dismiss blocker", map[string]interface{}{"source": "classifier"}) {
		m.reason = fmt.Sprintf("Blocking overlay could not be dismissed: click on %s failed", verdict.Target)
		return StateHumanIntervention, nil
	}
	return StateGuidedNavigation, nil
}

// analyzePage asks the classifier and dispatches on its advice. A claim of
// completion still has to pass the verification gate.
func (m *Machine) analyzePage(ctx context.Context) (State, error) {
	verdict, req, err := m.classify(ctx, schemas.GuidedActions, pageContext(m.page))
	if err != nil {
		m.reason = "Page classifier failed: " + err.Error()
		return StateHumanIntervention, nil
	}
	if !m.confident(verdict, req) {
		m.reason = "Page classifier was not confident: " + verdictSummary(verdict)
		return StateHumanIntervention, nil
	}
	m.recordErr(m.deps.Recorder.RecordPageState(verdict.PageType, map[string]interface{}{
		"source":     "classifier",
		"action":     string(verdict.Action),
		"confidence": verdict.Confidence,
		"reason":     verdict.Reason,
	}))
	if m.observe("classify:" + string(verdict.Action) + ":" + string(verdict.Target)) {
		return StateHumanIntervention, nil
	}

	switch verdict.Action {
	case schemas.PageComplete:
		if evidence, ok := m.verified(m.page); ok {
			m.successEvidence = evidence
			return StateSuccess, nil
		}
		m.reason = "Classifier reported completion without a confirmation message; please verify"
		return StateHumanIntervention, nil

	case schemas.PageFillForm:
		return StateFillForm, nil

	case schemas.PageFindPrimaryAction:
		if verdict.Target.Empty() {
			m.reason = "Classifier suggested an apply action without a target"
			return StateHumanIntervention, nil
		}
		if m.clickTarget(ctx, verdict.Target, "apply", map[string]interface{}{"source": "classifier"}) {
			m.goalReached = true
			m.awaitSettle(ctx)
			m.checkpoint(ctx, "apply")
		}
		return StateGuidedNavigation, nil

	case schemas.PageSubmitForm, schemas.PageNavigateForward:
		label, det := submitLabel, m.deps.Detectors.Submit
		if verdict.Action == schemas.PageNavigateForward {
			label, det = "next", m.deps.Detectors.Next
		}
		if !verdict.Target.Empty() {
			if m.submitBlocked(label) {
				return StateHumanIntervention, nil
			}
			if m.clickTarget(ctx, verdict.Target, label, map[string]interface{}{"source": "classifier"}) {
				m.awaitSettle(ctx)
			}
			return StateGuidedNavigation, nil
		}
		if _, acted := m.advance(ctx, det, label); acted {
			return StateGuidedNavigation, nil
		}
		m.reason = fmt.Sprintf("Classifier suggested %s but no control was found", verdict.Action)
		return StateHumanIntervention, nil

	case schemas.PageEnterSubFrame:
		return m.enterFrame(ctx, verdict.Target)

	default:
		m.reason = "Classifier requested human help: " + verdictSummary(verdict)
		return StateHumanIntervention, nil
	}
}

// enterFrame hands surface ownership to an embedded frame.
func (m *Machine) enterFrame(ctx context.Context, target schemas.Locator) (State, error) {
	if target.Empty() {
		target = schemas.ByCSS("iframe")
	}
	sctx, cancel := m.stepCtx(ctx)
	err := m.deps.Surface.EnterFrame(sctx, target)
	cancel()
	out := schemas.OutcomeFromError(err)
	m.recordErr(m.deps.Recorder.RecordIframeSwitch(target, out))
	if !out.OK() {
		m.reason = "Could not enter embedded frame: " + out.Reason
		return StateHumanIntervention, nil
	}
	m.frameDepth++
	return StateGuidedNavigation, nil
}

// detect runs one detector under the step timeout. Errors count as absent.
func (m *Machine) detect(ctx context.Context, det schemas.Detector) *schemas.Signal {
	if det == nil {
		return nil
	}
	sctx, cancel := m.stepCtx(ctx)
	defer cancel()
	sig, err := det.Detect(sctx)
	if err != nil {
		m.logger.Debug("Detector failed.", zap.String("detector", det.Name()), zap.Error(err))
		return nil
	}
	if sig != nil && sig.Detector == "" {
		sig.Detector = det.Name()
	}
	return sig
}

// execute lets a detector act on its signal and records the click.
func (m *Machine) execute(ctx context.Context, det schemas.Detector, sig *schemas.Signal, label string) bool {
	if det == nil || sig == nil {
		return false
	}
	sctx, cancel := m.stepCtx(ctx)
	ok, err := det.Execute(sctx, sig)
	cancel()

	out := schemas.Succeeded()
	switch {
	case err != nil:
		out = schemas.OutcomeFromError(err)
	case !ok:
		out = schemas.Failed(schemas.ErrCodeExecutionFailure, fmt.Sprintf("%s detector could not act", det.Name()))
	}
	meta := map[string]interface{}{"detector": det.Name()}
	if sig.Text != "" {
		meta["text"] = sig.Text
	}
	markSubmit(label, meta)
	m.recordErr(m.deps.Recorder.RecordClick(sig.Target, label, out, meta))
	return out.OK()
}

// submitBlocked escalates instead of submitting when an earlier run of this
// session already submitted a form.
func (m *Machine) submitBlocked(label string) bool {
	if label != submitLabel || !m.opts.Submitted {
		return false
	}
	m.reason = "A form was already submitted by an earlier run; confirm before submitting again"
	m.logger.Warn("Refusing to submit again on resume.")
	return true
}

// markSubmit tags a submit click so replay never repeats it.
func markSubmit(label string, meta map[string]interface{}) {
	if label == submitLabel {
		meta[schemas.MetaSubmits] = true
	}
}

// clickTarget clicks a locator suggested by the classifier.
func (m *Machine) clickTarget(ctx context.Context, target schemas.Locator, label string, meta map[string]interface{}) bool {
	sctx, cancel := m.stepCtx(ctx)
	defer cancel()
	if err := m.deps.Surface.AwaitVisible(sctx, target, m.cfg.StepTimeout); err != nil {
		m.logger.Debug("Target not visible, clicking anyway.", zap.String("target", string(target)), zap.Error(err))
	}
	out := schemas.OutcomeFromError(m.deps.Surface.Click(sctx, target))
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	markSubmit(label, meta)
	m.recordErr(m.deps.Recorder.RecordClick(target, label, out, meta))
	return out.OK()
}

// awaitSettle waits for a navigation an action may have triggered. A page
// that stays put is fine.
func (m *Machine) awaitSettle(ctx context.Context) {
	sctx, cancel := m.stepCtx(ctx)
	defer cancel()
	if err := m.deps.Surface.AwaitNavigation(sctx, m.cfg.StepTimeout); err != nil {
		m.logger.Debug("No navigation after action.", zap.Error(err))
	}
}

func (m *Machine) inspect(ctx context.Context) (*schemas.PageSignals, error) {
	sctx, cancel := m.stepCtx(ctx)
	defer cancel()
	return m.deps.Inspector.Inspect(sctx)
}

func (m *Machine) classify(ctx context.Context, allowed []schemas.PageAction, pageCtx string) (*schemas.ClassifierVerdict, schemas.ClassifyRequest, error) {
	sctx, cancel := m.stepCtx(ctx)
	defer cancel()

	req := schemas.ClassifyRequest{Context: pageCtx, AllowedActions: allowed}
	if m.page != nil {
		req.URL = m.page.URL
	} else if u, err := m.deps.Surface.CurrentURL(sctx); err == nil {
		req.URL = u
	}
	shot, err := m.deps.Surface.Screenshot(sctx)
	if err != nil {
		m.logger.Debug("Screenshot for classifier failed.", zap.Error(err))
	}
	req.Screenshot = shot

	verdict, err := m.deps.Classifier.Classify(sctx, req)
	if err != nil {
		return nil, req, err
	}
	if verdict == nil {
		return nil, req, fmt.Errorf("classifier returned no verdict")
	}
	m.logger.Info("Classifier verdict.",
		zap.String("action", string(verdict.Action)),
		zap.Float64("confidence", verdict.Confidence),
		zap.String("page_type", verdict.PageType))
	return verdict, req, nil
}

// confident treats low-confidence or out-of-set advice as a request for help.
func (m *Machine) confident(v *schemas.ClassifierVerdict, req schemas.ClassifyRequest) bool {
	return v != nil && req.Allows(v.Action) && v.Confidence >= m.cfg.MinConfidence
}

func verdictSummary(v *schemas.ClassifierVerdict) string {
	if v == nil {
		return "no verdict"
	}
	s := fmt.Sprintf("%s (confidence %.2f)", v.Action, v.Confidence)
	if v.Reason != "" {
		s += ": " + v.Reason
	}
	return s
}

func pageContext(p *schemas.PageSignals) string {
	if p == nil {
		return "No page signals available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", p.URL)
	if p.VisibleHeading != "" {
		fmt.Fprintf(&b, "Heading: %s\n", p.VisibleHeading)
	}
	fmt.Fprintf(&b, "Form fields: %d\nSubmit control: %t\nNext control: %t\nEmbedded frames: %d\n",
		p.FieldCount, p.HasSubmit, p.HasNext, p.FrameCount)
	return b.String()
}
