package schemas

import (
	"time"
)

// -- Action Journal Schemas --

// ActionKind identifies the variant of a recorded interaction. The set of
// known kinds is closed; any other value decoded from a journal is kept as-is
// and reports Known() == false so replay can skip it.
type ActionKind string

const (
	KindNavigate      ActionKind = "navigate"
	KindFillField     ActionKind = "fill_field"
	KindClick         ActionKind = "click"
	KindSelectOption  ActionKind = "select_option"
	KindUploadFile    ActionKind = "upload_file"
	KindWait          ActionKind = "wait"
	KindIframeSwitch  ActionKind = "iframe_switch"
	KindPageState     ActionKind = "page_state"     // Diagnostic marker of the observed page state.
	KindFormSnapshot  ActionKind = "form_snapshot"  // Audit capture of a form's fields.
	KindFailureMarker ActionKind = "failure_marker" // Carries a FailureKind.
)

var knownKinds = map[ActionKind]struct{}{
	KindNavigate:      {},
	KindFillField:     {},
	KindClick:         {},
	KindSelectOption:  {},
	KindUploadFile:    {},
	KindWait:          {},
	KindIframeSwitch:  {},
	KindPageState:     {},
	KindFormSnapshot:  {},
	KindFailureMarker: {},
}

// Known reports whether the kind is part of the closed enumeration.
func (k ActionKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Interactive reports whether replaying the kind touches the surface.
func (k ActionKind) Interactive() bool {
	switch k {
	case KindNavigate, KindFillField, KindClick, KindSelectOption, KindUploadFile:
		return true
	default:
		return false
	}
}

func (k ActionKind) String() string { return string(k) }

// OutcomeStatus is the tri-state result of an interaction attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeNeedsHuman OutcomeStatus = "needs_human"
)

// Outcome is the explicit result of one interaction. Interaction failures are
// carried here instead of being returned as errors.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Code   ErrorCode     `json:"code,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded() Outcome { return Outcome{Status: OutcomeSucceeded} }

// Failed builds a failed outcome with a reason.
func Failed(code ErrorCode, reason string) Outcome {
	return Outcome{Status: OutcomeFailed, Code: code, Reason: reason}
}

// NeedsHuman builds an outcome that requires an operator.
func NeedsHuman(reason string) Outcome {
	return Outcome{Status: OutcomeNeedsHuman, Reason: reason}
}

// OutcomeFromError maps a surface error to an outcome. A nil error is a success.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Succeeded()
	}
	return Failed(ClassifyError(err), err.Error())
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == OutcomeSucceeded }

// ActionStep is one attempted interaction. Steps are immutable once appended
// to a journal.
type ActionStep struct {
	Seq         int                    `json:"seq"`
	Kind        ActionKind             `json:"kind"`
	FailureKind string                 `json:"failure_kind,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Target      Locator                `json:"target,omitempty"`
	Value       string                 `json:"value,omitempty"`
	Label       string                 `json:"label,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Outcome     Outcome                `json:"outcome"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MetaSubmits is the metadata key that marks a click which submitted a form.
const MetaSubmits = "submits"

// Submits reports whether the step is a click that submitted a form.
func (s ActionStep) Submits() bool {
	v, _ := s.Metadata[MetaSubmits].(bool)
	return s.Kind == KindClick && v
}

// ActionJournal is the ordered log of steps for exactly one run attempt.
type ActionJournal struct {
	RunID      string       `json:"run_id"`
	EntryPoint string       `json:"entry_point"`
	StartedAt  time.Time    `json:"started_at"`
	Steps      []ActionStep `json:"steps"`
	// Dropped counts steps that could not be serialized or decoded.
	Dropped int `json:"dropped"`
}

// SuccessfulSteps returns the steps whose outcome succeeded, in order.
func (j *ActionJournal) SuccessfulSteps() []ActionStep {
	if j == nil {
		return nil
	}
	out := make([]ActionStep, 0, len(j.Steps))
	for _, s := range j.Steps {
		if s.Outcome.OK() {
			out = append(out, s)
		}
	}
	return out
}

// FirstFailure returns the earliest step that did not succeed.
func (j *ActionJournal) FirstFailure() (ActionStep, bool) {
	if j == nil {
		return ActionStep{}, false
	}
	for _, s := range j.Steps {
		if !s.Outcome.OK() {
			return s, true
		}
	}
	return ActionStep{}, false
}

// LastSuccess returns the latest successful step.
func (j *ActionJournal) LastSuccess() (ActionStep, bool) {
	if j == nil {
		return ActionStep{}, false
	}
	for i := len(j.Steps) - 1; i >= 0; i-- {
		if j.Steps[i].Outcome.OK() {
			return j.Steps[i], true
		}
	}
	return ActionStep{}, false
}

// Submitted reports whether any successful step submitted a form.
func (j *ActionJournal) Submitted() bool {
	if j == nil {
		return false
	}
	for _, s := range j.Steps {
		if s.Outcome.OK() && s.Submits() {
			return true
		}
	}
	return false
}

// Clone returns a copy whose step slice can be appended to independently.
// Metadata maps are shared since steps are immutable.
func (j *ActionJournal) Clone() *ActionJournal {
	if j == nil {
		return nil
	}
	c := *j
	c.Steps = append([]ActionStep(nil), j.Steps...)
	return &c
}
