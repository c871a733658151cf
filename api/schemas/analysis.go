package schemas

import "time"

// -- Profile --

// Profile is the applicant record used to fill forms. Extras that have no
// dedicated field go into Metadata.
type Profile struct {
	FirstName   string            `json:"first_name" yaml:"first_name"`
	LastName    string            `json:"last_name" yaml:"last_name"`
	Email       string            `json:"email" yaml:"email"`
	Phone       string            `json:"phone" yaml:"phone"`
	Location    string            `json:"location" yaml:"location"`
	LinkedIn    string            `json:"linkedin" yaml:"linkedin"`
	Website     string            `json:"website" yaml:"website"`
	ResumePath  string            `json:"resume_path" yaml:"resume_path"`
	CoverLetter string            `json:"cover_letter" yaml:"cover_letter"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// FullName joins first and last name.
func (p Profile) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// -- Page Analysis --

// PageAction is the closed set of next steps the classifier may suggest.
type PageAction string

const (
	PageFindPrimaryAction PageAction = "findPrimaryAction"
	PageFillForm          PageAction = "fillForm"
	PageEnterSubFrame     PageAction = "enterSubFrame"
	PageSubmitForm        PageAction = "submitForm"
	PageComplete          PageAction = "complete"
	PageNavigateForward   PageAction = "navigateForward"
	PageNeedsHuman        PageAction = "needsHuman"
	// PageDismissBlocker is only offered when resolving a blocker.
	PageDismissBlocker PageAction = "dismissBlocker"
)

// GuidedActions is the action set offered during normal page analysis.
var GuidedActions = []PageAction{
	PageFindPrimaryAction, PageFillForm, PageEnterSubFrame, PageSubmitForm,
	PageComplete, PageNavigateForward, PageNeedsHuman,
}

// BlockerActions is the constrained action set used by blocker resolution.
var BlockerActions = []PageAction{PageDismissBlocker, PageNeedsHuman}

// ClassifyRequest is the input to a page classifier.
type ClassifyRequest struct {
	Screenshot     []byte       `json:"-"`
	URL            string       `json:"url"`
	Context        string       `json:"context,omitempty"`
	AllowedActions []PageAction `json:"allowed_actions"`
}

// Allows reports whether a verdict action is within the request's set.
func (r ClassifyRequest) Allows(a PageAction) bool {
	if len(r.AllowedActions) == 0 {
		return true
	}
	for _, allowed := range r.AllowedActions {
		if allowed == a {
			return true
		}
	}
	return false
}

// ClassifierVerdict is untrusted advice about what to do next.
type ClassifierVerdict struct {
	Action     PageAction             `json:"action"`
	Confidence float64                `json:"confidence"`
	Reason     string                 `json:"reason"`
	PageType   string                 `json:"page_type"`
	Evidence   []string               `json:"evidence,omitempty"`
	Target     Locator                `json:"target,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Signal is what a detector found.
type Signal struct {
	Detector string                 `json:"detector"`
	Target   Locator                `json:"target,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PageSignals summarizes a page for rule-based classification.
type PageSignals struct {
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
	FieldCount  int    `json:"field_count"`
	// SuccessText holds the matched success phrase, if any.
	SuccessText    string `json:"success_text,omitempty"`
	HasSubmit      bool   `json:"has_submit"`
	HasNext        bool   `json:"has_next"`
	FrameCount     int    `json:"frame_count"`
	VisibleHeading string `json:"visible_heading,omitempty"`
}

// FillReport summarizes one form-filler pass. TotalFilled counts fields filled
// during that pass only. AlreadySatisfied counts discovered fields that held a
// value this filler did not write, such as site defaults or replayed input.
type FillReport struct {
	TotalFilled        int      `json:"total_filled"`
	Iterations         int      `json:"iterations"`
	FieldsDiscovered   int      `json:"fields_discovered"`
	AlreadySatisfied   int      `json:"already_satisfied"`
	FieldsNeedingHuman []string `json:"fields_needing_human,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// HumanRequest is sent to the operator channel when automation stops.
type HumanRequest struct {
	SessionID      string    `json:"session_id"`
	EntryPoint     string    `json:"entry_point"`
	Reason         string    `json:"reason"`
	RecentActions  []string  `json:"recent_actions"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}
