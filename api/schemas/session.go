package schemas

import "time"

// -- Application Session Schemas --

// SessionStatus is the durable lifecycle state of an ApplicationSession.
type SessionStatus string

const (
	StatusInProgress     SessionStatus = "in_progress"
	StatusCompleted      SessionStatus = "completed"
	StatusNeedsAttention SessionStatus = "needs_attention"
	StatusFrozen         SessionStatus = "frozen"
	StatusFailed         SessionStatus = "failed"
	StatusRequiresAuth   SessionStatus = "requires_authentication"
)

// Terminal reports whether no further mutation is allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resumable reports whether a new run may continue the session.
func (s SessionStatus) Resumable() bool {
	switch s {
	case StatusFrozen, StatusNeedsAttention, StatusRequiresAuth, StatusInProgress:
		return true
	default:
		return false
	}
}

// ApplicationSession is the durable unit of work. The journal body is stored
// separately from the index record and is only populated on load.
type ApplicationSession struct {
	ID                   string         `json:"id"`
	EntryPoint           string         `json:"entry_point"`
	Title                string         `json:"title,omitempty"`
	Company              string         `json:"company,omitempty"`
	Status               SessionStatus  `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	CompletionPercentage float64        `json:"completion_percentage"`
	Journal              *ActionJournal `json:"-"`
	LastSuccessfulStep   int            `json:"last_successful_step"`
	FailurePoint         string         `json:"failure_point,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	RecentActions        []string       `json:"recent_actions,omitempty"`
	RunCount             int            `json:"run_count"`
}

// SurfaceSnapshot is a point-in-time capture of the interactive surface used
// to freeze and later restore a session.
type SurfaceSnapshot struct {
	SessionID      string            `json:"session_id"`
	CapturedAt     time.Time         `json:"captured_at"`
	URL            string            `json:"url"`
	Cookies        []*Cookie         `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
	Markup         string            `json:"markup,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	// Screenshot is written to ScreenshotPath by the store and never inlined.
	Screenshot []byte `json:"-"`
}

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"`
	HTTPOnly bool           `json:"httpOnly"`
	Secure   bool           `json:"secure"`
	Session  bool           `json:"session"`
	SameSite CookieSameSite `json:"sameSite,omitempty"`
}

// StorageState captures the state of browser storage at a point in time.
type StorageState struct {
	Cookies        []*Cookie         `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
}
