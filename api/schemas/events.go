package schemas

import "time"

// EventType identifies the kind of run event.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventLog            EventType = "log"
	EventStatusChange   EventType = "status_change"
	EventHumanNeeded    EventType = "human_needed"
	EventReplayProgress EventType = "replay_progress"
	EventStateChange    EventType = "state_change"
)

// Lossy reports whether events of this type may be dropped for a subscriber
// that has fallen behind. Status changes and human requests never are.
func (t EventType) Lossy() bool {
	switch t {
	case EventProgress, EventLog, EventReplayProgress, EventStateChange:
		return true
	}
	return false
}

// Event is a single observation emitted by a run.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	State     string                 `json:"state,omitempty"`
	Status    SessionStatus          `json:"status,omitempty"`
	Progress  float64                `json:"progress,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
