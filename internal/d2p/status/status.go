package status

// Status is the backend-held state of the secondary session.
type Status string

const (
	// StatusPending means no responder has engaged the session yet.
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the handoff. Once a terminal
// status is observed, polling stops and the value never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether the value is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// Meta carries contextual info about who initiated the handoff. It feeds
// analytics only and never drives control flow.
type Meta struct {
	Opener    string `json:"opener"`
	SessionID string `json:"sessionId"`
}

// Poll is one observation of the secondary session's status.
type Poll struct {
	Status Status `json:"status"`
	Meta   Meta   `json:"meta"`

	// ValidationToken is relayed through the backend when the responder
	// reports completion, so the initiator's final callback can carry it.
	ValidationToken string `json:"validationToken,omitempty"`
}

// Report is the payload the responder posts to publish its own transitions.
type Report struct {
	Status          Status `json:"status"`
	ValidationToken string `json:"validationToken,omitempty"`
}
