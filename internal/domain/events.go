package domain

// EventKind enumerates the external event kinds published on the
// session event feed.
type EventKind string

const (
	EventProgress         EventKind = "progress"
	EventDiffProposed     EventKind = "diff_proposed"
	EventApprovalRequired EventKind = "approval_required"
	EventReviewComplete   EventKind = "review_complete"
	EventReviewError      EventKind = "review_error"
	EventHeartbeat        EventKind = "heartbeat"
)

// StreamEvent is one record of a session's external event feed.
// Events are append-only and ordered by SeqNo within a session.
type StreamEvent struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	SeqNo       int64     `json:"seq_no"`
	Kind        EventKind `json:"kind"`
	PayloadJSON string    `json:"payload"`
	CreatedAt   int64     `json:"created_at"`
}

// ProgressPayload is the payload of a progress event.
type ProgressPayload struct {
	CurrentIndex    int    `json:"current_index"`
	Total           int    `json:"total"`
	CurrentClauseID string `json:"current_clause_id"`
	Message         string `json:"message"`
}

// DiffProposedPayload is the payload of a diff_proposed event.
type DiffProposedPayload struct {
	DiffID       string `json:"diff_id"`
	ClauseID     string `json:"clause_id"`
	Kind         string `json:"kind"`
	ProposedText string `json:"proposed_text"`
	Reason       string `json:"reason"`
	Severity     string `json:"severity"`
}

// ApprovalRequiredPayload is the payload of an approval_required event.
type ApprovalRequiredPayload struct {
	PendingCount int `json:"pending_count"`
}

// ReviewCompletePayload is the payload of a review_complete event.
type ReviewCompletePayload struct {
	Summary Summary `json:"summary"`
}

// ReviewErrorPayload is the payload of a review_error event.
type ReviewErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}
