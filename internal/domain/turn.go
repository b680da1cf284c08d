package domain

import "time"

// TurnStatus enumerates the lifecycle states of a turn's background job.
// Transitions only move forward: pending -> running -> complete|failed.
type TurnStatus string

const (
	TurnStatusPending  TurnStatus = "pending"
	TurnStatusRunning  TurnStatus = "running"
	TurnStatusComplete TurnStatus = "complete"
	TurnStatusFailed   TurnStatus = "failed"
)

// Terminal reports whether s is a final state that must never change again.
func (s TurnStatus) Terminal() bool {
	return s == TurnStatusComplete || s == TurnStatusFailed
}

// Turn is one request/response exchange inside a conversation and doubles as
// the job record for its asynchronous processing. ModelResponse and
// ProductNames are populated only on complete, ErrorMessage only on failed.
type Turn struct {
	ID             string
	ConversationID string
	Index          int
	Status         TurnStatus
	UserQuery      string
	ModelResponse  string
	ProductNames   []string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TurnResult carries the payload written when a turn finishes successfully.
type TurnResult struct {
	ModelResponse string
	ProductNames  []string
}
