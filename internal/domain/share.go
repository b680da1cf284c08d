package domain

import "time"

// Share is a public, permanent link to a conversation snapshot. Creation is
// idempotent per conversation; views are counted with an atomic increment.
type Share struct {
	ID             string
	ConversationID string
	OwnerID        string
	Enabled        bool
	ViewCount      int64
	CreatedAt      time.Time
}
