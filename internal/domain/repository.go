package domain

import "context"

// ConversationRepository defines persistence for conversations.
//
// Reads scoped by ownerID return ErrNotFound for absent rows and ErrForbidden
// when the row exists under a different owner; callers decide how much of that
// distinction to surface.
type ConversationRepository interface {
	Create(ctx context.Context, conv *Conversation) error
	GetForOwner(ctx context.Context, id, ownerID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListForOwner(ctx context.Context, ownerID string, limit int, cursor string) ([]ConversationSummary, string, error)
	UpdateTitle(ctx context.Context, id, ownerID, title string) error
	SetInitialTurnStatus(ctx context.Context, id string, status TurnStatus) error
	SetShareID(ctx context.Context, id, shareID string) error
	SoftDelete(ctx context.Context, id, ownerID string) error
}

// TurnRepository defines persistence for turns (the per-turn job records).
type TurnRepository interface {
	Create(ctx context.Context, turn *Turn) error
	Get(ctx context.Context, conversationID, turnID string) (*Turn, error)
	ListByConversation(ctx context.Context, conversationID string) ([]Turn, error)
	// NextIndex returns the index the next turn should use and whether any
	// existing turn is still pending or running.
	NextIndex(ctx context.Context, conversationID string) (int, bool, error)
	MarkRunning(ctx context.Context, turnID string) error
	// Complete and Fail only apply while the turn is non-terminal; a write
	// against a terminal turn returns ErrConflict.
	Complete(ctx context.Context, turnID string, result TurnResult) error
	Fail(ctx context.Context, turnID, message string) error
}

// ShareRepository defines persistence for public share links.
type ShareRepository interface {
	Create(ctx context.Context, share *Share) error
	Get(ctx context.Context, shareID string) (*Share, error)
	IncrementViews(ctx context.Context, shareID string) error
}
