package domain

import "time"

// ConversationType enumerates the assistant flows a conversation can belong to.
type ConversationType string

const (
	ConversationTypeProductDiscovery ConversationType = "product_discovery"
	ConversationTypeQuickDecision    ConversationType = "quick_decision"
	ConversationTypeResearch         ConversationType = "research"
)

// ValidConversationType reports whether t names a known flow.
func ValidConversationType(t ConversationType) bool {
	switch t {
	case ConversationTypeProductDiscovery, ConversationTypeQuickDecision, ConversationTypeResearch:
		return true
	}
	return false
}

// Conversation is one user's ongoing dialogue with the assistant. The owner is
// fixed at creation; turns are appended by the orchestrator and never removed.
type Conversation struct {
	ID                string
	OwnerID           string
	Type              ConversationType
	Title             string
	InitialTurnStatus TurnStatus
	ShareID           string
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConversationSummary is the trimmed listing shape used by the history endpoint.
type ConversationSummary struct {
	ID        string
	Title     string
	Type      ConversationType
	CreatedAt time.Time
}
