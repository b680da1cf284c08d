package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
)

// ShareCreate mints a public share link for a conversation. The operation is
// idempotent: a conversation that was already shared returns its existing id.
func (a *App) ShareCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	conversationID := chi.URLParam(r, "conversation_id")
	if conversationID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "conversation_id required")
		return
	}

	conv, err := a.Conversations.GetForOwner(r.Context(), conversationID, userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if conv.ShareID != "" {
		a.json(w, http.StatusOK, map[string]any{"share_id": conv.ShareID})
		return
	}

	share := &domain.Share{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		OwnerID:        userID,
		Enabled:        true,
	}
	if err := a.Shares.Create(r.Context(), share); err != nil {
		a.domainError(w, err)
		return
	}
	if err := a.Conversations.SetShareID(r.Context(), conv.ID, share.ID); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"share_id": share.ID})
}

// SharedView is the public, unauthenticated read of a shared conversation.
// Each successful view bumps the share's counter.
func (a *App) SharedView(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "share_id")
	if shareID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "share_id required")
		return
	}

	share, err := a.Shares.Get(r.Context(), shareID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if !share.Enabled {
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	conv, err := a.Conversations.Get(r.Context(), share.ConversationID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	turns, err := a.Turns.ListByConversation(r.Context(), conv.ID)
	if err != nil {
		a.domainError(w, err)
		return
	}

	// View counting is best effort; losing one must not break the read.
	if err := a.Shares.IncrementViews(r.Context(), shareID); err != nil {
		a.Log.Warn().Err(err).Str("share_id", shareID).Msg("share: view count update failed")
	}

	a.json(w, http.StatusOK, map[string]any{
		"share_id":   share.ID,
		"title":      conv.Title,
		"type":       string(conv.Type),
		"created_at": conv.CreatedAt,
		"turns":      completedTurns(turns),
	})
}
