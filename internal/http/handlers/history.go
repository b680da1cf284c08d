package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
)

// ListConversations returns the owner's history page: newest conversations
// first, only ones whose first turn completed.
func (a *App) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	items, next, err := a.Conversations.ListForOwner(r.Context(), userID, limit, cursor)
	if err != nil {
		a.domainError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":         item.ID,
			"title":      item.Title,
			"type":       string(item.Type),
			"created_at": item.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": out, "next_cursor": next})
}

// ConversationSnapshot returns the conversation header and every turn.
func (a *App) ConversationSnapshot(w http.ResponseWriter, r *http.Request) {
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
	turns, err := a.Turns.ListByConversation(r.Context(), conversationID)
	if err != nil {
		a.domainError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(turns))
	for i := range turns {
		items = append(items, turnPayload(&turns[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":         conv.ID,
		"title":      conv.Title,
		"type":       string(conv.Type),
		"share_id":   conv.ShareID,
		"created_at": conv.CreatedAt,
		"turns":      items,
	})
}

type renameConversationRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// RenameConversation updates the conversation title on behalf of its owner.
func (a *App) RenameConversation(w http.ResponseWriter, r *http.Request) {
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
	var req renameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "title required, at most 200 characters")
		return
	}

	if err := a.Conversations.UpdateTitle(r.Context(), conversationID, userID, req.Title); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"id": conversationID, "title": req.Title})
}

// DeleteConversation soft-deletes a conversation: it disappears from the
// owner's history and any share link to it stops resolving.
func (a *App) DeleteConversation(w http.ResponseWriter, r *http.Request) {
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

	if err := a.Conversations.SoftDelete(r.Context(), conversationID, userID); err != nil {
		a.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// completedTurns filters a conversation's turns down to the exchanges worth
// showing publicly.
func completedTurns(turns []domain.Turn) []map[string]any {
	items := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		if turn.Status != domain.TurnStatusComplete {
			continue
		}
		names := turn.ProductNames
		if names == nil {
			names = []string{}
		}
		items = append(items, map[string]any{
			"turn_index":     turn.Index,
			"user_query":     turn.UserQuery,
			"model_response": turn.ModelResponse,
			"product_names":  names,
		})
	}
	return items
}
