package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/middleware"
	"server/internal/orchestrator"
)

type createTurnRequest struct {
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
	Type           string `json:"type" validate:"required_without=ConversationID,omitempty,oneof=product_discovery quick_decision research"`
	UserQuery      string `json:"user_query" validate:"required,max=4000"`
	Region         string `json:"region" validate:"omitempty,iso3166_1_alpha2"`
}

type turnAcceptedResponse struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	TurnIndex      int    `json:"turn_index"`
	Status         string `json:"status"`
}

// CreateTurn accepts a conversational turn and schedules it for background
// processing. The response is always 202 with ids the client polls with.
func (a *App) CreateTurn(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload: "+err.Error())
		return
	}

	region := req.Region
	if region == "" {
		region = middleware.CountryFromContext(r.Context())
	}

	receipt, err := a.Service.SubmitTurn(r.Context(), userID, orchestrator.TurnRequest{
		ConversationID: req.ConversationID,
		Type:           domain.ConversationType(req.Type),
		UserQuery:      req.UserQuery,
		Region:         region,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}

	a.json(w, http.StatusAccepted, turnAcceptedResponse{
		ConversationID: receipt.ConversationID,
		TurnID:         receipt.TurnID,
		TurnIndex:      receipt.TurnIndex,
		Status:         string(domain.TurnStatusPending),
	})
}

// TurnStatus is the polling endpoint: it reports the turn's current state and,
// once terminal, its payload.
func (a *App) TurnStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	conversationID := chi.URLParam(r, "conversation_id")
	turnID := chi.URLParam(r, "turn_id")
	if conversationID == "" || turnID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "conversation_id and turn_id required")
		return
	}

	if _, err := a.Conversations.GetForOwner(r.Context(), conversationID, userID); err != nil {
		a.domainError(w, err)
		return
	}
	turn, err := a.Turns.Get(r.Context(), conversationID, turnID)
	if err != nil {
		a.domainError(w, err)
		return
	}

	a.json(w, http.StatusOK, turnPayload(turn))
}

// turnPayload shapes one turn for API responses. Result fields appear only on
// complete, the error message only on failed.
func turnPayload(turn *domain.Turn) map[string]any {
	payload := map[string]any{
		"conversation_id": turn.ConversationID,
		"turn_id":         turn.ID,
		"turn_index":      turn.Index,
		"status":          string(turn.Status),
		"user_query":      turn.UserQuery,
		"created_at":      turn.CreatedAt,
		"updated_at":      turn.UpdatedAt,
	}
	switch turn.Status {
	case domain.TurnStatusComplete:
		payload["model_response"] = turn.ModelResponse
		names := turn.ProductNames
		if names == nil {
			names = []string{}
		}
		payload["product_names"] = names
	case domain.TurnStatusFailed:
		payload["error_message"] = turn.ErrorMessage
	}
	return payload
}
