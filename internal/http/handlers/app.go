package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/middleware"
	"server/internal/orchestrator"
)

// TurnService is the slice of the orchestrator the HTTP layer depends on.
type TurnService interface {
	SubmitTurn(ctx context.Context, ownerID string, req orchestrator.TurnRequest) (*orchestrator.TurnReceipt, error)
}

// App is the handler container holding every dependency the routes need.
type App struct {
	Log           infra.Logger
	Service       TurnService
	Conversations domain.ConversationRepository
	Turns         domain.TurnRepository
	Shares        domain.ShareRepository
	Validate      *validator.Validate
}

func NewApp(log infra.Logger, service TurnService, conversations domain.ConversationRepository, turns domain.TurnRepository, shares domain.ShareRepository) *App {
	return &App{
		Log:           log,
		Service:       service,
		Conversations: conversations,
		Turns:         turns,
		Shares:        shares,
		Validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error":   errCode,
		"message": message,
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// domainError translates repository and orchestrator errors into API
// responses. Absent and foreign-owned resources are indistinguishable on the
// wire: both read as not found, so callers cannot probe other users' ids.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", trimDomainError(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrTurnInFlight):
		a.error(w, http.StatusConflict, "turn_in_flight", "a turn is already being processed for this conversation")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", "the resource changed underneath this request")
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		a.Log.Error().Err(err).Msg("handler: unexpected error")
		a.error(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// trimDomainError strips the sentinel prefix, leaving the human part of a
// wrapped message like "validation failed: user query is required".
func trimDomainError(err error, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
