package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// RouterOptions carries the cross-cutting dependencies the route tree needs.
type RouterOptions struct {
	JWTSecret       string
	RateLimitPerMin int
	AllowedOrigins  []string
	CountryLookup   middleware.CountryLookup
	Logger          infra.Logger
}

// NewRouter builds the API route tree. Everything under /v1 requires a bearer
// token except the health check and the public shared-conversation view.
func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N("en", opts.CountryLookup),
	)

	// One shared limiter: keyed by user id once authenticated, by IP on the
	// public routes. It must sit after AuthJWT to see the user.
	limit := func(next http.Handler) http.Handler { return next }
	if opts.RateLimitPerMin > 0 {
		limit = middleware.RateLimit(opts.RateLimitPerMin, time.Minute)
	}

	r.Get("/v1/healthz", app.Health)
	r.With(limit).Get("/v1/shared/{share_id}", app.SharedView)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret), limit)

		r.Post("/v1/turns", app.CreateTurn)
		r.Get("/v1/history", app.ListConversations)

		r.Route("/v1/conversations/{conversation_id}", func(r chi.Router) {
			r.Get("/", app.ConversationSnapshot)
			r.Patch("/title", app.RenameConversation)
			r.Delete("/", app.DeleteConversation)
			r.Get("/turns/{turn_id}", app.TurnStatus)
			r.Post("/share", app.ShareCreate)
		})
	})

	return r
}
