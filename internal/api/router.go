package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter wires the HTTP routes
func NewRouter(h *Handler, allowedOrigins []string, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(AccessLog(log.With().Str("component", "http").Logger()))
	r.Use(middleware.Recoverer)
	r.Use(NoCache)
	// Cross-origin access is opt-in. An empty list means same-origin only,
	// and a wildcard never gets credentials.
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: !slices.Contains(allowedOrigins, "*"),
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Healthz)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/", h.Index)
		r.Get("/quote", h.Quote)
		r.Post("/quote", h.Quote)
		r.Post("/buy", h.Buy)
		r.Get("/sell", h.SellableSymbols)
		r.Post("/sell", h.Sell)
		r.Get("/history", h.History)
		r.Get("/ws", h.Hub.ServeWS)
	})

	return r
}
