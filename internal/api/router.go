// Package api assembles the HTTP router: middleware chain, CORS for the
// browser UI, and the route table.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"remindq/internal/api/handlers"
	"remindq/internal/core"
)

// Deps carries everything the router mounts.
type Deps struct {
	Notifications *handlers.Notifications
	Callbacks     *handlers.Callbacks
	Store         handlers.Pinger
	Logger        *slog.Logger
	CORSOrigins   []string
}

// NewRouter builds the full handler chain. Recoverer is outermost so a panic
// anywhere below still produces a structured 500; RequestID runs before the
// logger so every line carries the id.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(core.Recoverer(d.Logger))
	r.Use(core.RequestID)
	r.Use(core.ActorID)
	r.Use(core.RequestLogger(d.Logger, []string{"Authorization", "X-Api-Key"}))
	r.Use(core.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Actor-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", handlers.Health(d.Store, d.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/notifications", d.Notifications.Schedule)
			r.Get("/notifications", d.Notifications.List)
			r.Post("/notifications/retry", d.Notifications.Retry)
			r.Post("/recipients/cancel", d.Notifications.CancelRecipient)
		})
		r.Post("/batches/{batchID}/cancel", d.Notifications.CancelBatch)
		r.Get("/deadletters", d.Notifications.DeadLetters)

		// Queue-facing endpoints. Not behind CORS concerns; the queue is a
		// server-side caller.
		r.Route("/callbacks", func(r chi.Router) {
			r.Post("/delivery", d.Callbacks.Delivery)
			r.Post("/failure", d.Callbacks.Failure)
		})
	})

	return r
}
