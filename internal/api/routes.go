package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(h *Handler, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook deliveries originate from Jira and carry no bearer token;
		// the handler treats the payload as a hint only.
		r.Post("/webhooks/jira", h.JiraWebhook)

		// Authenticated API
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(apiKey))

			r.Post("/integrations", h.CreateIntegration)
			r.Post("/integrations/test", h.TestConnection)

			r.Route("/integrations/{integrationID}", func(r chi.Router) {
				r.Use(h.IntegrationCtx)

				r.Post("/deactivate", h.DeactivateIntegration)
				r.Post("/reactivate", h.ReactivateIntegration)

				r.Post("/sync", h.TriggerSync)
				r.Get("/sync/status", h.SyncStatus)

				r.Post("/conflicts/{conflictKey}/resolve", h.ResolveConflict)

				r.Get("/status-mappings", h.ListStatusMappings)
				r.Put("/status-mappings", h.UpsertStatusMapping)
			})
		})
	})

	return r
}
