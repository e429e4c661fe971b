package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tallybridge/tallysync/internal/events"
)

// NewRouter builds the control surface router.
func NewRouter(h *Handler, logger *events.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logging(logger))
	r.Use(Recovery(logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/agent/ws", h.AgentSocket)
		r.Post("/test-connection", h.TestConnection)

		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Post("/sync", h.EnqueueSync)
			r.Post("/sync/full", h.FullSync)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/sync/logs", h.SyncLogs)
			r.Get("/conflicts", h.ListConflicts)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
		})

		r.Post("/conflicts/{conflictID}/resolve", h.ResolveConflict)
	})

	return r
}
