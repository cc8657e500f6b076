package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the API routes with the standard middleware chain.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(TraceMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.EnqueueJob)
		r.Get("/", h.ListJobs)
		r.Post("/completed/clear", h.ClearCompleted)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.CancelJob)
	})

	r.Get("/stats", h.QueueStats)

	r.Route("/storage", func(r chi.Router) {
		r.Get("/stats", h.StorageStats)
		r.Post("/cleanup", h.Cleanup)
		r.Get("/oldest", h.OldestItems)
		r.Get("/largest", h.LargestItems)
	})

	r.Get("/events", h.EventHistory)

	return r
}
