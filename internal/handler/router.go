package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/channel-hub/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware хаба.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/clear", h.ClearPayment)
		r.Get("/payments/{payeeId}", h.GetPayments)

		r.Post("/channels/{role}", h.OpenChannel)
		r.Get("/channels/{role}/{ownerId}", h.GetChannel)

		r.Route("/settlement", func(r chi.Router) {
			if h.auth != nil {
				r.Use(h.auth.Middleware)
			}

			r.Get("/stats", h.GetStats)
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)

			r.Post("/{payeeId}", h.Settle)
			r.Get("/{payeeId}/due", h.GetDue)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
