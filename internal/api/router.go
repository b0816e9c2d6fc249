package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"csr-rule-engine/internal/observability"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/entities/{entityID}/evaluate", h.Evaluate)
		r.Put("/rules/{ruleID}/active", h.SetRuleActive)
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/consume", h.Consume)
			r.Post("/release", h.Release)
			r.Put("/commitment", h.SetCommitment)
			r.Get("/capacity", h.Status)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
