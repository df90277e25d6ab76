// Package api provides the HTTP surface of the memory service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rcliao/tiered-memory/internal/api/handlers"
	"github.com/rcliao/tiered-memory/internal/api/middleware"
	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/observe"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Memory handles ingestion, recall and record lookup
	Memory *handlers.MemoryHandler

	// Consolidation triggers nightly and weekly runs
	Consolidation *handlers.ConsolidationHandler

	// Health handles liveness and stats
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg config.ServerConfig, obs *observe.Observer, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(obs.Log()))
	r.Use(middleware.Recovery(obs.Log()))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	RegisterRoutes(r, h, limiter)
	return r
}

// RegisterRoutes registers all API routes. A non-nil limiter guards ingestion.
func RegisterRoutes(r chi.Router, h *Handlers, limiter *middleware.RateLimiter) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Memory != nil {
			r.Group(func(r chi.Router) {
				if limiter != nil {
					r.Use(limiter.Handler)
				}
				r.Post("/observations", h.Memory.Append)
			})
			r.Get("/recall", h.Memory.RecallQuery)
			r.Post("/recall", h.Memory.Recall)
			r.Get("/records/{tier}/{id}", h.Memory.GetRecord)
		}

		if h.Consolidation != nil {
			r.Route("/consolidation", func(r chi.Router) {
				r.Post("/nightly", h.Consolidation.Nightly)
				r.Post("/weekly", h.Consolidation.Weekly)
			})
		}

		if h.Health != nil {
			r.Get("/stats", h.Health.Stats)
		}
	})

	if h.Health != nil {
		r.Get("/healthz", h.Health.Health)
	}
	if h.MetricsHandler != nil {
		r.Handle("/metrics", h.MetricsHandler)
	}
}
