package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	// Metrics may be nil, in which case /metrics is not mounted.
	Metrics prometheus.Gatherer
}

// NewRouter builds the router with the standard middleware stack.
func NewRouter(h *Handlers, config RouterConfig) chi.Router {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if config.Metrics != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(config.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Get("/jobs/{jobID}/report", h.GetJobReport)
		r.Get("/stats", h.GetStats)
	})

	return r
}
