// Package api assembles the intake HTTP API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/api/handlers"
	"github.com/drfirst/go-rxintake/internal/api/middleware"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

// DefaultMaxBodyBytes leaves room for a 10 MiB image plus multipart framing.
const DefaultMaxBodyBytes = 11 << 20

// Deps are the collaborators behind the router
type Deps struct {
	ServiceName    string
	Version        string
	Store          handlers.Store
	Extractor      handlers.Extractor
	DB             handlers.Pinger
	Breakers       *circuitbreaker.Manager
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	APIKeys        map[string]string
	MaxBodyBytes   int64
	Logger         *zap.Logger
}

// NewRouter builds the HTTP router
func NewRouter(d Deps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "ingestion-api"
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = metrics.Handler()
	}

	health := handlers.NewHealthHandler(d.ServiceName, d.Version, d.DB, d.Breakers, d.Metrics, logger)
	normalizeHandler := handlers.NewNormalizeHandler(d.Metrics, logger)
	extractionHandler := handlers.NewExtractionHandler(d.Store, d.Extractor, d.Metrics, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	// Health and metrics (no auth)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", d.MetricsHandler)

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Use(middleware.BodyLimit(d.MaxBodyBytes))
		r.Post("/normalize", normalizeHandler.Normalize)
		r.Mount("/extractions", extractionHandler.Routes())
	})

	return r
}
