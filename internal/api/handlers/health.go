package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

// Pinger checks a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	db       Pinger
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHealthHandler creates a new handler. db, breakers and m may be nil.
func NewHealthHandler(service, version string, db Pinger, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		service:  service,
		version:  version,
		db:       db,
		breakers: breakers,
		metrics:  m,
		logger:   logger,
	}
}

// ReadyResponse is the response for GET /ready
type ReadyResponse struct {
	Status   string                        `json:"status"`
	Database string                        `json:"database"`
	Breakers []circuitbreaker.HealthStatus `json:"circuit_breakers"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

// Ready handles GET /ready. A failing database makes the service unready; an
// open breaker only degrades it since normalization needs no OCR.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:   "ready",
		Database: "ok",
		Breakers: []circuitbreaker.HealthStatus{},
	}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("readiness ping failed", zap.Error(err))
			resp.Status = "not_ready"
			resp.Database = "unavailable"
			code = http.StatusServiceUnavailable
		}
	} else {
		resp.Database = "disabled"
	}

	if h.breakers != nil {
		resp.Breakers = h.breakers.HealthStatus()
		if h.metrics != nil {
			h.metrics.RecordBreakers(resp.Breakers)
		}
		for _, b := range resp.Breakers {
			if !b.Healthy && code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, h.logger, code, resp)
}
