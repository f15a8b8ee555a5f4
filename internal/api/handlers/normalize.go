package handlers

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/fhir/mapper"
	"github.com/drfirst/go-rxintake/internal/fhir/r5"
	"github.com/drfirst/go-rxintake/internal/normalize"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
)

// NormalizeHandler serves stateless normalization
type NormalizeHandler struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNormalizeHandler creates a new handler. m may be nil.
func NewNormalizeHandler(m *metrics.Metrics, logger *zap.Logger) *NormalizeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NormalizeHandler{metrics: m, logger: logger}
}

// NormalizeResponse is the response for POST /normalize
type NormalizeResponse struct {
	Prescription *normalize.Prescription `json:"prescription"`
	Summary      normalize.Summary       `json:"summary"`
	Bundle       *r5.Bundle              `json:"bundle,omitempty"`
	Outcome      *r5.OperationOutcome    `json:"outcome,omitempty"`
}

// Normalize handles POST /normalize. Any readable body yields 200; payloads
// that are not a JSON object come back with the root issue. With ?format=fhir
// the response also carries the FHIR projection.
func (h *NormalizeHandler) Normalize(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("normalize-handler").Start(r.Context(), "normalize")
	defer span.End()

	body, tooLarge, err := readBody(r)
	if err != nil {
		if tooLarge {
			jsonError(w, h.logger, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, h.logger, "failed to read request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	p := normalize.Normalize(body)
	if h.metrics != nil {
		h.metrics.ObserveNormalization(p, time.Since(start))
	}

	resp := NormalizeResponse{
		Prescription: p,
		Summary:      normalize.Summarize(p.Issues),
	}
	if r.URL.Query().Get("format") == "fhir" {
		resp.Bundle = mapper.ToBundle(p, mapper.Options{})
		resp.Outcome = mapper.ToOperationOutcome(p.Issues)
	}

	span.SetAttributes(
		attribute.Int("issues", len(p.Issues)),
		attribute.Int("medications", len(p.Medications)),
	)
	writeJSON(w, h.logger, http.StatusOK, resp)
}
