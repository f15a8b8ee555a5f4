package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/api/middleware"
	"github.com/drfirst/go-rxintake/internal/domain/extraction"
	"github.com/drfirst/go-rxintake/internal/fhir/mapper"
	"github.com/drfirst/go-rxintake/internal/fhir/r5"
	"github.com/drfirst/go-rxintake/internal/normalize"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/internal/ocr"
	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

// SourceHeader names the producer of a raw extraction.
const SourceHeader = "X-Extraction-Source"

const (
	defaultSource = "api"
	ocrSource     = "ocr"
)

// Store persists extraction aggregates
type Store interface {
	Save(ctx context.Context, agg *extraction.Aggregate) error
	Load(ctx context.Context, id string) (*extraction.Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*extraction.Event, error)
	ListByStatus(ctx context.Context, status extraction.Status, limit int) ([]extraction.ListItem, error)
}

// Extractor reads prescriptions from images
type Extractor interface {
	Extract(ctx context.Context, image []byte, filename string) (*ocr.Result, error)
	MaxImageBytes() int64
}

// ExtractionHandler handles extraction endpoints
type ExtractionHandler struct {
	store     Store
	extractor Extractor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewExtractionHandler creates a new handler. extractor and m may be nil;
// without an extractor image uploads answer 503.
func NewExtractionHandler(store Store, extractor Extractor, m *metrics.Metrics, logger *zap.Logger) *ExtractionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionHandler{
		store:     store,
		extractor: extractor,
		metrics:   m,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *ExtractionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/ocr", h.CreateFromImage)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.GetEvents)
	r.Get("/{id}/fhir", h.FHIR)
	r.Post("/{id}/corrections", h.Correct)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	return r
}

// Create handles POST /extractions with a raw ML payload as the body
func (h *ExtractionHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, tooLarge, err := readBody(r)
	if err != nil {
		if tooLarge {
			jsonError(w, h.logger, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, h.logger, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		jsonError(w, h.logger, "request body is required", http.StatusBadRequest)
		return
	}

	source := strings.TrimSpace(r.Header.Get(SourceHeader))
	if source == "" {
		source = defaultSource
	}
	h.ingest(w, r, source, body, nil)
}

// CreateFromImage handles POST /extractions/ocr with a multipart "image" field
func (h *ExtractionHandler) CreateFromImage(w http.ResponseWriter, r *http.Request) {
	if h.extractor == nil {
		jsonError(w, h.logger, "OCR service is not configured", http.StatusServiceUnavailable)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, h.logger, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, h.logger, "multipart field \"image\" is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, h.extractor.MaxImageBytes()+1))
	if err != nil {
		jsonError(w, h.logger, "failed to read image", http.StatusBadRequest)
		return
	}

	result, err := h.extractor.Extract(r.Context(), image, header.Filename)
	h.countOCR(err)
	if err != nil {
		h.ocrError(w, err)
		return
	}

	confidence := result.OverallConfidence
	h.ingest(w, r, ocrSource, result.ExtractedData, &confidence)
}

func (h *ExtractionHandler) countOCR(err error) {
	if h.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case circuitbreaker.IsOpenError(err):
		outcome = "rejected"
	case errors.Is(err, ocr.ErrExtractionFailed):
		outcome = "unreadable"
	default:
		outcome = "error"
	}
	h.metrics.OCRRequests.WithLabelValues(outcome).Inc()
}

func (h *ExtractionHandler) ocrError(w http.ResponseWriter, err error) {
	var se *ocr.ServiceError
	switch {
	case errors.Is(err, ocr.ErrEmptyImage):
		jsonError(w, h.logger, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ocr.ErrImageTooLarge):
		jsonError(w, h.logger, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ocr.ErrUnsupportedImage):
		jsonError(w, h.logger, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, ocr.ErrExtractionFailed):
		jsonError(w, h.logger, err.Error(), http.StatusUnprocessableEntity)
	case circuitbreaker.IsOpenError(err):
		jsonError(w, h.logger, "OCR service unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &se):
		h.logger.Warn("OCR service error", zap.Int("status", se.StatusCode), zap.String("message", se.Message))
		jsonError(w, h.logger, "OCR service error", http.StatusBadGateway)
	default:
		h.logger.Error("OCR call failed", zap.Error(err))
		jsonError(w, h.logger, "OCR service error", http.StatusBadGateway)
	}
}

func (h *ExtractionHandler) ingest(w http.ResponseWriter, r *http.Request, source string, raw []byte, confidence *float64) {
	ctx, span := otel.Tracer("extraction-handler").Start(r.Context(), "ingest_extraction")
	defer span.End()

	start := time.Now()
	agg, err := extraction.Ingest("", source, raw, confidence)
	if err != nil {
		h.logger.Error("ingest failed", zap.Error(err))
		jsonError(w, h.logger, "failed to process extraction", http.StatusInternalServerError)
		return
	}
	took := time.Since(start)
	span.SetAttributes(
		attribute.String("extraction_id", agg.ID()),
		attribute.String("source", source),
		attribute.Int("issues", len(agg.Prescription().Issues)),
	)

	if err := h.store.Save(ctx, agg); err != nil {
		h.logger.Error("save failed", zap.String("extraction_id", agg.ID()), zap.Error(err))
		jsonError(w, h.logger, "failed to save extraction", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ExtractionsReceived.WithLabelValues(source).Inc()
		h.metrics.ObserveNormalization(agg.Prescription(), took)
	}

	h.logger.Info("extraction received",
		zap.String("extraction_id", agg.ID()),
		zap.String("source", source),
		zap.String("status", string(agg.Status())),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Location", "/api/v1/extractions/"+agg.ID())
	writeJSON(w, h.logger, http.StatusCreated, agg.View())
}

// List handles GET /extractions?status=&limit=
func (h *ExtractionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := extraction.Status(r.URL.Query().Get("status"))
	if status == extraction.StatusNew {
		status = extraction.StatusNeedsReview
	}
	switch status {
	case extraction.StatusReceived, extraction.StatusNormalized, extraction.StatusNeedsReview,
		extraction.StatusApproved, extraction.StatusRejected:
	default:
		jsonError(w, h.logger, "unknown status "+strconv.Quote(string(status)), http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, h.logger, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := h.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		jsonError(w, h.logger, "failed to list extractions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"status":      status,
		"extractions": items,
	})
}

// Get handles GET /extractions/{id}
func (h *ExtractionHandler) Get(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.logger, http.StatusOK, agg.View())
}

// GetEvents handles GET /extractions/{id}/events
func (h *ExtractionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := h.store.GetEvents(r.Context(), id)
	if err != nil {
		h.logger.Error("get events failed", zap.String("extraction_id", id), zap.Error(err))
		jsonError(w, h.logger, "failed to get events", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		jsonError(w, h.logger, "extraction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, events)
}

// FHIRResponse is the response for GET /extractions/{id}/fhir
type FHIRResponse struct {
	Bundle  *r5.Bundle           `json:"bundle"`
	Outcome *r5.OperationOutcome `json:"outcome"`
}

// FHIR handles GET /extractions/{id}/fhir
func (h *ExtractionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.load(w, r)
	if !ok {
		return
	}
	p := agg.Prescription()
	if p == nil {
		jsonError(w, h.logger, "extraction has not been normalized", http.StatusConflict)
		return
	}

	status := r5.StatusDraft
	switch agg.Status() {
	case extraction.StatusApproved:
		status = r5.StatusActive
	case extraction.StatusRejected:
		status = r5.StatusCancelled
	}

	writeJSON(w, h.logger, http.StatusOK, FHIRResponse{
		Bundle: mapper.ToBundle(p, mapper.Options{
			ExtractionID: agg.ID(),
			Status:       status,
			Confidence:   agg.Confidence(),
		}),
		Outcome: mapper.ToOperationOutcome(p.Issues),
	})
}

// CorrectionRequest is the request for correcting an extraction
type CorrectionRequest struct {
	Reviewer string          `json:"reviewer"`
	Data     json.RawMessage `json:"data"`
}

// Correct handles POST /extractions/{id}/corrections
func (h *ExtractionHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		jsonError(w, h.logger, "data is required", http.StatusBadRequest)
		return
	}

	h.command(w, r, "correct", func(agg *extraction.Aggregate) error {
		return agg.Correct(req.Reviewer, req.Data)
	})
}

// ReviewRequest is the request for approving or rejecting an extraction
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason,omitempty"`
}

// Approve handles POST /extractions/{id}/approve
func (h *ExtractionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.command(w, r, "approve", func(agg *extraction.Aggregate) error {
		return agg.Approve(req.Reviewer)
	})
}

// Reject handles POST /extractions/{id}/reject
func (h *ExtractionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.command(w, r, "reject", func(agg *extraction.Aggregate) error {
		return agg.Reject(req.Reviewer, req.Reason)
	})
}

func (h *ExtractionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(r, v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, h.logger, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		jsonError(w, h.logger, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// command loads the aggregate, applies fn and saves the result
func (h *ExtractionHandler) command(w http.ResponseWriter, r *http.Request, name string, fn func(*extraction.Aggregate) error) {
	ctx, span := otel.Tracer("extraction-handler").Start(r.Context(), name+"_extraction")
	defer span.End()

	agg, ok := h.load(w, r.WithContext(ctx))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("extraction_id", agg.ID()))

	if err := fn(agg); err != nil {
		h.commandError(w, agg, err)
		return
	}

	if err := h.store.Save(ctx, agg); err != nil {
		if errors.Is(err, extraction.ErrConcurrentModification) {
			jsonError(w, h.logger, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("save failed", zap.String("extraction_id", agg.ID()), zap.Error(err))
		jsonError(w, h.logger, "failed to save extraction", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ReviewDecisions.WithLabelValues(name).Inc()
	}
	h.logger.Info("extraction "+name,
		zap.String("extraction_id", agg.ID()),
		zap.String("status", string(agg.Status())),
		zap.String("client_id", middleware.GetClientID(ctx)),
	)
	writeJSON(w, h.logger, http.StatusOK, agg.View())
}

func (h *ExtractionHandler) commandError(w http.ResponseWriter, agg *extraction.Aggregate, err error) {
	switch {
	case errors.Is(err, extraction.ErrUnresolvedIssues):
		writeJSON(w, h.logger, http.StatusConflict, ErrorResponse{
			Error:  err.Error(),
			Issues: normalize.CriticalIssues(agg.Prescription().Issues),
		})
	case errors.Is(err, extraction.ErrReviewerRequired):
		jsonError(w, h.logger, err.Error(), http.StatusBadRequest)
	case errors.Is(err, extraction.ErrInvalidTransition):
		jsonError(w, h.logger, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("command failed", zap.String("extraction_id", agg.ID()), zap.Error(err))
		jsonError(w, h.logger, "failed to update extraction", http.StatusInternalServerError)
	}
}

func (h *ExtractionHandler) load(w http.ResponseWriter, r *http.Request) (*extraction.Aggregate, bool) {
	id := chi.URLParam(r, "id")
	agg, err := h.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, extraction.ErrNotFound) {
			jsonError(w, h.logger, "extraction not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("load failed", zap.String("extraction_id", id), zap.Error(err))
		jsonError(w, h.logger, "failed to load extraction", http.StatusInternalServerError)
		return nil, false
	}
	return agg, true
}
