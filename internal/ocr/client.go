// Package ocr is the client for the upstream prescription extraction service,
// which turns a prescription photo into loosely-shaped JSON.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

// BreakerName is the circuit breaker guarding the extraction service.
const BreakerName = "ocr-service"

const maxResponseBytes = 4 << 20

var (
	// ErrUnsupportedImage is returned for uploads that are not JPEG, PNG or WebP
	ErrUnsupportedImage = errors.New("unsupported image type")
	// ErrImageTooLarge is returned for uploads over the configured limit
	ErrImageTooLarge = errors.New("image too large")
	// ErrEmptyImage is returned for zero-byte uploads
	ErrEmptyImage = errors.New("image is empty")
	// ErrExtractionFailed is returned when the service answered but could not read the image
	ErrExtractionFailed = errors.New("extraction failed")
)

// AllowedImageTypes are the MIME types the extraction service accepts.
var AllowedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}

// ServiceError is a non-2xx answer from the extraction service
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ocr service returned %d: %s", e.StatusCode, e.Message)
}

// Config holds client configuration
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxImageBytes int64
}

// DefaultConfig returns defaults matching the reference extraction service
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       60 * time.Second,
		MaxImageBytes: 10 << 20,
	}
}

// Result is the extraction service response
type Result struct {
	Success           bool            `json:"success"`
	ExtractedData     json.RawMessage `json:"extracted_data"`
	ConfidenceScores  map[string]any  `json:"confidence_scores,omitempty"`
	OverallConfidence float64         `json:"overall_confidence"`
	NeedsReview       bool            `json:"needs_review"`
	RawOutput         string          `json:"raw_output,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Health is the extraction service health response
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Client calls the extraction service through a circuit breaker
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a new extraction service client. Its breaker is
// registered on breakers so readiness checks can report it.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = def.MaxImageBytes
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	bcfg := circuitbreaker.DefaultConfig(BreakerName)
	bcfg.IsSuccessful = breakerSuccess
	breaker, err := breakers.GetOrCreate(BreakerName, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("ocr-client"),
	}, nil
}

// breakerSuccess keeps caller mistakes from tripping the circuit: only
// transport failures and 5xx answers count against the service.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrExtractionFailed) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode < 500
	}
	return false
}

// ValidateImage checks size and sniffed content type, returning the MIME type.
func ValidateImage(image []byte, maxBytes int64) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	if maxBytes > 0 && int64(len(image)) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, len(image), maxBytes)
	}
	detected := mimetype.Detect(image)
	for _, allowed := range AllowedImageTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, detected.String())
}

// Extract uploads a prescription image and returns the extraction result.
func (c *Client) Extract(ctx context.Context, image []byte, filename string) (*Result, error) {
	contentType, err := ValidateImage(image, c.cfg.MaxImageBytes)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "ocr.extract",
		trace.WithAttributes(
			attribute.Int("image.bytes", len(image)),
			attribute.String("image.type", contentType),
		))
	defer span.End()

	out, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.extract(ctx, image, filename, contentType)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := out.(*Result)
	span.SetAttributes(
		attribute.Float64("ocr.overall_confidence", result.OverallConfidence),
		attribute.Bool("ocr.needs_review", result.NeedsReview))
	return result, nil
}

func (c *Client) extract(ctx context.Context, image []byte, filename, contentType string) (*Result, error) {
	if filename == "" {
		filename = "prescription"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/extract-prescription", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ocr service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read ocr response: %w", err)
	}

	c.logger.Debug("ocr service responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", time.Since(started)))

	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrExtractionFailed, result.Error)
	}
	if result.OverallConfidence < 0 || result.OverallConfidence > 1 {
		c.logger.Warn("ocr confidence out of range, clamping to 0",
			zap.Float64("overall_confidence", result.OverallConfidence))
		result.OverallConfidence = 0
	}
	return &result, nil
}

// errorMessage pulls {"error": "..."} out of a failure body when present.
func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Health calls the service health endpoint. It bypasses the breaker so a
// recovering service is visible to readiness checks.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ocr health: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read ocr health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var h Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode ocr health: %w", err)
	}
	if h.Status != "healthy" {
		return &h, fmt.Errorf("ocr service unhealthy: %s", h.Detail)
	}
	return &h, nil
}

// MaxImageBytes returns the configured upload limit
func (c *Client) MaxImageBytes() int64 { return c.cfg.MaxImageBytes }
