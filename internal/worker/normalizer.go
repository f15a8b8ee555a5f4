// Package worker turns raw extraction records into persisted, normalized
// extractions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/domain/extraction"
	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/internal/ocr"
	"github.com/drfirst/go-rxintake/pkg/idempotency"
	"github.com/drfirst/go-rxintake/pkg/workerpool"
)

// HandlerName identifies the normalizer in the idempotency inbox.
const HandlerName = "normalizer"

// DefaultSource is used when a record carries no source header.
const DefaultSource = "stream"

// Dead-letter record headers.
const (
	HeaderError       = "x-error"
	HeaderSourceTopic = "x-source-topic"
)

// Store persists extraction aggregates
type Store interface {
	Save(ctx context.Context, agg *extraction.Aggregate) error
}

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// DeadLetterWriter publishes records that cannot be processed
type DeadLetterWriter interface {
	ProduceBatch(ctx context.Context, records []*redpanda.Record) error
}

// Outcome is stored as the inbox result of a processed record
type Outcome struct {
	ExtractionID string            `json:"extraction_id"`
	Status       extraction.Status `json:"status"`
	Critical     int               `json:"critical"`
	Warnings     int               `json:"warnings"`
}

// Normalizer handles extraction.raw records
type Normalizer struct {
	store      Store
	inbox      Deduper
	deadLetter DeadLetterWriter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewNormalizer creates a new normalizer. deadLetter and m may be nil.
func NewNormalizer(store Store, inbox Deduper, deadLetter DeadLetterWriter, m *metrics.Metrics, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		store:      store,
		inbox:      inbox,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("normalizer"),
	}
}

// ExtractionID derives a stable extraction ID from an idempotency key so a
// redelivered record always targets the same aggregate.
func ExtractionID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Unwrap accepts either bare model output or the OCR service response
// envelope and returns the model output with its confidence, if any.
func Unwrap(value []byte) ([]byte, *float64, error) {
	var envelope struct {
		Success           *bool           `json:"success"`
		ExtractedData     json.RawMessage `json:"extracted_data"`
		OverallConfidence *float64        `json:"overall_confidence"`
		Error             string          `json:"error"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil || envelope.Success == nil {
		return value, nil, nil
	}
	if !*envelope.Success {
		return nil, nil, fmt.Errorf("%w: %s", ocr.ErrExtractionFailed, envelope.Error)
	}
	if len(envelope.ExtractedData) == 0 {
		return value, nil, nil
	}
	return envelope.ExtractedData, envelope.OverallConfidence, nil
}

// Handle processes one record. Redelivered records are skipped; terminal
// failures are wrapped with workerpool.ErrPermanent.
func (n *Normalizer) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) (*Outcome, error) {
	source := msg.Source()
	if source == "" {
		source = DefaultSource
	}
	key := idempotency.GenerateKey(source, msg.Value)
	id := ExtractionID(key)

	ctx, span := n.tracer.Start(ctx, "normalize_extraction",
		trace.WithAttributes(
			attribute.String("extraction_id", id),
			attribute.String("source", source),
		))
	defer span.End()

	inboxPayload, err := json.Marshal(extraction.NewRawPayload(msg.Value))
	if err != nil {
		return nil, fmt.Errorf("encode inbox payload: %w", err)
	}

	res, err := n.inbox.Process(ctx, key, HandlerName, inboxPayload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		outcome, err := n.ingest(ctx, id, source, msg.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(outcome)
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		n.logger.Debug("duplicate record skipped", zap.String("extraction_id", id))
		return nil, nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrTerminal):
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", workerpool.ErrPermanent, err)
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	var outcome Outcome
	if err := json.Unmarshal(res.Result, &outcome); err != nil {
		return nil, fmt.Errorf("decode inbox result: %w", err)
	}
	if !res.IsNew && !res.WasRecovered {
		n.logger.Debug("record already processed", zap.String("extraction_id", id))
	}
	return &outcome, nil
}

func (n *Normalizer) ingest(ctx context.Context, id, source string, value []byte) (*Outcome, error) {
	raw, confidence, err := Unwrap(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", idempotency.ErrTerminal, err)
	}

	start := time.Now()
	agg, err := extraction.Ingest(id, source, raw, confidence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", idempotency.ErrTerminal, err)
	}
	took := time.Since(start)

	if err := n.store.Save(ctx, agg); err != nil {
		if !errors.Is(err, extraction.ErrConcurrentModification) {
			return nil, fmt.Errorf("save extraction: %w", err)
		}
		// An earlier delivery saved this extraction before its inbox entry
		// was finished.
		n.logger.Info("extraction already stored", zap.String("extraction_id", id))
	}

	if n.metrics != nil {
		n.metrics.ExtractionsReceived.WithLabelValues(source).Inc()
		n.metrics.ObserveNormalization(agg.Prescription(), took)
	}

	summary := agg.Summary()
	n.logger.Info("extraction normalized",
		zap.String("extraction_id", id),
		zap.String("source", source),
		zap.String("status", string(agg.Status())),
		zap.Int("critical", summary.Critical),
		zap.Int("warnings", summary.Warnings),
	)
	return &Outcome{
		ExtractionID: id,
		Status:       agg.Status(),
		Critical:     summary.Critical,
		Warnings:     summary.Warnings,
	}, nil
}

// WorkerFunc adapts Handle to the worker pool. Tasks carry a
// *redpanda.ConsumedMessage payload.
func (n *Normalizer) WorkerFunc() workerpool.WorkerFunc {
	return func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		msg, ok := task.Payload.(*redpanda.ConsumedMessage)
		if !ok {
			return &workerpool.Result{
				TaskID: task.ID,
				Error:  fmt.Errorf("%w: unexpected payload %T", workerpool.ErrPermanent, task.Payload),
			}
		}
		outcome, err := n.Handle(ctx, msg)
		if err != nil {
			return &workerpool.Result{TaskID: task.ID, Error: err}
		}
		return &workerpool.Result{TaskID: task.ID, Success: true, Data: outcome}
	}
}

// HandleMessage is the consumer entry point: it runs the record through the
// pool and dead-letters it once retries are exhausted. It returns an error
// only when the record must be redelivered.
func (n *Normalizer) HandleMessage(pool *workerpool.Pool) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := pool.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		result := "processed"
		switch {
		case res.Success:
		case errors.Is(res.Error, context.Canceled):
			return res.Error
		case errors.Is(res.Error, idempotency.ErrMessageInProgress):
			result = "in_progress"
		default:
			if err := n.DeadLetter(ctx, msg, res.Error); err != nil {
				return err
			}
			result = "dead_lettered"
		}
		if n.metrics != nil {
			n.metrics.MessagesConsumed.WithLabelValues(result).Inc()
		}
		return nil
	}
}

// DeadLetter publishes msg to the dead-letter topic with the failure reason.
func (n *Normalizer) DeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	n.logger.Warn("dead-lettering record",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("reason", reason))

	if n.deadLetter == nil {
		return nil
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderError] = reason
	headers[HeaderSourceTopic] = msg.Topic

	return n.deadLetter.ProduceBatch(ctx, []*redpanda.Record{{
		Topic:   redpanda.TopicDeadLetter,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}})
}
