package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// LockID is the advisory lock shared by all relay instances
	LockID int64
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// MaintenanceInterval is how often dead-lettering and cleanup run
	MaintenanceInterval time.Duration
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        100 * time.Millisecond,
		MaxRetries:          5,
		LockID:              723_451_001,
		DeadLetterTopic:     "dead.letter",
		MaintenanceInterval: time.Minute,
		Retention:           72 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxObserver receives publish outcomes, typically for metrics.
type OutboxObserver interface {
	OutboxPublished(topic string)
	OutboxFailed(topic string)
}

type nopObserver struct{}

func (nopObserver) OutboxPublished(string) {}
func (nopObserver) OutboxFailed(string)    {}

// Outbox relays committed outbox rows to the message broker
type Outbox struct {
	pool      DB
	config    OutboxConfig
	publisher OutboxPublisher
	observer  OutboxObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool DB, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  nopObserver{},
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WithObserver sets the observer notified after each publish attempt.
func (o *Outbox) WithObserver(obs OutboxObserver) *Outbox {
	if obs != nil {
		o.observer = obs
	}
	return o
}

// WriteEntry writes an outbox entry within a transaction.
// It must share the transaction of the domain write it announces.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	maintenance := o.config.MaintenanceInterval
	if maintenance <= 0 {
		maintenance = DefaultOutboxConfig().MaintenanceInterval
	}
	maintTicker := time.NewTicker(maintenance)
	defer maintTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch(o.ctx)
		case <-maintTicker.C:
			o.maintain(o.ctx)
		}
	}
}

func (o *Outbox) maintain(ctx context.Context) {
	moved, err := o.MoveToDeadLetter(ctx)
	if err != nil {
		o.logger.Error("dead-letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}

	if o.config.Retention > 0 {
		deleted, err := o.CleanupProcessed(ctx, o.config.Retention)
		if err != nil {
			o.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if deleted > 0 {
			o.logger.Info("outbox cleanup completed", zap.Int64("deleted", deleted))
		}
	}
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
		kafka_topic, kafka_key, created_at, retry_count, last_error`

// processBatch claims up to BatchSize pending entries and publishes them in
// creation order. Claiming, publishing and marking share one transaction
// guarded by a transaction-level advisory lock, so one relay instance works
// at a time and the lock cannot outlive its connection. A publish failure
// bumps the entry's retry count. It reports how many entries were published.
func (o *Outbox) processBatch(ctx context.Context) int {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		o.logger.Error("outbox: begin failed", zap.Error(err))
		return 0
	}
	defer tx.Rollback(ctx)

	if ok, err := tryRelayLock(ctx, tx, o.config.LockID); err != nil || !ok {
		if err != nil {
			o.logger.Warn("outbox: lock query failed", zap.Error(err))
		}
		return 0
	}

	entries, err := claimEntries(ctx, tx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		o.logger.Error("outbox: claim failed", zap.Error(err))
		span.RecordError(err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if o.relay(ctx, tx, entry) {
			published++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		o.logger.Error("outbox: commit failed, batch will be republished", zap.Error(err))
		span.RecordError(err)
		return 0
	}
	return published
}

func tryRelayLock(ctx context.Context, tx pgx.Tx, lockID int64) (bool, error) {
	var acquired bool
	err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockID).Scan(&acquired)
	return acquired, err
}

func claimEntries(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// relay publishes one entry and records the outcome in tx.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) bool {
	ctx, span := o.tracer.Start(ctx, "outbox.relay "+entry.EventType,
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.String("extraction.id", entry.AggregateID),
			attribute.String("messaging.destination.name", entry.KafkaTopic),
		))
	defer span.End()

	log := o.logger.With(
		zap.Int64("id", entry.ID),
		zap.String("extraction_id", entry.AggregateID),
		zap.String("event_type", entry.EventType),
		zap.String("topic", entry.KafkaTopic))

	if pubErr := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); pubErr != nil {
		o.observer.OutboxFailed(entry.KafkaTopic)
		span.RecordError(pubErr)
		log.Warn("outbox publish failed", zap.Int("attempt", entry.RetryCount+1), zap.Error(pubErr))
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, pubErr.Error(), entry.ID); err != nil {
			log.Error("outbox: recording failure failed", zap.Error(err))
		}
		return false
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		log.Error("outbox: marking processed failed", zap.Error(err))
		return false
	}
	o.observer.OutboxPublished(entry.KafkaTopic)
	log.Debug("outbox entry published")
	return true
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// deadLetter is the dead.letter body for an entry that exhausted its retries.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	ExtractionID  string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and marks them processed. Entries whose publish fails
// stay in place for the next sweep.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead-letter sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := claimEntries(ctx, tx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var moved int64
	for _, e := range entries {
		body, err := json.Marshal(deadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			ExtractionID:  e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			o.logger.Error("outbox: encoding dead letter failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, body); err != nil {
			o.logger.Error("outbox: dead-letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", e.ID); err != nil {
			return moved, fmt.Errorf("mark dead-lettered entry %d: %w", e.ID, err)
		}
		moved++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dead-letter sweep: %w", err)
	}
	return moved, nil
}

// OutboxStats summarizes relay progress.
type OutboxStats struct {
	Pending int64 `json:"pending"`
	// Processed counts entries published in the last 24 hours.
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats reads all counters in one scan of the outbox.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
