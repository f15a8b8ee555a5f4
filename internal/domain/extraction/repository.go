package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
)

const pgUniqueViolation = "23505"

// Repository provides event sourcing persistence. Events, the extractions
// projection and outbox rows are written in one transaction.
type Repository struct {
	db     postgres.DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db postgres.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// outboxTopic returns the topic an event is published to, or "" for internal events
func outboxTopic(t EventType) string {
	switch t {
	case EventExtractionNormalized:
		return redpanda.TopicPrescriptionNormalized
	case EventExtractionApproved, EventExtractionRejected:
		return redpanda.TopicPrescriptionReviewed
	default:
		return ""
	}
}

// Save persists new events for an aggregate
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range changes {
		event.Version = agg.Version() - len(changes) + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}

		topic := outboxTopic(event.EventType)
		if topic == "" {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode outbox payload: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   agg.ID(),
			AggregateType: AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    topic,
			KafkaKey:      agg.ID(),
		}); err != nil {
			return err
		}
	}

	if err := r.upsertProjection(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("extraction saved",
		zap.String("extraction_id", agg.ID()),
		zap.Int("version", agg.Version()),
		zap.Int("events", len(changes)))

	agg.ClearChanges()
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO extraction_events
		(id, aggregate_id, event_type, event_data, version, timestamp, source, reviewer, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		string(event.EventType),
		event.EventData,
		event.Version,
		event.Timestamp,
		event.Source,
		event.Reviewer,
		event.CorrelationID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s version %d", ErrConcurrentModification, event.AggregateID, event.Version)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *Repository) upsertProjection(ctx context.Context, tx pgx.Tx, agg *Aggregate) error {
	query := `
		INSERT INTO extractions (id, status, source, critical, warnings, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, critical = EXCLUDED.critical, warnings = EXCLUDED.warnings,
		    version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`
	view := agg.View()
	_, err := tx.Exec(ctx, query,
		view.ID,
		string(view.Status),
		view.Source,
		view.Summary.Critical,
		view.Summary.Warnings,
		view.Version,
		view.CreatedAt,
		view.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert projection: %w", err)
	}
	return nil
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       source, reviewer, correlation_id
		FROM extraction_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.db.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		var eventType string
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &eventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.Source, &e.Reviewer, &e.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListItem is one row of the extractions projection
type ListItem struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Source    string    `json:"source"`
	Critical  int       `json:"critical"`
	Warnings  int       `json:"warnings"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListByStatus returns the most recently updated extractions in a status
func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]ListItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, status, source, critical, warnings, version, created_at, updated_at
		FROM extractions
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query extractions: %w", err)
	}
	defer rows.Close()

	items := make([]ListItem, 0)
	for rows.Next() {
		var item ListItem
		var st string
		if err := rows.Scan(&item.ID, &st, &item.Source, &item.Critical, &item.Warnings,
			&item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan extraction: %w", err)
		}
		item.Status = Status(st)
		items = append(items, item)
	}
	return items, rows.Err()
}
