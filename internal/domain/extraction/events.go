// Package extraction implements the event-sourced extraction aggregate: one
// OCR/ML extraction from receipt through normalization and human review.
package extraction

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxintake/internal/normalize"
)

// AggregateType is stored with every event and outbox row.
const AggregateType = "Extraction"

// EventType represents the type of domain event
type EventType string

const (
	EventExtractionReceived   EventType = "ExtractionReceived"
	EventExtractionNormalized EventType = "ExtractionNormalized"
	EventExtractionCorrected  EventType = "ExtractionCorrected"
	EventExtractionApproved   EventType = "ExtractionApproved"
	EventExtractionRejected   EventType = "ExtractionRejected"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
	Reviewer      string          `json:"reviewer,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// RawPayload holds extractor output exactly as received. Payloads that are
// not valid JSON are kept as text so they can still be stored and replayed.
type RawPayload struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Text string          `json:"text,omitempty"`
}

// NewRawPayload wraps raw extractor bytes
func NewRawPayload(raw []byte) RawPayload {
	if json.Valid(raw) {
		return RawPayload{JSON: append(json.RawMessage(nil), raw...)}
	}
	return RawPayload{Text: string(raw)}
}

// Bytes returns the payload as originally received
func (p RawPayload) Bytes() []byte {
	if p.JSON != nil {
		return p.JSON
	}
	return []byte(p.Text)
}

// ReceivedData records a new extraction
type ReceivedData struct {
	ExtractionID string     `json:"extraction_id"`
	Source       string     `json:"source"`
	Raw          RawPayload `json:"raw"`
	Confidence   *float64   `json:"confidence,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// NormalizedData carries the engine output for the latest raw payload
type NormalizedData struct {
	ExtractionID string                  `json:"extraction_id"`
	Prescription *normalize.Prescription `json:"prescription"`
	Summary      normalize.Summary       `json:"summary"`
	NormalizedAt time.Time               `json:"normalized_at"`
}

// CorrectedData records a reviewer's corrected payload
type CorrectedData struct {
	ExtractionID string     `json:"extraction_id"`
	Reviewer     string     `json:"reviewer"`
	Raw          RawPayload `json:"raw"`
	CorrectedAt  time.Time  `json:"corrected_at"`
}

// ApprovedData records sign-off of a normalized prescription
type ApprovedData struct {
	ExtractionID string                  `json:"extraction_id"`
	Reviewer     string                  `json:"reviewer"`
	Prescription *normalize.Prescription `json:"prescription"`
	ApprovedAt   time.Time               `json:"approved_at"`
}

// RejectedData records a reviewer discarding the extraction
type RejectedData struct {
	ExtractionID string    `json:"extraction_id"`
	Reviewer     string    `json:"reviewer"`
	Reason       string    `json:"reason"`
	RejectedAt   time.Time `json:"rejected_at"`
}
