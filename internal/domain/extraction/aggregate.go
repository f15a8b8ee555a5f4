package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxintake/internal/normalize"
)

var (
	// ErrNotFound is returned when no events exist for an extraction
	ErrNotFound = errors.New("extraction not found")
	// ErrInvalidTransition is returned when a command does not fit the current status
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnresolvedIssues blocks approval while critical issues remain
	ErrUnresolvedIssues = errors.New("extraction has unresolved critical issues")
	// ErrReviewerRequired is returned when a review command has no reviewer
	ErrReviewerRequired = errors.New("reviewer is required")
	// ErrConcurrentModification is returned when another writer saved first
	ErrConcurrentModification = errors.New("extraction was modified concurrently")
)

// Status represents extraction status
type Status string

const (
	StatusNew         Status = ""
	StatusReceived    Status = "received"
	StatusNormalized  Status = "normalized"
	StatusNeedsReview Status = "needs_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Terminal reports whether no further commands are accepted
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) reviewable() bool {
	return s == StatusNormalized || s == StatusNeedsReview
}

// Aggregate represents the extraction aggregate root
type Aggregate struct {
	id           string
	version      int
	status       Status
	source       string
	raw          RawPayload
	confidence   *float64
	prescription *normalize.Prescription
	summary      normalize.Summary
	reviewer     string
	rejectReason string
	corrections  int
	createdAt    time.Time
	updatedAt    time.Time
	changes      []*Event
}

// NewAggregate creates a new extraction aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:      id,
		status:  StatusNew,
		changes: make([]*Event, 0),
	}
}

// Ingest creates an extraction, records the raw payload and normalizes it.
// An empty id gets a random one.
func Ingest(id, source string, raw []byte, confidence *float64) (*Aggregate, error) {
	if id == "" {
		id = uuid.New().String()
	}
	agg := NewAggregate(id)
	if err := agg.Receive(source, raw, confidence); err != nil {
		return nil, err
	}
	if err := agg.Normalize(); err != nil {
		return nil, err
	}
	return agg, nil
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// Source returns where the extraction came from
func (a *Aggregate) Source() string { return a.source }

// Raw returns the latest raw payload, corrected or original
func (a *Aggregate) Raw() RawPayload { return a.raw }

// Prescription returns the latest normalized prescription, or nil before normalization
func (a *Aggregate) Prescription() *normalize.Prescription { return a.prescription }

// Confidence returns the OCR overall confidence, if the source reported one
func (a *Aggregate) Confidence() *float64 { return a.confidence }

// Summary returns the issue summary of the latest normalization
func (a *Aggregate) Summary() normalize.Summary { return a.summary }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Receive records a new extraction payload
func (a *Aggregate) Receive(source string, raw []byte, confidence *float64) error {
	if a.status != StatusNew {
		return fmt.Errorf("%w: extraction %s already received", ErrInvalidTransition, a.id)
	}
	if source == "" {
		source = "unknown"
	}

	event, err := NewEvent(a.id, EventExtractionReceived, &ReceivedData{
		ExtractionID: a.id,
		Source:       source,
		Raw:          NewRawPayload(raw),
		Confidence:   confidence,
		ReceivedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.Source = source
	return a.raise(event)
}

// Normalize runs the normalization engine over the latest raw payload
func (a *Aggregate) Normalize() error {
	if a.status != StatusReceived && !a.status.reviewable() {
		return fmt.Errorf("%w: cannot normalize %s extraction", ErrInvalidTransition, a.status)
	}

	p := normalize.Normalize(a.raw.Bytes())
	event, err := NewEvent(a.id, EventExtractionNormalized, &NormalizedData{
		ExtractionID: a.id,
		Prescription: p,
		Summary:      normalize.Summarize(p.Issues),
		NormalizedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.Source = a.source
	return a.raise(event)
}

// Correct records a reviewer's corrected payload and re-normalizes it
func (a *Aggregate) Correct(reviewer string, raw []byte) error {
	if !a.status.reviewable() {
		return fmt.Errorf("%w: cannot correct %s extraction", ErrInvalidTransition, a.status)
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return ErrReviewerRequired
	}

	event, err := NewEvent(a.id, EventExtractionCorrected, &CorrectedData{
		ExtractionID: a.id,
		Reviewer:     reviewer,
		Raw:          NewRawPayload(raw),
		CorrectedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.Reviewer = reviewer
	if err := a.raise(event); err != nil {
		return err
	}
	return a.Normalize()
}

// Approve signs off the normalized prescription. It fails with
// ErrUnresolvedIssues while missing or invalid fields remain.
func (a *Aggregate) Approve(reviewer string) error {
	if !a.status.reviewable() {
		return fmt.Errorf("%w: cannot approve %s extraction", ErrInvalidTransition, a.status)
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return ErrReviewerRequired
	}
	if a.summary.Critical > 0 {
		return fmt.Errorf("%w: %d critical", ErrUnresolvedIssues, a.summary.Critical)
	}

	event, err := NewEvent(a.id, EventExtractionApproved, &ApprovedData{
		ExtractionID: a.id,
		Reviewer:     reviewer,
		Prescription: a.prescription,
		ApprovedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.Reviewer = reviewer
	return a.raise(event)
}

// Reject discards the extraction
func (a *Aggregate) Reject(reviewer, reason string) error {
	if a.status != StatusReceived && !a.status.reviewable() {
		return fmt.Errorf("%w: cannot reject %s extraction", ErrInvalidTransition, a.status)
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return ErrReviewerRequired
	}

	event, err := NewEvent(a.id, EventExtractionRejected, &RejectedData{
		ExtractionID: a.id,
		Reviewer:     reviewer,
		Reason:       strings.TrimSpace(reason),
		RejectedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.Reviewer = reviewer
	return a.raise(event)
}

func (a *Aggregate) raise(event *Event) error {
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventExtractionReceived:
		var data ReceivedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusReceived
		a.source = data.Source
		a.raw = data.Raw
		a.confidence = data.Confidence
		a.createdAt = event.Timestamp

	case EventExtractionNormalized:
		var data NormalizedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.prescription = data.Prescription
		a.summary = data.Summary
		a.status = StatusNormalized
		if data.Summary.NeedsReview {
			a.status = StatusNeedsReview
		}

	case EventExtractionCorrected:
		var data CorrectedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.raw = data.Raw
		a.reviewer = data.Reviewer
		a.corrections++

	case EventExtractionApproved:
		var data ApprovedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusApproved
		a.reviewer = data.Reviewer

	case EventExtractionRejected:
		var data RejectedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusRejected
		a.reviewer = data.Reviewer
		a.rejectReason = data.Reason

	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return fmt.Errorf("replay version %d: %w", event.Version, err)
		}
	}
	return nil
}

// View is the read model returned by the API
type View struct {
	ID           string                  `json:"id"`
	Status       Status                  `json:"status"`
	Source       string                  `json:"source"`
	Version      int                     `json:"version"`
	Confidence   *float64                `json:"confidence,omitempty"`
	Prescription *normalize.Prescription `json:"prescription,omitempty"`
	Summary      normalize.Summary       `json:"summary"`
	Reviewer     string                  `json:"reviewer,omitempty"`
	RejectReason string                  `json:"reject_reason,omitempty"`
	Corrections  int                     `json:"corrections"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// View returns the current state as a read model
func (a *Aggregate) View() View {
	return View{
		ID:           a.id,
		Status:       a.status,
		Source:       a.source,
		Version:      a.version,
		Confidence:   a.confidence,
		Prescription: a.prescription,
		Summary:      a.summary,
		Reviewer:     a.reviewer,
		RejectReason: a.rejectReason,
		Corrections:  a.corrections,
		CreatedAt:    a.createdAt,
		UpdatedAt:    a.updatedAt,
	}
}
