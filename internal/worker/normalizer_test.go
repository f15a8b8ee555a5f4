package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-rxintake/internal/domain/extraction"
	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxintake/pkg/idempotency"
	"github.com/drfirst/go-rxintake/pkg/workerpool"
)

type fakeStore struct {
	mu    sync.Mutex
	saved map[string]*extraction.Aggregate
	saves int
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]*extraction.Aggregate)}
}

func (s *fakeStore) Save(_ context.Context, agg *extraction.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.saved[agg.ID()]; ok {
		return extraction.ErrConcurrentModification
	}
	s.saves++
	s.saved[agg.ID()] = agg
	return nil
}

// fakeInbox mimics the inbox: finished keys return their stored result.
type fakeInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{results: make(map[string]json.RawMessage)}
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	f.mu.Lock()
	if res, ok := f.results[key]; ok {
		f.mu.Unlock()
		return &idempotency.ProcessResult{Result: res}, nil
	}
	f.mu.Unlock()

	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.results[key] = res
	f.mu.Unlock()
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	records []*redpanda.Record
}

func (f *fakeDeadLetter) ProduceBatch(_ context.Context, records []*redpanda.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func sachinRecord(t *testing.T, source string) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(map[string]any{
		"patient_name": "Sachin Sansare",
		"doctor_name":  "Amita",
		"medications": []any{
			map[string]any{"name": "Augmentin", "strength": "625mg", "dose": "1 tablet", "frequency": "twice daily", "duration": "5 days"},
			map[string]any{"name": "Enzoflam", "strength": "", "dose": "1 tablet", "frequency": "twice daily", "duration": "5 days"},
			map[string]any{"name": "Pan D", "strength": "40mg", "dose": "1 tablet", "frequency": "once daily", "duration": "5 days"},
			map[string]any{"name": "Hexigel gum paint", "strength": "", "dose": "", "frequency": "twice daily", "duration": "1 week"},
		},
		"date": "12/10/22",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	headers := map[string]string{}
	if source != "" {
		headers[redpanda.HeaderSource] = source
	}
	return &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicExtractionRaw,
		Key:     []byte("rx-1"),
		Value:   value,
		Headers: headers,
	}
}

const cleanPayload = `{"patient_name":"Test","doctor_name":"Doctor","date":"12/10/22",` +
	`"medications":[{"name":"Test Med","strength":"100mg","dose":"1 tab","frequency":"BID","duration":"3 days"}]}`

func TestHandleNormalizesRecord(t *testing.T) {
	store := newFakeStore()
	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)
	msg := sachinRecord(t, "scanner")

	outcome, err := n.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	wantID := ExtractionID(idempotency.GenerateKey("scanner", msg.Value))
	if outcome.ExtractionID != wantID {
		t.Errorf("extraction id = %s, want %s", outcome.ExtractionID, wantID)
	}
	if outcome.Status != extraction.StatusNeedsReview || outcome.Critical != 3 {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	agg := store.saved[wantID]
	if agg == nil || agg.Source() != "scanner" || agg.Version() != 2 {
		t.Fatalf("unexpected saved aggregate %+v", agg)
	}
}

func TestHandleDefaultSource(t *testing.T) {
	store := newFakeStore()
	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)

	outcome, err := n.Handle(context.Background(), sachinRecord(t, ""))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.saved[outcome.ExtractionID].Source() != DefaultSource {
		t.Errorf("source = %q", store.saved[outcome.ExtractionID].Source())
	}
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)
	msg := sachinRecord(t, "scanner")

	first, err := n.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	second, err := n.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if *first != *second {
		t.Errorf("redelivery returned %+v, want %+v", second, first)
	}
	if store.saves != 1 {
		t.Errorf("expected one save, got %d", store.saves)
	}
}

func TestHandleAlreadyStored(t *testing.T) {
	store := newFakeStore()
	msg := sachinRecord(t, "scanner")
	id := ExtractionID(idempotency.GenerateKey("scanner", msg.Value))
	store.saved[id] = extraction.NewAggregate(id)

	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)
	outcome, err := n.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("a stored extraction should count as processed: %v", err)
	}
	if outcome.ExtractionID != id {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestHandleOCREnvelope(t *testing.T) {
	store := newFakeStore()
	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)
	msg := &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicExtractionRaw,
		Value:   []byte(`{"success":true,"extracted_data":` + cleanPayload + `,"overall_confidence":0.8,"needs_review":false}`),
		Headers: map[string]string{redpanda.HeaderSource: "ocr"},
	}

	outcome, err := n.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome.Status != extraction.StatusNormalized {
		t.Errorf("status = %s", outcome.Status)
	}
	agg := store.saved[outcome.ExtractionID]
	if c := agg.Confidence(); c == nil || *c != 0.8 {
		t.Errorf("confidence = %v", c)
	}
}

func TestHandleFailedEnvelopeIsPermanent(t *testing.T) {
	store := newFakeStore()
	n := NewNormalizer(store, newFakeInbox(), nil, nil, nil)
	msg := &redpanda.ConsumedMessage{Value: []byte(`{"success":false,"error":"no text found"}`), Headers: map[string]string{}}

	_, err := n.Handle(context.Background(), msg)
	if !errors.Is(err, workerpool.ErrPermanent) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if store.saves != 0 {
		t.Error("failed extractions must not be stored")
	}
}

func TestUnwrap(t *testing.T) {
	raw, conf, err := Unwrap([]byte(cleanPayload))
	if err != nil || conf != nil || string(raw) != cleanPayload {
		t.Errorf("bare payload: %s %v %v", raw, conf, err)
	}

	raw, _, err = Unwrap([]byte("not json"))
	if err != nil || string(raw) != "not json" {
		t.Errorf("non-JSON payloads pass through: %s %v", raw, err)
	}

	raw, conf, err = Unwrap([]byte(`{"success":true,"extracted_data":{"patient_name":"x"},"overall_confidence":0.5}`))
	if err != nil || string(raw) != `{"patient_name":"x"}` || conf == nil || *conf != 0.5 {
		t.Errorf("envelope: %s %v %v", raw, conf, err)
	}
}

func TestHandleMessageDeadLetters(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("database unavailable")
	dlq := &fakeDeadLetter{}
	n := NewNormalizer(store, newFakeInbox(), dlq, nil, nil)

	pool, err := workerpool.New(workerpool.Config{
		Workers:                 1,
		QueueSize:               4,
		MaxRetries:              1,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}, n.WorkerFunc(), nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	msg := sachinRecord(t, "scanner")
	if err := n.HandleMessage(pool)(context.Background(), msg); err != nil {
		t.Fatalf("dead-lettered records should be committed, got %v", err)
	}

	if len(dlq.records) != 1 {
		t.Fatalf("expected one dead-letter record, got %d", len(dlq.records))
	}
	rec := dlq.records[0]
	if rec.Topic != redpanda.TopicDeadLetter || rec.Key != "rx-1" || string(rec.Value) != string(msg.Value) {
		t.Errorf("unexpected dead-letter record %+v", rec)
	}
	if rec.Headers[HeaderSourceTopic] != redpanda.TopicExtractionRaw || rec.Headers[redpanda.HeaderSource] != "scanner" || rec.Headers[HeaderError] == "" {
		t.Errorf("unexpected dead-letter headers %v", rec.Headers)
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	if err := n.HandleMessage(pool)(context.Background(), sachinRecord(t, "mobile")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if len(dlq.records) != 1 || store.saves != 1 {
		t.Errorf("successful records are not dead-lettered: dlq=%d saves=%d", len(dlq.records), store.saves)
	}
}
