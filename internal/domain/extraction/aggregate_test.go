package extraction

import (
	"errors"
	"testing"

	"github.com/drfirst/go-rxintake/internal/normalize"
)

const cleanExtraction = `{
	"patient_name": "jane doe",
	"doctor_name": "dr. house",
	"date": "12/5/24",
	"medications": [
		{"name": "amoxicillin", "strength": "500mg", "dose": "1 tab", "frequency": "twice daily", "duration": "5 days"}
	]
}`

const incompleteExtraction = `{
	"patient_name": "jane doe",
	"date": "12/5/24",
	"medications": [{"name": "amoxicillin", "dose": "1 tab", "frequency": "BID", "duration": "5 days"}]
}`

func receivedAggregate(t *testing.T, raw string) *Aggregate {
	t.Helper()
	agg := NewAggregate("ext-1")
	if err := agg.Receive("scanner", []byte(raw), nil); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := agg.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	return agg
}

func TestReceiveAndNormalizeClean(t *testing.T) {
	agg := receivedAggregate(t, cleanExtraction)

	if agg.Status() != StatusNormalized {
		t.Fatalf("expected normalized, got %s", agg.Status())
	}
	if agg.Version() != 2 || len(agg.Changes()) != 2 {
		t.Errorf("expected 2 uncommitted events, got version %d, %d changes", agg.Version(), len(agg.Changes()))
	}
	p := agg.Prescription()
	if p == nil || p.PatientName != "Jane Doe" || p.Date != "2024-05-12" {
		t.Fatalf("unexpected prescription %+v", p)
	}
	if p.Medications[0].Frequency != "BID" {
		t.Errorf("expected BID, got %q", p.Medications[0].Frequency)
	}
	if agg.Source() != "scanner" {
		t.Errorf("expected source scanner, got %q", agg.Source())
	}
}

func TestReceiveTwiceIsInvalid(t *testing.T) {
	agg := receivedAggregate(t, cleanExtraction)
	if err := agg.Receive("scanner", []byte(`{}`), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveBlockedByCriticalIssues(t *testing.T) {
	agg := receivedAggregate(t, incompleteExtraction)
	if agg.Status() != StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", agg.Status())
	}
	if agg.Summary().Critical != 2 {
		t.Fatalf("expected doctor_name and strength missing, got %+v", agg.Prescription().Issues)
	}

	if err := agg.Approve("pharmacist@example.com"); !errors.Is(err, ErrUnresolvedIssues) {
		t.Fatalf("expected ErrUnresolvedIssues, got %v", err)
	}

	fixed := `{
		"patient_name": "jane doe",
		"doctor_name": "dr. house",
		"date": "12/5/24",
		"medications": [{"name": "amoxicillin", "strength": "500mg", "dose": "1 tab", "frequency": "BID", "duration": "5 days"}]
	}`
	if err := agg.Correct("pharmacist@example.com", []byte(fixed)); err != nil {
		t.Fatalf("Correct failed: %v", err)
	}
	if agg.Status() != StatusNormalized || agg.Summary().Critical != 0 {
		t.Fatalf("expected clean re-normalization, got %s %+v", agg.Status(), agg.Summary())
	}
	if err := agg.Approve("pharmacist@example.com"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if agg.Status() != StatusApproved || !agg.Status().Terminal() {
		t.Errorf("expected approved, got %s", agg.Status())
	}
	if view := agg.View(); view.Corrections != 1 || view.Reviewer != "pharmacist@example.com" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestApproveWithWarningsOnly(t *testing.T) {
	raw := `{
		"patient_name": "jane doe", "doctor_name": "dr. house", "date": "12/5/24",
		"medications": [{"name": "amoxicillin", "strength": "500mg", "dose": "1 tab", "frequency": "when needed-ish", "duration": "5 days"}]
	}`
	agg := receivedAggregate(t, raw)
	if agg.Status() != StatusNeedsReview || agg.Summary().Warnings != 1 {
		t.Fatalf("expected one warning, got %s %+v", agg.Status(), agg.Summary())
	}
	if err := agg.Approve("rph"); err != nil {
		t.Errorf("warnings must not block approval: %v", err)
	}
}

func TestReviewCommandsRequireReviewer(t *testing.T) {
	agg := receivedAggregate(t, cleanExtraction)
	if err := agg.Approve("  "); !errors.Is(err, ErrReviewerRequired) {
		t.Errorf("approve: expected ErrReviewerRequired, got %v", err)
	}
	if err := agg.Correct("", []byte(`{}`)); !errors.Is(err, ErrReviewerRequired) {
		t.Errorf("correct: expected ErrReviewerRequired, got %v", err)
	}
	if err := agg.Reject("", "blurry"); !errors.Is(err, ErrReviewerRequired) {
		t.Errorf("reject: expected ErrReviewerRequired, got %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	agg := receivedAggregate(t, cleanExtraction)
	if err := agg.Reject("rph", "wrong patient"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if agg.View().RejectReason != "wrong patient" {
		t.Errorf("expected reason to be kept, got %q", agg.View().RejectReason)
	}
	if err := agg.Approve("rph"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition after reject, got %v", err)
	}
	if err := agg.Normalize(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition after reject, got %v", err)
	}
}

func TestNonJSONPayloadIsKept(t *testing.T) {
	agg := receivedAggregate(t, "not json at all")
	if string(agg.Raw().Bytes()) != "not json at all" {
		t.Errorf("expected raw text to round-trip, got %q", agg.Raw().Bytes())
	}
	issues := agg.Prescription().Issues
	if len(issues) != 1 || issues[0].Path != normalize.RootPath {
		t.Errorf("expected single root issue, got %+v", issues)
	}
}

func TestLoadFromHistoryReplaysState(t *testing.T) {
	agg := receivedAggregate(t, cleanExtraction)
	if err := agg.Approve("rph"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	replayed := NewAggregate(agg.ID())
	if err := replayed.LoadFromHistory(agg.Changes()); err != nil {
		t.Fatalf("LoadFromHistory failed: %v", err)
	}
	if replayed.Status() != StatusApproved || replayed.Version() != 3 {
		t.Errorf("expected approved v3, got %s v%d", replayed.Status(), replayed.Version())
	}
	if len(replayed.Changes()) != 0 {
		t.Error("replayed events must not be uncommitted changes")
	}
	if replayed.Prescription().PatientName != "Jane Doe" {
		t.Errorf("expected prescription to be restored, got %+v", replayed.Prescription())
	}
}

func TestLoadFromHistoryRejectsUnknownEvents(t *testing.T) {
	agg := NewAggregate("ext-1")
	err := agg.LoadFromHistory([]*Event{{EventType: "Mystery", EventData: []byte(`{}`)}})
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}
