package mapper

import (
	"encoding/json"
	"testing"

	"github.com/drfirst/go-rxintake/internal/fhir/r5"
	"github.com/drfirst/go-rxintake/internal/normalize"
)

func intPtr(n int) *int { return &n }

func sampleRx() *normalize.Prescription {
	return &normalize.Prescription{
		PatientName:  "Sachin Sansare",
		DoctorName:   "Amita",
		Date:         "2022-10-12",
		Instructions: "Take after meals.",
		Medications: []normalize.Medication{
			{
				Name:         "Augmentin",
				Strength:     "625mg",
				Dose:         "1 tablet",
				DoseAmount:   intPtr(1),
				DoseUnit:     normalize.DoseUnitTab,
				Frequency:    "BID",
				Duration:     "5 days",
				DurationDays: intPtr(5),
			},
			{
				Name:         "Paracetamol",
				Strength:     "500mg",
				Dose:         "500 mg",
				DoseAmount:   intPtr(500),
				DoseUnit:     normalize.DoseUnitMG,
				Frequency:    "PRN",
				Duration:     "7 days",
				DurationDays: intPtr(7),
			},
		},
		Issues: []normalize.Issue{},
	}
}

func TestToBundleStructure(t *testing.T) {
	b := ToBundle(sampleRx(), Options{ExtractionID: "ex-1"})

	if b.ResourceType != "Bundle" || b.Type != r5.BundleTypeCollection {
		t.Fatalf("unexpected bundle header %s/%s", b.ResourceType, b.Type)
	}
	if len(b.Entry) != 4 || b.Total == nil || *b.Total != 4 {
		t.Fatalf("expected patient, practitioner and 2 requests, got %d entries", len(b.Entry))
	}
	if _, ok := b.Entry[0].Resource.(*r5.Patient); !ok {
		t.Errorf("first entry should be the patient, got %T", b.Entry[0].Resource)
	}
	if _, ok := b.Entry[1].Resource.(*r5.Practitioner); !ok {
		t.Errorf("second entry should be the practitioner, got %T", b.Entry[1].Resource)
	}

	mrs := b.MedicationRequests()
	if len(mrs) != 2 {
		t.Fatalf("expected 2 medication requests, got %d", len(mrs))
	}
	aug := mrs[0]
	if aug.Status != r5.StatusDraft || aug.Intent != r5.IntentProposal {
		t.Errorf("unapproved requests should be draft proposals, got %s/%s", aug.Status, aug.Intent)
	}
	if aug.MedicationText() != "Augmentin 625mg" {
		t.Errorf("medication text = %q", aug.MedicationText())
	}
	if aug.SigText() != "1 tablet BID for 5 days" {
		t.Errorf("sig = %q", aug.SigText())
	}
	if aug.Subject.Reference != b.Entry[0].FullURL {
		t.Errorf("subject %q should reference %q", aug.Subject.Reference, b.Entry[0].FullURL)
	}
	if aug.Requester == nil || aug.Requester.Reference != b.Entry[1].FullURL {
		t.Errorf("requester should reference the practitioner, got %+v", aug.Requester)
	}
	if aug.AuthoredOn != "2022-10-12" {
		t.Errorf("authoredOn = %q", aug.AuthoredOn)
	}
	if aug.DaysSupply() != 5 {
		t.Errorf("days supply = %d", aug.DaysSupply())
	}
	vp := aug.DispenseRequest.ValidityPeriod
	if vp == nil || vp.Start != "2022-10-12" || vp.End != "2022-10-19" {
		t.Errorf("validity period = %+v", vp)
	}
}

func TestToBundleDeterministicIDs(t *testing.T) {
	a := ToBundle(sampleRx(), Options{ExtractionID: "ex-1"})
	b := ToBundle(sampleRx(), Options{ExtractionID: "ex-1"})
	c := ToBundle(sampleRx(), Options{ExtractionID: "ex-2"})

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Error("same extraction should project to identical bundles")
	}
	if a.ID == c.ID || a.Entry[0].FullURL == c.Entry[0].FullURL {
		t.Error("different extractions should not share resource ids")
	}
}

func TestToBundleWithoutDoctorOrDate(t *testing.T) {
	rx := sampleRx()
	rx.DoctorName = ""
	rx.Date = ""

	b := ToBundle(rx, Options{ExtractionID: "ex-1", Status: r5.StatusActive})
	if len(b.Entry) != 3 {
		t.Fatalf("expected no practitioner entry, got %d entries", len(b.Entry))
	}
	mr := b.MedicationRequests()[0]
	if mr.Requester != nil || mr.AuthoredOn != "" {
		t.Errorf("unexpected requester/authoredOn %+v %q", mr.Requester, mr.AuthoredOn)
	}
	if mr.DispenseRequest.ValidityPeriod != nil {
		t.Error("validity period needs a date")
	}
	if mr.Intent != r5.IntentOrder {
		t.Errorf("active requests are orders, got %s", mr.Intent)
	}
}

func TestDosage(t *testing.T) {
	rx := sampleRx()
	mrs := ToBundle(rx, Options{}).MedicationRequests()

	aug := mrs[0].DosageInstruction[0]
	if aug.AsNeeded || aug.Timing == nil || aug.Timing.Repeat.Frequency != 2 || aug.Timing.Repeat.PeriodUnit != "d" {
		t.Errorf("BID timing = %+v", aug.Timing)
	}
	if aug.Timing.Repeat.BoundsDuration == nil || aug.Timing.Repeat.BoundsDuration.Value != 5 {
		t.Errorf("bounds = %+v", aug.Timing.Repeat.BoundsDuration)
	}
	q := aug.DoseAndRate[0].DoseQuantity
	if q.Value != 1 || q.Code != "tab" || q.System != r5.SystemDoseUnit {
		t.Errorf("tablet dose = %+v", q)
	}

	prn := mrs[1].DosageInstruction[0]
	if !prn.AsNeeded {
		t.Error("PRN should be as needed")
	}
	if prn.Timing == nil || prn.Timing.Code != nil || prn.Timing.Repeat.Frequency != 0 {
		t.Errorf("PRN should only carry bounds, got %+v", prn.Timing)
	}
	q = prn.DoseAndRate[0].DoseQuantity
	if q.Value != 500 || q.Code != "mg" || q.System != r5.SystemUCUM {
		t.Errorf("mg dose = %+v", q)
	}
}

func TestTiming(t *testing.T) {
	cases := []struct {
		code       string
		frequency  int
		period     float64
		periodUnit string
		abbrev     string
		when       string
	}{
		{"OD", 1, 1, "d", "QD", ""},
		{"TID", 3, 1, "d", "TID", ""},
		{"QID", 4, 1, "d", "QID", ""},
		{"HS", 1, 1, "d", "", "HS"},
		{"q6h", 1, 6, "h", "Q6H", ""},
		{"q12h", 1, 12, "h", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			timing := Timing(tc.code)
			if timing == nil {
				t.Fatal("expected timing")
			}
			r := timing.Repeat
			if r.Frequency != tc.frequency || r.Period != tc.period || r.PeriodUnit != tc.periodUnit {
				t.Errorf("repeat = %+v", r)
			}
			if tc.abbrev == "" && timing.Code != nil {
				t.Errorf("unexpected code %+v", timing.Code)
			}
			if tc.abbrev != "" && (timing.Code == nil || timing.Code.Coding[0].Code != tc.abbrev) {
				t.Errorf("code = %+v, want %s", timing.Code, tc.abbrev)
			}
			if tc.when != "" && (len(r.When) != 1 || r.When[0] != tc.when) {
				t.Errorf("when = %v", r.When)
			}
		})
	}

	if Timing("PRN") != nil || Timing("after lunch") != nil {
		t.Error("PRN and free text have no structured timing")
	}
}

func TestValidityPeriodWithoutDurations(t *testing.T) {
	p := ValidityPeriod("2022-10-12", []normalize.Medication{{Name: "x"}})
	if p == nil || p.Start != "2022-10-12" || p.End != "" {
		t.Errorf("period = %+v", p)
	}
	if ValidityPeriod("12/10/22", nil) != nil {
		t.Error("non-canonical dates have no validity period")
	}
}

func TestToOperationOutcome(t *testing.T) {
	oo := ToOperationOutcome([]normalize.Issue{
		{Path: "patient_name", Code: normalize.IssueMissing, Note: "Patient name is required"},
		{Path: "medications[0].frequency", Code: normalize.IssueAmbiguous, Note: "Frequency not recognized"},
		{Path: "date.date", Code: normalize.IssueInvalid, Note: "Date is not a valid calendar date"},
		{Path: normalize.RootPath, Code: normalize.IssueInvalid, Note: "Invalid JSON structure"},
	})

	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 4 {
		t.Fatalf("unexpected outcome %+v", oo)
	}
	want := []struct{ severity, code string }{
		{r5.SeverityError, r5.IssueTypeRequired},
		{r5.SeverityWarning, r5.IssueTypeValue},
		{r5.SeverityError, r5.IssueTypeInvalid},
		{r5.SeverityError, r5.IssueTypeStructure},
	}
	for i, w := range want {
		if oo.Issue[i].Severity != w.severity || oo.Issue[i].Code != w.code {
			t.Errorf("issue %d = %s/%s, want %s/%s", i, oo.Issue[i].Severity, oo.Issue[i].Code, w.severity, w.code)
		}
	}
	if oo.Issue[1].Expression[0] != "medications[0].frequency" {
		t.Errorf("expression = %v", oo.Issue[1].Expression)
	}

	empty := ToOperationOutcome(nil)
	data, _ := json.Marshal(empty)
	if string(data) != `{"resourceType":"OperationOutcome","issue":[]}` {
		t.Errorf("empty outcome = %s", data)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := ToBundle(sampleRx(), Options{ExtractionID: "ex-1"})
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded r5.Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mrs := decoded.MedicationRequests()
	if len(mrs) != 2 || mrs[1].MedicationText() != "Paracetamol 500mg" {
		t.Errorf("decoded requests = %+v", mrs)
	}
}
