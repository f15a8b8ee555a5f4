// Package mapper projects normalized prescriptions onto FHIR R5 resources.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxintake/internal/fhir/r5"
	"github.com/drfirst/go-rxintake/internal/normalize"
)

// ExtensionConfidence carries the OCR overall confidence on each request.
const ExtensionConfidence = "urn:rxintake:extension:ocr-confidence"

const fhirDate = "2006-01-02"

// Options controls the projection.
type Options struct {
	// ExtractionID seeds resource IDs so repeated projections are stable.
	ExtractionID string
	// Status is the MedicationRequest status; draft until a reviewer approves.
	Status string
	// Confidence is the OCR overall confidence, if known.
	Confidence *float64
}

// resourceID derives a stable UUID for the n-th resource of a kind.
func resourceID(extractionID, kind string, n int) string {
	name := extractionID + "/" + kind + "/" + strconv.Itoa(n)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// ToBundle maps a normalized prescription to a collection Bundle holding the
// patient, the prescriber and one MedicationRequest per medication.
func ToBundle(p *normalize.Prescription, opts Options) *r5.Bundle {
	if opts.Status == "" {
		opts.Status = r5.StatusDraft
	}

	bundle := r5.NewBundle(r5.BundleTypeCollection)
	bundle.ID = resourceID(opts.ExtractionID, "Bundle", 0)
	if opts.ExtractionID != "" {
		bundle.Identifier = &r5.Identifier{System: r5.SystemExtractionID, Value: opts.ExtractionID}
	}

	patientID := resourceID(opts.ExtractionID, "Patient", 0)
	bundle.Add("urn:uuid:"+patientID, &r5.Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Name:         names(p.PatientName),
	})
	subject := r5.Reference{Reference: "urn:uuid:" + patientID, Type: "Patient", Display: p.PatientName}

	var requester *r5.Reference
	if p.DoctorName != "" {
		practitionerID := resourceID(opts.ExtractionID, "Practitioner", 0)
		bundle.Add("urn:uuid:"+practitionerID, &r5.Practitioner{
			ResourceType: "Practitioner",
			ID:           practitionerID,
			Name:         names(p.DoctorName),
		})
		requester = &r5.Reference{Reference: "urn:uuid:" + practitionerID, Type: "Practitioner", Display: p.DoctorName}
	}

	validity := ValidityPeriod(p.Date, p.Medications)

	for i, med := range p.Medications {
		mr := MedicationRequest(med, i, opts)
		mr.Subject = subject
		mr.Requester = requester
		if _, ok := parseDate(p.Date); ok {
			mr.AuthoredOn = p.Date
		}
		if p.Instructions != "" {
			mr.Note = []r5.Annotation{{Text: p.Instructions}}
		}
		if validity != nil {
			if mr.DispenseRequest == nil {
				mr.DispenseRequest = &r5.DispenseRequest{}
			}
			mr.DispenseRequest.ValidityPeriod = validity
		}
		bundle.Add("urn:uuid:"+mr.ID, mr)
	}

	total := len(bundle.Entry)
	bundle.Total = &total
	return bundle
}

func names(text string) []r5.HumanName {
	if text == "" {
		return nil
	}
	return []r5.HumanName{{Use: "usual", Text: text}}
}

// MedicationRequest maps a single medication line.
func MedicationRequest(med normalize.Medication, index int, opts Options) *r5.MedicationRequest {
	if opts.Status == "" {
		opts.Status = r5.StatusDraft
	}
	id := resourceID(opts.ExtractionID, "MedicationRequest", index)

	display := med.Name
	if med.Strength != "" {
		display = strings.TrimSpace(med.Name + " " + med.Strength)
	}

	mr := &r5.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           id,
		Status:       opts.Status,
		Intent:       r5.IntentOrder,
		Medication: r5.CodeableReference{
			Concept: &r5.CodeableConcept{Text: display},
		},
	}
	if opts.Status == r5.StatusDraft {
		mr.Intent = r5.IntentProposal
	}
	if opts.ExtractionID != "" {
		mr.Identifier = []r5.Identifier{{
			System: r5.SystemExtractionID,
			Value:  fmt.Sprintf("%s/%d", opts.ExtractionID, index),
		}}
	}
	if opts.Confidence != nil {
		c := *opts.Confidence
		mr.Extension = []r5.Extension{{URL: ExtensionConfidence, ValueDecimal: &c}}
	}

	dosage := r5.Dosage{
		Sequence: 1,
		Text:     SigText(med),
	}
	if med.Frequency == normalize.FreqPRN {
		dosage.AsNeeded = true
	} else {
		dosage.Timing = Timing(med.Frequency)
	}
	if q := DoseQuantity(med); q != nil {
		dosage.DoseAndRate = []r5.DoseAndRate{{DoseQuantity: q}}
	}
	if med.DurationDays != nil {
		if dosage.Timing == nil {
			dosage.Timing = &r5.Timing{}
		}
		if dosage.Timing.Repeat == nil {
			dosage.Timing.Repeat = &r5.TimingRepeat{}
		}
		dosage.Timing.Repeat.BoundsDuration = days(*med.DurationDays)
		mr.DispenseRequest = &r5.DispenseRequest{ExpectedSupplyDuration: days(*med.DurationDays)}
	}

	mr.DosageInstruction = []r5.Dosage{dosage}
	mr.RenderedDosageInstruction = dosage.Text
	return mr
}

func days(n int) *r5.Duration {
	return &r5.Duration{Value: float64(n), Unit: "days", System: r5.SystemUCUM, Code: "d"}
}

// SigText renders dose, frequency and duration as one instruction line.
func SigText(med normalize.Medication) string {
	parts := make([]string, 0, 3)
	if med.Dose != "" {
		parts = append(parts, med.Dose)
	}
	if med.Frequency != "" {
		parts = append(parts, med.Frequency)
	}
	if med.Duration != "" {
		parts = append(parts, "for "+med.Duration)
	}
	return strings.Join(parts, " ")
}

// ucumUnits maps dose units that have a UCUM code.
var ucumUnits = map[normalize.DoseUnit]string{
	normalize.DoseUnitMG:  "mg",
	normalize.DoseUnitMCG: "ug",
	normalize.DoseUnitML:  "mL",
}

// DoseQuantity returns the parsed dose, or nil when the dose was not recognized.
func DoseQuantity(med normalize.Medication) *r5.Quantity {
	if med.DoseAmount == nil || med.DoseUnit == "" {
		return nil
	}
	q := &r5.Quantity{Value: float64(*med.DoseAmount), Unit: string(med.DoseUnit)}
	if code, ok := ucumUnits[med.DoseUnit]; ok {
		q.System = r5.SystemUCUM
		q.Code = code
	} else {
		q.System = r5.SystemDoseUnit
		q.Code = string(med.DoseUnit)
	}
	return q
}

type timingSpec struct {
	frequency  int
	period     float64
	periodUnit string
	code       string
	when       []string
}

var timings = map[string]timingSpec{
	normalize.FreqOD:   {frequency: 1, period: 1, periodUnit: "d", code: "QD"},
	normalize.FreqBID:  {frequency: 2, period: 1, periodUnit: "d", code: "BID"},
	normalize.FreqTID:  {frequency: 3, period: 1, periodUnit: "d", code: "TID"},
	normalize.FreqQID:  {frequency: 4, period: 1, periodUnit: "d", code: "QID"},
	normalize.FreqHS:   {frequency: 1, period: 1, periodUnit: "d", when: []string{"HS"}},
	normalize.FreqQ4H:  {frequency: 1, period: 4, periodUnit: "h", code: "Q4H"},
	normalize.FreqQ6H:  {frequency: 1, period: 6, periodUnit: "h", code: "Q6H"},
	normalize.FreqQ8H:  {frequency: 1, period: 8, periodUnit: "h", code: "Q8H"},
	normalize.FreqQ12H: {frequency: 1, period: 12, periodUnit: "h"},
}

// Timing maps a canonical frequency code. Unrecognized frequencies and PRN
// have no structured timing and return nil.
func Timing(code string) *r5.Timing {
	spec, ok := timings[code]
	if !ok {
		return nil
	}
	t := &r5.Timing{
		Repeat: &r5.TimingRepeat{
			Frequency:  spec.frequency,
			Period:     spec.period,
			PeriodUnit: spec.periodUnit,
			When:       spec.when,
		},
	}
	if spec.code != "" {
		t.Code = &r5.CodeableConcept{
			Coding: []r5.Coding{{System: r5.SystemTimingAbbreviation, Code: spec.code}},
			Text:   code,
		}
	}
	return t
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(fhirDate, s)
	return t, err == nil
}

// ValidityPeriod starts at the prescription date and ends after the longest
// medication duration. It is nil when the date is not a canonical date; the
// end is omitted when no duration is known.
func ValidityPeriod(date string, meds []normalize.Medication) *r5.Period {
	start, ok := parseDate(date)
	if !ok {
		return nil
	}
	period := &r5.Period{Start: date}

	longest := -1
	for _, m := range meds {
		if m.DurationDays != nil && *m.DurationDays > longest {
			longest = *m.DurationDays
		}
	}
	if longest >= 0 {
		period.End = start.AddDate(0, 0, longest).Format(fhirDate)
	}
	return period
}

// ToOperationOutcome reports normalization issues. Missing fields map to
// required errors, invalid values to invalid errors and ambiguous values to
// value warnings; each issue's path becomes its expression.
func ToOperationOutcome(issues []normalize.Issue) *r5.OperationOutcome {
	out := make([]r5.OperationOutcomeIssue, 0, len(issues))
	for _, issue := range issues {
		oi := r5.OperationOutcomeIssue{
			Diagnostics: issue.Note,
			Expression:  []string{issue.Path},
			Details:     &r5.CodeableConcept{Text: string(issue.Code)},
		}
		switch issue.Code {
		case normalize.IssueMissing:
			oi.Severity, oi.Code = r5.SeverityError, r5.IssueTypeRequired
		case normalize.IssueAmbiguous:
			oi.Severity, oi.Code = r5.SeverityWarning, r5.IssueTypeValue
		default:
			oi.Severity, oi.Code = r5.SeverityError, r5.IssueTypeInvalid
		}
		if issue.Path == normalize.RootPath {
			oi.Code = r5.IssueTypeStructure
		}
		out = append(out, oi)
	}
	return r5.NewOperationOutcome(out...)
}
