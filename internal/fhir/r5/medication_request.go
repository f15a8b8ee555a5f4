package r5

import "strings"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	Subject    Reference  `json:"subject"`
	AuthoredOn string     `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
	Extension         []Extension      `json:"extension,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	// Validity period for the prescription
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`

	// Expected supply duration
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int           `json:"sequence,omitempty"`
	Text               string        `json:"text,omitempty"`
	PatientInstruction string        `json:"patientInstruction,omitempty"`
	Timing             *Timing       `json:"timing,omitempty"`
	AsNeeded           bool          `json:"asNeeded,omitempty"`
	DoseAndRate        []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	When           []string  `json:"when,omitempty"`
}

// MedicationText returns the medication display text.
func (m *MedicationRequest) MedicationText() string {
	if m.Medication.Concept == nil {
		return ""
	}
	return m.Medication.Concept.Text
}

// SigText returns the rendered instruction, falling back to the dosage texts.
func (m *MedicationRequest) SigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	texts := make([]string, 0, len(m.DosageInstruction))
	for _, d := range m.DosageInstruction {
		if d.Text != "" {
			texts = append(texts, d.Text)
		}
	}
	return strings.Join(texts, "; ")
}

// DaysSupply returns the expected supply duration in days, or 0.
func (m *MedicationRequest) DaysSupply() int {
	if m.DispenseRequest == nil || m.DispenseRequest.ExpectedSupplyDuration == nil {
		return 0
	}
	return int(m.DispenseRequest.ExpectedSupplyDuration.Value)
}
