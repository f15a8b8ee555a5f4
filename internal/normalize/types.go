// Package normalize turns untrusted prescription extraction output into a
// typed prescription record plus a list of field-level data-quality issues.
//
// The package is pure: it performs no I/O, reads no clock and keeps no
// mutable package state, so Normalize may be called concurrently.
package normalize

// IssueCode classifies a data-quality problem.
type IssueCode string

const (
	// IssueMissing marks a required field that was empty or absent.
	IssueMissing IssueCode = "missing"
	// IssueAmbiguous marks a present field that matched no known pattern.
	IssueAmbiguous IssueCode = "ambiguous"
	// IssueInvalid marks a present field that is semantically wrong.
	IssueInvalid IssueCode = "invalid"
)

// Issue describes one field-level problem in a normalized prescription.
type Issue struct {
	Path string    `json:"path"`
	Code IssueCode `json:"code"`
	Note string    `json:"note"`
}

// DoseUnit is the closed set of units a dose can be expressed in.
type DoseUnit string

const (
	DoseUnitTab   DoseUnit = "tab"
	DoseUnitCap   DoseUnit = "cap"
	DoseUnitML    DoseUnit = "ml"
	DoseUnitDrops DoseUnit = "drops"
	DoseUnitPuff  DoseUnit = "puff"
	DoseUnitMG    DoseUnit = "mg"
	DoseUnitMCG   DoseUnit = "mcg"
)

// Medication is a normalized medication line.
type Medication struct {
	Name         string   `json:"name"`
	Strength     string   `json:"strength"`
	Dose         string   `json:"dose"`
	DoseAmount   *int     `json:"dose_amount,omitempty"`
	DoseUnit     DoseUnit `json:"dose_unit,omitempty"`
	DoseText     string   `json:"dose_text,omitempty"`
	Frequency    string   `json:"frequency"`
	Duration     string   `json:"duration"`
	DurationRaw  string   `json:"duration_raw,omitempty"`
	DurationDays *int     `json:"duration_days,omitempty"`
}

// Prescription is the normalized form of one extraction.
type Prescription struct {
	PatientName  string       `json:"patient_name"`
	DoctorName   string       `json:"doctor_name"`
	Date         string       `json:"date"`
	Instructions string       `json:"instructions"`
	Medications  []Medication `json:"medications"`
	Issues       []Issue      `json:"issues"`
}

// Optional is a string field that may be absent from the raw input.
type Optional struct {
	Value string
	Set   bool
}

// Some returns a present Optional.
func Some(s string) Optional { return Optional{Value: s, Set: true} }

// String returns the value, or "" when absent.
func (o Optional) String() string {
	if !o.Set {
		return ""
	}
	return o.Value
}

// RawMedication is a loosely-shaped medication entry from the extractor.
type RawMedication struct {
	Name      Optional
	Strength  Optional
	Dose      Optional
	Frequency Optional
	Duration  Optional
}

// RawExtraction is the loosely-shaped extractor payload after coercion.
type RawExtraction struct {
	PatientName  Optional
	DoctorName   Optional
	Date         Optional
	Instructions Optional
	Medications  []RawMedication
}

func emptyPrescription() *Prescription {
	return &Prescription{
		Medications: []Medication{},
		Issues:      []Issue{},
	}
}
