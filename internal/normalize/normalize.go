package normalize

import "strings"

// Normalize converts an untrusted extraction payload into a Prescription.
// Every field-level problem is reported in Prescription.Issues; only a value
// that cannot be read as an object short-circuits, yielding an empty
// prescription with a single root issue.
func Normalize(v any) *Prescription {
	raw, ok := Coerce(v)
	if !ok {
		p := emptyPrescription()
		p.Issues = append(p.Issues, Issue{Path: RootPath, Code: IssueInvalid, Note: "Invalid JSON structure"})
		return p
	}
	return NormalizeRaw(raw)
}

// NormalizeRaw normalizes an already coerced extraction.
func NormalizeRaw(raw RawExtraction) *Prescription {
	issues := newIssueList()
	p := emptyPrescription()

	p.PatientName = normalizeName(issues, fieldPatientName, "Patient name", raw.PatientName)
	p.DoctorName = normalizeName(issues, fieldDoctorName, "Doctor name", raw.DoctorName)
	p.Date = normalizeDate(issues.prefixed(fieldDate+"."), raw.Date)
	p.Instructions = strings.TrimSpace(raw.Instructions.String())

	for _, rm := range raw.Medications {
		if isBlankMedication(rm) {
			continue
		}
		med := normalizeMedication(issues.prefixed(medicationPrefix(len(p.Medications))), rm)
		p.Medications = append(p.Medications, med)
	}

	p.Issues = issues.list()
	return p
}
