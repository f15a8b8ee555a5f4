package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// Raw field names used by the extractor.
const (
	fieldPatientName  = "patient_name"
	fieldDoctorName   = "doctor_name"
	fieldDate         = "date"
	fieldInstructions = "instructions"
	fieldMedications  = "medications"
	fieldName         = "name"
	fieldStrength     = "strength"
	fieldDose         = "dose"
	fieldFrequency    = "frequency"
	fieldDuration     = "duration"
)

// Parse decodes extractor JSON and coerces it into a RawExtraction.
// It reports false when the payload is not a single JSON object.
func Parse(data []byte) (RawExtraction, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return RawExtraction{}, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return RawExtraction{}, false
	}
	return Coerce(v)
}

// Coerce interprets an arbitrary value as a RawExtraction. Fields of the
// wrong type are treated as absent; numbers are kept as their decimal text.
// It reports false only when v cannot be read as an object at all.
func Coerce(v any) (RawExtraction, bool) {
	switch t := v.(type) {
	case RawExtraction:
		return t, true
	case *RawExtraction:
		if t == nil {
			return RawExtraction{}, false
		}
		return *t, true
	case *Prescription:
		if t == nil {
			return RawExtraction{}, false
		}
		return t.Raw(), true
	case Prescription:
		return t.Raw(), true
	case json.RawMessage:
		return Parse(t)
	case []byte:
		return Parse(t)
	case map[string]any:
		return fromMap(t), true
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return fromMap(m), true
	default:
		return RawExtraction{}, false
	}
}

func fromMap(m map[string]any) RawExtraction {
	raw := RawExtraction{
		PatientName:  optionalField(m, fieldPatientName),
		DoctorName:   optionalField(m, fieldDoctorName),
		Date:         optionalField(m, fieldDate),
		Instructions: optionalField(m, fieldInstructions),
	}

	switch meds := m[fieldMedications].(type) {
	case []any:
		raw.Medications = make([]RawMedication, 0, len(meds))
		for _, entry := range meds {
			obj, _ := entry.(map[string]any)
			raw.Medications = append(raw.Medications, medicationFromMap(obj))
		}
	case []map[string]any:
		raw.Medications = make([]RawMedication, 0, len(meds))
		for _, obj := range meds {
			raw.Medications = append(raw.Medications, medicationFromMap(obj))
		}
	}
	return raw
}

// medicationFromMap tolerates a nil map; the result is then an all-blank row.
func medicationFromMap(m map[string]any) RawMedication {
	return RawMedication{
		Name:      optionalField(m, fieldName),
		Strength:  optionalField(m, fieldStrength),
		Dose:      optionalField(m, fieldDose),
		Frequency: optionalField(m, fieldFrequency),
		Duration:  optionalField(m, fieldDuration),
	}
}

func optionalField(m map[string]any, key string) Optional {
	switch x := m[key].(type) {
	case string:
		return Some(x)
	case json.Number:
		return Some(x.String())
	case float64:
		return Some(strconv.FormatFloat(x, 'f', -1, 64))
	case int:
		return Some(strconv.Itoa(x))
	case int64:
		return Some(strconv.FormatInt(x, 10))
	default:
		return Optional{}
	}
}

// Raw converts a normalized prescription back into raw form so it can be
// edited and normalized again.
func (p *Prescription) Raw() RawExtraction {
	raw := RawExtraction{
		PatientName:  Some(p.PatientName),
		DoctorName:   Some(p.DoctorName),
		Date:         Some(p.Date),
		Instructions: Some(p.Instructions),
		Medications:  make([]RawMedication, 0, len(p.Medications)),
	}
	for _, m := range p.Medications {
		dose := m.Dose
		if m.DoseText != "" {
			dose = m.DoseText
		}
		duration := m.Duration
		if m.DurationRaw != "" {
			duration = m.DurationRaw
		}
		raw.Medications = append(raw.Medications, RawMedication{
			Name:      Some(m.Name),
			Strength:  Some(m.Strength),
			Dose:      Some(dose),
			Frequency: Some(m.Frequency),
			Duration:  Some(duration),
		})
	}
	return raw
}
