package normalize

import (
	"math"
	"strconv"
	"strings"
)

func isBlankMedication(m RawMedication) bool {
	for _, f := range []Optional{m.Name, m.Strength, m.Dose, m.Frequency, m.Duration} {
		if strings.TrimSpace(f.String()) != "" {
			return false
		}
	}
	return true
}

// normalizeMedication runs every field normalizer; an issue in one field
// never stops the others.
func normalizeMedication(issues issueList, raw RawMedication) Medication {
	var med Medication

	med.Name = strings.TrimSpace(raw.Name.String())
	if med.Name == "" {
		issues.missing(fieldName, "Medication name is required")
	}

	med.Strength = normalizeStrength(issues, raw.Strength)
	normalizeDose(issues, raw.Dose, &med)
	med.Frequency = normalizeFrequency(issues, raw.Frequency)
	normalizeDuration(issues, raw.Duration, &med)
	return med
}

func normalizeStrength(issues issueList, v Optional) string {
	strength := strings.TrimSpace(v.String())
	if strength == "" {
		issues.missing(fieldStrength, "Strength is required")
		return ""
	}
	if strengthLeadingDigit.MatchString(strength) && !strengthUnitSuffix.MatchString(strength) {
		issues.invalid(fieldStrength, "Strength missing unit (mg, mcg, %, IU, etc.)")
	}
	return strength
}

func normalizeDose(issues issueList, v Optional, med *Medication) {
	text := strings.TrimSpace(v.String())
	if text == "" {
		issues.missing(fieldDose, "Dose is required")
		return
	}
	med.Dose = strings.ToLower(text)
	med.DoseText = text

	for _, p := range DosePatterns {
		m := p.Regexp.FindStringSubmatch(med.Dose)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		med.DoseAmount = &n
		med.DoseUnit = p.Unit
		return
	}
	issues.ambiguous(fieldDose, "Dose format not recognized")
}

func normalizeFrequency(issues issueList, v Optional) string {
	freq := strings.ToLower(strings.TrimSpace(v.String()))
	if freq == "" {
		issues.missing(fieldFrequency, "Frequency is required")
		return ""
	}
	if code, ok := FrequencyTable[freq]; ok {
		return code
	}
	for _, code := range FrequencyCodes {
		if strings.EqualFold(freq, code) {
			return code
		}
	}
	issues.ambiguous(fieldFrequency, "Frequency not recognized")
	return freq
}

func normalizeDuration(issues issueList, v Optional, med *Medication) {
	text := strings.TrimSpace(v.String())
	if text == "" {
		issues.missing(fieldDuration, "Duration is required")
		return
	}
	med.Duration = strings.ToLower(text)
	med.DurationRaw = text

	for _, p := range DurationPatterns {
		m := p.Regexp.FindStringSubmatch(med.Duration)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n > math.MaxInt/p.DaysPer {
			continue
		}
		days := n * p.DaysPer
		med.DurationDays = &days
		return
	}
	issues.ambiguous(fieldDuration, "Duration format not recognized")
}
