package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateSubPath = "date"

// normalizeDate rewrites the accepted day-first layouts to YYYY-MM-DD.
// Unrecognized input is kept trimmed and flagged.
func normalizeDate(issues issueList, v Optional) string {
	raw := strings.TrimSpace(v.String())
	if raw == "" {
		issues.missing(dateSubPath, "Date is required")
		return ""
	}

	if canonical, ok := convertDate(raw); ok {
		if _, err := time.Parse(canonicalDateLayout, canonical); err != nil {
			issues.invalid(dateSubPath, "Invalid date")
		}
		return canonical
	}

	issues.invalid(dateSubPath, "Date format not recognized")
	if !isCalendarDate(raw) {
		issues.invalid(dateSubPath, "Invalid date")
	}
	return raw
}

func convertDate(raw string) (string, bool) {
	for _, layout := range DateLayouts {
		m := layout.Regexp.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		day, month, year := m[layout.Day], m[layout.Month], m[layout.Year]
		if layout.TwoDigitYear {
			year = expandYear(year)
		}
		return fmt.Sprintf("%s-%s-%s", year, pad2(month), pad2(day)), true
	}
	return "", false
}

// expandYear maps a two-digit year onto 1951..2050.
func expandYear(yy string) string {
	n, err := strconv.Atoi(yy)
	if err != nil || n > twoDigitYearPivot {
		return "19" + yy
	}
	return "20" + yy
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func isCalendarDate(s string) bool {
	for _, layout := range calendarLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
