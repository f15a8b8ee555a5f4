package normalize

import (
	"regexp"
	"time"
)

// Frequency codes.
const (
	FreqOD   = "OD"
	FreqBID  = "BID"
	FreqTID  = "TID"
	FreqQID  = "QID"
	FreqHS   = "HS"
	FreqPRN  = "PRN"
	FreqQ4H  = "q4h"
	FreqQ6H  = "q6h"
	FreqQ8H  = "q8h"
	FreqQ12H = "q12h"
)

// FrequencyCodes is the closed set of canonical frequency codes. Input that
// already names a code matches case-insensitively and comes back in the
// spelling listed here (Q4H becomes q4h), not upper-cased, so every output
// frequency stays inside this set.
var FrequencyCodes = []string{
	FreqOD, FreqBID, FreqTID, FreqQID, FreqHS, FreqPRN,
	FreqQ4H, FreqQ6H, FreqQ8H, FreqQ12H,
}

// FrequencyTable maps lower-cased free-text phrases to frequency codes.
var FrequencyTable = map[string]string{
	"once daily":        FreqOD,
	"od":                FreqOD,
	"twice daily":       FreqBID,
	"bid":               FreqBID,
	"thrice daily":      FreqTID,
	"three times daily": FreqTID,
	"tid":               FreqTID,
	"four times daily":  FreqQID,
	"qid":               FreqQID,
	"at night":          FreqHS,
	"at bedtime":        FreqHS,
	"hs":                FreqHS,
	"every 4 hours":     FreqQ4H,
	"every 6 hours":     FreqQ6H,
	"every 8 hours":     FreqQ8H,
	"every 12 hours":    FreqQ12H,
	"as needed":         FreqPRN,
	"prn":               FreqPRN,
}

// DosePattern extracts an amount for one dose unit.
type DosePattern struct {
	Regexp *regexp.Regexp
	Unit   DoseUnit
}

// DosePatterns are tried in order against the lower-cased dose; the first
// match wins. Group 1 is the amount.
var DosePatterns = []DosePattern{
	{regexp.MustCompile(`(\d+)\s*(?:tab|tablet)s?`), DoseUnitTab},
	{regexp.MustCompile(`(\d+)\s*(?:cap|capsule)s?`), DoseUnitCap},
	{regexp.MustCompile(`(\d+)\s*ml`), DoseUnitML},
	{regexp.MustCompile(`(\d+)\s*drops?`), DoseUnitDrops},
	{regexp.MustCompile(`(\d+)\s*puffs?`), DoseUnitPuff},
	{regexp.MustCompile(`(\d+)\s*mg`), DoseUnitMG},
	{regexp.MustCompile(`(\d+)\s*mcg`), DoseUnitMCG},
}

// DurationPattern converts a matched count into days.
type DurationPattern struct {
	Regexp  *regexp.Regexp
	DaysPer int
}

// DurationPatterns are tried in order against the lower-cased duration; the
// first match wins. A month is counted as 30 days.
var DurationPatterns = []DurationPattern{
	{regexp.MustCompile(`(\d+)\s*week`), 7},
	{regexp.MustCompile(`(\d+)\s*day`), 1},
	{regexp.MustCompile(`(\d+)\s*month`), 30},
}

// DateLayout rewrites one accepted raw date format into YYYY-MM-DD. Day,
// Month and Year are submatch indexes.
type DateLayout struct {
	Name             string
	Regexp           *regexp.Regexp
	Day, Month, Year int
	TwoDigitYear     bool
}

// DateLayouts are tried in order against the trimmed date. The canonical
// layout is last so normalized output is accepted as input.
var DateLayouts = []DateLayout{
	{"D/M/YY", regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2})$`), 1, 2, 3, true},
	{"D-M-YYYY", regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4})$`), 1, 2, 3, false},
	{"D/M/YYYY", regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`), 1, 2, 3, false},
	{"YYYY-MM-DD", regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`), 3, 2, 1, false},
}

// twoDigitYearPivot is the last two-digit year placed in the 2000s; later
// ones land in the 1900s.
const twoDigitYearPivot = 50

const canonicalDateLayout = "2006-01-02"

// calendarLayouts are used to check dates that no DateLayout recognized.
var calendarLayouts = []string{
	canonicalDateLayout,
	time.RFC3339,
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
}

var (
	strengthUnitSuffix   = regexp.MustCompile(`(?i)(mg|mcg|%|iu|ml|g)$`)
	strengthLeadingDigit = regexp.MustCompile(`^\d`)
)
