package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// normalizeName title-cases a person's name and collapses inner whitespace.
func normalizeName(issues issueList, field, label string, v Optional) string {
	name := titleCase(strings.TrimSpace(v.String()))
	if name == "" {
		issues.missing(field, label+" is required")
	}
	return name
}

// titleCase lower-cases s and upper-cases the first letter of each
// whitespace-separated token.
func titleCase(s string) string {
	lower := cases.Lower(language.Und).String(s)
	tokens := strings.Fields(lower)
	for i, tok := range tokens {
		r, size := utf8.DecodeRuneInString(tok)
		tokens[i] = string(unicode.ToUpper(r)) + tok[size:]
	}
	return strings.Join(tokens, " ")
}
