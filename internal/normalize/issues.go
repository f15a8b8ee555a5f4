package normalize

import (
	"fmt"
	"strings"
)

// RootPath addresses the whole payload when it could not be read as an object.
const RootPath = "root"

// issueList collects issues from independent sub-normalizers into one flat,
// ordered list. Each level of nesting gets its own prefixed view.
type issueList struct {
	prefix string
	items  *[]Issue
}

func newIssueList() issueList {
	items := make([]Issue, 0)
	return issueList{items: &items}
}

// prefixed returns a view that writes into the same list with prefix
// prepended to every path.
func (l issueList) prefixed(prefix string) issueList {
	return issueList{prefix: l.prefix + prefix, items: l.items}
}

func (l issueList) add(path string, code IssueCode, note string) {
	*l.items = append(*l.items, Issue{Path: l.prefix + path, Code: code, Note: note})
}

func (l issueList) missing(path, note string)   { l.add(path, IssueMissing, note) }
func (l issueList) ambiguous(path, note string) { l.add(path, IssueAmbiguous, note) }
func (l issueList) invalid(path, note string)   { l.add(path, IssueInvalid, note) }

func (l issueList) list() []Issue { return *l.items }

func medicationPrefix(index int) string {
	return fmt.Sprintf("%s[%d].", fieldMedications, index)
}

// IssuesForField returns the issues recorded at path or nested beneath it.
func IssuesForField(issues []Issue, path string) []Issue {
	var out []Issue
	for _, issue := range issues {
		if issue.Path == path || strings.HasPrefix(issue.Path, path+".") {
			out = append(out, issue)
		}
	}
	return out
}

// HasIssues reports whether any issue is recorded at or beneath path.
func HasIssues(issues []Issue, path string) bool {
	for _, issue := range issues {
		if issue.Path == path || strings.HasPrefix(issue.Path, path+".") {
			return true
		}
	}
	return false
}

// Summary tallies issues for review screens and workflow gates.
type Summary struct {
	Missing     int  `json:"missing"`
	Ambiguous   int  `json:"ambiguous"`
	Invalid     int  `json:"invalid"`
	Critical    int  `json:"critical"`
	Warnings    int  `json:"warnings"`
	NeedsReview bool `json:"needs_review"`
}

// Summarize counts issues by code. Missing and invalid issues are critical;
// ambiguous issues are warnings.
func Summarize(issues []Issue) Summary {
	var s Summary
	for _, issue := range issues {
		switch issue.Code {
		case IssueMissing:
			s.Missing++
		case IssueAmbiguous:
			s.Ambiguous++
		case IssueInvalid:
			s.Invalid++
		}
	}
	s.Critical = s.Missing + s.Invalid
	s.Warnings = s.Ambiguous
	s.NeedsReview = len(issues) > 0
	return s
}

// CriticalIssues returns the missing and invalid issues in order.
func CriticalIssues(issues []Issue) []Issue {
	var out []Issue
	for _, issue := range issues {
		if issue.Code == IssueMissing || issue.Code == IssueInvalid {
			out = append(out, issue)
		}
	}
	return out
}
