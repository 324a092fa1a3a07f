// Package match decides whether an email satisfies a filter's inclusion
// criteria.
//
// Responsibility split:
//   - Subject/from/to patterns are provider-query fragments. They are combined
//     into a remote query string (RemoteQuery) and evaluated by the mailbox
//     collaborator, not here.
//   - Content patterns are evaluated in-process (Content): a case-insensitive
//     substring search against the plain-text or HTML body.
package match

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"mailscout/internal/model"
)

// Content reports whether email passes the filter's content-pattern check.
//
// Semantics:
//   - No content patterns configured: the email passes unconditionally.
//   - Otherwise at least one pattern must occur, case-insensitively, in the
//     plain-text body or the HTML body.
//
// Pure predicate; no side effects. Matching is Unicode-aware so that accented
// patterns (e.g. "Transacción") match regardless of case.
func Content(f *model.Filter, email *model.EmailMessage) bool {
	if len(f.ContentPatterns) == 0 {
		return true
	}

	m := search.New(language.Und, search.IgnoreCase)
	for _, p := range f.ContentPatterns {
		if p == "" {
			continue
		}
		pat := m.CompileString(p)
		if containsPattern(pat, email.Body.PlainText) || containsPattern(pat, email.Body.HTML) {
			return true
		}
	}
	return false
}

func containsPattern(pat *search.Pattern, s string) bool {
	if s == "" {
		return false
	}
	start, _ := pat.IndexString(s)
	return start >= 0
}

// RemoteQuery builds the mailbox-provider query string for a filter.
//
// Each subject/from/to pattern becomes one provider query fragment; fragments
// are OR'd together, so a match on any one of them selects the message.
// Returns "" when the filter carries no remote criteria.
func RemoteQuery(f *model.Filter) string {
	var parts []string

	for _, p := range f.SubjectPatterns {
		if p != "" {
			parts = append(parts, "subject:("+p+")")
		}
	}
	for _, p := range f.FromPatterns {
		if p != "" {
			parts = append(parts, "from:("+p+")")
		}
	}
	for _, p := range f.ToPatterns {
		if p != "" {
			parts = append(parts, "to:("+p+")")
		}
	}

	return strings.Join(parts, " OR ")
}
