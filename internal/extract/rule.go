// Package extract turns an unstructured email body into named string fields.
//
// A Rule is the compiled form of a model.ExtractionRule. Compilation validates
// the configuration and compiles the regex exactly once; the resulting Rule is
// immutable and safe to share across concurrent extraction calls.
//
// Extraction is resilient by design: a rule that does not match simply
// produces no value. Only configuration errors (bad regex, unknown content
// type) are surfaced, and they are surfaced at compile time, never during
// extraction.
package extract

import (
	"fmt"
	"regexp"

	"mailscout/internal/model"
)

// Rule is one compiled extraction rule.
type Rule struct {
	name        string
	re          *regexp.Regexp // nil only in table mode with no refinement pattern
	groupIndex  int            // submatch index of the configured named group; 0 when unset
	contentType model.ContentType

	tableLabel    string
	labelSelector string
	valueSelector string
}

// Compile validates cfg and compiles it into an executable Rule.
//
// Edge cases:
//   - ContentType defaults to "both" when empty.
//   - A pattern is required for text/html/both rules; table rules may omit it
//     (the raw cell text is then returned unrefined).
//   - Table cell selectors default to "td".
//   - A configured group name that does not occur in the pattern is ignored;
//     match resolution then falls back to the first capture group.
//
// Errors:
//   - Invalid regex or unknown content type fail here, immediately. Extraction
//     never reports configuration errors.
func Compile(cfg model.ExtractionRule) (*Rule, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("extract: rule has no name")
	}

	ct := cfg.ContentType
	if ct == "" {
		ct = model.ContentBoth
	}
	switch ct {
	case model.ContentText, model.ContentHTML, model.ContentBoth, model.ContentTable:
	default:
		return nil, fmt.Errorf("extract: rule %q: unknown content_type %q", cfg.Name, cfg.ContentType)
	}

	if cfg.Pattern == "" && ct != model.ContentTable {
		return nil, fmt.Errorf("extract: rule %q: pattern is required for content_type %q", cfg.Name, ct)
	}

	r := &Rule{
		name:          cfg.Name,
		contentType:   ct,
		tableLabel:    cfg.TableLabel,
		labelSelector: cfg.LabelSelector,
		valueSelector: cfg.ValueSelector,
	}
	if r.labelSelector == "" {
		r.labelSelector = defaultCellSelector
	}
	if r.valueSelector == "" {
		r.valueSelector = defaultCellSelector
	}

	if cfg.Pattern != "" {
		// Multiline and dot-matches-newline are always enabled: rule authors
		// write patterns against raw multi-line email bodies.
		re, err := regexp.Compile("(?ms)" + cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extract: rule %q: invalid pattern: %w", cfg.Name, err)
		}
		r.re = re

		if cfg.GroupName != "" {
			for i, n := range re.SubexpNames() {
				if n == cfg.GroupName {
					r.groupIndex = i
					break
				}
			}
		}
	}

	return r, nil
}

// CompileRules compiles all rule configurations of a filter, failing fast on
// the first invalid one.
func CompileRules(cfgs []model.ExtractionRule) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		r, err := Compile(cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Name returns the rule name, used as the output field key.
func (r *Rule) Name() string { return r.name }

// Extract applies the rule to the email's body variants and returns the
// extracted value.
//
// Content selection:
//   - "text": plain text only.
//   - "html": HTML only.
//   - "both": plain text first, HTML as fallback. The first successful match
//     wins; this ordering is a deliberate tie-break.
//   - "table": delegates to the HTML table extractor.
//
// Absence is reported as ok=false; an extracted value is never the empty
// string. Identical inputs always yield the identical result.
func (r *Rule) Extract(textContent, htmlContent string) (string, bool) {
	switch r.contentType {
	case model.ContentText:
		return r.search(textContent)
	case model.ContentHTML:
		return r.search(htmlContent)
	case model.ContentTable:
		return r.extractFromTable(htmlContent)
	default:
		if v, ok := r.search(textContent); ok {
			return v, ok
		}
		return r.search(htmlContent)
	}
}

// search resolves a regex match to a value: the configured named group if it
// participated in the match, else the first capture group, else the whole
// matched substring.
func (r *Rule) search(content string) (string, bool) {
	if content == "" || r.re == nil {
		return "", false
	}

	m := r.re.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}

	v := m[0]
	switch {
	case r.groupIndex > 0 && r.groupIndex < len(m):
		v = m[r.groupIndex]
	case len(m) > 1:
		v = m[1]
	}
	if v == "" {
		return "", false
	}
	return v, true
}
