package model

import "time"

// ContentType selects which body variant an extraction rule searches.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentHTML  ContentType = "html"
	ContentBoth  ContentType = "both"
	ContentTable ContentType = "table"
)

// ExtractionRule is the configuration for one extraction rule. Compilation
// into an executable form happens in internal/extract; this struct is the
// persisted/wire shape only.
type ExtractionRule struct {
	Name      string `json:"name"`
	Pattern   string `json:"pattern,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	// ContentType defaults to "both" when empty.
	ContentType ContentType `json:"content_type,omitempty"`

	// Table mode only. TableLabel is the label text to look for; the
	// selectors identify label cells and value cells and default to "td".
	TableLabel    string `json:"table_label,omitempty"`
	LabelSelector string `json:"label_selector,omitempty"`
	ValueSelector string `json:"value_selector,omitempty"`
}

// EventType names an event a webhook subscription can be interested in.
type EventType string

const (
	EventEmailProcessed EventType = "email_processed"
	EventFilterUpdated  EventType = "filter_updated"

	// EventAll is a subscription wildcard. It matches any emitted event and
	// is never itself sent on the wire.
	EventAll EventType = "all"
)

// WebhookSubscription is one external endpoint registered on a filter. Its
// lifecycle is scoped to the owning filter: it is created, replaced, and
// removed only through whole-filter mutation.
type WebhookSubscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Secret      string      `json:"secret,omitempty"`
	EventTypes  []EventType `json:"event_types"`
	IsActive    bool        `json:"is_active"`
	Description string      `json:"description,omitempty"`
}

// Subscribed reports whether the subscription is interested in event,
// honoring the EventAll wildcard.
func (s WebhookSubscription) Subscribed(event EventType) bool {
	for _, et := range s.EventTypes {
		if et == event || et == EventAll {
			return true
		}
	}
	return false
}

// Filter is a named set of inclusion criteria, extraction rules, and webhook
// subscriptions. Pattern lists are OR'd within each category. Mutation is by
// full-field replacement; partial rule edits are not a supported operation.
type Filter struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	SubjectPatterns []string              `json:"subject_patterns,omitempty"`
	FromPatterns    []string              `json:"from_patterns,omitempty"`
	ToPatterns      []string              `json:"to_patterns,omitempty"`
	ContentPatterns []string              `json:"content_patterns,omitempty"`
	ExtractionRules []ExtractionRule      `json:"extraction_rules,omitempty"`
	Webhooks        []WebhookSubscription `json:"webhooks,omitempty"`
	IsActive        bool                  `json:"is_active"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// NewFilter constructs an active filter with a fresh identity and timestamps.
func NewFilter(name string) *Filter {
	now := time.Now().UTC()
	return &Filter{
		ID:        NewID(),
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the modification timestamp. Callers replacing filter fields
// should call it before saving.
func (f *Filter) Touch() {
	f.UpdatedAt = time.Now().UTC()
}
