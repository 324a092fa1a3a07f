package storage

import (
	"encoding/json"
	"fmt"

	"mailscout/internal/model"
)

// Filters and emails are document-shaped (nested pattern lists, rules,
// subscriptions, extracted data), so every backend stores the full JSON
// document and only lifts the columns it needs for querying (id, name,
// is_active, filter_id, timestamps). These helpers are the single canonical
// codec for those documents.

// EncodeFilter returns the JSON document stored for f.
func EncodeFilter(f *model.Filter) ([]byte, error) {
	doc, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode filter %s: %w", f.ID, err)
	}
	return doc, nil
}

// DecodeFilter parses a stored filter document.
func DecodeFilter(doc []byte) (*model.Filter, error) {
	var f model.Filter
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return &f, nil
}

// EncodeEmail returns the JSON document stored for e.
func EncodeEmail(e *model.EmailMessage) ([]byte, error) {
	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode email %s: %w", e.ID, err)
	}
	return doc, nil
}

// DecodeEmail parses a stored email document.
func DecodeEmail(doc []byte) (*model.EmailMessage, error) {
	var e model.EmailMessage
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode email: %w", err)
	}
	return &e, nil
}
