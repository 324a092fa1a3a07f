// Package pipeline runs the email processing flow for a filter: the content
// check gates each email, extraction rules produce the field mapping, the
// adapter registry enriches it, the result is saved, and webhook subscribers
// are notified.
//
// The pipeline is resilient per email and per concern: a rule that does not
// match produces no field, a failed save is recorded but does not block
// notification, and webhook failures are isolated per subscription. Only
// configuration errors (an invalid rule pattern) abort a filter run, and they
// do so before any email is touched.
package pipeline

import (
	"context"
	"time"

	"mailscout/internal/adapter"
	"mailscout/internal/extract"
	"mailscout/internal/match"
	"mailscout/internal/metrics"
	"mailscout/internal/model"
	"mailscout/internal/storage"
	"mailscout/internal/webhook"
)

// Engine wires the processing collaborators together. All dependencies are
// injected; the engine itself is stateless and safe for concurrent use.
type Engine struct {
	store    storage.Store
	adapters *adapter.Registry
	notifier *webhook.Notifier
	now      func() time.Time
}

// New constructs an Engine.
func New(store storage.Store, adapters *adapter.Registry, notifier *webhook.Notifier) *Engine {
	return &Engine{
		store:    store,
		adapters: adapters,
		notifier: notifier,
		now:      time.Now,
	}
}

// Result describes the processing of one matched email. It is JSON-ready for
// the command's machine-parseable output.
type Result struct {
	EmailID   string            `json:"email_id"`
	MessageID string            `json:"message_id"`
	FilterID  string            `json:"filter_id"`
	Extracted map[string]string `json:"extracted,omitempty"`
	Saved     bool              `json:"saved"`
	SaveError string            `json:"save_error,omitempty"`
	Webhooks  map[string]bool   `json:"webhooks,omitempty"`
}

// ProcessFilter runs every supplied email through the filter.
//
// Flow per matching email:
//  1. content-pattern gate (non-matching emails are skipped silently);
//  2. extraction rules, in order, building the field mapping;
//  3. the filter's post-processing adapter, if one is registered;
//  4. save through the store;
//  5. webhook fan-out with the processed email as payload.
//
// Errors:
//   - Returns an error only when the filter's rules fail to compile. Save and
//     delivery failures are reported inside the per-email Results.
func (e *Engine) ProcessFilter(ctx context.Context, f *model.Filter, emails []*model.EmailMessage) ([]Result, error) {
	rules, err := extract.CompileRules(f.ExtractionRules)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, email := range emails {
		if !match.Content(f, email) {
			continue
		}
		metrics.RecordEmailMatched(f.ID)

		fields := make(map[string]string, len(rules))
		for _, r := range rules {
			v, ok := r.Extract(email.Body.PlainText, email.Body.HTML)
			metrics.RecordExtraction(r.Name(), ok)
			if ok {
				fields[r.Name()] = v
			}
		}

		fields = e.adapters.Process(f.ID, email, fields)

		email.ExtractedData = fields
		email.FilterID = f.ID
		email.ProcessedAt = e.now().UTC()

		res := Result{
			EmailID:   email.ID,
			MessageID: email.MessageID,
			FilterID:  f.ID,
			Extracted: fields,
		}

		if err := e.store.SaveEmail(ctx, email); err != nil {
			res.SaveError = err.Error()
			metrics.RecordEmailProcessed(f.ID, "save_error")
		} else {
			res.Saved = true
			metrics.RecordEmailProcessed(f.ID, "saved")
		}

		// Delivery happens regardless of the save outcome; the two concerns
		// are isolated from each other.
		res.Webhooks = e.notifier.NotifyAll(ctx, f.Webhooks, model.EventEmailProcessed, email)

		results = append(results, res)
	}

	return results, nil
}
