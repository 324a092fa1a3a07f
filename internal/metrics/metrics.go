// Package metrics decouples the processing core from any specific metrics
// vendor.
//
// The core records counters and histograms through a tiny Backend interface;
// process bootstrap decides which backend (if any) receives them. The default
// backend discards everything, so library code can record unconditionally.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are free-form metric dimensions (e.g. {"status": "200"}).
type Labels map[string]string

// Backend receives recorded metrics.
//
// Concurrency:
//   - Implementations must tolerate concurrent calls from any goroutine.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide metrics backend.
//
// Expected to be called once at startup, before processing begins.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush forwards to the installed backend's Flush.
func Flush() error {
	return current().Flush()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// RecordEmailMatched counts an email that passed a filter's content check.
func RecordEmailMatched(filterID string) {
	current().IncCounter("mailscout_emails_matched_total", 1, Labels{"filter": filterID})
}

// RecordEmailProcessed counts a processed email by save outcome
// ("saved" or "save_error").
func RecordEmailProcessed(filterID, status string) {
	current().IncCounter("mailscout_emails_processed_total", 1, Labels{
		"filter": filterID,
		"status": status,
	})
}

// RecordExtraction counts one rule evaluation as a hit or a miss.
func RecordExtraction(rule string, hit bool) {
	status := "miss"
	if hit {
		status = "hit"
	}
	current().IncCounter("mailscout_extractions_total", 1, Labels{
		"rule":   rule,
		"status": status,
	})
}

// RecordTableParseFailure counts a warning-grade HTML parse failure during
// table extraction. Malformed HTML degrades to an absent result; this counter
// is the only trace it leaves.
func RecordTableParseFailure(rule string) {
	current().IncCounter("mailscout_table_parse_failures_total", 1, Labels{"rule": rule})
}

// RecordWebhookAttempt records one delivery attempt: a request counter keyed
// by HTTP status, an error counter for transport failures, and the attempt
// duration.
func RecordWebhookAttempt(statusCode int, err error, d time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}

	b := current()
	b.IncCounter("mailscout_webhook_attempts_total", 1, Labels{"status": status})
	if err != nil {
		b.IncCounter("mailscout_webhook_errors_total", 1, Labels{"status": status})
	}
	b.ObserveHistogram("mailscout_webhook_attempt_duration_seconds", d.Seconds(), Labels{"status": status})
}

// RecordWebhookOutcome counts the terminal outcome of one notification
// sequence ("sent" or "failed").
func RecordWebhookOutcome(delivered bool) {
	status := "failed"
	if delivered {
		status = "sent"
	}
	current().IncCounter("mailscout_webhook_deliveries_total", 1, Labels{"status": status})
}
