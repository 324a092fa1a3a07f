// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// This backend serves both short-lived runs and long-running daemons.
// Submitting only once at process exit makes Datadog dashboards/monitors
// awkward for long runs (a single spike rather than a time series).
//
// Therefore we:
//   - buffer metrics in-memory (fast, lock-protected)
//   - periodically Flush() on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Concurrency model:
//   - Processing goroutines can call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - The flush loop calls Flush() periodically; Close() stops the loop
//
// If the process is killed with SIGKILL/OOM, Close() won't run (no backend can fix that).
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"mailscout/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "mailscout".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:mailscout"}).
	Tags []string

	// FlushEvery controls how often we submit buffered metrics to Datadog.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams.
	//
	// Production code never sets them; unit tests set them to avoid real
	// network submission and nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP. Backend depends on this interface instead,
// enabling deterministic tests with a fake submitter.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time

	// newTicker is injected for deterministic tests. Production uses time.NewTicker.
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	matchedCounts   map[string]float64 // filter -> count
	processedCounts map[string]float64 // filter\x00status -> count
	extractCounts   map[string]float64 // rule\x00status -> count
	tableFailCounts map[string]float64 // rule -> count

	webhookAttempts   map[string]float64 // status -> count
	webhookErrors     map[string]float64 // status -> count
	webhookDeliveries map[string]float64 // status -> count
	webhookDur        map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	// newTicker is a seam to allow tests to run with very small tick durations
	// while keeping the production behavior identical.
	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final Flush() submission.
//   - Close must be called at most once (stopCh is closed); this mirrors
//     typical Go "Close once" semantics for process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Configure this backend when you want Datadog metrics for processing runs.
//   - Suitable for long-running daemons (periodic flush) and one-shot commands
//     (final flush on Close).
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "mailscout".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Returns an error only if internal initialization fails; network errors
//     occur during Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "mailscout"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	envTag := resolveEnvTag()
	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, envTag, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	// Clock / ticker seams.
	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	// Submitter seam.
	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		matchedCounts:   make(map[string]float64),
		processedCounts: make(map[string]float64),
		extractCounts:   make(map[string]float64),
		tableFailCounts: make(map[string]float64),

		webhookAttempts:   make(map[string]float64),
		webhookErrors:     make(map[string]float64),
		webhookDeliveries: make(map[string]float64),
		webhookDur:        make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "mailscout_emails_matched_total":
		filter := labels["filter"]
		if filter == "" {
			return
		}
		b.matchedCounts[filter] += delta

	case "mailscout_emails_processed_total":
		k := pairKey(labels["filter"], labels["status"])
		b.processedCounts[k] += delta

	case "mailscout_extractions_total":
		k := pairKey(labels["rule"], labels["status"])
		b.extractCounts[k] += delta

	case "mailscout_table_parse_failures_total":
		rule := labels["rule"]
		if rule == "" {
			rule = "unknown"
		}
		b.tableFailCounts[rule] += delta

	case "mailscout_webhook_attempts_total":
		b.webhookAttempts[statusOrUnknown(labels)] += delta

	case "mailscout_webhook_errors_total":
		b.webhookErrors[statusOrUnknown(labels)] += delta

	case "mailscout_webhook_deliveries_total":
		b.webhookDeliveries[statusOrUnknown(labels)] += delta

	default:
		// Ignore unknown metrics.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "mailscout_webhook_attempt_duration_seconds":
		status := statusOrUnknown(labels)
		b.webhookDur[status] = append(b.webhookDur[status], value)

	default:
		// Ignore unknown histograms.
	}
}

func statusOrUnknown(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

// snapshot is the immutable set of buffered metric state used to build a flush payload.
//
// Flush() must reset buffers under a lock but submit out-of-lock; snapshot
// separates (1) collect+reset from (2) payload building+submission.
type snapshot struct {
	matchedCounts   map[string]float64
	processedCounts map[string]float64
	extractCounts   map[string]float64
	tableFailCounts map[string]float64

	webhookAttempts   map[string]float64
	webhookErrors     map[string]float64
	webhookDeliveries map[string]float64
	webhookDur        map[string][]float64
}

// snapshotAndReset grabs current buffered metrics and resets internal buffers.
//
// Concurrency:
//   - Must be called with no lock held.
//   - Takes the lock internally and returns detached maps/slices.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		matchedCounts:   b.matchedCounts,
		processedCounts: b.processedCounts,
		extractCounts:   b.extractCounts,
		tableFailCounts: b.tableFailCounts,

		webhookAttempts:   b.webhookAttempts,
		webhookErrors:     b.webhookErrors,
		webhookDeliveries: b.webhookDeliveries,
		webhookDur:        b.webhookDur,
	}

	// Reset buffers for the next collection window.
	b.matchedCounts = make(map[string]float64)
	b.processedCounts = make(map[string]float64)
	b.extractCounts = make(map[string]float64)
	b.tableFailCounts = make(map[string]float64)

	b.webhookAttempts = make(map[string]float64)
	b.webhookErrors = make(map[string]float64)
	b.webhookDeliveries = make(map[string]float64)
	b.webhookDur = make(map[string][]float64)

	return s
}

// isEmpty returns true if the snapshot contains no data to submit.
func (s snapshot) isEmpty() bool {
	return len(s.matchedCounts) == 0 &&
		len(s.processedCounts) == 0 &&
		len(s.extractCounts) == 0 &&
		len(s.tableFailCounts) == 0 &&
		len(s.webhookAttempts) == 0 &&
		len(s.webhookErrors) == 0 &&
		len(s.webhookDeliveries) == 0 &&
		len(s.webhookDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Flush is safe to call concurrently with IncCounter/ObserveHistogram.
//   - Flush resets buffers even if submission fails, to keep the hot path fast
//     and avoid blocking future writes. "At least once" delivery would be a
//     different architecture.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()

	series := b.buildSeries(snap, nowUnix)
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
//
// It is pure (no locks, no network, no clocks), making it easy to unit test,
// and it centralizes naming/tagging behavior, which is an operational contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	addCount := func(metric string, value float64, tags []string) datadogV2.MetricSeries {
		return datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		}
	}

	series := make([]datadogV2.MetricSeries, 0, len(s.matchedCounts)+len(s.processedCounts)+32)

	for filter, v := range s.matchedCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "filter:"+filter)
		series = append(series, addCount("mailscout.emails.matched", v, tags))
	}

	for k, v := range s.processedCounts {
		if v == 0 {
			continue
		}
		filter, status := splitPairKey(k)
		tags := withTags(b.baseTags, "filter:"+filter, "status:"+status)
		series = append(series, addCount("mailscout.emails.processed", v, tags))
	}

	for k, v := range s.extractCounts {
		if v == 0 {
			continue
		}
		rule, status := splitPairKey(k)
		tags := withTags(b.baseTags, "rule:"+rule, "status:"+status)
		series = append(series, addCount("mailscout.extractions.total", v, tags))
	}

	for rule, v := range s.tableFailCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "rule:"+rule)
		series = append(series, addCount("mailscout.table_parse_failures.total", v, tags))
	}

	for status, v := range s.webhookAttempts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, addCount("mailscout.webhook.attempts", v, tags))
	}
	for status, v := range s.webhookErrors {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, addCount("mailscout.webhook.errors", v, tags))
	}
	for status, v := range s.webhookDeliveries {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, addCount("mailscout.webhook.deliveries", v, tags))
	}

	for status, samples := range s.webhookDur {
		addPercentiles(&series, b.baseTags, "mailscout.webhook.attempt_duration_seconds", status, samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func addPercentiles(series *[]datadogV2.MetricSeries, baseTags []string, metricPrefix, status string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	tags := withTags(baseTags, "status:"+status)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:mailscout".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
