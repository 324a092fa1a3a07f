// Package webhook delivers signed HTTP notifications to subscriber endpoints.
//
// Each delivery is a bounded retry sequence: attempts are strictly ordered
// within one subscription, with exponential backoff between them, while
// different subscriptions in a fan-out race independently. Delivery failures
// are outcomes, never errors: the caller receives a per-subscription success
// map and processing continues regardless.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"mailscout/internal/metrics"
	"mailscout/internal/model"
)

const (
	userAgent       = "MailScout-Webhook"
	signatureHeader = "X-Webhook-Signature"

	defaultMaxRetries = 3
	defaultBaseDelay  = 5 * time.Second
	defaultTimeout    = 30 * time.Second
)

// State is the position of a delivery in its attempt sequence.
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateRetryWait State = "retry_wait"
	StateFailed    State = "failed"
)

// Delivery is the terminal outcome of one notification attempt sequence.
type Delivery struct {
	SubscriptionID string
	State          State
	Attempts       int
	LastStatus     int // last HTTP status code; 0 when no response was received
}

// Delivered reports whether the sequence ended in a successful send.
func (d Delivery) Delivered() bool { return d.State == StateSent }

// envelope is the wire payload. Field order is fixed by this struct, which
// makes the serialized form canonical: the signature is computed over these
// exact bytes.
type envelope struct {
	Event     model.EventType `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Data      any             `json:"data"`
}

// Options configures a Notifier.
type Options struct {
	// MaxRetries bounds retries after the first attempt. If <= 0, defaults
	// to 3 (4 total attempts). Disabling retries entirely is a per-call
	// decision, via the retry flag on Notify/Deliver.
	MaxRetries int

	// BaseDelay is the backoff unit: attempt N waits BaseDelay * 2^(N-1)
	// before attempt N+1. If <= 0, defaults to 5s.
	BaseDelay time.Duration

	// Timeout bounds each individual HTTP attempt. If <= 0, defaults to 30s.
	Timeout time.Duration

	// DisableRetries makes NotifyAll deliver with a single attempt per
	// subscription. Deliver and Notify keep their per-call retry flag.
	DisableRetries bool

	// The following fields are unexported test seams. Production code never
	// sets them; unit tests use them to avoid real clocks and real sleeps.
	client *http.Client
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// Notifier sends signed webhook notifications.
//
// A Notifier is immutable after construction and safe for concurrent use;
// concurrent deliveries share nothing but the HTTP client.
type Notifier struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	retryAll   bool
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) bool
}

// New constructs a Notifier.
func New(opts Options) *Notifier {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := opts.client
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 64,
			},
		}
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Notifier{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		retryAll:   !opts.DisableRetries,
		now:        now,
		sleep:      sleep,
	}
}

// Signature computes the hex HMAC-SHA256 digest of payload under secret.
//
// An empty secret produces an empty signature; receivers that configured no
// secret skip verification.
func Signature(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notify delivers one notification to one subscription and reports whether it
// was delivered. See Deliver for the full semantics.
func (n *Notifier) Notify(ctx context.Context, sub model.WebhookSubscription, event model.EventType, data any, retry bool) bool {
	return n.Deliver(ctx, sub, event, data, retry).Delivered()
}

// Deliver runs the full delivery state machine for one subscription.
//
// Preconditions that fail immediately, without any network attempt:
//   - the subscription is inactive;
//   - the event is not in the subscribed set and the set has no "all"
//     wildcard;
//   - the event is the "all" wildcard itself, which is never emitted.
//
// Retry policy:
//   - a non-2xx response and a transport failure both consume one attempt;
//   - up to MaxRetries retries follow the first attempt, each preceded by a
//     backoff of BaseDelay * 2^(attempt-1);
//   - retry=false reduces the budget to a single attempt;
//   - context cancellation during an attempt or a backoff ends the sequence
//     as failed.
func (n *Notifier) Deliver(ctx context.Context, sub model.WebhookSubscription, event model.EventType, data any, retry bool) Delivery {
	d := Delivery{SubscriptionID: sub.ID, State: StateFailed}

	if !sub.IsActive || event == model.EventAll || !sub.Subscribed(event) {
		return d
	}

	payload, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: n.now().Unix(),
		Data:      data,
	})
	if err != nil {
		return d
	}
	sig := Signature(payload, sub.Secret)

	maxAttempts := 1 + n.maxRetries
	if !retry {
		maxAttempts = 1
	}

	d.State = StatePending
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.Attempts = attempt

		start := time.Now()
		status, postErr := n.post(ctx, sub.URL, payload, sig)
		metrics.RecordWebhookAttempt(status, postErr, time.Since(start))

		d.LastStatus = status
		if postErr == nil && status >= 200 && status < 300 {
			d.State = StateSent
			metrics.RecordWebhookOutcome(true)
			return d
		}
		if attempt == maxAttempts {
			break
		}

		d.State = StateRetryWait
		if !n.sleep(ctx, n.baseDelay<<uint(attempt-1)) {
			break
		}
		d.State = StatePending
	}

	d.State = StateFailed
	metrics.RecordWebhookOutcome(false)
	return d
}

// NotifyAll fans a notification out to every subscription concurrently.
//
// Subscriptions are fully independent: one failing or slow endpoint never
// aborts or delays the others. The result map always holds exactly one entry
// per subscription, keyed by subscription id, and is complete once NotifyAll
// returns.
func (n *Notifier) NotifyAll(ctx context.Context, subs []model.WebhookSubscription, event model.EventType, data any) map[string]bool {
	results := make(map[string]bool, len(subs))
	if len(subs) == 0 {
		return results
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(sub model.WebhookSubscription) {
			defer wg.Done()
			ok := n.Notify(ctx, sub, event, data, n.retryAll)
			mu.Lock()
			results[sub.ID] = ok
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	return results
}

// post performs one signed HTTP attempt and returns the response status.
func (n *Notifier) post(ctx context.Context, url string, payload []byte, sig string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(signatureHeader, sig)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain the body so connections can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// sleepContext waits for d or until ctx is done, reporting whether the full
// delay elapsed. A scheduler-native timer keeps backoff cancelable; there is
// no blocking sleep in the delivery path.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
