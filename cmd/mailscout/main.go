// Command mailscout processes already-parsed emails against stored filters:
// it checks content patterns, extracts structured fields, runs per-filter
// post-processing, saves the processed emails, and notifies webhook
// subscribers.
//
// Emails arrive as JSONL (one email document per line) from a feed file or
// stdin; mailbox retrieval and MIME decoding happen upstream. Results are
// emitted as JSONL on stdout for machine parsing.
//
// Usage (process a feed against all active filters):
//
//	mailscout -storage sqlite -dsn mailscout.db -emails feed.jsonl
//
// Usage (import filter definitions, then process stdin):
//
//	cat feed.jsonl | mailscout -dsn ./data -import-filters filters.json -emails -
//
// Usage (print the mailbox-provider query for the stored filters):
//
//	mailscout -dsn ./data -remote-query
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mailscout/internal/adapter"
	"mailscout/internal/match"
	"mailscout/internal/metrics"
	"mailscout/internal/metrics/datadog"
	"mailscout/internal/model"
	"mailscout/internal/pipeline"
	"mailscout/internal/storage"
	"mailscout/internal/webhook"

	_ "mailscout/internal/storage/jsonfile"
	_ "mailscout/internal/storage/mssql"
	_ "mailscout/internal/storage/postgres"
	_ "mailscout/internal/storage/sqlite"
)

// backendCloser is the minimal interface used by this command to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake backend factory, stdin, and output writers.
//   - Alternate runtimes: swap the metrics backend or output sinks.
type deps struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// runConfig holds the parsed flags and derived values for a run.
type runConfig struct {
	StorageKind   string
	DSN           string
	ImportFilters string
	EmailsPath    string
	FilterID      string
	RemoteQuery   bool

	OwnersCSV    string
	OwnersFilter string
	Bank         string

	WebhookTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	NoRetry        bool

	Datadog    bool
	JobName    string
	DDTagsCSV  string
	FlushEvery time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes the command and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: at least one filter failed to process (bad rule config or feed
//     error); other filters still ran.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdin == nil {
		d.Stdin = strings.NewReader("")
	}
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	if cfg.Datadog {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:mailscout")
		backend, err := d.BackendFactory(ctx, cfg.JobName, tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	store, err := storage.Open(ctx, storage.Config{Kind: cfg.StorageKind, DSN: cfg.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 2
	}
	defer store.Close()

	notifier := webhook.New(webhook.Options{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseBackoff,
		Timeout:        cfg.WebhookTimeout,
		DisableRetries: cfg.NoRetry,
	})

	if cfg.ImportFilters != "" {
		if err := importFilters(ctx, store, notifier, cfg.ImportFilters); err != nil {
			fmt.Fprintf(d.Stderr, "import filters: %v\n", err)
			return 2
		}
	}

	filters, err := selectFilters(ctx, store, cfg.FilterID)
	if err != nil {
		fmt.Fprintf(d.Stderr, "load filters: %v\n", err)
		return 2
	}

	if cfg.RemoteQuery {
		for _, f := range filters {
			fmt.Fprintf(d.Stdout, "%s\t%s\n", f.ID, match.RemoteQuery(f))
		}
		return 0
	}

	if cfg.EmailsPath == "" {
		// Import-only invocation.
		return 0
	}

	emails, err := readEmails(cfg.EmailsPath, d.Stdin)
	if err != nil {
		fmt.Fprintf(d.Stderr, "read emails: %v\n", err)
		return 2
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 2
	}

	engine := pipeline.New(store, adapters, notifier)
	enc := json.NewEncoder(d.Stdout)

	failed := false
	for _, f := range filters {
		results, err := engine.ProcessFilter(ctx, f, emails)
		if err != nil {
			// A bad rule aborts this filter only; the rest still run.
			fmt.Fprintf(d.Stderr, "filter %s: %v\n", f.ID, err)
			failed = true
			continue
		}
		for _, res := range results {
			_ = enc.Encode(res)
		}
	}

	_ = metrics.Flush()

	if failed {
		return 1
	}
	return 0
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("mailscout", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.StorageKind, "storage", "jsonfile", "Storage backend: jsonfile, sqlite, postgres, mssql")
	fs.StringVar(&cfg.DSN, "dsn", "", "Storage DSN (directory path for jsonfile)")
	fs.StringVar(&cfg.ImportFilters, "import-filters", "", "Path to a JSON array of filter definitions to upsert before processing")
	fs.StringVar(&cfg.EmailsPath, "emails", "", "Path to a JSONL feed of parsed emails (\"-\" for stdin)")
	fs.StringVar(&cfg.FilterID, "filter", "", "Process only this filter id (default: all active filters)")
	fs.BoolVar(&cfg.RemoteQuery, "remote-query", false, "Print the mailbox-provider query per filter and exit")

	fs.StringVar(&cfg.OwnersCSV, "owners", "", "Owner identifiers CSV for the transaction adapter")
	fs.StringVar(&cfg.OwnersFilter, "owners-filter", "", "Filter id the transaction adapter is registered for")
	fs.StringVar(&cfg.Bank, "bank", "generic", "Transaction adapter variant: generic or banreservas")

	fs.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", 30*time.Second, "HTTP timeout per webhook attempt")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 3, "Max webhook retries after the first attempt")
	fs.DurationVar(&cfg.BaseBackoff, "base-backoff", 5*time.Second, "Base webhook retry backoff (doubled per attempt)")
	fs.BoolVar(&cfg.NoRetry, "no-retry", false, "Disable webhook retries entirely")

	fs.BoolVar(&cfg.Datadog, "datadog", false, "Enable the Datadog metrics backend")
	fs.StringVar(&cfg.JobName, "name", "mailscout", "Logical job name used in metrics tags")
	fs.StringVar(&cfg.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:mailscout)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.DSN == "" {
		return runConfig{}, errors.New("missing required -dsn")
	}
	if cfg.EmailsPath == "" && cfg.ImportFilters == "" && !cfg.RemoteQuery {
		return runConfig{}, errors.New("nothing to do: need -emails, -import-filters, or -remote-query")
	}
	if cfg.OwnersCSV != "" && cfg.OwnersFilter == "" {
		return runConfig{}, errors.New("-owners requires -owners-filter")
	}
	if cfg.Bank != "generic" && cfg.Bank != "banreservas" {
		return runConfig{}, fmt.Errorf("unknown -bank %q", cfg.Bank)
	}
	if cfg.MaxRetries < 0 {
		return runConfig{}, errors.New("-max-retries must be >= 0")
	}

	return cfg, nil
}

// importFilters upserts filter definitions from a JSON array file and emits a
// filter_updated notification to each imported filter's subscribers.
func importFilters(ctx context.Context, store storage.Store, notifier *webhook.Notifier, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var filters []*model.Filter
	if err := json.Unmarshal(b, &filters); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, f := range filters {
		if f.ID == "" {
			f.ID = model.NewID()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		for i := range f.Webhooks {
			if f.Webhooks[i].ID == "" {
				f.Webhooks[i].ID = model.NewID()
			}
		}
		f.Touch()

		if err := store.SaveFilter(ctx, f); err != nil {
			return err
		}
		notifier.NotifyAll(ctx, f.Webhooks, model.EventFilterUpdated, f)
	}
	return nil
}

func selectFilters(ctx context.Context, store storage.Store, filterID string) ([]*model.Filter, error) {
	if filterID != "" {
		f, err := store.GetFilter(ctx, filterID)
		if err != nil {
			return nil, err
		}
		return []*model.Filter{f}, nil
	}
	return store.ListFilters(ctx, true)
}

// readEmails reads a JSONL feed of parsed emails. Blank lines and #-comments
// are skipped; emails without an id get one assigned.
func readEmails(path string, stdin io.Reader) ([]*model.EmailMessage, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var out []*model.EmailMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var e model.EmailMessage
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse email line: %w", err)
		}
		if e.ID == "" {
			e.ID = model.NewID()
		}
		out = append(out, &e)
	}
	return out, scanner.Err()
}

// buildAdapters constructs the adapter registry from flags.
func buildAdapters(cfg runConfig) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	if cfg.OwnersCSV == "" {
		return reg, nil
	}

	owners := splitCSV(cfg.OwnersCSV)

	var (
		a   adapter.Adapter
		err error
	)
	if cfg.Bank == "banreservas" {
		a, err = adapter.NewBanreservasAdapter(owners)
	} else {
		a, err = adapter.NewTransactionAdapter(owners)
	}
	if err != nil {
		return nil, err
	}

	reg.Register(cfg.OwnersFilter, a)
	return reg, nil
}

func splitCSV(s string) []string {
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
