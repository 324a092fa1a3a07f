package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"mailscout/internal/model"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeEmailsJSONL(t *testing.T, path string, emails []*model.EmailMessage) {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range emails {
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal email: %v", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestParseFlags_Validation verifies flag validation and exit-worthy errors.
func TestParseFlags_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "missing_dsn", args: []string{"-emails", "x.jsonl"}, wantErr: true},
		{name: "nothing_to_do", args: []string{"-dsn", "d"}, wantErr: true},
		{name: "owners_without_filter", args: []string{"-dsn", "d", "-emails", "x", "-owners", "a"}, wantErr: true},
		{name: "unknown_bank", args: []string{"-dsn", "d", "-emails", "x", "-bank", "chase"}, wantErr: true},
		{name: "negative_retries", args: []string{"-dsn", "d", "-emails", "x", "-max-retries", "-1"}, wantErr: true},
		{name: "remote_query_alone_ok", args: []string{"-dsn", "d", "-remote-query"}, wantErr: false},
		{name: "import_alone_ok", args: []string{"-dsn", "d", "-import-filters", "f.json"}, wantErr: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := parseFlags(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseFlags(%v) err=%v, wantErr=%v", tc.args, err, tc.wantErr)
			}
		})
	}
}

// TestParseFlags_NoRetry verifies -no-retry is captured without clobbering
// the retry budget flag.
func TestParseFlags_NoRetry(t *testing.T) {
	t.Parallel()

	cfg, err := parseFlags([]string{"-dsn", "d", "-emails", "x", "-no-retry"})
	if err != nil {
		t.Fatalf("parseFlags() err=%v", err)
	}
	if !cfg.NoRetry {
		t.Fatalf("NoRetry=false, want true")
	}
}

// TestRun_ProcessFlow drives the whole command: import filters, feed emails,
// verify JSONL results and webhook delivery.
func TestRun_ProcessFlow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()

	filtersPath := filepath.Join(dir, "filters.json")
	writeJSON(t, filtersPath, []*model.Filter{
		{
			ID:              "f1",
			Name:            "transfers",
			IsActive:        true,
			ContentPatterns: []string{"transferencia"},
			ExtractionRules: []model.ExtractionRule{
				{Name: "origin", Pattern: `Origen: (.+?)\n`, ContentType: model.ContentText},
				{Name: "amount", Pattern: `Monto: DOP ([\d,.]+)`, ContentType: model.ContentText},
			},
			Webhooks: []model.WebhookSubscription{
				{ID: "w1", URL: srv.URL, EventTypes: []model.EventType{model.EventEmailProcessed}, IsActive: true},
			},
		},
	})

	emailsPath := filepath.Join(dir, "emails.jsonl")
	writeEmailsJSONL(t, emailsPath, []*model.EmailMessage{
		{ID: "e1", MessageID: "<1>", Body: model.EmailBody{PlainText: "Transferencia realizada\nOrigen: JUAN PEREZ\nMonto: DOP 1,500.00"}},
		{ID: "e2", MessageID: "<2>", Body: model.EmailBody{PlainText: "newsletter"}},
	})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-storage", "jsonfile",
		"-dsn", filepath.Join(dir, "store"),
		"-import-filters", filtersPath,
		"-emails", emailsPath,
		"-owners", "JUAN PEREZ",
		"-owners-filter", "f1",
		"-bank", "banreservas",
		"-no-retry",
	}, deps{Stdout: &stdout, Stderr: &stderr})

	if code != 0 {
		t.Fatalf("run()=%d, want 0 (stderr=%s)", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("stdout lines=%d, want 1 result (got %q)", len(lines), stdout.String())
	}

	var res struct {
		EmailID   string            `json:"email_id"`
		FilterID  string            `json:"filter_id"`
		Extracted map[string]string `json:"extracted"`
		Saved     bool              `json:"saved"`
		Webhooks  map[string]bool   `json:"webhooks"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &res); err != nil {
		t.Fatalf("result not valid JSON: %v (%q)", err, lines[0])
	}
	if res.EmailID != "e1" || res.FilterID != "f1" || !res.Saved {
		t.Fatalf("result=%+v, want saved e1 under f1", res)
	}
	if res.Extracted["origin"] != "JUAN PEREZ" || res.Extracted["amount"] != "1,500.00" {
		t.Fatalf("extracted=%v, want origin and amount", res.Extracted)
	}
	if res.Extracted["transaction_type"] != "outgoing" {
		t.Fatalf("transaction_type=%q, want outgoing", res.Extracted["transaction_type"])
	}
	if !res.Webhooks["w1"] {
		t.Fatalf("webhooks=%v, want w1 delivered", res.Webhooks)
	}
	if hits.Load() != 1 {
		t.Fatalf("webhook endpoint hit %d times, want 1", hits.Load())
	}
}

// TestRun_RemoteQuery verifies the provider-query listing mode.
func TestRun_RemoteQuery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	filtersPath := filepath.Join(dir, "filters.json")
	writeJSON(t, filtersPath, []*model.Filter{
		{
			ID:              "f1",
			Name:            "billing",
			IsActive:        true,
			SubjectPatterns: []string{"invoice"},
			FromPatterns:    []string{"billing@example.com"},
		},
	})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-dsn", filepath.Join(dir, "store"),
		"-import-filters", filtersPath,
		"-remote-query",
	}, deps{Stdout: &stdout, Stderr: &stderr})

	if code != 0 {
		t.Fatalf("run()=%d, want 0 (stderr=%s)", code, stderr.String())
	}
	want := "f1\tsubject:(invoice) OR from:(billing@example.com)\n"
	if stdout.String() != want {
		t.Fatalf("stdout=%q, want %q", stdout.String(), want)
	}
}

// TestRun_InvalidRuleExitsOne verifies a filter with a bad pattern yields exit
// code 1 while the error goes to stderr.
func TestRun_InvalidRuleExitsOne(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	filtersPath := filepath.Join(dir, "filters.json")
	writeJSON(t, filtersPath, []*model.Filter{
		{
			ID:       "f1",
			Name:     "broken",
			IsActive: true,
			ExtractionRules: []model.ExtractionRule{
				{Name: "bad", Pattern: `([`},
			},
		},
	})

	emailsPath := filepath.Join(dir, "emails.jsonl")
	writeEmailsJSONL(t, emailsPath, []*model.EmailMessage{
		{ID: "e1", Body: model.EmailBody{PlainText: "x"}},
	})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-dsn", filepath.Join(dir, "store"),
		"-import-filters", filtersPath,
		"-emails", emailsPath,
	}, deps{Stdout: &stdout, Stderr: &stderr})

	if code != 1 {
		t.Fatalf("run()=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "f1") {
		t.Fatalf("stderr=%q, want the failing filter named", stderr.String())
	}
}

// TestRun_ConfigErrorsExitTwo verifies initialization failures exit with 2.
func TestRun_ConfigErrorsExitTwo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing_dsn", args: []string{"-emails", "x.jsonl"}},
		{name: "unknown_storage", args: []string{"-storage", "nope", "-dsn", "d", "-remote-query"}},
		{name: "missing_import_file", args: []string{"-dsn", t.TempDir(), "-import-filters", "/does/not/exist.json"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tc.args, deps{Stdout: &stdout, Stderr: &stderr}); code != 2 {
				t.Fatalf("run(%v)=%d, want 2 (stderr=%s)", tc.args, code, stderr.String())
			}
		})
	}
}

// TestReadEmails verifies JSONL parsing, comment/blank handling, stdin mode,
// and id assignment.
func TestReadEmails(t *testing.T) {
	t.Parallel()

	t.Run("file_with_comments_and_blanks", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "feed.jsonl")
		content := "# test feed\n\n" +
			`{"id":"e1","message_id":"<1>","content":{"plain_text":"hello"}}` + "\n" +
			`{"message_id":"<2>"}` + "\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write feed: %v", err)
		}

		emails, err := readEmails(path, nil)
		if err != nil {
			t.Fatalf("readEmails() err=%v", err)
		}
		if len(emails) != 2 {
			t.Fatalf("emails=%d, want 2", len(emails))
		}
		if emails[0].ID != "e1" || emails[0].Body.PlainText != "hello" {
			t.Fatalf("first email=%+v", emails[0])
		}
		if emails[1].ID == "" {
			t.Fatalf("missing id not assigned")
		}
	})

	t.Run("stdin_mode", func(t *testing.T) {
		t.Parallel()

		stdin := strings.NewReader(`{"id":"e1","message_id":"<1>"}` + "\n")
		emails, err := readEmails("-", stdin)
		if err != nil {
			t.Fatalf("readEmails(-) err=%v", err)
		}
		if len(emails) != 1 || emails[0].ID != "e1" {
			t.Fatalf("emails=%v, want e1 from stdin", emails)
		}
	})

	t.Run("malformed_line_fails", func(t *testing.T) {
		t.Parallel()

		if _, err := readEmails("-", strings.NewReader("{not json}\n")); err == nil {
			t.Fatalf("readEmails(garbage) err=nil, want error")
		}
	})
}
