package extract

import (
	"strings"
	"testing"

	"mailscout/internal/model"
)

// TestCompile_Validation verifies configuration errors fail at compile time.
//
// Edge cases:
//   - Missing name fails.
//   - Missing pattern fails for text/html/both but not for table.
//   - Unknown content type fails.
//   - Invalid regex fails.
func TestCompile_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     model.ExtractionRule
		wantErr bool
	}{
		{
			name:    "missing_name",
			cfg:     model.ExtractionRule{Pattern: `\d+`},
			wantErr: true,
		},
		{
			name:    "missing_pattern_text",
			cfg:     model.ExtractionRule{Name: "r", ContentType: model.ContentText},
			wantErr: true,
		},
		{
			name:    "missing_pattern_table_ok",
			cfg:     model.ExtractionRule{Name: "r", ContentType: model.ContentTable, TableLabel: "Monto"},
			wantErr: false,
		},
		{
			name:    "unknown_content_type",
			cfg:     model.ExtractionRule{Name: "r", Pattern: `\d+`, ContentType: "xml"},
			wantErr: true,
		},
		{
			name:    "invalid_regex",
			cfg:     model.ExtractionRule{Name: "r", Pattern: `([`},
			wantErr: true,
		},
		{
			name:    "valid_defaults_to_both",
			cfg:     model.ExtractionRule{Name: "r", Pattern: `\d+`},
			wantErr: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, err := Compile(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Compile(%+v) err=nil, want error", tc.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile(%+v) err=%v, want nil", tc.cfg, err)
			}
			if r.Name() != tc.cfg.Name {
				t.Fatalf("Name()=%q, want %q", r.Name(), tc.cfg.Name)
			}
		})
	}
}

// TestCompileRules_FailFast verifies the first invalid rule aborts compilation.
func TestCompileRules_FailFast(t *testing.T) {
	t.Parallel()

	cfgs := []model.ExtractionRule{
		{Name: "ok", Pattern: `\d+`},
		{Name: "bad", Pattern: `([`},
	}
	_, err := CompileRules(cfgs)
	if err == nil {
		t.Fatalf("CompileRules() err=nil, want error for invalid pattern")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error does not name the failing rule: %v", err)
	}
}

// TestExtract_GroupResolution verifies match-to-value resolution order.
//
// Edge cases:
//   - Named group wins when it participates in the match.
//   - First capture group is used when no named group is configured.
//   - The whole match is used when there are no capture groups.
//   - An empty extracted value is reported as absent.
func TestExtract_GroupResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    model.ExtractionRule
		text   string
		want   string
		wantOK bool
	}{
		{
			name:   "first_capture_group",
			cfg:    model.ExtractionRule{Name: "order_number", Pattern: `Order #: (\d+)`, ContentType: model.ContentText},
			text:   "Hello,\nOrder #: 12345\nThanks",
			want:   "12345",
			wantOK: true,
		},
		{
			name:   "named_group",
			cfg:    model.ExtractionRule{Name: "amount", Pattern: `Total: \$(?P<amount>[\d.]+)`, GroupName: "amount", ContentType: model.ContentText},
			text:   "Total: $123.45",
			want:   "123.45",
			wantOK: true,
		},
		{
			name:   "whole_match_without_groups",
			cfg:    model.ExtractionRule{Name: "code", Pattern: `[A-Z]{3}-\d{4}`, ContentType: model.ContentText},
			text:   "ref ABC-1234 end",
			want:   "ABC-1234",
			wantOK: true,
		},
		{
			name:   "unknown_group_name_falls_back_to_first_group",
			cfg:    model.ExtractionRule{Name: "v", Pattern: `v=(\d+)`, GroupName: "nope", ContentType: model.ContentText},
			text:   "v=7",
			want:   "7",
			wantOK: true,
		},
		{
			name:   "no_match_is_absent",
			cfg:    model.ExtractionRule{Name: "order_number", Pattern: `Order #: (\d+)`, ContentType: model.ContentText},
			text:   "nothing here",
			wantOK: false,
		},
		{
			name:   "empty_group_value_is_absent",
			cfg:    model.ExtractionRule{Name: "opt", Pattern: `key=(\d*)`, ContentType: model.ContentText},
			text:   "key=",
			wantOK: false,
		},
		{
			name:   "multiline_dotall",
			cfg:    model.ExtractionRule{Name: "block", Pattern: `^Start(.*)End$`, ContentType: model.ContentText},
			text:   "Start\nline1\nline2\nEnd",
			want:   "\nline1\nline2\n",
			wantOK: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, err := Compile(tc.cfg)
			if err != nil {
				t.Fatalf("Compile() err=%v", err)
			}
			got, ok := r.Extract(tc.text, "")
			if ok != tc.wantOK {
				t.Fatalf("Extract() ok=%v, want %v (got %q)", ok, tc.wantOK, got)
			}
			if ok && got != tc.want {
				t.Fatalf("Extract()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestExtract_ContentSelection verifies which body variant each content type
// searches, including the text-before-html precedence of "both".
func TestExtract_ContentSelection(t *testing.T) {
	t.Parallel()

	text := "value in text: T-111"
	html := "<p>value in html: T-222</p>"

	tests := []struct {
		name   string
		ct     model.ContentType
		want   string
		wantOK bool
	}{
		{name: "text_only", ct: model.ContentText, want: "T-111", wantOK: true},
		{name: "html_only", ct: model.ContentHTML, want: "T-222", wantOK: true},
		{name: "both_prefers_text", ct: model.ContentBoth, want: "T-111", wantOK: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, err := Compile(model.ExtractionRule{Name: "ref", Pattern: `(T-\d+)`, ContentType: tc.ct})
			if err != nil {
				t.Fatalf("Compile() err=%v", err)
			}
			got, ok := r.Extract(text, html)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("Extract()=(%q,%v), want (%q,%v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}

	t.Run("both_falls_back_to_html", func(t *testing.T) {
		t.Parallel()

		r, err := Compile(model.ExtractionRule{Name: "ref", Pattern: `(T-\d+)`, ContentType: model.ContentBoth})
		if err != nil {
			t.Fatalf("Compile() err=%v", err)
		}
		got, ok := r.Extract("no match here", html)
		if !ok || got != "T-222" {
			t.Fatalf("Extract()=(%q,%v), want (%q,true)", got, ok, "T-222")
		}
	})

	t.Run("empty_bodies_are_absent", func(t *testing.T) {
		t.Parallel()

		r, err := Compile(model.ExtractionRule{Name: "ref", Pattern: `(T-\d+)`})
		if err != nil {
			t.Fatalf("Compile() err=%v", err)
		}
		if got, ok := r.Extract("", ""); ok {
			t.Fatalf("Extract on empty bodies=(%q,%v), want absent", got, ok)
		}
	})
}

// TestExtract_Deterministic verifies repeated extraction over identical input
// yields identical results.
func TestExtract_Deterministic(t *testing.T) {
	t.Parallel()

	r, err := Compile(model.ExtractionRule{Name: "n", Pattern: `id=(\d+)`, ContentType: model.ContentText})
	if err != nil {
		t.Fatalf("Compile() err=%v", err)
	}

	text := "a id=1 b id=2"
	first, ok1 := r.Extract(text, "")
	for i := 0; i < 10; i++ {
		got, ok := r.Extract(text, "")
		if got != first || ok != ok1 {
			t.Fatalf("iteration %d: Extract()=(%q,%v), want (%q,%v)", i, got, ok, first, ok1)
		}
	}
	if first != "1" {
		t.Fatalf("Extract()=%q, want leftmost match %q", first, "1")
	}
}
