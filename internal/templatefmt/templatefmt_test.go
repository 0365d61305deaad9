package templatefmt

import (
	"testing"
	"time"
)

func TestRenderWithHelpers(t *testing.T) {
	t.Parallel()

	tpl, err := ParseNotificationTemplate("body", `{{ upper .Severity }} {{ field (index .Docs 0) "patentId" }} {{ truncate 8 .Name }} {{ fmtDuration .Window }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := Render(tpl, map[string]any{
		"Severity": "high",
		"Name":     "very long rule name",
		"Window":   90 * time.Minute,
		"Docs": []map[string]any{
			{"fields": map[string]any{"patentId": "US123"}},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "HIGH US123 very ... 1.5h" {
		t.Fatalf("unexpected render %q", out)
	}
}

func TestFieldNestedPath(t *testing.T) {
	t.Parallel()

	doc := map[string]any{"fields": map[string]any{"assignee": map[string]any{"name": "Acme"}}}
	if got := Field(doc, "assignee.name"); got != "Acme" {
		t.Fatalf("expected nested field, got %v", got)
	}
	if got := Field(doc, "assignee.country"); got != "" {
		t.Fatalf("expected empty for missing field, got %v", got)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		30 * time.Second: "30.0s",
		-2 * time.Minute: "2.0m",
		36 * time.Hour:   "1.5d",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%s)=%q want %q", in, got, want)
		}
	}
	if got := FormatDuration("bad"); got != "0.0s" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
