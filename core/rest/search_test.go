package rest

import (
	"testing"
	"time"
)

func searchTestType() *RecordType {
	return &RecordType{
		Name:  "article",
		Table: "articles",
		Columns: []Column{
			{Name: "topic", Type: ColumnText},
			{Name: "published", Type: ColumnBool},
			{Name: "rank", Type: ColumnInt},
		},
	}
}

func TestParseSearchQueryFields(t *testing.T) {
	rt := searchTestType()
	parsed := ParseSearchQuery(rt, "topic=arrays published=yes rank=3")
	if len(parsed.Fields) != 3 {
		t.Fatalf("expected 3 field filters, got %v", parsed.Fields)
	}
	if parsed.Fields[0].Column != "topic" || parsed.Fields[0].Value != "arrays" {
		t.Fatalf("unexpected filter %v", parsed.Fields[0])
	}
	if parsed.Fields[1].Value != true {
		t.Fatalf("expected boolean coercion, got %v", parsed.Fields[1].Value)
	}
	if parsed.Fields[2].Value != 3 {
		t.Fatalf("expected integer coercion, got %v", parsed.Fields[2].Value)
	}
	if parsed.Text != "" {
		t.Fatalf("expected no residual text, got %q", parsed.Text)
	}
}

func TestParseSearchQueryResidualText(t *testing.T) {
	rt := searchTestType()
	parsed := ParseSearchQuery(rt, "binary topic=trees search")
	if len(parsed.Fields) != 1 {
		t.Fatalf("expected 1 field filter, got %v", parsed.Fields)
	}
	if parsed.Text != "binary search" {
		t.Fatalf("unexpected residual text %q", parsed.Text)
	}
}

func TestParseSearchQueryUnknownFieldStaysText(t *testing.T) {
	rt := searchTestType()
	parsed := ParseSearchQuery(rt, "bogus=value")
	if len(parsed.Fields) != 0 {
		t.Fatalf("expected no field filters, got %v", parsed.Fields)
	}
	if parsed.Text != "bogus=value" {
		t.Fatalf("unexpected residual text %q", parsed.Text)
	}
}

func TestParseSearchQueryCreated(t *testing.T) {
	rt := searchTestType()

	parsed := ParseSearchQuery(rt, "created=2023-05-01T12:00:00Z")
	if parsed.CreatedAfter == nil {
		t.Fatal("expected created filter")
	}
	want := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	if !parsed.CreatedAfter.Equal(want) {
		t.Fatalf("unexpected created time %v", parsed.CreatedAfter)
	}

	parsed = ParseSearchQuery(rt, "created=1700000000")
	if parsed.CreatedAfter == nil || parsed.CreatedAfter.Unix() != 1700000000 {
		t.Fatalf("expected unix seconds fallback, got %v", parsed.CreatedAfter)
	}

	parsed = ParseSearchQuery(rt, "created=yesterday")
	if parsed.CreatedAfter != nil {
		t.Fatalf("expected unparsable created to be dropped, got %v", parsed.CreatedAfter)
	}
}

func TestParseSearchQueryValueWithEquals(t *testing.T) {
	rt := searchTestType()
	parsed := ParseSearchQuery(rt, "topic=a=b")
	if len(parsed.Fields) != 1 || parsed.Fields[0].Value != "a=b" {
		t.Fatalf("expected split on first '=', got %v", parsed.Fields)
	}
}
