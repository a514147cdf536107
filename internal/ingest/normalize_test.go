package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

func TestNormalizeFullRecord(t *testing.T) {
	raw := json.RawMessage(`{"id":"m1","author_id":12345678901,"direction":"in","type":"text",
		"content":{"text":"привет"},"created":1700000000,"is_read":true,"extra":{"x":1}}`)
	m := Normalize("c1", raw)

	if m.ID != "m1" || m.ChatID != "c1" || m.Type != "text" || m.Direction != store.DirectionIn {
		t.Fatalf("unexpected record: %+v", m)
	}
	if m.AuthorID == nil || *m.AuthorID != 12345678901 {
		t.Errorf("author = %v", m.AuthorID)
	}
	if m.TextOr("") != "привет" {
		t.Errorf("text = %q", m.TextOr(""))
	}
	want := time.Unix(1700000000, 0).UTC()
	if m.CreatedAt == nil || !m.CreatedAt.Equal(want) || m.CreatedAt.Location() != time.UTC {
		t.Errorf("created = %v, want %v", m.CreatedAt, want)
	}
	if m.IsRead == nil || !*m.IsRead {
		t.Errorf("is_read = %v", m.IsRead)
	}
	if string(m.Raw) != string(raw) {
		t.Errorf("raw payload not kept verbatim")
	}
}

func TestNormalizeTextExtraction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *string
	}{
		{"direct text", `{"id":"1","content":{"text":"a"}}`, strPtr("a")},
		{"link text", `{"id":"1","content":{"link":{"text":"b","url":"http://x"}}}`, strPtr("b")},
		{"text wins over link", `{"id":"1","content":{"text":"a","link":{"text":"b"}}}`, strPtr("a")},
		{"image has none", `{"id":"1","type":"image","content":{"image":{"sizes":{}}}}`, nil},
		{"no content", `{"id":"1"}`, nil},
		{"non-string text", `{"id":"1","content":{"text":5}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize("c", json.RawMessage(tt.raw)).Text
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("text = %q, want none", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Fatalf("text = %v, want %q", got, *tt.want)
			}
		})
	}
}

func TestNormalizeCreatedOnlyWhenNumeric(t *testing.T) {
	if m := Normalize("c", json.RawMessage(`{"id":"1","created":"1700000000"}`)); m.CreatedAt != nil {
		t.Errorf("string created must be ignored, got %v", m.CreatedAt)
	}
	if m := Normalize("c", json.RawMessage(`{"id":"1","created":true}`)); m.CreatedAt != nil {
		t.Errorf("bool created must be ignored, got %v", m.CreatedAt)
	}
	m := Normalize("c", json.RawMessage(`{"id":"1","created":1700000000.5}`))
	if m.CreatedAt == nil || m.CreatedAt.UnixMilli() != 1700000000500 {
		t.Errorf("fractional created = %v", m.CreatedAt)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	m := Normalize("c", json.RawMessage(`{"id":42,"direction":"","author_id":"17"}`))
	if m.ID != "42" {
		t.Errorf("numeric id = %q", m.ID)
	}
	if m.Direction != store.DirectionUnknown {
		t.Errorf("direction = %q, want unknown", m.Direction)
	}
	if m.AuthorID == nil || *m.AuthorID != 17 {
		t.Errorf("author from string = %v", m.AuthorID)
	}
	if m.IsRead != nil {
		t.Errorf("is_read = %v, want nil", m.IsRead)
	}
}

func TestNormalizeMalformedInput(t *testing.T) {
	for _, raw := range []string{``, `not json`, `[1,2]`, `"str"`, `null`, `{"content":{"text":"x"}}`} {
		m := Normalize("c", json.RawMessage(raw))
		if m == nil {
			t.Fatalf("Normalize(%q) returned nil", raw)
		}
		if m.ID != "" {
			t.Errorf("Normalize(%q).ID = %q, want empty", raw, m.ID)
		}
		if m.Direction != store.DirectionUnknown {
			t.Errorf("Normalize(%q).Direction = %q", raw, m.Direction)
		}
	}
}

func strPtr(s string) *string { return &s }
