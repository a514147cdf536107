// Package ingest turns upstream marketplace messages into stored rows and
// notifications. Both ingestion paths (the poller and the push webhook) go
// through Normalize, Persist and Dispatcher.Dispatch.
package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

// Normalize maps a raw upstream message onto a store.Message. It never fails:
// malformed input yields a partial record, and a record without an ID is
// ignored downstream. The raw payload is kept verbatim.
func Normalize(chatID string, raw json.RawMessage) *store.Message {
	m := &store.Message{
		ChatID:    chatID,
		Direction: store.DirectionUnknown,
		Raw:       append(json.RawMessage(nil), raw...),
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return m
	}

	m.ID = scalarString(obj["id"])
	m.AuthorID = intValue(obj["author_id"])
	if d, ok := obj["direction"].(string); ok {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			m.Direction = store.Direction(d)
		}
	}
	if t, ok := obj["type"].(string); ok {
		m.Type = t
	}
	m.Text = extractText(obj["content"])
	m.CreatedAt = epochSeconds(obj["created"])
	if r, ok := obj["is_read"].(bool); ok {
		m.IsRead = &r
	}
	return m
}

// extractText prefers content.text, then content.link.text.
func extractText(v any) *string {
	content, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if s, ok := content["text"].(string); ok {
		return &s
	}
	if link, ok := content["link"].(map[string]any); ok {
		if s, ok := link["text"].(string); ok {
			return &s
		}
	}
	return nil
}

// epochSeconds converts a numeric value to a UTC time; strings and other
// types yield nil.
func epochSeconds(v any) *time.Time {
	n, ok := v.(json.Number)
	if !ok {
		return nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	sec, frac := math.Modf(f)
	t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return &t
}

func intValue(v any) *int64 {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return &n
		}
		if f, err := x.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			n := int64(f)
			return &n
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return ""
}
