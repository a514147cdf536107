package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
)

func fastRetry() RetryConfig {
	return RetryConfig{Attempts: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestOpenAIAskRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var lastBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &lastBody)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  ответ \n"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "key", srv.URL, "gpt-4o-mini").WithRetryConfig(fastRetry())
	a := NewAnswerer(p, "", "be brief")

	got, err := a.Ask(context.Background(), "сколько?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "ответ" {
		t.Fatalf("answer = %q", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if lastBody["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", lastBody["model"])
	}
	msgs, _ := lastBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", lastBody["messages"])
	}
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "key", srv.URL, "m").WithRetryConfig(fastRetry())
	_, err := NewAnswerer(p, "", "").Ask(context.Background(), "q")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenAIGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "key", srv.URL, "m").WithRetryConfig(fastRetry())
	if _, err := NewAnswerer(p, "", "").Ask(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestAnthropicAsk(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		w.Write([]byte(`{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", WithAnthropicBaseURL(srv.URL), WithAnthropicRetry(fastRetry()))
	got, err := NewAnswerer(p, "claude-test", "system text").Ask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "hi" {
		t.Fatalf("answer = %q", got)
	}
	if body["system"] != "system text" || body["model"] != "claude-test" {
		t.Errorf("unexpected body: %v", body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("system message must not be sent as a turn: %v", body["messages"])
	}
}

func TestAskEmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "key", srv.URL, "m")
	if _, err := NewAnswerer(p, "", "").Ask(context.Background(), "q"); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("err = %v, want ErrEmptyAnswer", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	a, err := NewFromConfig(config.AnswererConfig{Provider: "openai"})
	if err != nil || a != nil {
		t.Fatalf("no key: got %v, %v; want nil, nil", a, err)
	}

	a, err = NewFromConfig(config.AnswererConfig{Provider: "anthropic", APIKey: "k", Model: "claude-x"})
	if err != nil || a == nil {
		t.Fatalf("anthropic: %v, %v", a, err)
	}
	if a.Name() != "anthropic/claude-x" {
		t.Errorf("name = %q", a.Name())
	}

	if _, err := NewFromConfig(config.AnswererConfig{Provider: "llama", APIKey: "k"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRetryDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryDo(ctx, RetryConfig{Attempts: 5, MinDelay: time.Hour}, func() (int, error) {
		calls++
		cancel()
		return 0, &HTTPError{Status: http.StatusServiceUnavailable}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("seconds: %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty: %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage: %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("date: %v", got)
	}
}
