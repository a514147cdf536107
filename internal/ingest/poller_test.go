package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
)

func testPollerConfig() config.PollerConfig {
	return config.PollerConfig{
		IntervalSec:      1,
		LookbackMinutes:  180,
		ChatPageSize:     100,
		MessagePageSize:  50,
		MaxMessagePages:  3,
		SeenResetCycles:  100,
		SeenMaxEntries:   1000,
		TokenCheckCycles: 10,
	}
}

func newTestPoller(t *testing.T, src *fakeSource, creds Credentials, cfg config.PollerConfig) (*Poller, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	d := NewDispatcher(n, "42", testDispatchConfig())
	return NewPoller(src, creds, newTestStore(t), d, nil, cfg), n
}

func TestPollerStopsPagingWhenPageHasNothingNew(t *testing.T) {
	now := time.Now()
	pageOne := messagePage("a-p1", 50, now)
	pageTwo := messagePage("a-p2", 50, now)
	pageThree := messagePage("a-p3", 50, now)

	src := &fakeSource{
		unread: []string{"chat-a", "chat-b"},
		messages: map[string][]json.RawMessage{
			"chat-a": append(append(append([]json.RawMessage{}, pageOne...), pageTwo...), pageThree...),
			"chat-b": messagePage("b", 3, now),
		},
	}
	p, n := newTestPoller(t, src, nil, testPollerConfig())
	persistAll(t, p.store, "chat-a", pageTwo)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := src.offsetsFor("chat-a"); !reflect.DeepEqual(got, []int{0, 50}) {
		t.Fatalf("chat-a offsets = %v, want [0 50]", got)
	}
	if got := src.offsetsFor("chat-b"); !reflect.DeepEqual(got, []int{0, 50}) {
		t.Fatalf("chat-b offsets = %v, want [0 50] (short chat read until empty page)", got)
	}
	if stats.Chats != 2 || stats.New != 53 || stats.Notified != 53 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Messages != 103 {
		t.Fatalf("messages seen = %d, want 103", stats.Messages)
	}
	if got := len(n.texts()); got != 53 {
		t.Fatalf("previews = %d, want 53", got)
	}
}

func TestPollerCapsPagesPerChat(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread:   []string{"chat-a"},
		messages: map[string][]json.RawMessage{"chat-a": messagePage("a", 200, now)},
	}
	p, _ := newTestPoller(t, src, nil, testPollerConfig())

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := src.offsetsFor("chat-a"); !reflect.DeepEqual(got, []int{0, 50, 100}) {
		t.Fatalf("offsets = %v, want [0 50 100]", got)
	}
	if stats.New != 150 {
		t.Fatalf("new = %d, want 150", stats.New)
	}
}

func TestPollerSecondCycleFindsNothingNew(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread:   []string{"chat-a"},
		messages: map[string][]json.RawMessage{"chat-a": messagePage("a", 10, now)},
	}
	p, n := newTestPoller(t, src, nil, testPollerConfig())
	ctx := context.Background()

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	stats, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if stats.New != 0 || stats.Notified != 0 {
		t.Fatalf("cycle 2 stats = %+v, want nothing new", stats)
	}
	if got := len(n.texts()); got != 10 {
		t.Fatalf("previews = %d, want 10", got)
	}
	if p.seen.Len() != 10 {
		t.Fatalf("seen cache = %d entries, want 10", p.seen.Len())
	}
}

func TestPollerFallsBackToAllChats(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		all:      []string{"chat-x"},
		messages: map[string][]json.RawMessage{"chat-x": messagePage("x", 2, now)},
	}
	p, _ := newTestPoller(t, src, nil, testPollerConfig())

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Chats != 1 || stats.New != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	// unread@0 (empty) -> all@0 (one chat) -> unread@100 (empty, no fallback)
	want := []bool{true, false, true}
	if len(src.chatCalls) != len(want) {
		t.Fatalf("chat calls = %+v", src.chatCalls)
	}
	for i, q := range src.chatCalls {
		if q.UnreadOnly != want[i] {
			t.Fatalf("call %d unread_only = %v, want %v", i, q.UnreadOnly, want[i])
		}
	}
	if src.chatCalls[2].Offset != 100 {
		t.Fatalf("second page offset = %d, want 100", src.chatCalls[2].Offset)
	}
}

func TestPollerSkipsStaleAndOutgoingNotifications(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread: []string{"chat-a"},
		messages: map[string][]json.RawMessage{"chat-a": {
			rawMessage("old", "in", "old", now.Add(-4*time.Hour)),
			rawMessage("mine", "out", "mine", now),
			rawMessage("fresh", "in", "fresh", now),
		}},
	}
	p, n := newTestPoller(t, src, nil, testPollerConfig())

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.New != 3 || stats.Notified != 1 {
		t.Fatalf("stats = %+v, want 3 new and 1 notified", stats)
	}
	if texts := n.texts(); len(texts) != 1 {
		t.Fatalf("previews = %q", texts)
	}
}

func TestPollerRepliesUpstreamWhenEnabled(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread: []string{"chat-a"},
		messages: map[string][]json.RawMessage{"chat-a": {
			rawMessage("q1", "in", "для gpt есть доставка?", now),
		}},
	}
	cfg := testPollerConfig()
	cfg.ReplyBack = true
	n := &fakeNotifier{}
	a := &fakeAnswerer{answer: "да"}
	p := NewPoller(src, nil, newTestStore(t), NewDispatcher(n, "42", testDispatchConfig()), a, cfg)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := src.sent["chat-a"]; len(got) != 1 || got[0] != "да" {
		t.Fatalf("replies = %v", got)
	}
	if len(a.questions) != 1 || a.questions[0] != "есть доставка?" {
		t.Fatalf("questions = %q", a.questions)
	}
}

func TestPollerRecoversPanics(t *testing.T) {
	src := &fakeSource{panicOnList: true}
	p, _ := newTestPoller(t, src, nil, testPollerConfig())

	_, err := p.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error from panicking cycle")
	}
}

func TestPollerChecksCredentialsOnSchedule(t *testing.T) {
	creds := &fakeCreds{valid: false}
	src := &fakeSource{}
	cfg := testPollerConfig()
	cfg.TokenCheckCycles = 3
	p, _ := newTestPoller(t, src, creds, cfg)
	ctx := context.Background()

	p.RunOnce(ctx) // cycle 1: checked, stale -> refresh
	if creds.count() != 1 {
		t.Fatalf("refreshes after cycle 1 = %d, want 1", creds.count())
	}

	creds.mu.Lock()
	creds.valid = false
	creds.mu.Unlock()
	p.RunOnce(ctx) // cycle 2: not checked
	p.RunOnce(ctx) // cycle 3: not checked
	if creds.count() != 1 {
		t.Fatalf("refreshes after cycle 3 = %d, want 1", creds.count())
	}
	p.RunOnce(ctx) // cycle 4: checked
	if creds.count() != 2 {
		t.Fatalf("refreshes after cycle 4 = %d, want 2", creds.count())
	}
}

func TestRunRefreshesTokenAfterAuthFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds := &fakeCreds{valid: true, onRefresh: cancel}
	src := &fakeSource{chatsErr: errUnauthorized}
	p, _ := newTestPoller(t, src, creds, testPollerConfig())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if creds.count() != 1 {
		t.Fatalf("refreshes = %d, want 1", creds.count())
	}
}

func TestRunKeepsGoingAfterOtherFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	creds := &fakeCreds{valid: true}
	src := &fakeSource{chatsErr: errors.New("connection reset by peer")}
	p, _ := newTestPoller(t, src, creds, testPollerConfig())

	if err := p.Run(ctx); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if len(src.chatCalls) < 2 {
		t.Fatalf("chat calls = %d, want the loop to retry after the interval", len(src.chatCalls))
	}
	if creds.count() != 0 {
		t.Fatalf("non-auth failure must not refresh the token, refreshes = %d", creds.count())
	}
}

func TestPollerContinuesPastFailingChat(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread: []string{"chat-a", "chat-b"},
		messages: map[string][]json.RawMessage{
			"chat-b": messagePage("b", 2, now),
		},
		messageErrs: map[string]error{"chat-a": errors.New("value too long for type character varying(32)")},
	}
	p, n := newTestPoller(t, src, nil, testPollerConfig())

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Failed != 1 || stats.New != 2 {
		t.Fatalf("stats = %+v, want 1 failed chat and 2 new messages", stats)
	}
	if len(n.texts()) != 2 {
		t.Fatalf("previews = %q", n.texts())
	}
}

func TestPollerAuthFailureInChatEndsCycle(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread: []string{"chat-a", "chat-b"},
		messages: map[string][]json.RawMessage{
			"chat-b": messagePage("b", 2, now),
		},
		messageErrs: map[string]error{"chat-a": errUnauthorized},
	}
	p, _ := newTestPoller(t, src, nil, testPollerConfig())

	_, err := p.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected the auth failure to end the cycle")
	}
	if got := src.offsetsFor("chat-b"); len(got) != 0 {
		t.Fatalf("chat-b should not be read after an auth failure, offsets = %v", got)
	}
}

func TestPollerResetsSeenCacheOnFailedCycle(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		unread:   []string{"chat-a"},
		messages: map[string][]json.RawMessage{"chat-a": messagePage("a", 3, now)},
	}
	cfg := testPollerConfig()
	cfg.SeenResetCycles = 2
	p, _ := newTestPoller(t, src, nil, cfg)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if p.seen.Len() != 3 {
		t.Fatalf("seen after cycle 1 = %d, want 3", p.seen.Len())
	}

	src.mu.Lock()
	src.chatsErr = errors.New("connection reset by peer")
	src.mu.Unlock()
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("cycle 2 should fail")
	}
	if p.seen.Len() != 0 {
		t.Fatalf("seen after failed cycle 2 = %d, want reset", p.seen.Len())
	}
}
