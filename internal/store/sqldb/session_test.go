package sqldb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestSessionCommitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	author := int64(42)
	read := false
	sess.AddChat(&store.Chat{ID: "c1"})
	sess.AddMessage(&store.Message{
		ID:        "m1",
		ChatID:    "c1",
		AuthorID:  &author,
		Direction: store.DirectionIn,
		Type:      "text",
		Text:      strPtr("привет"),
		CreatedAt: &created,
		IsRead:    &read,
		Raw:       json.RawMessage(`{"id":"m1","content":{"text":"привет"}}`),
	})

	n, err := sess.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d, want 1", n)
	}

	got, err := sess.GetMessage(ctx, "m1")
	if err != nil || got == nil {
		t.Fatalf("get message: %v %v", got, err)
	}
	if got.ChatID != "c1" || got.Direction != store.DirectionIn || got.Type != "text" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.TextOr("") != "привет" {
		t.Errorf("text = %q", got.TextOr(""))
	}
	if got.AuthorID == nil || *got.AuthorID != 42 {
		t.Errorf("author = %v", got.AuthorID)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(created) {
		t.Errorf("created = %v, want %v", got.CreatedAt, created)
	}
	if got.IsRead == nil || *got.IsRead {
		t.Errorf("is_read = %v", got.IsRead)
	}
	var raw map[string]any
	if err := json.Unmarshal(got.Raw, &raw); err != nil || raw["id"] != "m1" {
		t.Errorf("raw not preserved: %s (%v)", got.Raw, err)
	}

	chat, err := sess.GetChat(ctx, "c1")
	if err != nil || chat == nil {
		t.Fatalf("get chat: %v %v", chat, err)
	}
	if chat.Updated != nil || len(chat.Ctx) != 0 {
		t.Errorf("chat should be created without attributes: %+v", chat)
	}
}

func TestSessionMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Session(ctx)
	defer sess.Close()

	m, err := sess.GetMessage(ctx, "nope")
	if err != nil || m != nil {
		t.Fatalf("GetMessage = %v, %v; want nil, nil", m, err)
	}
	c, err := sess.GetChat(ctx, "nope")
	if err != nil || c != nil {
		t.Fatalf("GetChat = %v, %v; want nil, nil", c, err)
	}
}

func TestSessionCommitSkipsExistingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, want := range []int{1, 0} {
		sess, _ := s.Session(ctx)
		sess.AddChat(&store.Chat{ID: "c1"})
		sess.AddMessage(&store.Message{ID: "m1", ChatID: "c1", Direction: store.DirectionIn})
		n, err := sess.Commit(ctx)
		sess.Close()
		if err != nil {
			t.Fatalf("commit #%d: %v", i, err)
		}
		if n != want {
			t.Fatalf("commit #%d inserted %d, want %d", i, n, want)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Chats != 1 || st.Messages != 1 {
		t.Fatalf("stats = %+v, want 1 chat 1 message", st)
	}
}

func TestSessionConcurrentCommitsSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _ := s.Session(ctx)
			defer sess.Close()
			sess.AddChat(&store.Chat{ID: "c1"})
			sess.AddMessage(&store.Message{ID: "dup", ChatID: "c1", Direction: store.DirectionIn})
			n, err := sess.Commit(ctx)
			if err != nil {
				t.Errorf("commit: %v", err)
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 1 {
		t.Fatalf("inserted %d times, want exactly 1", total)
	}
}

func TestClosedSessionRejectsUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Session(ctx)
	sess.AddMessage(&store.Message{ID: "m1", ChatID: "c1"})
	sess.Close()

	if _, err := sess.Commit(ctx); err != store.ErrClosed {
		t.Fatalf("commit after close: %v, want ErrClosed", err)
	}
	if _, err := sess.GetMessage(ctx, "m1"); err != store.ErrClosed {
		t.Fatalf("get after close: %v, want ErrClosed", err)
	}
}

func TestNewStoreRejectsUnknownMode(t *testing.T) {
	if _, err := NewStore(store.StoreConfig{Mode: "cluster"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewStore(store.StoreConfig{Mode: "managed"}); err == nil {
		t.Fatal("expected error for managed mode without DSN")
	}
}
