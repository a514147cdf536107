package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/avito"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
	"github.com/nextlevelbuilder/avitobridge/internal/store/sqldb"
)

func newTestStore(t *testing.T) *sqldb.Store {
	t.Helper()
	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := sqldb.New(db)
	t.Cleanup(func() { s.Close() })
	return s
}

type sentNote struct {
	destination string
	text        string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentNote
	fail  error
	calls int
}

func (n *fakeNotifier) Send(_ context.Context, destination, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentNote{destination: destination, text: text})
	return nil
}

func (n *fakeNotifier) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.text
	}
	return out
}

type fakeAnswerer struct {
	mu        sync.Mutex
	questions []string
	answer    string
	err       error
}

func (a *fakeAnswerer) Ask(_ context.Context, q string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questions = append(a.questions, q)
	return a.answer, a.err
}

type messagesCall struct {
	chatID string
	offset int
}

// fakeSource serves chats and messages from memory and records every call.
type fakeSource struct {
	mu          sync.Mutex
	unread      []string
	all         []string
	messages    map[string][]json.RawMessage
	chatsErr    error
	messageErrs map[string]error
	panicOnList bool

	chatCalls    []avito.ChatQuery
	messageCalls []messagesCall
	sent         map[string][]string
}

func (s *fakeSource) ListChats(_ context.Context, q avito.ChatQuery) ([]avito.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnList {
		panic("boom")
	}
	s.chatCalls = append(s.chatCalls, q)
	if s.chatsErr != nil {
		return nil, s.chatsErr
	}
	ids := s.all
	if q.UnreadOnly {
		ids = s.unread
	}
	var out []avito.Chat
	for i := q.Offset; i < len(ids) && i < q.Offset+q.Limit; i++ {
		out = append(out, avito.Chat{ID: ids[i]})
	}
	return out, nil
}

func (s *fakeSource) ListMessages(_ context.Context, chatID string, limit, offset int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCalls = append(s.messageCalls, messagesCall{chatID: chatID, offset: offset})
	if err := s.messageErrs[chatID]; err != nil {
		return nil, err
	}
	msgs := s.messages[chatID]
	if offset >= len(msgs) {
		return nil, nil
	}
	end := min(len(msgs), offset+limit)
	return msgs[offset:end], nil
}

func (s *fakeSource) SendText(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]string)
	}
	s.sent[chatID] = append(s.sent[chatID], text)
	return nil
}

func (s *fakeSource) offsetsFor(chatID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, c := range s.messageCalls {
		if c.chatID == chatID {
			out = append(out, c.offset)
		}
	}
	return out
}

type fakeCreds struct {
	mu        sync.Mutex
	valid     bool
	refreshes int
	onRefresh func()
}

func (c *fakeCreds) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *fakeCreds) ForceRefresh(context.Context) (string, error) {
	c.mu.Lock()
	c.refreshes++
	c.valid = true
	hook := c.onRefresh
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return "tok", nil
}

func (c *fakeCreds) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// rawMessage builds an upstream message created at ts.
func rawMessage(id, direction, text string, ts time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"author_id":7,"direction":%q,"type":"text","content":{"text":%q},"created":%d,"is_read":false}`,
		id, direction, text, ts.Unix()))
}

// messagePage builds n inbound messages with ids prefix-0..prefix-(n-1).
func messagePage(prefix string, n int, ts time.Time) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", prefix, i)
		out[i] = rawMessage(id, "in", "text "+id, ts)
	}
	return out
}

var errUnauthorized = &avito.APIError{Status: 401, Endpoint: "list_chats", Body: "unauthorized"}

func persistAll(t *testing.T, st store.MessageStore, chatID string, raws []json.RawMessage) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	for _, raw := range raws {
		if _, err := Persist(ctx, sess, chatID, Normalize(chatID, raw)); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
}
