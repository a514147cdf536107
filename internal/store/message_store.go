package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Direction tells whether a message was received or sent by the account.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = "unknown"
)

// ErrClosed is returned when a session is used after Close.
var ErrClosed = errors.New("store: session closed")

// Chat is a conversation thread on the marketplace, keyed by the upstream chat id.
type Chat struct {
	ID      string          `json:"id"`
	Updated *time.Time      `json:"updated,omitempty"`
	Ctx     json.RawMessage `json:"ctx,omitempty"` // carried through unmodified
}

// Message is one upstream message. Rows are insert-only: once an id is
// persisted it is never updated or re-inserted.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	AuthorID  *int64          `json:"author_id,omitempty"`
	Direction Direction       `json:"direction"`
	Type      string          `json:"type,omitempty"`
	Text      *string         `json:"text,omitempty"`
	CreatedAt *time.Time      `json:"created_ts,omitempty"`
	IsRead    *bool           `json:"is_read,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// TextOr returns the extracted text, or fallback when the message has none.
func (m *Message) TextOr(fallback string) string {
	if m == nil || m.Text == nil {
		return fallback
	}
	return *m.Text
}

// Stats is a row count snapshot used by diagnostics.
type Stats struct {
	Chats    int64 `json:"chats"`
	Messages int64 `json:"messages"`
}

// MessageStore opens units of work against the chat/message tables.
type MessageStore interface {
	// Session opens a unit of work. Callers must Close it.
	Session(ctx context.Context) (Session, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Session is one unit of work: reads go straight to the store, writes are
// staged with Add* and flushed by Commit in a single transaction.
type Session interface {
	// GetMessage returns nil, nil when the id is unknown.
	GetMessage(ctx context.Context, id string) (*Message, error)
	// GetChat returns nil, nil when the id is unknown.
	GetChat(ctx context.Context, id string) (*Chat, error)
	AddChat(c *Chat)
	AddMessage(m *Message)
	// Commit writes staged chats, then staged messages, as insert-if-absent.
	// It returns how many messages were actually inserted; a message whose
	// id already exists (including one inserted concurrently) is not counted.
	Commit(ctx context.Context) (int, error)
	// Close discards staged writes that were not committed.
	Close() error
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Mode        string // "standalone" (SQLite) or "managed" (Postgres)
	PostgresDSN string
	SQLitePath  string
}
