package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

// Store implements store.MessageStore over a *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps an open database whose schema is already in place.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Session(_ context.Context) (store.Session, error) {
	return &session{db: s.db}, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&st.Chats); err != nil {
		return st, fmt.Errorf("count chats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.Messages); err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}
	return st, nil
}

// session stages writes in memory until Commit. It holds no connection
// between calls, so many sessions can be open at once.
type session struct {
	db       *sql.DB
	chats    []*store.Chat
	messages []*store.Message
	closed   bool
}

func (s *session) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	var (
		m         store.Message
		authorID  sql.NullInt64
		direction sql.NullString
		typ       sql.NullString
		text      sql.NullString
		created   sql.NullTime
		isRead    sql.NullBool
		raw       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, author_id, direction, type, text, created_ts, is_read, raw
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ChatID, &authorID, &direction, &typ, &text, &created, &isRead, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	if authorID.Valid {
		m.AuthorID = &authorID.Int64
	}
	m.Direction = store.DirectionUnknown
	if direction.Valid && direction.String != "" {
		m.Direction = store.Direction(direction.String)
	}
	m.Type = typ.String
	if text.Valid {
		m.Text = &text.String
	}
	if created.Valid {
		t := created.Time.UTC()
		m.CreatedAt = &t
	}
	if isRead.Valid {
		m.IsRead = &isRead.Bool
	}
	m.Raw = raw
	return &m, nil
}

func (s *session) GetChat(ctx context.Context, id string) (*store.Chat, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	var (
		c       store.Chat
		updated sql.NullTime
		ctxBlob []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, updated, ctx FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &updated, &ctxBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	if updated.Valid {
		t := updated.Time.UTC()
		c.Updated = &t
	}
	c.Ctx = ctxBlob
	return &c, nil
}

func (s *session) AddChat(c *store.Chat) {
	if c != nil {
		s.chats = append(s.chats, c)
	}
}

func (s *session) AddMessage(m *store.Message) {
	if m != nil {
		s.messages = append(s.messages, m)
	}
}

func (s *session) Commit(ctx context.Context) (int, error) {
	if s.closed {
		return 0, store.ErrClosed
	}
	if len(s.chats) == 0 && len(s.messages) == 0 {
		return 0, nil
	}
	// Staged writes are dropped whatever the outcome; a failed commit must
	// not leak into the next message handled by this session.
	chats, messages := s.chats, s.messages
	s.chats, s.messages = nil, nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, updated, ctx) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO NOTHING`,
			c.ID, nullTime(c.Updated), nullJSON(c.Ctx),
		); err != nil {
			return 0, fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}

	inserted := 0
	for _, m := range messages {
		var authorID sql.NullInt64
		if m.AuthorID != nil {
			authorID = sql.NullInt64{Int64: *m.AuthorID, Valid: true}
		}
		var text sql.NullString
		if m.Text != nil {
			text = sql.NullString{String: *m.Text, Valid: true}
		}
		var isRead sql.NullBool
		if m.IsRead != nil {
			isRead = sql.NullBool{Bool: *m.IsRead, Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, author_id, direction, type, text, created_ts, is_read, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ChatID, authorID, nullString(string(m.Direction)), nullString(m.Type),
			text, nullTime(m.CreatedAt), isRead, nullJSON(m.Raw),
		)
		if err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *session) Close() error {
	s.closed = true
	s.chats, s.messages = nil, nil
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
