// Package sqldb implements store.MessageStore on database/sql. The same
// statements run on Postgres (pgx stdlib driver, managed mode) and on SQLite
// (modernc driver, standalone mode).
package sqldb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// OpenPostgres opens a pooled Postgres connection through the pgx stdlib driver.
// The schema is managed by golang-migrate (see migrations/).
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file and applies the
// schema. Writes are serialized through a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// NewStore creates the message store selected by cfg.Mode.
func NewStore(cfg store.StoreConfig) (*Store, error) {
	switch cfg.Mode {
	case "managed":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode requires a postgres DSN")
		}
		db, err := OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return New(db), nil
	case "", "standalone":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("standalone mode requires a sqlite path")
		}
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return New(db), nil
	default:
		return nil, fmt.Errorf("unknown database mode %q", cfg.Mode)
	}
}
