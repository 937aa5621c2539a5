// Package sqlite implements the mapping store, source reader and token
// store on a single SQLite database file using the pure Go modernc driver.
// It backs local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

var (
	_ core.MappingStore = (*Store)(nil)
	_ core.SourceReader = sourceReader{}
	_ auth.TokenStore   = (*Store)(nil)
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options configures a Store.
type Options struct {
	// SourcePath attaches a separate database file holding the source
	// tables. When empty the source tables live in the main database.
	SourcePath string
}

// Store is the SQLite backend.
type Store struct {
	db        *sql.DB
	hasSource bool
	refs      store.RefCache
	now       func() time.Time
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		path = "ledgerport.db"
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: in-memory databases are per connection and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if opts.SourcePath != "" {
		if _, err := db.ExecContext(ctx, "ATTACH DATABASE ?1 AS source", opts.SourcePath); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attach source: %w", err)
		}
		s.hasSource = true
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for loading source tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + store.RunsTable + ` (
			run_id      TEXT PRIMARY KEY,
			entity      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			posted      INTEGER NOT NULL DEFAULT 0,
			succeeded   INTEGER NOT NULL DEFAULT 0,
			existing    INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			skipped     INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS migration_runs_entity_idx ON ` + store.RunsTable + ` (entity, started_at)`,
		`CREATE TABLE IF NOT EXISTS ` + store.TokensTable + ` (
			token_key     TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL,
			realm_id      TEXT NOT NULL DEFAULT '',
			issued_at     TEXT NOT NULL DEFAULT '',
			expiry        TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// table returns the quoted mapping table of entity.
func (s *Store) table(entity string) string {
	return store.Quote(core.MappingTable(entity))
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// isUndefinedTable reports whether err means the table does not exist yet.
func isUndefinedTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
