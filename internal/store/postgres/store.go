// Package postgres implements the mapping store, source reader and token
// store on PostgreSQL through a pgx connection pool.
//
// Mapping tables live in their own schema. Bulk writes are staged with
// COPY into a transaction-scoped temp table and applied with a single
// UPDATE ... FROM, so a batch costs a constant number of round trips.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

var (
	_ core.MappingStore = (*Store)(nil)
	_ core.SourceReader = sourceReader{}
	_ auth.TokenStore   = (*Store)(nil)
)

// Options names the schemas used by a Store.
type Options struct {
	MappingSchema string
	SourceSchema  string
}

// Store is the PostgreSQL backend.
type Store struct {
	pool          *pgxpool.Pool
	mappingSchema string
	sourceSchema  string
	refs          store.RefCache
	now           func() time.Time
}

// Connect opens and verifies a connection pool configured from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// DatabaseName returns the database named in a connection URL, for logs.
func DatabaseName(dsn string) string {
	if u, err := url.Parse(dsn); err == nil {
		return strings.TrimPrefix(u.Path, "/")
	}
	return ""
}

// New creates a Store and makes sure the mapping schema and the shared
// run history and token tables exist.
func New(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Store, error) {
	if opts.MappingSchema == "" {
		opts.MappingSchema = "porter"
	}
	if opts.SourceSchema == "" {
		opts.SourceSchema = "source"
	}
	s := &Store{
		pool:          pool,
		mappingSchema: opts.MappingSchema,
		sourceSchema:  opts.SourceSchema,
		now:           time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.mappingSchema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.shared(store.RunsTable) + ` (
			run_id      TEXT PRIMARY KEY,
			entity      TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			outcome     TEXT NOT NULL,
			posted      INTEGER NOT NULL DEFAULT 0,
			succeeded   INTEGER NOT NULL DEFAULT 0,
			existing    INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			skipped     INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS migration_runs_entity_idx ON ` + s.shared(store.RunsTable) + ` (entity, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + s.shared(store.TokensTable) + ` (
			token_key     TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL,
			realm_id      TEXT NOT NULL DEFAULT '',
			issued_at     TIMESTAMPTZ,
			expiry        TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// shared returns the qualified name of a non-entity table.
func (s *Store) shared(table string) string {
	return pgx.Identifier{s.mappingSchema, table}.Sanitize()
}

// table returns the qualified mapping table of entity.
func (s *Store) table(entity string) string {
	return pgx.Identifier{s.mappingSchema, core.MappingTable(entity)}.Sanitize()
}

// isUndefinedTable reports whether err means the table or schema does not
// exist yet. Reads treat that as an empty table.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01" || pgErr.Code == "3F000"
	}
	return false
}

// stage creates a temp table dropped at commit and copies rows into it.
func stage(ctx context.Context, tx pgx.Tx, name string, cols, types []string, n int, row func(i int) []any) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " " + types[i]
	}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pgx.Identifier{name}.Sanitize(), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{name}, cols, pgx.CopyFromSlice(n, func(i int) ([]any, error) {
		return row(i), nil
	}))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", name, err)
	}
	if int(copied) != n {
		return fmt.Errorf("copy into %s: copied %d of %d rows", name, copied, n)
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
