package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

// RecordRun inserts or replaces one run history row.
func (s *Store) RecordRun(ctx context.Context, run core.RunRecord) error {
	args := store.RunArgs(run, formatTime)
	ph := make([]string, len(args))
	for i := range args {
		ph[i] = store.Question(i + 1)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		store.RunsTable, strings.Join(store.RunColumns, ", "), strings.Join(ph, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// RunHistory returns the newest runs first, optionally for one entity.
func (s *Store) RunHistory(ctx context.Context, entity string, limit int) ([]core.RunRecord, error) {
	args := store.NewArgs(store.Question)
	query := "SELECT " + strings.Join(store.RunColumns, ", ") + " FROM " + store.RunsTable
	if entity != "" {
		query += " WHERE entity = " + args.Add(entity)
	}
	query += " ORDER BY started_at DESC, run_id"
	if limit > 0 {
		query += " LIMIT " + args.Add(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.RunRecord
	for rows.Next() {
		var r core.RunRecord
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Entity, &started, &finished, &r.Outcome,
			&r.Posted, &r.Succeeded, &r.Existing, &r.Failed, &r.Skipped, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadToken returns the stored token for key.
func (s *Store) LoadToken(ctx context.Context, key string) (auth.Token, error) {
	var tok auth.Token
	var issued, expiry string
	err := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, realm_id, issued_at, expiry
		FROM `+store.TokensTable+` WHERE token_key = ?1`, key).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.RealmID, &issued, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Token{}, auth.ErrNoToken
	}
	if err != nil {
		return auth.Token{}, fmt.Errorf("load token: %w", err)
	}
	tok.IssuedAt = parseTime(issued)
	tok.Expiry = parseTime(expiry)
	return tok, nil
}

// SaveToken upserts the token for key.
func (s *Store) SaveToken(ctx context.Context, key string, tok auth.Token) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+store.TokensTable+`
		(token_key, access_token, refresh_token, realm_id, issued_at, expiry, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
		ON CONFLICT (token_key) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			realm_id = excluded.realm_id,
			issued_at = excluded.issued_at,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`,
		key, tok.AccessToken, tok.RefreshToken, tok.RealmID,
		formatTime(tok.IssuedAt), formatTime(tok.Expiry), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
