package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

func timestamptz(t time.Time) any {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// RecordRun inserts or replaces one run history row.
func (s *Store) RecordRun(ctx context.Context, run core.RunRecord) error {
	args := store.RunArgs(run, timestamptz)
	ph := make([]string, len(args))
	updates := make([]string, 0, len(store.RunColumns)-1)
	for i := range args {
		ph[i] = store.Dollar(i + 1)
	}
	for _, c := range store.RunColumns[1:] {
		updates = append(updates, c+" = EXCLUDED."+c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (run_id) DO UPDATE SET %s",
		s.shared(store.RunsTable),
		strings.Join(store.RunColumns, ", "),
		strings.Join(ph, ", "),
		strings.Join(updates, ", "))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// RunHistory returns the newest runs first, optionally for one entity.
func (s *Store) RunHistory(ctx context.Context, entity string, limit int) ([]core.RunRecord, error) {
	args := store.NewArgs(store.Dollar)
	query := "SELECT " + strings.Join(store.RunColumns, ", ") + " FROM " + s.shared(store.RunsTable)
	if entity != "" {
		query += " WHERE entity = " + args.Add(entity)
	}
	query += " ORDER BY started_at DESC, run_id"
	if limit > 0 {
		query += " LIMIT " + args.Add(limit)
	}

	rows, err := s.pool.Query(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var out []core.RunRecord
	for rows.Next() {
		var r core.RunRecord
		var finished pgtype.Timestamptz
		if err := rows.Scan(&r.RunID, &r.Entity, &r.StartedAt, &finished, &r.Outcome,
			&r.Posted, &r.Succeeded, &r.Existing, &r.Failed, &r.Skipped, &r.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadToken returns the stored token for key.
func (s *Store) LoadToken(ctx context.Context, key string) (auth.Token, error) {
	var (
		tok            auth.Token
		issued, expiry pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `SELECT access_token, refresh_token, realm_id, issued_at, expiry
		FROM `+s.shared(store.TokensTable)+` WHERE token_key = $1`, key).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.RealmID, &issued, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Token{}, auth.ErrNoToken
	}
	if err != nil {
		return auth.Token{}, fmt.Errorf("load token: %w", err)
	}
	if issued.Valid {
		tok.IssuedAt = issued.Time
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return tok, nil
}

// SaveToken upserts the token for key.
func (s *Store) SaveToken(ctx context.Context, key string, tok auth.Token) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.shared(store.TokensTable)+`
		(token_key, access_token, refresh_token, realm_id, issued_at, expiry, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (token_key) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			realm_id = EXCLUDED.realm_id,
			issued_at = EXCLUDED.issued_at,
			expiry = EXCLUDED.expiry,
			updated_at = now()`,
		key, tok.AccessToken, tok.RefreshToken, tok.RealmID, timestamptz(tok.IssuedAt), timestamptz(tok.Expiry))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
