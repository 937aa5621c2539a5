package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

// EnsureTable creates the mapping table and adds any missing reference columns.
func (s *Store) EnsureTable(ctx context.Context, def *core.EntityDefinition) error {
	t := s.table(def.Name)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			seq             BIGSERIAL PRIMARY KEY,
			source_id       TEXT NOT NULL UNIQUE,
			target_id       TEXT,
			status          TEXT NOT NULL DEFAULT 'Ready',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			failure_reason  TEXT,
			payload         JSONB,
			duplicate_key   TEXT,
			doc_number      TEXT,
			source_row      JSONB,
			target_inactive BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, seq)",
			pgx.Identifier{core.MappingTable(def.Name) + "_status_idx"}.Sanitize(), t),
	}
	for _, col := range def.RefColumns() {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT",
			t, pgx.Identifier{col}.Sanitize()))
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s: %w", core.MappingTable(def.Name), err)
		}
	}
	s.refs.Put(def)
	return nil
}

// Initialize inserts rows for unseen source ids in the given order.
func (s *Store) Initialize(ctx context.Context, def *core.EntityDefinition, rows []core.SourceRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := stage(ctx, tx, "stage_init",
			[]string{"ord", "source_id", "doc_number", "source_row"},
			[]string{"BIGINT", "TEXT", "TEXT", "TEXT"},
			len(rows), func(i int) []any {
				return []any{int64(i), rows[i].SourceID, rows[i].DocNumber, string(rows[i].Row)}
			})
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO `+s.table(def.Name)+` (source_id, doc_number, source_row)
			SELECT source_id, doc_number, source_row::jsonb FROM stage_init ORDER BY ord
			ON CONFLICT (source_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		inserted = tag.RowsAffected()
		return nil
	})
	return int(inserted), err
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	if isUndefinedTable(err) {
		return 0, nil
	}
	return n, err
}

// Count returns the number of mapping rows.
func (s *Store) Count(ctx context.Context, entity string) (int64, error) {
	return s.count(ctx, "SELECT count(*) FROM "+s.table(entity))
}

// CountMissingPayload counts Ready rows without a payload.
func (s *Store) CountMissingPayload(ctx context.Context, entity string) (int64, error) {
	return s.count(ctx, "SELECT count(*) FROM "+s.table(entity)+" WHERE status = $1 AND payload IS NULL",
		string(core.StatusReady))
}

// FetchEligible returns rows matching q in seq order.
func (s *Store) FetchEligible(ctx context.Context, entity string, q core.EligibleQuery) ([]core.MappingRecord, error) {
	refCols := s.refs.Get(entity)
	query, args := store.EligibleSQL(s.table(entity), refCols, q, store.Dollar)
	return s.queryRecords(ctx, refCols, query, args...)
}

func (s *Store) queryRecords(ctx context.Context, refCols []string, query string, args ...any) ([]core.MappingRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []core.MappingRecord
	for rows.Next() {
		rec, err := scanRecord(rows, refCols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// scanRecord scans one row selected with store.SelectList(refCols).
func scanRecord(row pgx.Row, refCols []string) (core.MappingRecord, error) {
	var (
		rec       core.MappingRecord
		status    string
		payload   []byte
		sourceRow []byte
		refs      = make([]*string, len(refCols))
	)
	dest := []any{
		&rec.Seq, &rec.SourceID, &rec.TargetID, &status, &rec.RetryCount,
		&rec.FailureReason, &payload, &rec.DuplicateKey, &rec.DocNumber,
		&sourceRow, &rec.TargetInactive, &rec.UpdatedAt,
	}
	for i := range refs {
		dest = append(dest, &refs[i])
	}
	if err := row.Scan(dest...); err != nil {
		return core.MappingRecord{}, fmt.Errorf("scan mapping row: %w", err)
	}

	rec.Status = core.Status(status)
	if payload != nil {
		rec.Payload = json.RawMessage(payload)
	}
	rec.SourceRow = json.RawMessage(sourceRow)
	rec.MappedRefs = make(map[string]*string, len(refCols))
	for i, col := range refCols {
		rec.MappedRefs[col] = refs[i]
	}
	return rec, nil
}

// UpdateStatus applies one partial update.
func (s *Store) UpdateStatus(ctx context.Context, entity string, u core.StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	query, args := store.UpdateStatusSQL(s.table(entity), u, s.now(), store.Dollar)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status %s/%s: %w", entity, u.SourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update status %s/%s: no such row", entity, u.SourceID)
	}
	return nil
}

// SetReferences writes the mapped_* columns of many rows in one statement.
func (s *Store) SetReferences(ctx context.Context, def *core.EntityDefinition, refs map[string]map[string]*string) error {
	cols := def.RefColumns()
	if len(refs) == 0 || len(cols) == 0 {
		return nil
	}
	ids := sortedKeys(refs)

	stageCols := append([]string{"source_id"}, cols...)
	types := make([]string, len(stageCols))
	for i := range types {
		types[i] = "TEXT"
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		q := pgx.Identifier{c}.Sanitize()
		sets[i] = q + " = s." + q
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := stage(ctx, tx, "stage_refs", stageCols, types, len(ids), func(i int) []any {
			vals := []any{ids[i]}
			for _, c := range cols {
				vals = append(vals, refs[ids[i]][c])
			}
			return vals
		})
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s m SET %s, updated_at = now()
			FROM stage_refs s WHERE m.source_id = s.source_id`,
			s.table(def.Name), strings.Join(sets, ", ")))
		if err != nil {
			return fmt.Errorf("update references: %w", err)
		}
		return nil
	})
}

// LoadTargets returns the target of every migrated row.
func (s *Store) LoadTargets(ctx context.Context, entity string) (map[string]core.TargetRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_id, target_id, target_inactive FROM `+s.table(entity)+`
		WHERE status IN ($1, $2) AND target_id IS NOT NULL`,
		string(core.StatusSuccess), string(core.StatusExists))
	if err != nil {
		if isUndefinedTable(err) {
			return map[string]core.TargetRef{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]core.TargetRef)
	for rows.Next() {
		var id string
		var ref core.TargetRef
		if err := rows.Scan(&id, &ref.ID, &ref.Inactive); err != nil {
			return nil, err
		}
		out[id] = ref
	}
	if err := rows.Err(); err != nil && !isUndefinedTable(err) {
		return nil, err
	}
	return out, nil
}

// DocNumbers returns the duplicate-key view of every row in seq order.
func (s *Store) DocNumbers(ctx context.Context, entity string) ([]core.DocNumberRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, source_id, doc_number, duplicate_key, status, payload IS NOT NULL
		FROM `+s.table(entity)+` ORDER BY seq`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []core.DocNumberRow
	for rows.Next() {
		var r core.DocNumberRow
		var status string
		if err := rows.Scan(&r.Seq, &r.SourceID, &r.DocNumber, &r.DuplicateKey, &status, &r.HasPayload); err != nil {
			return nil, err
		}
		r.Status = core.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsedDocNumbers collects raw numbers and assigned keys across entities.
func (s *Store) UsedDocNumbers(ctx context.Context, entities []string) (map[string]struct{}, error) {
	used := make(map[string]struct{})
	for _, e := range entities {
		rows, err := s.pool.Query(ctx, `SELECT doc_number, duplicate_key FROM `+s.table(e)+`
			WHERE doc_number IS NOT NULL OR duplicate_key IS NOT NULL`)
		if err != nil {
			if isUndefinedTable(err) {
				continue
			}
			return nil, fmt.Errorf("doc numbers of %s: %w", e, err)
		}
		for rows.Next() {
			var num, key *string
			if err := rows.Scan(&num, &key); err != nil {
				rows.Close()
				return nil, err
			}
			if num != nil {
				used[*num] = struct{}{}
			}
			if key != nil {
				used[*key] = struct{}{}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil && !isUndefinedTable(err) {
			return nil, err
		}
	}
	return used, nil
}

// ApplyDuplicateKeys stages every assignment and applies them in one update.
func (s *Store) ApplyDuplicateKeys(ctx context.Context, entity string, keys map[string]string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := sortedKeys(keys)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := stage(ctx, tx, "stage_keys",
			[]string{"source_id", "duplicate_key"},
			[]string{"TEXT", "TEXT"},
			len(ids), func(i int) []any {
				return []any{ids[i], keys[ids[i]]}
			})
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE `+s.table(entity)+` m SET duplicate_key = s.duplicate_key, updated_at = now()
			FROM stage_keys s WHERE m.source_id = s.source_id`)
		if err != nil {
			return fmt.Errorf("apply duplicate keys: %w", err)
		}
		return nil
	})
}

// SavePayloads stores built payloads for many rows in one statement.
func (s *Store) SavePayloads(ctx context.Context, entity string, updates []core.PayloadUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := stage(ctx, tx, "stage_payloads",
			[]string{"source_id", "payload", "inactive"},
			[]string{"TEXT", "TEXT", "BOOLEAN"},
			len(updates), func(i int) []any {
				return []any{updates[i].SourceID, string(updates[i].Payload), updates[i].Inactive}
			})
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE `+s.table(entity)+` m
			SET payload = s.payload::jsonb, target_inactive = s.inactive, updated_at = now()
			FROM stage_payloads s WHERE m.source_id = s.source_id`)
		if err != nil {
			return fmt.Errorf("save payloads: %w", err)
		}
		return nil
	})
}

// Summary counts rows by status.
func (s *Store) Summary(ctx context.Context, entity string) (core.Summary, error) {
	sum := core.Summary{Entity: entity, Counts: make(map[core.Status]int64)}
	rows, err := s.pool.Query(ctx, `SELECT status, count(*), count(*) FILTER (WHERE status = $1 AND payload IS NULL)
		FROM `+s.table(entity)+` GROUP BY status`, string(core.StatusReady))
	if err != nil {
		if isUndefinedTable(err) {
			return sum, nil
		}
		return sum, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n, missing int64
		if err := rows.Scan(&status, &n, &missing); err != nil {
			return sum, err
		}
		sum.Counts[core.Status(status)] = n
		sum.Total += n
		sum.MissingPayload += missing
	}
	if err := rows.Err(); err != nil && !isUndefinedTable(err) {
		return sum, err
	}
	return sum, nil
}

// Failures returns Failed and Skipped rows in seq order.
func (s *Store) Failures(ctx context.Context, entity string, limit int) ([]core.MappingRecord, error) {
	return s.FetchEligible(ctx, entity, core.EligibleQuery{
		Statuses: []core.Status{core.StatusFailed, core.StatusSkipped},
		Limit:    limit,
	})
}

// Requeue resets rows in the given non-terminal statuses to Ready.
func (s *Store) Requeue(ctx context.Context, entity string, statuses []core.Status) (int64, error) {
	if len(store.Requeueable(statuses)) == 0 {
		return 0, nil
	}
	query, args := store.RequeueSQL(s.table(entity), s.refs.Get(entity), statuses, s.now(), store.Dollar)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops the mapping table.
func (s *Store) Reset(ctx context.Context, entity string) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table(entity))
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
