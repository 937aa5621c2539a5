package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

// EnsureTable creates the mapping table and adds any missing reference columns.
func (s *Store) EnsureTable(ctx context.Context, def *core.EntityDefinition) error {
	name := core.MappingTable(def.Name)
	t := store.Quote(name)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id       TEXT NOT NULL UNIQUE,
			target_id       TEXT,
			status          TEXT NOT NULL DEFAULT 'Ready',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			failure_reason  TEXT,
			payload         TEXT,
			duplicate_key   TEXT,
			doc_number      TEXT,
			source_row      TEXT,
			target_inactive INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL
		)`,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, seq)", store.Quote(name+"_status_idx"), t),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s: %w", name, err)
		}
	}

	existing, err := s.columns(ctx, name)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", name, err)
	}
	for _, col := range def.RefColumns() {
		if existing[col] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", t, store.Quote(col))); err != nil {
			return fmt.Errorf("ensure %s: add %s: %w", name, col, err)
		}
	}
	s.refs.Put(def)
	return nil
}

func (s *Store) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?1)", table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Initialize inserts rows for unseen source ids in the given order.
func (s *Store) Initialize(ctx context.Context, def *core.EntityDefinition, rows []core.SourceRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table(def.Name)+`
			(source_id, doc_number, source_row, updated_at) VALUES (?1, ?2, ?3, ?4)
			ON CONFLICT (source_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		now := formatTime(s.now())
		for _, r := range rows {
			res, err := stmt.ExecContext(ctx, r.SourceID, r.DocNumber, string(r.Row), now)
			if err != nil {
				return fmt.Errorf("insert %s: %w", r.SourceID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
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
	return s.count(ctx, "SELECT count(*) FROM "+s.table(entity)+" WHERE status = ?1 AND payload IS NULL",
		string(core.StatusReady))
}

// FetchEligible returns rows matching q in seq order.
func (s *Store) FetchEligible(ctx context.Context, entity string, q core.EligibleQuery) ([]core.MappingRecord, error) {
	refCols := s.refs.Get(entity)
	query, args := store.EligibleSQL(s.table(entity), refCols, q, store.Question)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []core.MappingRecord
	for rows.Next() {
		rec, err := scanRecord(rows, refCols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanRecord scans one row selected with store.SelectList(refCols).
func scanRecord(rows *sql.Rows, refCols []string) (core.MappingRecord, error) {
	var (
		rec       core.MappingRecord
		status    string
		payload   *string
		sourceRow *string
		updatedAt string
		refs      = make([]*string, len(refCols))
	)
	dest := []any{
		&rec.Seq, &rec.SourceID, &rec.TargetID, &status, &rec.RetryCount,
		&rec.FailureReason, &payload, &rec.DuplicateKey, &rec.DocNumber,
		&sourceRow, &rec.TargetInactive, &updatedAt,
	}
	for i := range refs {
		dest = append(dest, &refs[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return core.MappingRecord{}, fmt.Errorf("scan mapping row: %w", err)
	}

	rec.Status = core.Status(status)
	if payload != nil {
		rec.Payload = json.RawMessage(*payload)
	}
	if sourceRow != nil {
		rec.SourceRow = json.RawMessage(*sourceRow)
	}
	rec.UpdatedAt = parseTime(updatedAt)
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
	query, args := store.UpdateStatusSQL(s.table(entity), u, formatTime(s.now()), store.Question)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status %s/%s: %w", entity, u.SourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status %s/%s: no such row", entity, u.SourceID)
	}
	return nil
}

// SetReferences writes the mapped_* columns of many rows in one transaction.
func (s *Store) SetReferences(ctx context.Context, def *core.EntityDefinition, refs map[string]map[string]*string) error {
	cols := def.RefColumns()
	if len(refs) == 0 || len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = ?%d", store.Quote(c), i+1)
	}
	query := fmt.Sprintf("UPDATE %s SET %s, updated_at = ?%d WHERE source_id = ?%d",
		s.table(def.Name), strings.Join(sets, ", "), len(cols)+1, len(cols)+2)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		now := formatTime(s.now())
		for id, vals := range refs {
			args := make([]any, 0, len(cols)+2)
			for _, c := range cols {
				args = append(args, vals[c])
			}
			args = append(args, now, id)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("update references of %s: %w", id, err)
			}
		}
		return nil
	})
}

// LoadTargets returns the target of every migrated row.
func (s *Store) LoadTargets(ctx context.Context, entity string) (map[string]core.TargetRef, error) {
	out := make(map[string]core.TargetRef)
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, target_id, target_inactive FROM `+s.table(entity)+`
		WHERE status IN (?1, ?2) AND target_id IS NOT NULL`,
		string(core.StatusSuccess), string(core.StatusExists))
	if err != nil {
		if isUndefinedTable(err) {
			return out, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var ref core.TargetRef
		if err := rows.Scan(&id, &ref.ID, &ref.Inactive); err != nil {
			return nil, err
		}
		out[id] = ref
	}
	return out, rows.Err()
}

// DocNumbers returns the duplicate-key view of every row in seq order.
func (s *Store) DocNumbers(ctx context.Context, entity string) ([]core.DocNumberRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, source_id, doc_number, duplicate_key, status, payload IS NOT NULL
		FROM `+s.table(entity)+` ORDER BY seq`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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
		if err := s.collectDocNumbers(ctx, e, used); err != nil {
			return nil, fmt.Errorf("doc numbers of %s: %w", e, err)
		}
	}
	return used, nil
}

func (s *Store) collectDocNumbers(ctx context.Context, entity string, used map[string]struct{}) error {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_number, duplicate_key FROM `+s.table(entity)+`
		WHERE doc_number IS NOT NULL OR duplicate_key IS NOT NULL`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil
		}
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var num, key *string
		if err := rows.Scan(&num, &key); err != nil {
			return err
		}
		if num != nil {
			used[*num] = struct{}{}
		}
		if key != nil {
			used[*key] = struct{}{}
		}
	}
	return rows.Err()
}

// ApplyDuplicateKeys stages every assignment in a temp table and applies
// them in one update.
func (s *Store) ApplyDuplicateKeys(ctx context.Context, entity string, keys map[string]string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS stage_keys (
			source_id     TEXT PRIMARY KEY,
			duplicate_key TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("stage duplicate keys: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM temp.stage_keys`); err != nil {
			return fmt.Errorf("stage duplicate keys: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO temp.stage_keys (source_id, duplicate_key) VALUES (?1, ?2)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for id, key := range keys {
			if _, err := stmt.ExecContext(ctx, id, key); err != nil {
				return fmt.Errorf("stage duplicate key of %s: %w", id, err)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE `+s.table(entity)+` AS m
			SET duplicate_key = k.duplicate_key, updated_at = ?1
			FROM temp.stage_keys AS k WHERE m.source_id = k.source_id`, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("apply duplicate keys: %w", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM temp.stage_keys`)
		return err
	})
}

// SavePayloads stores built payloads for many rows in one transaction.
func (s *Store) SavePayloads(ctx context.Context, entity string, updates []core.PayloadUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE `+s.table(entity)+`
			SET payload = ?1, target_inactive = ?2, updated_at = ?3 WHERE source_id = ?4`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		now := formatTime(s.now())
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, string(u.Payload), u.Inactive, now, u.SourceID); err != nil {
				return fmt.Errorf("save payload of %s: %w", u.SourceID, err)
			}
		}
		return nil
	})
}

// Summary counts rows by status.
func (s *Store) Summary(ctx context.Context, entity string) (core.Summary, error) {
	sum := core.Summary{Entity: entity, Counts: make(map[core.Status]int64)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*),
		sum(CASE WHEN status = ?1 AND payload IS NULL THEN 1 ELSE 0 END)
		FROM `+s.table(entity)+` GROUP BY status`, string(core.StatusReady))
	if err != nil {
		if isUndefinedTable(err) {
			return sum, nil
		}
		return sum, err
	}
	defer func() { _ = rows.Close() }()

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
	return sum, rows.Err()
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
	query, args := store.RequeueSQL(s.table(entity), s.refs.Get(entity), statuses, formatTime(s.now()), store.Question)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return res.RowsAffected()
}

// Reset drops the mapping table.
func (s *Store) Reset(ctx context.Context, entity string) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table(entity))
	return err
}
