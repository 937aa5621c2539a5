package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/store"
)

// lineChunk bounds the parent ids bound in one ReadLines query.
const lineChunk = 500

func (s *Store) sourceTable(table string) string {
	if s.hasSource {
		return "source." + store.Quote(table)
	}
	return store.Quote(table)
}

// sourceReader adapts Store to core.SourceReader, whose Count reads source
// tables rather than mapping tables.
type sourceReader struct{ *Store }

// Source returns the reader over the source tables.
func (s *Store) Source() core.SourceReader {
	return sourceReader{s}
}

// Count returns the row count of a source table. A table that was never
// extracted counts as empty.
func (r sourceReader) Count(ctx context.Context, table string) (int64, error) {
	return r.count(ctx, "SELECT count(*) FROM "+r.sourceTable(table))
}

// ReadRows returns every source row ordered by sortColumn.
func (r sourceReader) ReadRows(ctx context.Context, table, sortColumn string) ([]core.Row, error) {
	query := "SELECT * FROM " + r.sourceTable(table)
	if sortColumn != "" {
		query += " ORDER BY " + store.Quote(sortColumn)
	}
	return r.queryRows(ctx, query)
}

// ReadLines returns line rows keyed by the text of their parent id.
func (r sourceReader) ReadLines(ctx context.Context, table, parentColumn string, parentIDs []string) (map[string][]core.Row, error) {
	out := make(map[string][]core.Row)
	parent := store.Quote(parentColumn)

	for start := 0; start < len(parentIDs); start += lineChunk {
		chunk := parentIDs[start:min(start+lineChunk, len(parentIDs))]
		args := store.NewArgs(store.Question)
		query := fmt.Sprintf("SELECT * FROM %s WHERE CAST(%s AS TEXT) IN %s ORDER BY %s",
			r.sourceTable(table), parent, args.In(chunk), parent)
		rows, err := r.queryRows(ctx, query, args.Values()...)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id := core.Text(row.Value(parentColumn))
			out[id] = append(out[id], row)
		}
	}
	return out, nil
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]core.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []core.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read source row: %w", err)
		}
		row := make(core.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = string(b)
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadSource creates a source table from column names and rows, replacing
// any existing table. Values are stored with SQLite's dynamic typing.
func (s *Store) LoadSource(ctx context.Context, table string, cols []string, rows [][]any) error {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = store.Quote(c)
	}
	t := s.sourceTable(table)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", t, strings.Join(quoted, ", "))); err != nil {
			return err
		}
		ph := make([]string, len(cols))
		for i := range cols {
			ph[i] = store.Question(i + 1)
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t, strings.Join(quoted, ", "), strings.Join(ph, ", "))
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for i, r := range rows {
			if _, err := stmt.ExecContext(ctx, r...); err != nil {
				return fmt.Errorf("insert row %d: %w", i+1, err)
			}
		}
		return nil
	})
}
