package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// lineChunk bounds the parent ids bound in one ReadLines query.
const lineChunk = 1000

func (s *Store) sourceTable(table string) string {
	return pgx.Identifier{s.sourceSchema, table}.Sanitize()
}

// sourceCount returns the row count of a source table. A table that was
// never extracted counts as empty.
func (s *Store) sourceCount(ctx context.Context, table string) (int64, error) {
	return s.count(ctx, "SELECT count(*) FROM "+s.sourceTable(table))
}

// ReadRows returns every source row ordered by sortColumn.
func (s *Store) ReadRows(ctx context.Context, table, sortColumn string) ([]core.Row, error) {
	query := "SELECT * FROM " + s.sourceTable(table)
	if sortColumn != "" {
		query += " ORDER BY " + pgx.Identifier{sortColumn}.Sanitize()
	}
	return s.queryRows(ctx, query)
}

// ReadLines returns line rows keyed by the text of their parent id.
func (s *Store) ReadLines(ctx context.Context, table, parentColumn string, parentIDs []string) (map[string][]core.Row, error) {
	out := make(map[string][]core.Row)
	parent := pgx.Identifier{parentColumn}.Sanitize()
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = ANY($1) ORDER BY %s",
		s.sourceTable(table), parent, parent)

	for start := 0; start < len(parentIDs); start += lineChunk {
		end := min(start+lineChunk, len(parentIDs))
		rows, err := s.queryRows(ctx, query, parentIDs[start:end])
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []core.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read source row: %w", err)
		}
		row := make(core.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// normalize converts driver values to the scalar types core.Row handles.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case driver.Valuer:
		if dv, err := x.Value(); err == nil {
			return normalize(dv)
		}
	}
	return v
}

// sourceReader adapts Store to core.SourceReader, whose Count reads source
// tables rather than mapping tables.
type sourceReader struct{ *Store }

// Count returns the row count of a source table.
func (r sourceReader) Count(ctx context.Context, table string) (int64, error) {
	return r.sourceCount(ctx, table)
}

// Source returns the reader over the source schema.
func (s *Store) Source() core.SourceReader {
	return sourceReader{s}
}

// LoadSource replaces a source table with the given rows. Every column is
// TEXT; builders coerce values when they read them.
func (s *Store) LoadSource(ctx context.Context, table string, cols []string, rows [][]any) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	t := s.sourceTable(table)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		stmts := []string{
			"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.sourceSchema}.Sanitize(),
			"DROP TABLE IF EXISTS " + t,
			fmt.Sprintf("CREATE TABLE %s (%s)", t, strings.Join(defs, ", ")),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("prepare source %s: %w", table, err)
			}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{s.sourceSchema, table}, cols,
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				vals := make([]any, len(cols))
				for j := range cols {
					if j < len(rows[i]) && rows[i][j] != nil {
						vals[j] = core.Text(rows[i][j])
					}
				}
				return vals, nil
			}))
		if err != nil {
			return fmt.Errorf("copy source %s: %w", table, err)
		}
		return nil
	})
}
