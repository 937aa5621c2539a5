package core

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// SourceLoader replaces one source table with extracted rows.
type SourceLoader interface {
	LoadSource(ctx context.Context, table string, cols []string, rows [][]any) error
}

// MaxExtractSize is the largest CSV extract accepted (512MB).
var MaxExtractSize int64 = 512 << 20

// MaxHeaderSearchRows is how many leading rows are scanned for the header.
var MaxHeaderSearchRows = 20

// ContextCheckInterval is how often, in rows, a load checks for cancellation.
var ContextCheckInterval = 1000

// ErrUnknownSourceTable is returned for an extract no entity reads.
var ErrUnknownSourceTable = errors.New("no entity reads this source table")

// ExtractResult describes one loaded extract.
type ExtractResult struct {
	Table    string        `json:"table"`
	File     string        `json:"file,omitempty"`
	Columns  int           `json:"columns"`
	Rows     int           `json:"rows"`
	Blank    int           `json:"blank"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// SourceTables maps every source and line table read by a registered
// entity to the column its header must contain.
func SourceTables() map[string]string {
	out := make(map[string]string)
	for _, def := range All() {
		out[def.SourceTable] = def.IDColumn
		if def.LineTable != "" {
			out[def.LineTable] = def.LineParentColumn
		}
	}
	return out
}

func resolveSourceTable(name string) (table, key string, err error) {
	tables := SourceTables()
	if key, ok := tables[name]; ok {
		return name, key, nil
	}
	for t, key := range tables {
		if equalFold(t, name) {
			return t, key, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownSourceTable, name)
}

// LoadExtract reads one CSV extract and replaces table with its rows. The
// header is the first of the leading rows holding the table's key column;
// empty cells load as NULL.
func LoadExtract(ctx context.Context, loader SourceLoader, table string, r io.Reader) (ExtractResult, error) {
	start := time.Now()
	table, key, err := resolveSourceTable(table)
	if err != nil {
		return ExtractResult{}, err
	}
	res := ExtractResult{Table: table}

	counter := &countingReader{r: io.LimitReader(r, MaxExtractSize+1)}
	cr := csv.NewReader(skipBOM(counter))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	cols, err := readHeader(cr, key)
	if err != nil {
		return res, fmt.Errorf("%s: %w", table, err)
	}
	res.Columns = len(cols)

	var rows [][]any
	for line := 1; ; line++ {
		if line%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if counter.n > MaxExtractSize {
				break
			}
			return res, fmt.Errorf("%s: %w", table, err)
		}
		if isEmptyRecord(rec) {
			res.Blank++
			continue
		}
		rows = append(rows, recordValues(rec, len(cols)))
	}
	if counter.n > MaxExtractSize {
		return res, fmt.Errorf("%s: extract exceeds %d bytes", table, MaxExtractSize)
	}

	if err := loader.LoadSource(ctx, table, cols, rows); err != nil {
		return res, fmt.Errorf("load %s: %w", table, err)
	}
	res.Rows = len(rows)
	res.Bytes = counter.n
	res.Duration = time.Since(start)
	return res, nil
}

// LoadExtractFile loads the CSV at path into the table named by the file's
// base name (Invoice.csv loads Invoice).
func LoadExtractFile(ctx context.Context, loader SourceLoader, path string) (ExtractResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ExtractResult{}, err
	}
	defer func() { _ = f.Close() }()

	table := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res, err := LoadExtract(ctx, loader, table, f)
	res.File = path
	return res, err
}

// LoadExtractDir loads every CSV in dir whose name matches a source table.
// Other files are logged and skipped.
func LoadExtractDir(ctx context.Context, loader SourceLoader, dir string) ([]ExtractResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var out []ExtractResult
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := LoadExtractFile(ctx, loader, path)
		if errors.Is(err, ErrUnknownSourceTable) {
			slog.Warn("skipping extract", "file", path, "error", err)
			continue
		}
		if err != nil {
			return out, err
		}
		slog.Info("loaded extract", "table", res.Table, "file", path, "rows", res.Rows, "duration", res.Duration)
		out = append(out, res)
	}
	return out, nil
}

func readHeader(cr *csv.Reader, key string) ([]string, error) {
	for i := 0; i < MaxHeaderSearchRows; i++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cols := make([]string, len(rec))
		found := false
		for j, c := range rec {
			cols[j] = CleanCell(strings.ToValidUTF8(c, "\uFFFD"))
			if strings.EqualFold(cols[j], key) {
				found = true
			}
		}
		if !found {
			continue
		}
		for len(cols) > 0 && cols[len(cols)-1] == "" {
			cols = cols[:len(cols)-1]
		}
		return cols, checkColumns(cols)
	}
	return nil, fmt.Errorf("no header with column %q in the first %d rows", key, MaxHeaderSearchRows)
}

func checkColumns(cols []string) error {
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		if c == "" {
			return fmt.Errorf("header column %d is empty", i+1)
		}
		lc := strings.ToLower(c)
		if seen[lc] {
			return fmt.Errorf("duplicate header column %q", c)
		}
		seen[lc] = true
	}
	return nil
}

// recordValues pads or truncates rec to n values. Blank cells become nil.
func recordValues(rec []string, n int) []any {
	vals := make([]any, n)
	for i := 0; i < n && i < len(rec); i++ {
		v := strings.TrimSpace(rec[i])
		if v == "" {
			continue
		}
		if !utf8.ValidString(v) {
			v = strings.ToValidUTF8(v, "\uFFFD")
		}
		vals[i] = v
	}
	return vals
}

func isEmptyRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
