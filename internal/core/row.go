package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one source row keyed by column name.
type Row map[string]any

// DecodeRow decodes a JSON row snapshot, keeping numbers exact.
func DecodeRow(b []byte) (Row, error) {
	row := Row{}
	if len(bytes.TrimSpace(b)) == 0 {
		return row, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode source row: %w", err)
	}
	return row, nil
}

// Value returns the column value, matching the name case-insensitively
// when there is no exact match.
func (r Row) Value(col string) any {
	if v, ok := r[col]; ok {
		return v
	}
	for k, v := range r {
		if strings.EqualFold(k, col) {
			return v
		}
	}
	return nil
}

// String returns the trimmed text of a column, or false when blank.
func (r Row) String(col string) (string, bool) {
	v := r.Value(col)
	if IsBlank(v) {
		return "", false
	}
	return strings.TrimSpace(Text(v)), true
}

// Decimal returns the column parsed as an amount.
func (r Row) Decimal(col string) (decimal.Decimal, bool) {
	switch v := r.Value(col).(type) {
	case nil:
		return decimal.Decimal{}, false
	case float64:
		return decimal.NewFromFloat(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case decimal.Decimal:
		return v, true
	default:
		return ParseDecimal(Text(v))
	}
}

// Bool returns the column parsed as a boolean.
func (r Row) Bool(col string) (bool, bool) {
	switch v := r.Value(col).(type) {
	case nil:
		return false, false
	case bool:
		return v, true
	default:
		return ParseBool(Text(v))
	}
}

// Date returns the column as a YYYY-MM-DD string.
func (r Row) Date(col string) (string, bool) {
	switch v := r.Value(col).(type) {
	case nil:
		return "", false
	case time.Time:
		return v.Format("2006-01-02"), true
	default:
		t, ok := ParseDate(Text(v))
		if !ok {
			return "", false
		}
		return t.Format("2006-01-02"), true
	}
}

// IsBlank reports whether v should be treated as absent.
func IsBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return IsBlankString(x)
	case []byte:
		return IsBlankString(string(x))
	case json.Number:
		return IsBlankString(x.String())
	case map[string]any:
		return len(x) == 0
	case Document:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}

// Text renders a scalar column value as a string.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case decimal.Decimal:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
