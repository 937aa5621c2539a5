package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Document is a target API document under construction.
// Setters omit blank values so the API never receives "", "null" or {}.
type Document map[string]any

// Set stores v under key unless it is blank. Strings are trimmed.
func (d Document) Set(key string, v any) Document {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	if IsBlank(v) {
		return d
	}
	d[key] = v
	return d
}

// SetRef stores {"value": id} unless id is empty.
func (d Document) SetRef(key, id string) Document {
	if IsBlankString(id) {
		return d
	}
	d[key] = map[string]any{"value": id}
	return d
}

// CopyString copies a text column.
func (d Document) CopyString(key string, src Row, col string) Document {
	if v, ok := src.String(col); ok {
		d[key] = v
	}
	return d
}

// CopyAmount copies an amount column as an exact JSON number.
func (d Document) CopyAmount(key string, src Row, col string) Document {
	if v, ok := src.Decimal(col); ok {
		d[key] = amount(v)
	}
	return d
}

// CopyBool copies a boolean column.
func (d Document) CopyBool(key string, src Row, col string) Document {
	if v, ok := src.Bool(col); ok {
		d[key] = v
	}
	return d
}

// CopyDate copies a date column as YYYY-MM-DD.
func (d Document) CopyDate(key string, src Row, col string) Document {
	if v, ok := src.Date(col); ok {
		d[key] = v
	}
	return d
}

// Marshal cleans the document and encodes it.
func (d Document) Marshal() ([]byte, error) {
	cleaned, _ := Clean(map[string]any(d)).(map[string]any)
	if cleaned == nil {
		cleaned = map[string]any{}
	}
	return json.Marshal(cleaned)
}

// Clean recursively drops blank values, empty maps and empty slices.
// It returns nil when nothing is left.
func Clean(v any) any {
	switch x := v.(type) {
	case Document:
		return Clean(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if c := Clean(val); c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []Document:
		items := make([]any, len(x))
		for i := range x {
			items[i] = x[i]
		}
		return Clean(items)
	case []any:
		out := make([]any, 0, len(x))
		for _, val := range x {
			if c := Clean(val); c != nil {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		if IsBlankString(x) {
			return nil
		}
		return strings.TrimSpace(x)
	default:
		if IsBlank(v) {
			return nil
		}
		return v
	}
}

// amount renders a decimal as a JSON number without float rounding.
func amount(v decimal.Decimal) json.Number {
	return json.Number(v.String())
}

// Amount converts a decimal for use in Document.Set.
func Amount(v decimal.Decimal) json.Number {
	return amount(v)
}

// RefLookup resolves a source id of an entity to its target.
type RefLookup interface {
	Resolve(entity, sourceID string) (TargetRef, bool)
}

// BuildInput is everything a BuildFunc may read.
type BuildInput struct {
	Record MappingRecord
	Source Row
	Lines  []Row
	Refs   RefLookup
}

// Mapped returns a resolved header reference stored on the record.
func (in BuildInput) Mapped(name string) (string, bool) {
	v, ok := in.Record.MappedRefs[RefColumn(name)]
	if !ok || v == nil || *v == "" {
		return "", false
	}
	return *v, true
}

// DocNumber returns the resolved duplicate key, falling back to the raw number.
func (in BuildInput) DocNumber() (string, bool) {
	if k := in.Record.DuplicateKey; k != nil && !IsBlankString(*k) {
		return *k, true
	}
	if n := in.Record.DocNumber; n != nil && !IsBlankString(*n) {
		return *n, true
	}
	return "", false
}

// RequireRef resolves a mandatory line-level reference. A non-empty skip
// reason is returned when it is unmapped or mapped to an inactive target.
func (in BuildInput) RequireRef(entity, sourceID, what string) (id string, skip string) {
	if IsBlankString(sourceID) {
		return "", fmt.Sprintf("missing %s", what)
	}
	if in.Refs == nil {
		return "", fmt.Sprintf("unmapped %s %s", what, sourceID)
	}
	ref, ok := in.Refs.Resolve(entity, sourceID)
	if !ok {
		return "", fmt.Sprintf("unmapped %s %s", what, sourceID)
	}
	if ref.Inactive {
		return "", fmt.Sprintf("%s %s maps to inactive target %s", what, sourceID, ref.ID)
	}
	return ref.ID, ""
}

// OptionalRef resolves a reference that is omitted when unmapped.
func (in BuildInput) OptionalRef(entity, sourceID string) string {
	if IsBlankString(sourceID) || in.Refs == nil {
		return ""
	}
	ref, ok := in.Refs.Resolve(entity, sourceID)
	if !ok || ref.Inactive {
		return ""
	}
	return ref.ID
}

// BuildResult is either a document or a skip reason.
type BuildResult struct {
	Document Document
	Skip     string
	// Inactive marks records created inactive so dependents refuse them.
	Inactive bool
}

// Built wraps a finished document.
func Built(doc Document) BuildResult {
	return BuildResult{Document: doc}
}

// Skipf returns a skip result with a formatted reason.
func Skipf(format string, args ...any) BuildResult {
	return BuildResult{Skip: fmt.Sprintf(format, args...)}
}

// Skipped reports whether the record could not be built.
func (r BuildResult) Skipped() bool {
	return r.Skip != ""
}
