package core

import "context"

// MappingStore persists per-entity mapping tables.
// Implementations must make every mutation durable before returning.
type MappingStore interface {
	// EnsureTable creates the entity's mapping table and reference columns.
	EnsureTable(ctx context.Context, def *EntityDefinition) error
	// Initialize inserts rows for source ids not yet present and leaves
	// existing rows untouched. Rows are inserted in the given order.
	Initialize(ctx context.Context, def *EntityDefinition, rows []SourceRecord) (int, error)
	Count(ctx context.Context, entity string) (int64, error)
	// CountMissingPayload counts Ready rows without a payload.
	CountMissingPayload(ctx context.Context, entity string) (int64, error)
	FetchEligible(ctx context.Context, entity string, q EligibleQuery) ([]MappingRecord, error)
	UpdateStatus(ctx context.Context, entity string, u StatusUpdate) error

	// SetReferences writes mapped_* columns for many records at once.
	SetReferences(ctx context.Context, def *EntityDefinition, refs map[string]map[string]*string) error
	// LoadTargets returns source id to target for every Success/Exists row.
	LoadTargets(ctx context.Context, entity string) (map[string]TargetRef, error)

	DocNumbers(ctx context.Context, entity string) ([]DocNumberRow, error)
	// UsedDocNumbers returns raw doc numbers and duplicate keys of the given entities.
	UsedDocNumbers(ctx context.Context, entities []string) (map[string]struct{}, error)
	// ApplyDuplicateKeys writes all assignments in one set-based update.
	ApplyDuplicateKeys(ctx context.Context, entity string, keys map[string]string) error

	SavePayloads(ctx context.Context, entity string, updates []PayloadUpdate) error
	Summary(ctx context.Context, entity string) (Summary, error)
	Failures(ctx context.Context, entity string, limit int) ([]MappingRecord, error)
	// Requeue resets non-terminal rows in the given statuses to Ready.
	Requeue(ctx context.Context, entity string, statuses []Status) (int64, error)
	Reset(ctx context.Context, entity string) error

	RecordRun(ctx context.Context, run RunRecord) error
	RunHistory(ctx context.Context, entity string, limit int) ([]RunRecord, error)
}

// SourceReader reads extracted source tables.
type SourceReader interface {
	Count(ctx context.Context, table string) (int64, error)
	// ReadRows returns every row ordered by sortColumn.
	ReadRows(ctx context.Context, table, sortColumn string) ([]Row, error)
	// ReadLines returns line rows grouped by parent id.
	ReadLines(ctx context.Context, table, parentColumn string, parentIDs []string) (map[string][]Row, error)
}

// SourceRecord is a source row prepared for Initialize.
type SourceRecord struct {
	SourceID  string
	DocNumber *string
	Row       []byte
}
