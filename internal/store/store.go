// Package store holds the SQL shared by the mapping store backends.
//
// Each entity's mapping table has the same fixed columns followed by one
// mapped_<ref> column per declared reference. Backends differ only in
// placeholder syntax, column types and bulk-write strategy.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// Fixed mapping table columns in select order.
var Columns = []string{
	"seq",
	"source_id",
	"target_id",
	"status",
	"retry_count",
	"failure_reason",
	"payload",
	"duplicate_key",
	"doc_number",
	"source_row",
	"target_inactive",
	"updated_at",
}

// Table names outside the per-entity mapping tables.
const (
	RunsTable   = "migration_runs"
	TokensTable = "oauth_tokens"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders $1, $2, ... (Postgres).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders ?1, ?2, ... (SQLite).
func Question(n int) string { return fmt.Sprintf("?%d", n) }

// Quote quotes an SQL identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SelectList returns the quoted select list for a mapping table with the
// given reference columns.
func SelectList(refCols []string) string {
	cols := make([]string, 0, len(Columns)+len(refCols))
	for _, c := range Columns {
		cols = append(cols, Quote(c))
	}
	for _, c := range refCols {
		cols = append(cols, Quote(c))
	}
	return strings.Join(cols, ", ")
}

// Args accumulates bind parameters.
type Args struct {
	ph   Placeholder
	vals []any
}

// NewArgs creates an empty argument list.
func NewArgs(ph Placeholder) *Args {
	return &Args{ph: ph}
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.vals = append(a.vals, v)
	return a.ph(len(a.vals))
}

// In appends every value and returns "(p1, p2, ...)".
func (a *Args) In(vals []string) string {
	ps := make([]string, len(vals))
	for i, v := range vals {
		ps[i] = a.Add(v)
	}
	return "(" + strings.Join(ps, ", ") + ")"
}

// Values returns the accumulated parameters.
func (a *Args) Values() []any {
	return a.vals
}

// StatusStrings converts statuses for binding.
func StatusStrings(statuses []core.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// EligibleSQL builds the FetchEligible query for table.
func EligibleSQL(table string, refCols []string, q core.EligibleQuery, ph Placeholder) (string, []any) {
	args := NewArgs(ph)
	where := []string{"seq > " + args.Add(q.AfterSeq)}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN "+args.In(StatusStrings(q.Statuses)))
	}
	if q.MaxRetries > 0 {
		where = append(where, "retry_count < "+args.Add(q.MaxRetries))
	}
	switch q.Payload {
	case core.WithPayload:
		where = append(where, "payload IS NOT NULL")
	case core.WithoutPayload:
		where = append(where, "payload IS NULL")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s ORDER BY seq",
		SelectList(refCols), table, strings.Join(where, " AND "))
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + args.Add(q.Limit))
	}
	return b.String(), args.Values()
}

// UpdateStatusSQL builds the partial update for one record. now is bound
// for updated_at.
func UpdateStatusSQL(table string, u core.StatusUpdate, now any, ph Placeholder) (string, []any) {
	args := NewArgs(ph)
	sets := []string{
		"status = " + args.Add(string(u.Status)),
		"target_id = " + args.Add(u.TargetID),
	}
	if v, write := u.FailureValue(); write {
		sets = append(sets, "failure_reason = "+args.Add(v))
	}
	if u.Payload != nil {
		sets = append(sets, "payload = "+args.Add(string(u.Payload)))
	}
	if u.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	sets = append(sets, "updated_at = "+args.Add(now))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE source_id = %s",
		table, strings.Join(sets, ", "), args.Add(u.SourceID))
	return query, args.Values()
}

// RequeueSQL resets non-terminal rows in the given statuses to Ready and
// clears everything derived from the source row except the duplicate key.
func RequeueSQL(table string, refCols []string, statuses []core.Status, now any, ph Placeholder) (string, []any) {
	args := NewArgs(ph)
	sets := []string{
		"status = " + args.Add(string(core.StatusReady)),
		"payload = NULL",
		"failure_reason = NULL",
		"retry_count = 0",
	}
	for _, c := range refCols {
		sets = append(sets, Quote(c)+" = NULL")
	}
	sets = append(sets, "updated_at = "+args.Add(now))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE status IN %s",
		table, strings.Join(sets, ", "), args.In(StatusStrings(Requeueable(statuses))))
	return query, args.Values()
}

// Requeueable drops terminal statuses, which are never reset.
func Requeueable(statuses []core.Status) []core.Status {
	var out []core.Status
	for _, s := range statuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// RefCache remembers the reference columns of each entity seen by
// EnsureTable and falls back to the registry for the rest.
type RefCache struct {
	mu   sync.RWMutex
	cols map[string][]string
}

// Put records def's reference columns.
func (c *RefCache) Put(def *core.EntityDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cols == nil {
		c.cols = make(map[string][]string)
	}
	c.cols[def.Name] = def.RefColumns()
}

// Get returns the reference columns of entity.
func (c *RefCache) Get(entity string) []string {
	c.mu.RLock()
	cols, ok := c.cols[entity]
	c.mu.RUnlock()
	if ok {
		return cols
	}
	if def, ok := core.Get(entity); ok {
		return def.RefColumns()
	}
	return nil
}

// RunColumns lists migration_runs columns in insert order.
var RunColumns = []string{
	"run_id", "entity", "started_at", "finished_at", "outcome",
	"posted", "succeeded", "existing", "failed", "skipped", "error",
}

// RunArgs returns the insert values of run in RunColumns order.
func RunArgs(run core.RunRecord, ts func(time.Time) any) []any {
	return []any{
		run.RunID, run.Entity, ts(run.StartedAt), ts(run.FinishedAt), run.Outcome,
		run.Posted, run.Succeeded, run.Existing, run.Failed, run.Skipped, run.Error,
	}
}
