package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

const keyTimeLayout = "20060102T150405Z"

// RunKey is the object key of a run report.
func RunKey(r *core.RunReport) string {
	return fmt.Sprintf("runs/%s/%s-%s.json", r.Entity, r.StartedAt.UTC().Format(keyTimeLayout), r.RunID)
}

// ExportRun writes r as indented JSON to sink.
func ExportRun(ctx context.Context, sink Sink, r *core.RunReport) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run report: %w", err)
	}
	return sink.Put(ctx, RunKey(r), "application/json", body)
}

// ProgressSnapshot is the exported form of a progress check.
type ProgressSnapshot struct {
	TakenAt  time.Time        `json:"takenAt"`
	Entities []EntityProgress `json:"entities"`
}

// EntityProgress adds completion to core.EntityProgress.
type EntityProgress struct {
	core.EntityProgress
	Complete   bool            `json:"complete"`
	Percentage decimal.Decimal `json:"percentage"`
}

// NewProgressSnapshot wraps progress rows taken at now.
func NewProgressSnapshot(now time.Time, rows []core.EntityProgress) ProgressSnapshot {
	snap := ProgressSnapshot{TakenAt: now.UTC(), Entities: make([]EntityProgress, len(rows))}
	for i, p := range rows {
		snap.Entities[i] = EntityProgress{EntityProgress: p, Complete: p.Complete(), Percentage: Completion(p)}
	}
	return snap
}

// ExportProgress writes snap as indented JSON to sink.
func ExportProgress(ctx context.Context, sink Sink, snap ProgressSnapshot) (string, error) {
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode progress: %w", err)
	}
	key := fmt.Sprintf("progress/%s.json", snap.TakenAt.Format(keyTimeLayout))
	return sink.Put(ctx, key, "application/json", body)
}

// Completion is the share of source rows that reached Success or Exists,
// as a percentage rounded to two places.
func Completion(p core.EntityProgress) decimal.Decimal {
	if p.SourceCount <= 0 {
		return decimal.Zero
	}
	done := p.Summary.Counts[core.StatusSuccess] + p.Summary.Counts[core.StatusExists]
	return decimal.NewFromInt(done).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(p.SourceCount)).
		Round(2)
}

// WriteProgress renders progress rows as an aligned table.
func WriteProgress(w io.Writer, rows []core.EntityProgress) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ENTITY\tSOURCE\tMAPPED\tREADY\tSUCCESS\tEXISTS\tFAILED\tSKIPPED\tDONE %\t")
	for _, p := range rows {
		c := p.Summary.Counts
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
			p.Entity, p.SourceCount, p.Summary.Total,
			c[core.StatusReady], c[core.StatusSuccess], c[core.StatusExists],
			c[core.StatusFailed], c[core.StatusSkipped],
			Completion(p).StringFixed(2))
	}
	return tw.Flush()
}

// WriteRun renders a one-run summary followed by its failures.
func WriteRun(w io.Writer, r *core.RunReport) error {
	fmt.Fprintf(w, "%s run %s: %s in %s\n", r.Entity, r.RunID, r.Outcome,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	if r.Resumed {
		fmt.Fprintln(w, "  resumed: payload generation skipped")
	} else {
		fmt.Fprintf(w, "  initialized %d, built %d, skipped %d\n", r.Initialized, r.Built, r.Skipped)
	}
	fmt.Fprintf(w, "  posted: success %d, exists %d, failed %d\n",
		r.Posted[core.StatusSuccess], r.Posted[core.StatusExists], r.Posted[core.StatusFailed])
	if err := WriteSummary(w, r.Summary); err != nil {
		return err
	}
	return WriteFailures(w, r.Failures)
}

// WriteSummary renders status counts in reporting order.
func WriteSummary(w io.Writer, s core.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  total\t%d\n", s.Total)
	for _, st := range core.AllStatuses {
		fmt.Fprintf(tw, "  %s\t%d\n", st, s.Counts[st])
	}
	if s.MissingPayload > 0 {
		fmt.Fprintf(tw, "  missing payload\t%d\n", s.MissingPayload)
	}
	return tw.Flush()
}

// WriteFailures renders failed and skipped records with guidance.
func WriteFailures(w io.Writer, failures []core.FailureDetail) error {
	if len(failures) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE ID\tSTATUS\tRETRIES\tREASON\tACTION")
	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.SourceID, f.Status, f.RetryCount,
			oneLine(f.Reason, 120), f.Guidance.Action)
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	b := []rune(s)
	for i, r := range b {
		if r == '\n' || r == '\r' || r == '\t' {
			b[i] = ' '
		}
	}
	if len(b) > n {
		return string(b[:n-3]) + "..."
	}
	return string(b)
}

// WriteHistory renders recorded runs, newest first.
func WriteHistory(w io.Writer, runs []core.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tENTITY\tRUN ID\tOUTCOME\tPOSTED\tSUCCESS\tEXISTS\tFAILED\tSKIPPED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339), r.Entity, r.RunID, r.Outcome,
			r.Posted, r.Succeeded, r.Existing, r.Failed, r.Skipped,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	return tw.Flush()
}
