package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/ledgerport/internal/logging"
)

// Phase names used in logs and metrics.
const (
	phaseEnsure     = "ensure_mapping_table"
	phaseReferences = "resolve_references"
	phaseDocNumbers = "resolve_duplicate_keys"
	phaseGenerate   = "generate_payloads"
	phasePost       = "post_all"
)

// run executes the phases strictly in order.
func (s *Service) run(ctx context.Context, def *EntityDefinition, opts RunOptions, report *RunReport) error {
	log := logging.FromContext(ctx)

	start := time.Now()
	changed, err := s.ensureMappingTable(ctx, def, report)
	observePhase(def.Name, phaseEnsure, start)
	if err != nil {
		return fmt.Errorf("%s: %w", phaseEnsure, err)
	}

	missing, err := s.store.CountMissingPayload(ctx, def.Name)
	if err != nil {
		return fmt.Errorf("count missing payloads: %w", err)
	}

	if !changed && missing == 0 && !opts.Rebuild {
		report.Resumed = true
		log.Info("every row has a payload, resuming at posting")
	} else {
		start = time.Now()
		err = s.resolveReferences(ctx, def)
		observePhase(def.Name, phaseReferences, start)
		if err != nil {
			return fmt.Errorf("%s: %w", phaseReferences, err)
		}

		if def.HasDocNumber() {
			start = time.Now()
			err = s.resolveDuplicateKeys(ctx, def)
			observePhase(def.Name, phaseDocNumbers, start)
			if err != nil {
				return fmt.Errorf("%s: %w", phaseDocNumbers, err)
			}
		}

		start = time.Now()
		err = s.generatePayloads(ctx, def, report)
		observePhase(def.Name, phaseGenerate, start)
		if err != nil {
			return fmt.Errorf("%s: %w", phaseGenerate, err)
		}
	}

	if opts.SkipPost {
		return nil
	}

	start = time.Now()
	err = s.postAll(ctx, def, report)
	observePhase(def.Name, phasePost, start)
	if err != nil {
		return fmt.Errorf("%s: %w", phasePost, err)
	}
	return nil
}

// ensureMappingTable creates the mapping table and inserts rows for source
// records not yet tracked. It reports whether the source changed, meaning
// the mapping row count no longer matches the source row count.
func (s *Service) ensureMappingTable(ctx context.Context, def *EntityDefinition, report *RunReport) (bool, error) {
	log := logging.FromContext(ctx)

	if err := s.store.EnsureTable(ctx, def); err != nil {
		return false, err
	}

	sourceCount, err := s.reader.Count(ctx, def.SourceTable)
	if err != nil {
		return false, fmt.Errorf("count source %s: %w", def.SourceTable, err)
	}
	mapped, err := s.store.Count(ctx, def.Name)
	if err != nil {
		return false, fmt.Errorf("count mapping: %w", err)
	}
	if sourceCount == mapped {
		return false, nil
	}

	log.Info("source changed, scanning", "source_rows", sourceCount, "mapped_rows", mapped)

	rows, err := s.reader.ReadRows(ctx, def.SourceTable, def.SortColumn)
	if err != nil {
		return false, fmt.Errorf("read source %s: %w", def.SourceTable, err)
	}

	records := make([]SourceRecord, 0, len(rows))
	for i, row := range rows {
		id, ok := row.String(def.IDColumn)
		if !ok {
			log.Warn("source row without id", "row", i+1, "column", def.IDColumn)
			continue
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return false, fmt.Errorf("encode source row %s: %w", id, err)
		}
		rec := SourceRecord{SourceID: id, Row: raw}
		if def.HasDocNumber() {
			if n, ok := row.String(def.DocNumberColumn); ok {
				rec.DocNumber = &n
			}
		}
		records = append(records, rec)
	}

	inserted, err := s.store.Initialize(ctx, def, records)
	if err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}
	report.Initialized = inserted
	log.Info("mapping rows initialized", "inserted", inserted, "scanned", len(records))
	return true, nil
}

// resolveReferences reloads every dependency's targets and stores the
// mapped_* values of rows still awaiting a payload.
func (s *Service) resolveReferences(ctx context.Context, def *EntityDefinition) error {
	deps := def.Dependencies()
	s.resolver.Forget(deps...)
	if err := s.resolver.Preload(ctx, deps...); err != nil {
		return err
	}
	if len(def.References) == 0 {
		return nil
	}

	var cursor int64
	var annotated int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := s.store.FetchEligible(ctx, def.Name, EligibleQuery{
			Statuses: []Status{StatusReady},
			Payload:  WithoutPayload,
			AfterSeq: cursor,
			Limit:    s.opts.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetch rows: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		cursor = recs[len(recs)-1].Seq

		refs := make(map[string]map[string]*string, len(recs))
		for _, rec := range recs {
			src, err := rec.Source()
			if err != nil {
				continue
			}
			refs[rec.SourceID] = s.resolver.annotate(def, src)
		}
		if err := s.store.SetReferences(ctx, def, refs); err != nil {
			return fmt.Errorf("set references: %w", err)
		}
		annotated += len(refs)

		if len(recs) < s.opts.BatchSize {
			break
		}
	}

	logging.FromContext(ctx).Info("references resolved", "rows", annotated, "dependencies", deps)
	return nil
}

// resolveDuplicateKeys plans and stores collision-free document numbers.
func (s *Service) resolveDuplicateKeys(ctx context.Context, def *EntityDefinition) error {
	rows, err := s.store.DocNumbers(ctx, def.Name)
	if err != nil {
		return fmt.Errorf("load doc numbers: %w", err)
	}

	used := map[string]struct{}{}
	if peers := crossCheckPeers(def.Name, s.opts.CrossCheckTables); len(peers) > 0 {
		used, err = s.store.UsedDocNumbers(ctx, peers)
		if err != nil {
			return fmt.Errorf("load cross-check numbers: %w", err)
		}
	}

	plan := PlanDuplicateKeys(rows, used)

	changes := make(map[string]string)
	renamed := 0
	for _, row := range rows {
		key, ok := plan[row.SourceID]
		if !ok || row.Status.Terminal() {
			continue
		}
		if row.DuplicateKey != nil && *row.DuplicateKey == key {
			continue
		}
		changes[row.SourceID] = key
		if row.DocNumber != nil && *row.DocNumber != key {
			renamed++
		}
	}

	if len(changes) > 0 {
		if err := s.store.ApplyDuplicateKeys(ctx, def.Name, changes); err != nil {
			return fmt.Errorf("apply duplicate keys: %w", err)
		}
	}
	logging.FromContext(ctx).Info("duplicate keys resolved",
		"numbered_rows", len(plan), "updated", len(changes), "suffixed", renamed)
	return nil
}

// generatePayloads builds a document for every Ready row without one.
// A storage error here affects only the record being written.
func (s *Service) generatePayloads(ctx context.Context, def *EntityDefinition, report *RunReport) error {
	log := logging.FromContext(ctx)

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := s.store.FetchEligible(ctx, def.Name, EligibleQuery{
			Statuses: []Status{StatusReady},
			Payload:  WithoutPayload,
			AfterSeq: cursor,
			Limit:    s.opts.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetch rows: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		cursor = recs[len(recs)-1].Seq

		var lines map[string][]Row
		if def.LineTable != "" {
			ids := make([]string, len(recs))
			for i, rec := range recs {
				ids[i] = rec.SourceID
			}
			lines, err = s.reader.ReadLines(ctx, def.LineTable, def.LineParentColumn, ids)
			if err != nil {
				return fmt.Errorf("read lines %s: %w", def.LineTable, err)
			}
		}

		updates := make([]PayloadUpdate, 0, len(recs))
		for _, rec := range recs {
			res := s.build(def, rec, lines[rec.SourceID])
			if !res.Skipped() {
				body, err := res.Document.Marshal()
				if err != nil {
					res = Skipf("encode payload: %v", err)
				} else {
					updates = append(updates, PayloadUpdate{SourceID: rec.SourceID, Payload: body, Inactive: res.Inactive})
					continue
				}
			}
			s.skip(ctx, def, rec, res.Skip, report)
		}

		report.Built += s.savePayloads(ctx, def, updates)

		if len(recs) < s.opts.BatchSize {
			break
		}
	}

	log.Info("payloads generated", "built", report.Built, "skipped", report.Skipped)
	return nil
}

// build runs the entity's builder after checking required header references.
func (s *Service) build(def *EntityDefinition, rec MappingRecord, lines []Row) BuildResult {
	src, err := rec.Source()
	if err != nil {
		return Skipf("decode source row: %v", err)
	}

	for _, ref := range def.References {
		if !ref.Required {
			continue
		}
		if v := rec.MappedRefs[RefColumn(ref.Name)]; v != nil && *v != "" {
			continue
		}
		sourceID, ok := src.String(ref.SourceField)
		if !ok {
			return Skipf("missing %s reference", ref.Name)
		}
		if target, ok := s.resolver.Resolve(ref.Entity, sourceID); ok && target.Inactive {
			return Skipf("%s %s maps to inactive target %s", ref.Name, sourceID, target.ID)
		}
		return Skipf("unresolved %s reference (%s=%s)", ref.Name, ref.SourceField, sourceID)
	}

	return def.Build(BuildInput{
		Record: rec,
		Source: src,
		Lines:  lines,
		Refs:   s.resolver,
	})
}

func (s *Service) skip(ctx context.Context, def *EntityDefinition, rec MappingRecord, reason string, report *RunReport) {
	reason = truncate(reason, MaxFailureReasonLen)
	err := s.store.UpdateStatus(ctx, def.Name, StatusUpdate{
		SourceID:      rec.SourceID,
		Status:        StatusSkipped,
		FailureReason: &reason,
	})
	if err != nil {
		logging.FromContext(ctx).Error("failed to record skip",
			"source_id", rec.SourceID, "reason", reason, "error", err)
		return
	}
	report.Skipped++
	logging.FromContext(ctx).Debug("record skipped", "source_id", rec.SourceID, "reason", reason)
}

// savePayloads stores a batch in one write, falling back to one write per
// record when the batch fails. It returns how many payloads were stored.
func (s *Service) savePayloads(ctx context.Context, def *EntityDefinition, updates []PayloadUpdate) int {
	if len(updates) == 0 {
		return 0
	}
	log := logging.FromContext(ctx)

	err := s.store.SavePayloads(ctx, def.Name, updates)
	if err == nil {
		return len(updates)
	}
	log.Warn("batch payload save failed, saving individually", "rows", len(updates), "error", err)

	saved := 0
	for _, u := range updates {
		err := s.store.SavePayloads(ctx, def.Name, []PayloadUpdate{u})
		if err != nil {
			log.Error("failed to save payload", "source_id", u.SourceID, "error", err)
			continue
		}
		saved++
	}
	return saved
}

// postAll posts every eligible row through a bounded worker pool. A
// storage error cancels the pool; in-flight records finish first.
func (s *Service) postAll(ctx context.Context, def *EntityDefinition, report *RunReport) error {
	log := logging.FromContext(ctx)
	policy := s.poster.Policy()

	var mu sync.Mutex
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := s.store.FetchEligible(ctx, def.Name, EligibleQuery{
			Statuses:   []Status{StatusReady, StatusFailed},
			MaxRetries: policy.MaxRetries,
			Payload:    WithPayload,
			AfterSeq:   cursor,
			Limit:      s.opts.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetch rows: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		cursor = recs[len(recs)-1].Seq

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, rec := range recs {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := s.poster.Post(gctx, def, rec)
				if err != nil {
					return err
				}
				mu.Lock()
				report.record(res)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		mu.Lock()
		log.Info("posting progress",
			"success", report.Posted[StatusSuccess],
			"exists", report.Posted[StatusExists],
			"failed", report.Posted[StatusFailed])
		mu.Unlock()

		if len(recs) < s.opts.BatchSize {
			break
		}
	}
	return nil
}
