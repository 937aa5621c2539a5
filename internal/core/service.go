package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerport/internal/logging"
)

// Options configures the orchestrator.
type Options struct {
	Concurrency      int      // posting workers per entity
	BatchSize        int      // rows per generate/post page
	CrossCheckTables []string // entities sharing one document number space
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// RunOptions tunes a single run.
type RunOptions struct {
	// Rebuild forces phases 2-4 even when every row already has a payload.
	Rebuild bool
	// SkipPost stops after payload generation.
	SkipPost bool
}

// Service is the migration orchestrator. It drives each entity type through
// its phases against one mapping store, one source reader and one poster.
type Service struct {
	store    MappingStore
	reader   SourceReader
	poster   *Poster
	resolver *ReferenceResolver
	opts     Options

	mu      sync.Mutex
	running map[string]string // entity name -> run id
}

// NewService creates a Service instance.
func NewService(store MappingStore, reader SourceReader, poster *Poster, opts Options) *Service {
	return &Service{
		store:    store,
		reader:   reader,
		poster:   poster,
		resolver: NewReferenceResolver(store),
		opts:     opts.withDefaults(),
		running:  make(map[string]string),
	}
}

// ListEntities returns every registered entity in dependency order.
func (s *Service) ListEntities() []EntityInfo {
	defs := All()
	infos := make([]EntityInfo, len(defs))
	for i, def := range defs {
		infos[i] = def.Info()
	}
	return infos
}

// Running returns entity name to run id for runs in progress.
func (s *Service) Running() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.running))
	for k, v := range s.running {
		out[k] = v
	}
	return out
}

// acquire marks entity as running. Only one run, requeue or reset may
// touch an entity's mapping table at a time.
func (s *Service) acquire(entity, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, busy := s.running[entity]; busy {
		return fmt.Errorf("%s (run %s): %w", entity, id, ErrRunInProgress)
	}
	s.running[entity] = runID
	return nil
}

func (s *Service) release(entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, entity)
}

func lookup(name string) (*EntityDefinition, error) {
	def, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, name)
	}
	return &def, nil
}

// Run migrates one entity type. It is safe to call again at any point:
// finished rows are never touched and the run resumes where the last one
// stopped. The report is returned even when err is non-nil.
func (s *Service) Run(ctx context.Context, name string, opts RunOptions) (*RunReport, error) {
	def, err := lookup(name)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if err := s.acquire(def.Name, runID); err != nil {
		return nil, err
	}
	defer s.release(def.Name)

	ctx = logging.WithRun(ctx, runID, def.Name)
	log := logging.FromContext(ctx)

	report := &RunReport{
		RunID:     runID,
		Entity:    def.Name,
		StartedAt: time.Now().UTC(),
		Posted:    make(map[Status]int),
	}
	log.Info("run started", "rebuild", opts.Rebuild, "skip_post", opts.SkipPost)

	runErr := s.run(ctx, def, opts, report)

	report.FinishedAt = time.Now().UTC()
	switch {
	case runErr == nil:
		report.Outcome = OutcomeCompleted
	case ctx.Err() != nil:
		report.Outcome = OutcomeCanceled
		report.Error = runErr.Error()
	default:
		report.Outcome = OutcomeFailed
		report.Error = runErr.Error()
	}

	// Bookkeeping survives cancellation of the run itself.
	bg := context.WithoutCancel(ctx)
	if err := s.fillSummary(bg, def, report); err != nil {
		log.Warn("failed to summarize run", "error", err)
	}
	if err := s.store.RecordRun(bg, report.runRecord()); err != nil {
		log.Warn("failed to record run", "error", err)
	}

	log.Info("run finished",
		"outcome", report.Outcome,
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"success", report.Posted[StatusSuccess],
		"exists", report.Posted[StatusExists],
		"failed", report.Posted[StatusFailed],
		"skipped", report.Skipped,
	)

	if runErr != nil {
		return report, fmt.Errorf("run %s: %w", def.Name, runErr)
	}
	return report, nil
}

// RunAll runs every registered entity in dependency order and stops at
// the first run error. Records that are skipped or failed do not stop it.
func (s *Service) RunAll(ctx context.Context, opts RunOptions) ([]*RunReport, error) {
	var reports []*RunReport
	for _, def := range All() {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := s.Run(ctx, def.Name, opts)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Requeue resets rows in the given statuses to Ready so the next run
// rebuilds and reposts them. Defaults to Failed and Skipped.
func (s *Service) Requeue(ctx context.Context, name string, statuses []Status) (int64, error) {
	def, err := lookup(name)
	if err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = []Status{StatusFailed, StatusSkipped}
	}
	for _, st := range statuses {
		if st.Terminal() || !st.Valid() {
			return 0, fmt.Errorf("%w: cannot requeue %s rows", ErrInvalidStatusUpdate, st)
		}
	}

	if err := s.acquire(def.Name, "requeue"); err != nil {
		return 0, err
	}
	defer s.release(def.Name)

	n, err := s.store.Requeue(ctx, def.Name, statuses)
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", def.Name, err)
	}
	logging.FromContext(ctx).Info("rows requeued", "entity", def.Name, "statuses", statuses, "count", n)
	return n, nil
}

// Reset drops every mapping row of an entity. Rows already migrated lose
// their target ids, so a later run posts them again.
func (s *Service) Reset(ctx context.Context, name string) error {
	def, err := lookup(name)
	if err != nil {
		return err
	}
	if err := s.acquire(def.Name, "reset"); err != nil {
		return err
	}
	defer s.release(def.Name)

	if err := s.store.Reset(ctx, def.Name); err != nil {
		return fmt.Errorf("reset %s: %w", def.Name, err)
	}
	s.resolver.Forget(def.Name)
	logging.FromContext(ctx).Warn("mapping table reset", "entity", def.Name)
	return nil
}

// Summary returns the status counts of one entity.
func (s *Service) Summary(ctx context.Context, name string) (Summary, error) {
	def, err := lookup(name)
	if err != nil {
		return Summary{}, err
	}
	return s.store.Summary(ctx, def.Name)
}

// Failures returns Failed and Skipped rows with operator guidance.
func (s *Service) Failures(ctx context.Context, name string, limit int) ([]FailureDetail, error) {
	def, err := lookup(name)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.Failures(ctx, def.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("failures %s: %w", def.Name, err)
	}
	out := make([]FailureDetail, len(recs))
	for i, rec := range recs {
		out[i] = newFailureDetail(rec)
	}
	return out, nil
}

// History returns recent runs, newest first. An empty name lists all entities.
func (s *Service) History(ctx context.Context, name string, limit int) ([]RunRecord, error) {
	if name != "" {
		def, err := lookup(name)
		if err != nil {
			return nil, err
		}
		name = def.Name
	}
	return s.store.RunHistory(ctx, name, limit)
}

// Progress compares source and mapping counts for every entity.
func (s *Service) Progress(ctx context.Context) ([]EntityProgress, error) {
	defs := All()
	out := make([]EntityProgress, 0, len(defs))
	for _, def := range defs {
		count, err := s.reader.Count(ctx, def.SourceTable)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", def.SourceTable, err)
		}
		summary, err := s.store.Summary(ctx, def.Name)
		if err != nil {
			return nil, fmt.Errorf("summary %s: %w", def.Name, err)
		}
		out = append(out, EntityProgress{
			Entity:      def.Name,
			SourceTable: def.SourceTable,
			SourceCount: count,
			Summary:     summary,
		})
	}
	return out, nil
}

func (s *Service) fillSummary(ctx context.Context, def *EntityDefinition, report *RunReport) error {
	summary, err := s.store.Summary(ctx, def.Name)
	if err != nil {
		return err
	}
	report.Summary = summary

	failures, err := s.Failures(ctx, def.Name, maxReportedFailures)
	if err != nil {
		return err
	}
	report.Failures = failures
	return nil
}

// maxReportedFailures caps the failures embedded in a RunReport.
const maxReportedFailures = 200
