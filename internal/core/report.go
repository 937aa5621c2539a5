package core

import "time"

// RunReport summarizes one orchestrator run of an entity type.
type RunReport struct {
	RunID      string    `json:"runId"`
	Entity     string    `json:"entity"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`

	// Resumed is set when phases 2-4 were skipped.
	Resumed     bool `json:"resumed"`
	Initialized int  `json:"initialized"`
	Built       int  `json:"built"`
	Skipped     int  `json:"skipped"`

	// Posted counts posting outcomes of this run by status.
	Posted map[Status]int `json:"posted"`

	// Summary is the mapping table state after the run.
	Summary  Summary         `json:"summary"`
	Failures []FailureDetail `json:"failures,omitempty"`
}

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// FailureDetail is a Failed or Skipped record with operator guidance.
type FailureDetail struct {
	SourceID   string      `json:"sourceId"`
	Status     Status      `json:"status"`
	RetryCount int         `json:"retryCount"`
	Reason     string      `json:"reason"`
	Guidance   UserMessage `json:"guidance"`
}

// EntityProgress compares an entity's source and mapping tables.
type EntityProgress struct {
	Entity      string  `json:"entity"`
	SourceTable string  `json:"sourceTable"`
	SourceCount int64   `json:"sourceCount"`
	Summary     Summary `json:"summary"`
}

// Complete reports whether every source row reached a terminal status.
func (p EntityProgress) Complete() bool {
	done := p.Summary.Counts[StatusSuccess] + p.Summary.Counts[StatusExists]
	return p.SourceCount > 0 && done == p.SourceCount
}

func newFailureDetail(rec MappingRecord) FailureDetail {
	reason := deref(rec.FailureReason)
	return FailureDetail{
		SourceID:   rec.SourceID,
		Status:     rec.Status,
		RetryCount: rec.RetryCount,
		Reason:     reason,
		Guidance:   MapFailure(reason),
	}
}

func (r *RunReport) record(res Result) {
	if res.Noop {
		return
	}
	if r.Posted == nil {
		r.Posted = make(map[Status]int)
	}
	r.Posted[res.Status]++
}

func (r *RunReport) runRecord() RunRecord {
	return RunRecord{
		RunID:      r.RunID,
		Entity:     r.Entity,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Outcome:    r.Outcome,
		Posted:     r.Posted[StatusSuccess] + r.Posted[StatusExists] + r.Posted[StatusFailed],
		Succeeded:  r.Posted[StatusSuccess],
		Existing:   r.Posted[StatusExists],
		Failed:     r.Posted[StatusFailed],
		Skipped:    r.Skipped,
		Error:      r.Error,
	}
}
