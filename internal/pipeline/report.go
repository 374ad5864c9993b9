package pipeline

import (
	"time"

	"salesetl/internal/aggregate"
	"salesetl/internal/core"
	"salesetl/internal/storage"
)

type Status string

const (
	StatusCompleted             Status = "completed"
	StatusCompletedWithFailures Status = "completed_with_failures"
	StatusFailed                Status = "failed"
)

// Report is the outcome of one run.
type Report struct {
	RunID      string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status
	Input      int
	Loaded     int
	// Skipped counts records rejected as duplicates of stored orders.
	Skipped int
	// Failed counts records rejected during extraction or normalization.
	Failed   int
	Failures []core.RecordFailure
	// Views are the totals this run added to the warehouse.
	Views aggregate.Views
	Error string
}

func (r *Report) Total() core.Money {
	return r.Views.Total()
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) record() storage.RunRecord {
	return storage.RunRecord{
		ID:         r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     string(r.Status),
		Input:      r.Input,
		Loaded:     r.Loaded,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		TotalCents: r.Total().Cents,
		Error:      r.Error,
	}
}

func (r *Report) finish(at time.Time) {
	r.FinishedAt = at
	switch {
	case r.Error != "":
		r.Status = StatusFailed
	case r.Failed > 0 || r.Skipped > 0:
		r.Status = StatusCompletedWithFailures
	default:
		r.Status = StatusCompleted
	}
}
