// Package pipeline runs one extract, normalize, aggregate and load cycle
// and produces its report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"salesetl/internal/aggregate"
	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/normalize"
	"salesetl/internal/storage"
	"salesetl/internal/warehouse"
)

// Extractor produces the input batch of a run.
type Extractor interface {
	Extract(ctx context.Context) (core.Batch, error)
}

// RunRecorder persists run bookkeeping. *storage.Store satisfies it.
type RunRecorder interface {
	SaveRun(ctx context.Context, run storage.RunRecord) error
}

// Notifier is told about every finished run.
type Notifier interface {
	RunFinished(ctx context.Context, report *Report) error
}

type Runner struct {
	normalizer *normalize.Normalizer
	upserter   *warehouse.Upserter
	runs       RunRecorder
	notifiers  []Notifier
	now        func() time.Time
	logger     *log.Logger
}

type Option func(*Runner)

func WithRunRecorder(r RunRecorder) Option {
	return func(p *Runner) { p.runs = r }
}

func WithNotifier(n Notifier) Option {
	return func(p *Runner) { p.notifiers = append(p.notifiers, n) }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Runner) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Runner) { p.now = now }
}

func NewRunner(normalizer *normalize.Normalizer, upserter *warehouse.Upserter, opts ...Option) *Runner {
	r := &Runner{
		normalizer: normalizer,
		upserter:   upserter,
		now:        time.Now,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent(log.ComponentPipeline)
	return r
}

// RunFrom extracts a batch and runs it. An extraction failure produces a
// failed report.
func (r *Runner) RunFrom(ctx context.Context, ex Extractor) (*Report, error) {
	batch, err := ex.Extract(ctx)
	if err != nil {
		rep := r.newReport(batch)
		rep.Error = fmt.Sprintf("extract: %v", err)
		r.complete(ctx, rep)
		return rep, fmt.Errorf("extract: %w", err)
	}
	return r.Run(ctx, batch)
}

// Run normalizes, aggregates and loads batch.
//
// Per-record problems are collected in the report and never abort the run.
// A storage failure rolls the load back, marks the report failed and is
// returned as the error.
func (r *Runner) Run(ctx context.Context, batch core.Batch) (*Report, error) {
	rep := r.newReport(batch)
	logger := r.logger.With(log.FieldRunID, rep.RunID)
	logger.InfoContext(ctx, "Pipeline run started",
		log.FieldSource, batch.Source,
		"input", rep.Input)

	rep.Failures = append(rep.Failures, batch.Rejected...)
	rep.Failed = len(batch.Rejected)

	records, failures := r.normalizer.NormalizeAll(ctx, batch.Records)
	for _, err := range failures {
		rep.Failures = append(rep.Failures, failureFor(err))
	}
	rep.Failed += len(failures)

	views, records, overflow := aggregate.Admit(records)
	for _, err := range overflow {
		rep.Failures = append(rep.Failures, failureFor(err))
	}
	rep.Failed += len(overflow)

	result, err := r.upserter.Load(ctx, rep.RunID, records, views)
	if err != nil {
		rep.Error = err.Error()
		rep.Views = aggregate.NewViews()
		r.complete(ctx, rep)
		return rep, err
	}

	rep.Loaded = len(result.Loaded)
	rep.Skipped = len(result.Duplicates)
	rep.Views = result.Views
	for _, dup := range result.Duplicates {
		rep.Failures = append(rep.Failures, failureFor(dup))
	}

	r.complete(ctx, rep)
	return rep, nil
}

func (r *Runner) newReport(batch core.Batch) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Source:    batch.Source,
		StartedAt: r.now().UTC(),
		Input:     batch.Size(),
		Views:     aggregate.NewViews(),
	}
}

func (r *Runner) complete(ctx context.Context, rep *Report) {
	rep.finish(r.now().UTC())
	logger := r.logger.With(log.FieldRunID, rep.RunID)

	if r.runs != nil {
		if err := r.runs.SaveRun(ctx, rep.record()); err != nil {
			logger.WarnContext(ctx, "Failed to record pipeline run", log.FieldError, err)
		}
	}
	for _, n := range r.notifiers {
		if err := n.RunFinished(ctx, rep); err != nil {
			logger.WarnContext(ctx, "Run notification failed", log.FieldError, err)
		}
	}

	fields := []any{
		log.FieldStatus, string(rep.Status),
		"input", rep.Input,
		"loaded", rep.Loaded,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"total", rep.Total().String(),
		log.FieldDuration, rep.Duration().Milliseconds(),
	}
	if rep.Status == StatusFailed {
		logger.ErrorContext(ctx, "Pipeline run failed", append(fields, log.FieldError, rep.Error)...)
		return
	}
	logger.InfoContext(ctx, "Pipeline run finished", fields...)
}

func failureFor(err error) core.RecordFailure {
	var id int64
	switch e := err.(type) {
	case *core.NormalizationError:
		id = e.OrderID
	case *core.DuplicateRecordError:
		id = e.OrderID
	}
	return core.NewRecordFailure(id, err)
}
