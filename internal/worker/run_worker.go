// Package worker executes pipeline runs requested over AMQP or on a
// schedule.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"salesetl/internal/amqp"
	"salesetl/internal/core"
	"salesetl/internal/extract"
	"salesetl/internal/log"
	"salesetl/internal/pipeline"
)

var ErrPathNotAllowed = errors.New("csv path outside input directory")

// Runner is satisfied by *pipeline.Runner.
type Runner interface {
	RunFrom(ctx context.Context, ex pipeline.Extractor) (*pipeline.Report, error)
}

// Exporter is satisfied by *report.Exporter.
type Exporter interface {
	Export(ctx context.Context, rep *pipeline.Report) ([]string, error)
}

// RunWorker runs the pipeline one request at a time. Requested CSV paths
// must live in the directory of the default CSV.
type RunWorker struct {
	runner     Runner
	exporter   Exporter
	defaultCSV string
	inputDir   string
	logger     *log.Logger

	mu sync.Mutex
}

func NewRunWorker(runner Runner, exporter Exporter, defaultCSV string, logger *log.Logger) *RunWorker {
	if logger == nil {
		logger = log.Default()
	}
	dir, err := filepath.Abs(filepath.Dir(defaultCSV))
	if err != nil {
		dir = filepath.Dir(defaultCSV)
	}
	return &RunWorker{
		runner:     runner,
		exporter:   exporter,
		defaultCSV: defaultCSV,
		inputDir:   dir,
		logger:     logger.WithComponent(log.ComponentWorker),
	}
}

// HandleRunRequest runs the pipeline for msg. Only storage failures are
// returned, so the broker redelivers the request; a missing file or bad
// input is recorded in the run report and acknowledged.
func (w *RunWorker) HandleRunRequest(ctx context.Context, msg *amqp.RunRequestedMessage) error {
	path, err := w.resolvePath(msg.CSVPath)
	if err != nil {
		w.logger.WarnContext(ctx, "Rejected run request",
			"request_id", msg.RequestID,
			log.FieldError, err)
		return nil
	}
	w.logger.InfoContext(ctx, "Processing run request",
		"request_id", msg.RequestID,
		log.FieldSource, path)

	_, err = w.Run(ctx, path)
	if errors.Is(err, core.ErrStorage) {
		return err
	}
	return nil
}

// Run executes one pipeline run over path and exports the reports.
func (w *RunWorker) Run(ctx context.Context, path string) (*pipeline.Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rep, err := w.runner.RunFrom(ctx, extract.NewCSVExtractor(path, w.logger))
	if err != nil {
		return rep, err
	}
	if w.exporter != nil {
		if _, err := w.exporter.Export(ctx, rep); err != nil {
			w.logger.ErrorContext(ctx, "Report export failed",
				log.FieldRunID, rep.RunID,
				log.FieldError, err)
		}
	}
	return rep, nil
}

// Schedule runs the default CSV every interval until ctx ends.
func (w *RunWorker) Schedule(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Run(ctx, w.defaultCSV); err != nil {
				w.logger.ErrorContext(ctx, "Scheduled run failed", log.FieldError, err)
			}
		}
	}
}

func (w *RunWorker) resolvePath(requested string) (string, error) {
	if requested == "" {
		return w.defaultCSV, nil
	}
	abs, err := filepath.Abs(filepath.Join(w.inputDir, requested))
	if filepath.IsAbs(requested) {
		abs, err = filepath.Abs(requested)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", requested, err)
	}
	rel, err := filepath.Rel(w.inputDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, requested)
	}
	return abs, nil
}
