// Package report writes warehouse totals and run outcomes as CSV files.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/pipeline"
	"salesetl/internal/storage"
)

const (
	SummaryFile  = "run_summary.csv"
	FailuresFile = "run_failures.csv"
)

// FactReader reads the cumulative warehouse state. *storage.Store
// satisfies it.
type FactReader interface {
	Facts(ctx context.Context, dim core.Dimension) ([]core.AggregateRow, error)
	Summary(ctx context.Context) (storage.Summary, error)
}

// FileName is the export file for dim.
func FileName(dim core.Dimension) string {
	switch dim {
	case core.ByAffiliate:
		return "affiliate_sales.csv"
	case core.ByCategory:
		return "category_sales.csv"
	case core.ByMonth:
		return "monthly_sales.csv"
	}
	return string(dim) + "_sales.csv"
}

func keyColumn(dim core.Dimension) string {
	switch dim {
	case core.ByAffiliate:
		return "affiliate_name"
	case core.ByMonth:
		return "month"
	}
	return string(dim)
}

// WriteCSV writes rows in the order given, with a header row.
func WriteCSV(w io.Writer, dim core.Dimension, rows []core.AggregateRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{keyColumn(dim), "total_sales", "last_updated"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Key, r.Total.String(), formatTime(r.LastUpdated)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Exporter writes one file per dimension plus the run summary into dir.
type Exporter struct {
	dir    string
	facts  FactReader
	logger *log.Logger
}

func NewExporter(dir string, facts FactReader, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{dir: dir, facts: facts, logger: logger.WithComponent(log.ComponentReport)}
}

// Export writes the warehouse totals and, when rep is not nil, the run
// summary and its failures. It returns the paths written.
func (e *Exporter) Export(ctx context.Context, rep *pipeline.Report) ([]string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}

	var written []string
	for _, dim := range core.Dimensions() {
		rows, err := e.facts.Facts(ctx, dim)
		if err != nil {
			return written, fmt.Errorf("read %s facts: %w", dim, err)
		}
		path := filepath.Join(e.dir, FileName(dim))
		if err := writeFile(path, func(w io.Writer) error { return WriteCSV(w, dim, rows) }); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	sum, err := e.facts.Summary(ctx)
	if err != nil {
		return written, fmt.Errorf("read summary: %w", err)
	}

	if rep != nil {
		path := filepath.Join(e.dir, SummaryFile)
		if err := writeFile(path, func(w io.Writer) error { return WriteSummary(w, rep, sum) }); err != nil {
			return written, err
		}
		written = append(written, path)

		path = filepath.Join(e.dir, FailuresFile)
		if err := writeFile(path, func(w io.Writer) error { return WriteFailures(w, rep.Failures) }); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	e.logger.InfoContext(ctx, "Reports exported",
		log.FieldOperation, log.OpExport,
		log.FieldCount, len(written),
		"dir", e.dir,
		"warehouse_total", sum.Total.String())
	return written, nil
}

// WriteSummary writes the run outcome and warehouse summary as
// metric,value rows.
func WriteSummary(w io.Writer, rep *pipeline.Report, sum storage.Summary) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"metric", "value"},
		{"run_id", rep.RunID},
		{"source", rep.Source},
		{"status", string(rep.Status)},
		{"started_at", formatTime(rep.StartedAt)},
		{"finished_at", formatTime(rep.FinishedAt)},
		{"input_records", strconv.Itoa(rep.Input)},
		{"loaded_records", strconv.Itoa(rep.Loaded)},
		{"skipped_records", strconv.Itoa(rep.Skipped)},
		{"failed_records", strconv.Itoa(rep.Failed)},
		{"run_total", rep.Total().String()},
		{"warehouse_orders", strconv.FormatInt(sum.Orders, 10)},
		{"warehouse_total", sum.Total.String()},
		{"average_sale", sum.Average.String()},
		{"min_sale", sum.Min.String()},
		{"max_sale", sum.Max.String()},
	}
	if rep.Error != "" {
		rows = append(rows, []string{"error", rep.Error})
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func WriteFailures(w io.Writer, failures []core.RecordFailure) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"order_id", "line", "kind", "reason"}); err != nil {
		return err
	}
	for _, f := range failures {
		id, line := "", ""
		if f.OrderID != 0 {
			id = strconv.FormatInt(f.OrderID, 10)
		}
		if f.Line != 0 {
			line = strconv.Itoa(f.Line)
		}
		if err := cw.Write([]string{id, line, f.Kind, f.Reason}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeFile replaces path atomically with what fn writes.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
