package storage

import (
	"context"
	"fmt"
	"time"
)

// RunRecord is the persisted outcome of one pipeline run.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Input      int
	Loaded     int
	Skipped    int
	Failed     int
	TotalCents int64
	Error      string
}

// SaveRun inserts or replaces the bookkeeping row for a run.
func (s *Store) SaveRun(ctx context.Context, run RunRecord) error {
	return s.withinTx(ctx, func(ctx context.Context, t *tx) error {
		_, err := t.exec(ctx, "save_run", `INSERT INTO pipeline_runs (
    run_id, started_at, finished_at, status, input_count, loaded_count,
    skipped_count, failed_count, total_cents, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    finished_at = excluded.finished_at,
    status = excluded.status,
    input_count = excluded.input_count,
    loaded_count = excluded.loaded_count,
    skipped_count = excluded.skipped_count,
    failed_count = excluded.failed_count,
    total_cents = excluded.total_cents,
    error = excluded.error`,
			run.ID,
			timeArg(t.dialect, run.StartedAt),
			timeArg(t.dialect, run.FinishedAt),
			run.Status,
			run.Input,
			run.Loaded,
			run.Skipped,
			run.Failed,
			run.TotalCents,
			run.Error,
		)
		return err
	})
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := rebind(s.dialect, `SELECT run_id, started_at, finished_at, status, input_count, loaded_count,
    skipped_count, failed_count, total_cents, error
FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			run             RunRecord
			started, finish timestamp
		)
		if err := rows.Scan(&run.ID, &started, &finish, &run.Status, &run.Input, &run.Loaded,
			&run.Skipped, &run.Failed, &run.TotalCents, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = started.Time
		run.FinishedAt = finish.Time
		out = append(out, run)
	}
	return out, rows.Err()
}
