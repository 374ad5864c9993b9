package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"salesetl/internal/core"
	"salesetl/internal/log"
)

// Tx is the write surface available inside WithinTx.
type Tx interface {
	// AppendSale inserts rec unless its order id is already stored and
	// reports whether a row was written.
	AppendSale(ctx context.Context, rec core.CanonicalSalesRecord, runID string) (bool, error)
	// AccumulateFact adds amount to the running total for key, creating
	// the row when needed, and stamps it with at.
	AccumulateFact(ctx context.Context, dim core.Dimension, key string, amount core.Money, at time.Time) error
}

// WithinTx runs fn in one transaction with the store timeout. A transient
// failure (lock contention, serialization failure, dropped connection,
// attempt timeout) is retried once, so fn must be safe to run again.
// Errors are returned as *core.StorageError and nothing is committed.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.withinTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (s *Store) withinTx(ctx context.Context, fn func(ctx context.Context, t *tx) error) error {
	err := s.attempt(ctx, fn)
	if err == nil || !isTransient(err) || ctx.Err() != nil {
		return err
	}
	s.logger.WarnContext(ctx, "Transient storage failure, retrying once",
		log.FieldAttempt, 2,
		log.FieldError, err)
	return s.attempt(ctx, fn)
}

func (s *Store) attempt(parent context.Context, fn func(ctx context.Context, t *tx) error) error {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StorageError{Op: "begin", Err: err}
	}

	if err := fn(ctx, &tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.ErrorContext(ctx, "Rollback failed", log.FieldError, rbErr)
		}
		var se *core.StorageError
		if errors.As(err, &se) {
			return err
		}
		return &core.StorageError{Op: "transaction", Err: err}
	}

	if err := sqlTx.Commit(); err != nil {
		return &core.StorageError{Op: log.OpCommit, Err: err}
	}
	return nil
}

// isTransient reports whether a retry may succeed.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *tx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
	if err != nil {
		return nil, &core.StorageError{Op: op, Err: err}
	}
	return res, nil
}

const appendSaleQuery = `INSERT INTO sales (
    order_id, affiliate_name, sales_amount, currency, order_date, category,
    sales_amount_reporting_cents, exchange_rate, month, run_id, loaded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_id) DO NOTHING`

func (t *tx) AppendSale(ctx context.Context, rec core.CanonicalSalesRecord, runID string) (bool, error) {
	res, err := t.exec(ctx, log.OpAppend, appendSaleQuery,
		rec.OrderID,
		rec.AffiliateName,
		rec.SalesAmount.String(),
		rec.Currency,
		dateArg(t.dialect, rec.OrderDate),
		rec.Category,
		rec.SalesAmountReporting.Cents,
		rec.Rate.String(),
		rec.Month,
		nullable(runID),
		timeArg(t.dialect, time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &core.StorageError{Op: log.OpAppend, Err: err}
	}
	return n > 0, nil
}

func (t *tx) AccumulateFact(ctx context.Context, dim core.Dimension, key string, amount core.Money, at time.Time) error {
	table, column, err := factTable(dim)
	if err != nil {
		return &core.StorageError{Op: log.OpUpsert, Err: err}
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, total_sales_cents, last_updated) VALUES (?, ?, ?)
ON CONFLICT (%[2]s) DO UPDATE SET
    total_sales_cents = %[1]s.total_sales_cents + excluded.total_sales_cents,
    last_updated = excluded.last_updated`, table, column)
	_, err = t.exec(ctx, log.OpUpsert, query, key, amount.Cents, timeArg(t.dialect, at))
	return err
}

func factTable(dim core.Dimension) (table, column string, err error) {
	switch dim {
	case core.ByAffiliate:
		return "fact_affiliate_sales", "affiliate_name", nil
	case core.ByCategory:
		return "fact_category_sales", "category", nil
	case core.ByMonth:
		return "fact_monthly_sales", "month", nil
	}
	return "", "", fmt.Errorf("unknown dimension %q", dim)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
