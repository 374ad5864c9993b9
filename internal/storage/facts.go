package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"salesetl/internal/core"
)

// Facts returns the warehouse totals for dim: months chronologically, the
// other dimensions by descending total.
func (s *Store) Facts(ctx context.Context, dim core.Dimension) ([]core.AggregateRow, error) {
	table, column, err := factTable(dim)
	if err != nil {
		return nil, err
	}
	order := "total_sales_cents DESC, " + column
	if dim == core.ByMonth {
		order = column
	}
	query := fmt.Sprintf(`SELECT %s, total_sales_cents, last_updated FROM %s ORDER BY %s`, column, table, order)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []core.AggregateRow
	for rows.Next() {
		var (
			row core.AggregateRow
			ts  timestamp
		)
		if err := rows.Scan(&row.Key, &row.Total.Cents, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row.LastUpdated = ts.Time
		out = append(out, row)
	}
	return out, rows.Err()
}

// Fact returns the stored total for one key, or core.ErrNotFound.
func (s *Store) Fact(ctx context.Context, dim core.Dimension, key string) (core.AggregateRow, error) {
	table, column, err := factTable(dim)
	if err != nil {
		return core.AggregateRow{}, err
	}
	query := rebind(s.dialect, fmt.Sprintf(`SELECT %s, total_sales_cents, last_updated FROM %s WHERE %s = ?`, column, table, column))

	var (
		row core.AggregateRow
		ts  timestamp
	)
	err = s.db.QueryRowContext(ctx, query, key).Scan(&row.Key, &row.Total.Cents, &ts)
	if err != nil {
		if isNoRows(err) {
			return core.AggregateRow{}, core.ErrNotFound
		}
		return core.AggregateRow{}, fmt.Errorf("query %s: %w", table, err)
	}
	row.LastUpdated = ts.Time
	return row, nil
}

// Summary describes every loaded sale in the reporting currency.
type Summary struct {
	Orders  int64
	Total   core.Money
	Average core.Money
	Min     core.Money
	Max     core.Money
}

func (s *Store) Summary(ctx context.Context) (Summary, error) {
	const query = `SELECT COUNT(*),
    COALESCE(SUM(sales_amount_reporting_cents), 0),
    COALESCE(MIN(sales_amount_reporting_cents), 0),
    COALESCE(MAX(sales_amount_reporting_cents), 0)
FROM sales`

	var sum Summary
	err := s.db.QueryRowContext(ctx, query).Scan(&sum.Orders, &sum.Total.Cents, &sum.Min.Cents, &sum.Max.Cents)
	if err != nil {
		return Summary{}, fmt.Errorf("query summary: %w", err)
	}
	if sum.Orders > 0 {
		avg := decimal.New(sum.Total.Cents, -2).Div(decimal.NewFromInt(sum.Orders))
		if sum.Average, err = core.MoneyFromDecimal(avg); err != nil {
			return Summary{}, fmt.Errorf("summary average: %w", err)
		}
	}
	return sum, nil
}

// CountSales returns the number of stored raw records.
func (s *Store) CountSales(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sales: %w", err)
	}
	return n, nil
}

// SaleExists reports whether orderID has been loaded.
func (s *Store) SaleExists(ctx context.Context, orderID int64) (bool, error) {
	var n int64
	query := rebind(s.dialect, `SELECT COUNT(*) FROM sales WHERE order_id = ?`)
	if err := s.db.QueryRowContext(ctx, query, orderID).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup sale %d: %w", orderID, err)
	}
	return n > 0, nil
}
