// Package aggregate sums canonical records into the affiliate, category
// and month views.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"salesetl/internal/core"
)

// Views holds the three aggregates of one batch, keyed verbatim.
type Views struct {
	ByAffiliate map[string]core.Money
	ByCategory  map[string]core.Money
	ByMonth     map[string]core.Money
}

func NewViews() Views {
	return Views{
		ByAffiliate: make(map[string]core.Money),
		ByCategory:  make(map[string]core.Money),
		ByMonth:     make(map[string]core.Money),
	}
}

// Aggregate sums reporting amounts per key. Totals are integer cents, so
// the result does not depend on record order. It fails with
// core.ErrAmountOutOfRange when a total does not fit in int64 cents.
func Aggregate(records []core.CanonicalSalesRecord) (Views, error) {
	v := NewViews()
	for _, r := range records {
		if err := v.Add(r); err != nil {
			return Views{}, fmt.Errorf("order %d: %w", r.OrderID, err)
		}
	}
	return v, nil
}

// Admit adds records one at a time and leaves out every record that would
// push a total out of range. It returns the views, the records they were
// built from and a *core.NormalizationError per record left out.
func Admit(records []core.CanonicalSalesRecord) (Views, []core.CanonicalSalesRecord, []error) {
	v := NewViews()
	accepted := make([]core.CanonicalSalesRecord, 0, len(records))
	var rejected []error
	for _, r := range records {
		if err := v.Add(r); err != nil {
			rejected = append(rejected, &core.NormalizationError{
				OrderID: r.OrderID,
				Reason:  fmt.Sprintf("reporting amount %s overflows the run totals", r.SalesAmountReporting),
				Err:     err,
			})
			continue
		}
		accepted = append(accepted, r)
	}
	return v, accepted, rejected
}

// Add accumulates one record into every view. When the record would
// overflow any total the views are left unchanged and
// core.ErrAmountOutOfRange is returned.
func (v Views) Add(r core.CanonicalSalesRecord) error {
	amount := r.SalesAmountReporting
	if _, err := v.Total().Add(amount); err != nil {
		return err
	}
	affiliate, err := v.ByAffiliate[r.AffiliateName].Add(amount)
	if err != nil {
		return err
	}
	category, err := v.ByCategory[r.Category].Add(amount)
	if err != nil {
		return err
	}
	month, err := v.ByMonth[r.Month].Add(amount)
	if err != nil {
		return err
	}
	v.ByAffiliate[r.AffiliateName] = affiliate
	v.ByCategory[r.Category] = category
	v.ByMonth[r.Month] = month
	return nil
}

// View returns the map for d, or nil for an unknown dimension.
func (v Views) View(d core.Dimension) map[string]core.Money {
	switch d {
	case core.ByAffiliate:
		return v.ByAffiliate
	case core.ByCategory:
		return v.ByCategory
	case core.ByMonth:
		return v.ByMonth
	}
	return nil
}

// Total is the sum of one view; every view has the same total. Add keeps
// it within range.
func (v Views) Total() core.Money {
	var total core.Money
	for _, m := range v.ByMonth {
		total.Cents += m.Cents
	}
	return total
}

func (v Views) Empty() bool {
	return len(v.ByAffiliate) == 0 && len(v.ByCategory) == 0 && len(v.ByMonth) == 0
}

// Rows renders the view for d as rows stamped with at. Months are sorted
// chronologically, the other views by descending total then key.
func (v Views) Rows(d core.Dimension, at time.Time) []core.AggregateRow {
	view := v.View(d)
	rows := make([]core.AggregateRow, 0, len(view))
	for k, m := range view {
		rows = append(rows, core.AggregateRow{Key: k, Total: m, LastUpdated: at})
	}
	SortRows(d, rows)
	return rows
}

// SortRows applies the report ordering for d in place.
func SortRows(d core.Dimension, rows []core.AggregateRow) {
	if d == core.ByMonth {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
		return
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total.Cents != rows[j].Total.Cents {
			return rows[i].Total.Cents > rows[j].Total.Cents
		}
		return rows[i].Key < rows[j].Key
	})
}
