// Package warehouse loads one batch of canonical records into the
// warehouse atomically.
package warehouse

import (
	"context"
	"time"

	"salesetl/internal/aggregate"
	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/storage"
)

// Store is satisfied by *storage.Store.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

// LoadResult describes a committed load.
type LoadResult struct {
	// Loaded are the records appended by this load.
	Loaded []core.CanonicalSalesRecord
	// Duplicates holds one *core.DuplicateRecordError per record whose
	// order id was already stored.
	Duplicates []error
	// Views are the totals actually added to the fact tables.
	Views    aggregate.Views
	LoadedAt time.Time
}

type Upserter struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
}

func NewUpserter(store Store, logger *log.Logger) *Upserter {
	if logger == nil {
		logger = log.Default()
	}
	return &Upserter{
		store:  store,
		now:    time.Now,
		logger: logger.WithComponent(log.ComponentWarehouse),
	}
}

// Load appends records to the raw sales table and adds views to the fact
// tables in a single transaction.
//
// Records whose order id is already stored are reported as duplicates and
// excluded; when any are found the views are recomputed from the accepted
// records so that a duplicate never reaches a fact table. On error nothing
// is committed and the error is a *core.StorageError.
func (u *Upserter) Load(ctx context.Context, runID string, records []core.CanonicalSalesRecord, views aggregate.Views) (LoadResult, error) {
	var result LoadResult

	err := u.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// The transaction may be retried; start from scratch each time.
		result = LoadResult{LoadedAt: u.now().UTC()}
		seen := make(map[int64]bool, len(records))

		for _, rec := range records {
			if seen[rec.OrderID] {
				result.Duplicates = append(result.Duplicates, &core.DuplicateRecordError{OrderID: rec.OrderID})
				continue
			}
			seen[rec.OrderID] = true

			inserted, err := tx.AppendSale(ctx, rec, runID)
			if err != nil {
				return err
			}
			if !inserted {
				result.Duplicates = append(result.Duplicates, &core.DuplicateRecordError{OrderID: rec.OrderID})
				continue
			}
			result.Loaded = append(result.Loaded, rec)
		}

		result.Views = views
		if len(result.Duplicates) > 0 {
			accepted, err := aggregate.Aggregate(result.Loaded)
			if err != nil {
				return err
			}
			result.Views = accepted
		}

		for _, dim := range core.Dimensions() {
			for key, total := range result.Views.View(dim) {
				if err := tx.AccumulateFact(ctx, dim, key, total, result.LoadedAt); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		u.logger.ErrorContext(ctx, "Warehouse load rolled back",
			log.FieldRunID, runID,
			log.FieldOperation, log.OpLoad,
			log.FieldError, err)
		return LoadResult{}, err
	}

	u.logger.InfoContext(ctx, "Warehouse load committed",
		log.FieldRunID, runID,
		"loaded", len(result.Loaded),
		"duplicates", len(result.Duplicates),
		"total", result.Views.Total().String())
	return result, nil
}
