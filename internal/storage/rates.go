package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"salesetl/internal/core"
	"salesetl/internal/log"
)

// RateStore keeps the last known rate per currency in exchange_rates and
// every observation in exchange_rate_history. It satisfies rates.Cache.
type RateStore struct {
	s *Store
}

func (s *Store) Rates() *RateStore {
	return &RateStore{s: s}
}

func (r *RateStore) Get(ctx context.Context, currency string) (core.ExchangeRate, error) {
	query := rebind(r.s.dialect, `SELECT rate, observed_at, source FROM exchange_rates WHERE currency = ?`)

	var (
		rate   decimal.Decimal
		ts     timestamp
		source string
	)
	if err := r.s.db.QueryRowContext(ctx, query, currency).Scan(&rate, &ts, &source); err != nil {
		if isNoRows(err) {
			return core.ExchangeRate{}, core.ErrNotFound
		}
		return core.ExchangeRate{}, fmt.Errorf("query exchange rate %s: %w", currency, err)
	}
	return core.NewExchangeRate(currency, rate, ts.Time, source)
}

// Put records the observation in history and makes it current unless a
// newer observation is already stored.
func (r *RateStore) Put(ctx context.Context, rate core.ExchangeRate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	return r.s.withinTx(ctx, func(ctx context.Context, t *tx) error {
		observed := timeArg(t.dialect, rate.ObservedAt)

		if _, err := t.exec(ctx, log.OpAppend,
			`INSERT INTO exchange_rate_history (currency, rate, observed_at, source) VALUES (?, ?, ?, ?)`,
			rate.Currency, rate.Rate.String(), observed, rate.Source); err != nil {
			return err
		}

		_, err := t.exec(ctx, log.OpUpsert, `INSERT INTO exchange_rates (currency, rate, observed_at, source) VALUES (?, ?, ?, ?)
ON CONFLICT (currency) DO UPDATE SET
    rate = excluded.rate,
    observed_at = excluded.observed_at,
    source = excluded.source
WHERE exchange_rates.observed_at <= excluded.observed_at`,
			rate.Currency, rate.Rate.String(), observed, rate.Source)
		return err
	})
}

// History returns up to limit observations for currency, newest first.
func (r *RateStore) History(ctx context.Context, currency string, limit int) ([]core.ExchangeRate, error) {
	query := rebind(r.s.dialect, `SELECT rate, observed_at, source FROM exchange_rate_history
WHERE currency = ? ORDER BY observed_at DESC, id DESC LIMIT ?`)

	rows, err := r.s.db.QueryContext(ctx, query, currency, limit)
	if err != nil {
		return nil, fmt.Errorf("query rate history %s: %w", currency, err)
	}
	defer rows.Close()

	var out []core.ExchangeRate
	for rows.Next() {
		var (
			rate   decimal.Decimal
			ts     timestamp
			source string
		)
		if err := rows.Scan(&rate, &ts, &source); err != nil {
			return nil, fmt.Errorf("scan rate history: %w", err)
		}
		out = append(out, core.ExchangeRate{Currency: currency, Rate: rate, ObservedAt: ts.Time, Source: source})
	}
	return out, rows.Err()
}
