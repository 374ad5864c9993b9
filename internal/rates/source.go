// Package rates resolves the rate that converts an amount in some currency
// into the reporting currency.
//
// The live feed is queried at most once per FeedTTL. Every rate it returns
// is written to the Cache, which is what the resolver falls back to when the
// feed is down or does not quote a currency.
package rates

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"salesetl/internal/core"
)

// divisionPrecision is the number of decimal places kept when inverting
// feed quotes.
const divisionPrecision = 10

// Source returns the latest quotes published by a rate provider.
type Source interface {
	Latest(ctx context.Context) (Snapshot, error)
}

// Snapshot is one observation of a feed: Quotes[c] units of c buy one unit
// of Base.
type Snapshot struct {
	Base       string
	Quotes     map[string]decimal.Decimal
	ObservedAt time.Time
}

// Rates converts the quotes into reporting-currency rates. Quotes that are
// not valid ISO codes or not positive are skipped.
func (s Snapshot) Rates(reporting, source string) (map[string]core.ExchangeRate, error) {
	base := strings.ToUpper(s.Base)
	reporting = strings.ToUpper(reporting)

	quotes := make(map[string]decimal.Decimal, len(s.Quotes)+1)
	for code, q := range s.Quotes {
		quotes[strings.ToUpper(code)] = q
	}
	quotes[base] = decimal.NewFromInt(1)

	reportingQuote, ok := quotes[reporting]
	if !ok || !reportingQuote.IsPositive() {
		return nil, fmt.Errorf("feed based on %s does not quote %s", base, reporting)
	}

	out := make(map[string]core.ExchangeRate, len(quotes))
	for code, q := range quotes {
		if code == reporting || !q.IsPositive() {
			continue
		}
		rate, err := core.NewExchangeRate(code, reportingQuote.DivRound(q, divisionPrecision), s.ObservedAt, source)
		if err != nil {
			continue
		}
		out[rate.Currency] = rate
	}
	return out, nil
}

// StaticSource serves a fixed set of quotes, typically the configured
// fallback table.
type StaticSource struct {
	snapshot Snapshot
}

func NewStaticSource(base string, quotes map[string]decimal.Decimal) *StaticSource {
	return &StaticSource{snapshot: Snapshot{Base: base, Quotes: quotes}}
}

func (s *StaticSource) Latest(context.Context) (Snapshot, error) {
	snap := s.snapshot
	snap.ObservedAt = time.Now().UTC()
	return snap, nil
}

// FallbackRates converts a static quote table into rates sorted by currency
// code. The table is quoted like the live feed: units of each currency per
// one unit of base. When base is not the reporting currency the table must
// quote the reporting currency, and every rate is crossed through base.
func FallbackRates(reporting, base string, quotes map[string]decimal.Decimal) ([]core.ExchangeRate, error) {
	if len(quotes) == 0 {
		return nil, nil
	}
	if base == "" {
		base = reporting
	}
	snap, _ := NewStaticSource(base, quotes).Latest(context.Background())
	byCode, err := snap.Rates(reporting, core.RateSourceStatic)
	if err != nil {
		return nil, err
	}
	out := make([]core.ExchangeRate, 0, len(byCode))
	for _, rate := range byCode {
		out = append(out, rate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
