package rates

import (
	"context"
	"errors"
	"strings"
	"time"

	"salesetl/internal/cache"
	"salesetl/internal/core"
	"salesetl/internal/log"
)

const feedKey = "latest"

// DefaultFeedTTL is how long one feed snapshot, or one feed failure, is
// reused before the feed is asked again.
const DefaultFeedTTL = 5 * time.Minute

type feedResult struct {
	rates map[string]core.ExchangeRate
	err   error
}

// Resolver maps a currency to its rate against the reporting currency.
type Resolver struct {
	reporting string
	source    Source
	store     Cache
	feed      *cache.Loader[feedResult]
	memo      *cache.LRUCache[feedResult]
	feedTTL   time.Duration
	now       func() time.Time
	logger    *log.Logger
}

type Option func(*Resolver)

func WithFeedTTL(d time.Duration) Option {
	return func(r *Resolver) { r.feedTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver builds a resolver. source may be nil, in which case only the
// cache is consulted.
func NewResolver(reporting string, source Source, store Cache, opts ...Option) *Resolver {
	r := &Resolver{
		reporting: strings.ToUpper(strings.TrimSpace(reporting)),
		source:    source,
		store:     store,
		feedTTL:   DefaultFeedTTL,
		now:       time.Now,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent(log.ComponentRates)
	r.memo = cache.NewLRUCache[feedResult](1, r.feedTTL).WithClock(r.now)
	r.feed = cache.NewLoader[feedResult](r.memo)
	return r
}

// ReportingCurrency returns the currency every amount is converted into.
func (r *Resolver) ReportingCurrency() string {
	return r.reporting
}

// Resolve returns the rate for currency. asOf is accepted for callers that
// know the transaction date but the latest known rate is always used.
//
// The reporting currency resolves to 1 without any I/O. Otherwise the live
// feed wins, then the cache; when both miss the error is a
// *core.RateUnavailableError.
func (r *Resolver) Resolve(ctx context.Context, currency string, asOf time.Time) (core.ExchangeRate, error) {
	code, err := core.ParseCurrency(currency)
	if err != nil {
		return core.ExchangeRate{}, &core.RateUnavailableError{Currency: currency, Err: err}
	}
	if code == r.reporting {
		return core.Identity(code, r.now()), nil
	}

	live := r.snapshot(ctx)
	if live.err == nil {
		if rate, ok := live.rates[code]; ok {
			return rate, nil
		}
	}

	cached, err := r.store.Get(ctx, code)
	if err == nil {
		r.logger.DebugContext(ctx, "Using cached exchange rate",
			log.FieldCurrency, code,
			log.FieldRate, cached.Rate.String(),
			log.FieldSource, cached.Source,
			"observed_at", cached.ObservedAt)
		return cached, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		r.logger.WarnContext(ctx, "Rate cache lookup failed", log.FieldCurrency, code, log.FieldError, err)
	}

	cause := live.err
	if cause == nil {
		cause = errors.New("not quoted by live feed")
	}
	return core.ExchangeRate{}, &core.RateUnavailableError{Currency: code, Err: cause}
}

// FeedCache exposes the snapshot memo so a cache.Manager can expire it.
func (r *Resolver) FeedCache() cache.Cleaner {
	return r.memo
}

// Refresh forces a new feed query on the next Resolve.
func (r *Resolver) Refresh() {
	r.feed.Forget(feedKey)
}

// Seed stores each rate that the cache does not already know. It is used
// to install the configured fallback table.
func (r *Resolver) Seed(ctx context.Context, fallback []core.ExchangeRate) (int, error) {
	seeded := 0
	for _, rate := range fallback {
		if rate.Currency == r.reporting {
			continue
		}
		_, err := r.store.Get(ctx, rate.Currency)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrNotFound) {
			return seeded, err
		}
		if err := r.store.Put(ctx, rate); err != nil {
			return seeded, err
		}
		seeded++
	}
	if seeded > 0 {
		r.logger.InfoContext(ctx, "Seeded fallback exchange rates", log.FieldCount, seeded)
	}
	return seeded, nil
}

func (r *Resolver) snapshot(ctx context.Context) feedResult {
	if r.source == nil {
		return feedResult{err: errors.New("no live feed configured")}
	}
	return r.feed.Get(feedKey, func() feedResult {
		return r.fetch(ctx)
	})
}

func (r *Resolver) fetch(ctx context.Context) feedResult {
	snap, err := r.source.Latest(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "Live exchange rate feed unavailable, falling back to cache",
			log.FieldOperation, log.OpFetch,
			log.FieldError, err)
		return feedResult{err: err}
	}

	rates, err := snap.Rates(r.reporting, core.RateSourceLive)
	if err != nil {
		r.logger.WarnContext(ctx, "Live exchange rate feed unusable", log.FieldError, err)
		return feedResult{err: err}
	}

	stored := 0
	for _, rate := range rates {
		if err := r.store.Put(ctx, rate); err != nil {
			r.logger.WarnContext(ctx, "Failed to cache exchange rate",
				log.FieldCurrency, rate.Currency,
				log.FieldError, err)
			continue
		}
		stored++
	}
	r.logger.InfoContext(ctx, "Fetched live exchange rates",
		"base", snap.Base,
		log.FieldCount, len(rates),
		"cached", stored)

	return feedResult{rates: rates}
}
