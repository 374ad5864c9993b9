package rates

import (
	"context"
	"errors"
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"salesetl/internal/core"
)

// Cache keeps the most recent known rate per currency. Get returns
// core.ErrNotFound on a miss.
type Cache interface {
	Get(ctx context.Context, currency string) (core.ExchangeRate, error)
	Put(ctx context.Context, rate core.ExchangeRate) error
}

// MemoryCache is a process-local Cache. Entries never expire.
type MemoryCache struct {
	items *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: gocache.New(gocache.NoExpiration, 0)}
}

func (c *MemoryCache) Get(_ context.Context, currency string) (core.ExchangeRate, error) {
	v, ok := c.items.Get(currency)
	if !ok {
		return core.ExchangeRate{}, core.ErrNotFound
	}
	return v.(core.ExchangeRate), nil
}

func (c *MemoryCache) Put(_ context.Context, rate core.ExchangeRate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	c.items.Set(rate.Currency, rate, gocache.NoExpiration)
	return nil
}

// Len reports how many currencies are cached.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

// TieredCache reads from the first tier that has a rate and writes to all
// of them. A hit in a lower tier is copied into the tiers above it.
type TieredCache struct {
	tiers []Cache
}

func NewTieredCache(tiers ...Cache) *TieredCache {
	return &TieredCache{tiers: tiers}
}

func (t *TieredCache) Get(ctx context.Context, currency string) (core.ExchangeRate, error) {
	var errs []error
	for i, tier := range t.tiers {
		rate, err := tier.Get(ctx, currency)
		if err == nil {
			for _, upper := range t.tiers[:i] {
				_ = upper.Put(ctx, rate)
			}
			return rate, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return core.ExchangeRate{}, errors.Join(append(errs, core.ErrNotFound)...)
	}
	return core.ExchangeRate{}, core.ErrNotFound
}

func (t *TieredCache) Put(ctx context.Context, rate core.ExchangeRate) error {
	var errs []error
	for i, tier := range t.tiers {
		if err := tier.Put(ctx, rate); err != nil {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
