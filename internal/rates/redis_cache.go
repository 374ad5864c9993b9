package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"salesetl/internal/core"
)

const redisKeyPrefix = "salesetl:rate:"

// RedisCache shares the last known rates between processes.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

type redisRate struct {
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     string          `json:"source"`
}

// NewRedisCache stores entries for ttl; zero keeps them forever.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and pings the server.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client, ttl), nil
}

func (c *RedisCache) Get(ctx context.Context, currency string) (core.ExchangeRate, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+currency).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.ExchangeRate{}, core.ErrNotFound
	}
	if err != nil {
		return core.ExchangeRate{}, fmt.Errorf("redis get %s: %w", currency, err)
	}

	var stored redisRate
	if err := json.Unmarshal(raw, &stored); err != nil {
		return core.ExchangeRate{}, fmt.Errorf("decode cached rate %s: %w", currency, err)
	}
	return core.NewExchangeRate(currency, stored.Rate, stored.ObservedAt, stored.Source)
}

func (c *RedisCache) Put(ctx context.Context, rate core.ExchangeRate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(redisRate{Rate: rate.Rate, ObservedAt: rate.ObservedAt, Source: rate.Source})
	if err != nil {
		return fmt.Errorf("encode rate: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+rate.Currency, body, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", rate.Currency, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
