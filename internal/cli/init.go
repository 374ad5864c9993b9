// Package cli provides common CLI initialization utilities shared by
// cmd/salesetl, cmd/salesetl-worker and cmd/salesetl-api.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"salesetl/internal/config"
	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/normalize"
	"salesetl/internal/pipeline"
	"salesetl/internal/rates"
	"salesetl/internal/storage"
	"salesetl/internal/warehouse"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on failure.
func LoadAndValidateConfig() *config.Config {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Default().Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func SetupLogger(cfg *config.Config) *log.Logger {
	lc := log.DefaultConfig()
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		lc.Level = level
	}
	lc.Format = cfg.LogFormat
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

func StorageConfig(cfg *config.Config, logger *log.Logger) storage.Config {
	sc := storage.Config{
		Dialect: storage.Dialect(cfg.DBType),
		Timeout: cfg.StorageTimeout,
		Logger:  logger,
	}
	if sc.Dialect == storage.Postgres {
		sc.PostgresDSN = cfg.PostgresDSN()
	} else {
		sc.SQLitePath = cfg.SQLiteDBPath
	}
	return sc
}

// OpenStore connects to and migrates the configured warehouse.
func OpenStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (*storage.Store, error) {
	store, err := storage.Open(ctx, StorageConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	return store, nil
}

// RateCache assembles the cache selected by RATE_CACHE. Every choice keeps
// an in-memory tier in front; sql and redis add the durable tiers behind
// it. The returned closer releases the Redis client, if any.
func RateCache(ctx context.Context, cfg *config.Config, store *storage.Store) (rates.Cache, func() error, error) {
	memory := rates.NewMemoryCache()
	noop := func() error { return nil }

	switch cfg.RateCache {
	case "memory":
		return memory, noop, nil
	case "sql":
		return rates.NewTieredCache(memory, store.Rates()), noop, nil
	case "redis":
		rc, err := rates.NewRedisCacheFromURL(ctx, cfg.RedisURL, 0)
		if err != nil {
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		return rates.NewTieredCache(memory, rc, store.Rates()), rc.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported rate cache %q", cfg.RateCache)
}

// BuildResolver wires the live feed, the configured cache and the static
// fallback table into a resolver.
func BuildResolver(ctx context.Context, cfg *config.Config, store *storage.Store, logger *log.Logger) (*rates.Resolver, func() error, error) {
	rc, closer, err := RateCache(ctx, cfg, store)
	if err != nil {
		return nil, closer, err
	}

	var source rates.Source
	if cfg.ExchangeRateAPIURL != "" {
		source = rates.NewHTTPSource(cfg.ExchangeRateAPIURL, rates.WithTimeout(cfg.RateFeedTimeout))
	} else {
		logger.WarnContext(ctx, "No exchange rate feed configured, using cached and fallback rates only")
	}

	resolver := rates.NewResolver(cfg.ReportingCurrency, source, rc,
		rates.WithFeedTTL(cfg.RateFeedTTL),
		rates.WithLogger(logger))

	fallback, err := rates.FallbackRates(cfg.ReportingCurrency, cfg.FallbackBase, cfg.FallbackRates)
	if err != nil {
		logger.WarnContext(ctx, "Fallback rates cannot be converted to the reporting currency, not seeding them",
			log.FieldCurrency, cfg.ReportingCurrency,
			"fallback_base", cfg.FallbackBase,
			log.FieldError, err)
		fallback = nil
	}
	if _, err := resolver.Seed(ctx, fallback); err != nil {
		return nil, closer, fmt.Errorf("seed fallback rates: %w", err)
	}
	return resolver, closer, nil
}

// NewRunner builds the pipeline runner over store, recording runs in it.
func NewRunner(store *storage.Store, resolver *rates.Resolver, logger *log.Logger, notifiers ...pipeline.Notifier) *pipeline.Runner {
	opts := []pipeline.Option{
		pipeline.WithRunRecorder(store),
		pipeline.WithLogger(logger),
	}
	for _, n := range notifiers {
		opts = append(opts, pipeline.WithNotifier(n))
	}
	return pipeline.NewRunner(
		normalize.New(resolver, logger),
		warehouse.NewUpserter(store, logger),
		opts...,
	)
}

// ExitCode maps a run error to a process exit status: 0 on success, 2 for a
// storage failure, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrStorage):
		return 2
	}
	return 1
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
