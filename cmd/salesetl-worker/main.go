package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"salesetl/internal/amqp"
	"salesetl/internal/cache"
	"salesetl/internal/cli"
	"salesetl/internal/config"
	"salesetl/internal/log"
	"salesetl/internal/pipeline"
	"salesetl/internal/report"
	"salesetl/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	logger.Info("Starting salesetl-worker")

	if !cfg.AMQPEnabled() && cfg.RunInterval == 0 {
		logger.Error("Nothing to do: set AMQP_URL or RUN_INTERVAL")
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)
	code := run(ctx, cfg, logger)
	if code == 0 {
		cli.WaitForShutdown(ctx, done)
		logger.Info("Worker shutdown complete")
	}
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) int {
	store, err := cli.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open warehouse", log.FieldError, err)
		return 1
	}
	defer store.Close()

	resolver, closeCache, err := cli.BuildResolver(ctx, cfg, store, logger)
	if err != nil {
		logger.Error("Failed to initialize exchange rates", log.FieldError, err)
		return 1
	}
	defer closeCache()

	cacheCtx, stopCaches := context.WithCancel(ctx)
	caches := cache.NewManager(logger)
	caches.Register(resolver.FeedCache())
	caches.Start(cacheCtx, time.Minute)
	defer caches.Wait()
	defer stopCaches()

	var (
		client    *amqp.Client
		notifiers []pipeline.Notifier
	)
	if cfg.AMQPEnabled() {
		client, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRequestQueue, cfg.AMQPEventQueue, logger)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			return 1
		}
		defer client.Close()
		notifiers = append(notifiers, client)
	}

	runner := cli.NewRunner(store, resolver, logger, notifiers...)
	runWorker := worker.NewRunWorker(runner, report.NewExporter(cfg.ReportsDir, store, logger), cfg.CSVPath, logger)

	g, gctx := errgroup.WithContext(ctx)
	if client != nil {
		g.Go(func() error {
			return client.ConsumeRunRequests(gctx, runWorker.HandleRunRequest)
		})
	}
	if cfg.RunInterval > 0 {
		logger.Info("Scheduled runs enabled", "interval", cfg.RunInterval.String(), log.FieldSource, cfg.CSVPath)
		g.Go(func() error {
			return runWorker.Schedule(gctx, cfg.RunInterval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped", log.FieldError, err)
		return 1
	}
	return 0
}
