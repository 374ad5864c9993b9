package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"salesetl/internal/amqp"
	"salesetl/internal/cli"
	apphttp "salesetl/internal/http"
	"salesetl/internal/log"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	ctx := context.Background()
	store, err := cli.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open warehouse", log.FieldError, err)
		os.Exit(1)
	}
	defer store.Close()

	opts := apphttp.Options{
		Warehouse: store,
		Rates:     store.Rates(),
		Logger:    logger,
	}
	if cfg.AMQPEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRequestQueue, cfg.AMQPEventQueue, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, run requests disabled", log.FieldError, err)
		} else {
			defer client.Close()
			opts.Runs = client
		}
	}

	srv := apphttp.NewServer(":"+cfg.Port, opts)

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	logger.Info("Starting salesetl-api", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(shutdownCtx, done)
	logger.Info("Server stopped gracefully")
}
