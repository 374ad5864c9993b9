package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"salesetl/internal/amqp"
	"salesetl/internal/cli"
	"salesetl/internal/config"
	"salesetl/internal/extract"
	"salesetl/internal/log"
	"salesetl/internal/pipeline"
	"salesetl/internal/report"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()

	csvPath := flag.String("csv", cfg.CSVPath, "sales CSV to load")
	reportsDir := flag.String("reports", cfg.ReportsDir, "directory for CSV reports")
	noReports := flag.Bool("no-reports", false, "skip writing CSV reports")
	enqueue := flag.Bool("enqueue", false, "publish a run request over AMQP instead of running locally")
	flag.Parse()

	logger := cli.SetupLogger(cfg)
	ctx := context.Background()

	if *enqueue {
		os.Exit(enqueueRun(ctx, cfg, *csvPath, logger))
	}
	os.Exit(run(ctx, cfg, *csvPath, *reportsDir, !*noReports, logger))
}

func run(ctx context.Context, cfg *config.Config, csvPath, reportsDir string, writeReports bool, logger *log.Logger) int {
	logger.Info("Starting salesetl run", log.FieldSource, csvPath, "reporting_currency", cfg.ReportingCurrency)

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

	var notifiers []pipeline.Notifier
	if cfg.AMQPEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRequestQueue, cfg.AMQPEventQueue, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, run events will not be published", log.FieldError, err)
		} else {
			defer client.Close()
			notifiers = append(notifiers, client)
		}
	}

	runner := cli.NewRunner(store, resolver, logger, notifiers...)
	rep, err := runner.RunFrom(ctx, extract.NewCSVExtractor(csvPath, logger))
	if rep != nil && writeReports {
		if _, exportErr := report.NewExporter(reportsDir, store, logger).Export(ctx, rep); exportErr != nil {
			logger.Error("Failed to write reports", log.FieldError, exportErr)
		}
	}
	if rep != nil {
		printSummary(rep)
	}
	return cli.ExitCode(err)
}

func enqueueRun(ctx context.Context, cfg *config.Config, csvPath string, logger *log.Logger) int {
	if !cfg.AMQPEnabled() {
		logger.Error("AMQP_URL is required to enqueue a run")
		return 1
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRequestQueue, cfg.AMQPEventQueue, logger)
	if err != nil {
		logger.Error("Failed to connect to AMQP", log.FieldError, err)
		return 1
	}
	defer client.Close()

	if err := client.PublishRunRequest(ctx, amqp.NewRunRequestedMessage(csvPath)); err != nil {
		logger.Error("Failed to enqueue run", log.FieldError, err)
		return 1
	}
	return 0
}

func printSummary(rep *pipeline.Report) {
	fmt.Printf("run %s %s: %d input, %d loaded, %d skipped, %d failed, total %s\n",
		rep.RunID, rep.Status, rep.Input, rep.Loaded, rep.Skipped, rep.Failed, rep.Total())
	for _, f := range rep.Failures {
		switch {
		case f.OrderID != 0:
			fmt.Printf("  order %d: %s: %s\n", f.OrderID, f.Kind, f.Reason)
		case f.Line != 0:
			fmt.Printf("  line %d: %s: %s\n", f.Line, f.Kind, f.Reason)
		default:
			fmt.Printf("  %s: %s\n", f.Kind, f.Reason)
		}
	}
}
