// Command pipeline runs the flight-weather fusion pipeline: extract flight
// and weather archives, normalize both branches, resolve stations to
// airports, and fuse everything into the final per-flight weather table.
//
// Usage:
//
//	pipeline -config config.yaml            # run every stage
//	pipeline -config config.yaml -force     # ignore recorded state, redo all
//	pipeline -config config.yaml -stage fuse
//	pipeline -config config.yaml -list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/flight-weather-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/flight-weather-etl/internal/adapter/kafka"
	"github.com/couchcryptid/flight-weather-etl/internal/adapter/noaa"
	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	"github.com/couchcryptid/flight-weather-etl/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	stage := flag.String("stage", "", "run a single stage by name instead of the full graph")
	force := flag.Bool("force", false, "run stages even when their recorded state says they are up to date")
	list := flag.Bool("list", false, "print the stage names in execution order and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	fetcher := noaa.NewClient(
		cfg.Weather.BaseURL,
		cfg.Weather.FetchTimeout.Std(),
		cfg.Weather.FetchRetries,
		cfg.Weather.FetchBackoff.Std(),
		logger,
	)
	fetcher.OnRetry = metrics.FetchRetries.Inc

	deps := pipeline.Deps{
		Config:  cfg,
		Fetcher: fetcher,
		Logger:  logger,
		Metrics: metrics,
	}
	var publisher *kafkaadapter.Writer
	if cfg.Kafka.Enabled {
		publisher = kafkaadapter.NewWriter(cfg, logger)
		deps.Publisher = publisher
		logger.Info("kafka publishing enabled", "topic", cfg.Kafka.Topic)
	}

	state, err := pipeline.LoadState(cfg.Paths.StateFile)
	if err != nil {
		logger.Error("failed to load pipeline state", "error", err)
		os.Exit(1)
	}

	runner, err := pipeline.New(pipeline.BuildStages(deps), state, logger, metrics)
	if err != nil {
		logger.Error("invalid stage graph", "error", err)
		os.Exit(1)
	}

	if *list {
		for _, name := range runner.StageNames() {
			fmt.Println(name)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, runner, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	var report *pipeline.Report
	if *stage != "" {
		report, err = runner.RunOne(ctx, *stage, *force)
		if err != nil {
			logger.Error("stage run failed", "error", err)
			os.Exit(1)
		}
	} else {
		report = runner.RunAll(ctx, *force)
	}

	fmt.Print(pipeline.FormatReport(report))

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	if report.Fatal() {
		os.Exit(1)
	}
}
