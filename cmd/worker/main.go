// Command worker drains session events from Redpanda into Postgres.
// It runs alongside the server whenever Kafka brokers are configured;
// without brokers the server writes events straight to the database
// and no worker is needed.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/events/redpanda"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/repo/postgres"
	"github.com/drejom/rbiocverse-sub003/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose consumer metrics on a dedicated port so Prometheus can
	// scrape the worker separately from the server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if !cfg.EventsEnabled() {
		slog.Error("no Kafka brokers configured, nothing to consume")
		os.Exit(1)
	}

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	sink := postgres.NewEventRepo(pool)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, sink, cfg.KafkaTopic)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	// Run returns on a sink failure; exit non-zero and let the
	// orchestrator restart us from the last committed offset.
	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		stop()
		consumer.Close()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			slog.Error("consumer error", slog.Any("error", err))
			os.Exit(1)
		}
	}
	slog.Info("worker stopped")
}
