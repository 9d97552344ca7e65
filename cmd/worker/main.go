// Package main provides the worker application entry point.
// The worker consumes crawl jobs from the queue and executes them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seekerhq/crawld/internal/adapter/fetcher/httpfetch"
	"github.com/seekerhq/crawld/internal/adapter/observability"
	natsq "github.com/seekerhq/crawld/internal/adapter/queue/nats"
	"github.com/seekerhq/crawld/internal/adapter/redisx"
	"github.com/seekerhq/crawld/internal/adapter/repo/postgres"
	"github.com/seekerhq/crawld/internal/config"
	"github.com/seekerhq/crawld/internal/service/cancel"
	"github.com/seekerhq/crawld/internal/service/logstream"
	"github.com/seekerhq/crawld/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Dedicated /metrics endpoint for scraping worker-side metrics.
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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	websiteRepo := postgres.NewWebsiteRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	policyRepo := postgres.NewRetryPolicyRepo(pool)
	historyRepo := postgres.NewRetryHistoryRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	logRepo := postgres.NewLogRepo(pool)

	rdb, err := redisx.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	retrySchedule := redisx.NewRetrySchedule(rdb)
	cancelFlags := redisx.NewCancelFlags(rdb)

	nc, err := natsq.Connect(ctx, cfg.BrokerURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer nc.Close()
	broker, err := natsq.NewBroker(ctx, nc, natsq.BrokerConfig{
		StreamName:    cfg.BrokerStreamName,
		ConsumerName:  cfg.BrokerConsumerName,
		MaxMsgs:       cfg.BrokerMaxMsgs,
		DedupWindow:   cfg.BrokerDedupWindow,
		AckWait:       cfg.BrokerAckWait,
		MaxDeliver:    cfg.BrokerMaxDeliver,
		MaxAckPending: cfg.BrokerMaxAckPend,
	})
	if err != nil {
		slog.Error("broker setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	logBus := natsq.NewLogBus(nc)

	// No reconnect buffer here: the API process taps the bus for its
	// own buffer; the worker only stores and publishes.
	ingestor := logstream.NewIngestor(logRepo, nil, logBus)
	resources := cancel.NewResourceCoordinator(cfg.GracefulCleanupTimeout)
	cancelCoord := cancel.NewCoordinator(jobRepo, cancelFlags, broker, resources)
	failures := usecase.NewFailureHandler(jobRepo, policyRepo, historyRepo, dlqRepo, retrySchedule)
	fetcher := httpfetch.New(cfg.FetchTimeout, cfg.BrowserDriverURL)
	exec := usecase.NewExecuteService(jobRepo, websiteRepo, fetcher, cancelCoord, resources, failures, ingestor)

	slog.Info("worker starting", slog.Int("worker_count", cfg.WorkerCount))
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := broker.Consume(ctx, exec.Handle); err != nil && ctx.Err() == nil {
				slog.Error("consume loop exited", slog.Int("worker", n), slog.Any("error", err))
			}
		}(i)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	stop()
	wg.Wait()
	slog.Info("worker stopped")
}
