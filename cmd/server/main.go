// Command server starts the crawl control-plane HTTP server and its
// background loops (scheduler, retry poller, sweeper, partition
// maintenance).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/seekerhq/crawld/internal/adapter/httpserver"
	"github.com/seekerhq/crawld/internal/adapter/observability"
	natsq "github.com/seekerhq/crawld/internal/adapter/queue/nats"
	"github.com/seekerhq/crawld/internal/adapter/redisx"
	"github.com/seekerhq/crawld/internal/adapter/repo/postgres"
	"github.com/seekerhq/crawld/internal/app"
	"github.com/seekerhq/crawld/internal/config"
	"github.com/seekerhq/crawld/internal/service/cancel"
	"github.com/seekerhq/crawld/internal/service/logstream"
	"github.com/seekerhq/crawld/internal/service/retrypoller"
	"github.com/seekerhq/crawld/internal/service/scheduler"
	"github.com/seekerhq/crawld/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	// Infra: DB pool and migrations
	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	websiteRepo := postgres.NewWebsiteRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	scheduleRepo := postgres.NewScheduleRepo(pool)
	policyRepo := postgres.NewRetryPolicyRepo(pool)
	historyRepo := postgres.NewRetryHistoryRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	logRepo := postgres.NewLogRepo(pool)
	configHistRepo := postgres.NewConfigHistoryRepo(pool)

	partitions := postgres.NewPartitionManager(pool)
	if err := partitions.EnsureMonths(ctx, cfg.LogPartitionMonthsAhead); err != nil {
		slog.Error("log partition bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Infra: Redis
	rdb, err := redisx.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	retrySchedule := redisx.NewRetrySchedule(rdb)
	cancelFlags := redisx.NewCancelFlags(rdb)
	streamTokens := redisx.NewStreamTokens(rdb, cfg.WSTokenTTL)
	urlDedup := redisx.NewURLDedup(rdb, cfg.URLDedupTTL)

	// Infra: NATS broker and log bus
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

	// Log streaming. Workers ingest in their own processes, so the
	// reconnect buffer here is fed by tapping the bus firehose.
	logBuffer := logstream.NewBuffer(logstream.DefaultBufferSize)
	streamer := logstream.NewStreamer(logRepo, logBuffer, logBus, cfg.StreamBatchWindow, cfg.StreamPollFallback)
	go logstream.RunBufferTap(ctx, logBus, logBuffer)

	// Cancellation
	resources := cancel.NewResourceCoordinator(cfg.GracefulCleanupTimeout)
	cancelCoord := cancel.NewCoordinator(jobRepo, cancelFlags, broker, resources)

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, websiteRepo, broker, urlDedup)
	cancelSvc := usecase.NewCancelService(cancelCoord)
	querySvc := usecase.NewJobQueryService(jobRepo, logRepo, historyRepo, streamTokens)
	websiteSvc := usecase.NewWebsiteService(websiteRepo, configHistRepo)
	scheduleSvc := usecase.NewScheduleService(scheduleRepo, websiteRepo)
	dlqSvc := usecase.NewDLQService(dlqRepo, jobRepo, broker)
	policySvc := usecase.NewRetryPolicyService(policyRepo)

	// Seed retry policies: built-in table merged with operator overrides.
	policies, err := config.LoadRetryPolicies(cfg.RetryPolicyFile)
	if err != nil {
		slog.Error("retry policy file invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := policySvc.Seed(ctx, policies); err != nil {
		slog.Error("retry policy seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Background loops
	sched := scheduler.New(scheduleRepo, websiteRepo, jobRepo, broker, cfg.SchedulerPollInterval)
	go sched.Run(ctx)
	poller := retrypoller.New(retrySchedule, jobRepo, broker, cfg.RetryPollInterval, cfg.RetryBatchSize)
	go poller.Run(ctx)
	if sweeper := app.NewStuckJobSweeper(jobRepo, dlqRepo, cfg.StuckJobTimeout, time.Minute); sweeper != nil {
		go sweeper.Run(ctx)
	}
	maint := app.NewPartitionMaintenance(partitions, cfg.LogPartitionMonthsAhead, cfg.LogRetentionDays, cfg.PartitionMaintInterval)
	go maint.Run(ctx)

	// Readiness checks
	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, redisPinger{rdb}, broker)

	srv := &httpserver.Server{
		Cfg:         cfg,
		Submit:      submitSvc,
		Cancel:      cancelSvc,
		Query:       querySvc,
		Websites:    websiteSvc,
		Schedules:   scheduleSvc,
		DLQ:         dlqSvc,
		Policies:    policySvc,
		Streamer:    streamer,
		Tokens:      streamTokens,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BrokerCheck: brokerCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
