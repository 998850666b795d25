package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/batchledger/batchledger/internal/app"
	jobmetrics "github.com/batchledger/batchledger/internal/jobs"
	"github.com/batchledger/batchledger/internal/ledger"
	"github.com/batchledger/batchledger/internal/platform/cache"
	"github.com/batchledger/batchledger/internal/platform/db"
	"github.com/batchledger/batchledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	cutoff, err := cfg.CutoffDate()
	if err != nil {
		slog.Default().Error("parse recompute cutoff", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobMetrics := jobmetrics.NewMetrics(nil)
	ledgerRepo := ledger.NewRepository(pool)
	runStore := ledger.NewRunStore(redisClient)
	coordinator := ledger.NewCoordinator(logger, ledgerRepo, runStore, jobMetrics)

	queueClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	processor := jobs.NewProcessor(logger, coordinator, ledgerRepo, queueClient, cutoff)

	nightlyTask, err := jobs.NewRecomputeAllTask("", cutoff)
	if err != nil {
		logger.Error("build nightly recompute task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Processor: processor,
		Cron: []jobs.CronRegistration{
			{Spec: "30 2 * * *", Task: nightlyTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
