package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/nmang004/proxapeople-sub000/internal/app"
	"github.com/nmang004/proxapeople-sub000/internal/audit"
	jobmetrics "github.com/nmang004/proxapeople-sub000/internal/jobs"
	"github.com/nmang004/proxapeople-sub000/internal/platform/cache"
	"github.com/nmang004/proxapeople-sub000/internal/platform/db"
	"github.com/nmang004/proxapeople-sub000/internal/rbac"
	"github.com/nmang004/proxapeople-sub000/jobs"
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

	logger := app.NewLogger(cfg)
	if cfg.RBACStore != app.StorePostgres {
		logger.Error("worker requires RBAC_STORE=postgres; the memory store purges in-process")
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := rbac.NewPostgresRepository(pool)
	// No local cache here; purged users are announced to API instances.
	broadcaster := rbac.NewBroadcaster(redisClient, nil, cfg.RBACInvalidationChannel, logger)
	store := rbac.NewOverrideStore(repo, nil,
		rbac.WithInvalidator(broadcaster),
		rbac.WithAuditor(audit.NewService(audit.NewPostgresStore(pool))),
		rbac.WithOverrideLogger(logger),
	)

	purgeJob := jobs.NewPurgeExpiredOverridesJob(store, logger, jobmetrics.NewMetrics(nil))
	purgeTask, err := jobs.NewPurgeExpiredTask("cron")
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRBACPurgeExpiredOverrides, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RBACPurgeCron, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
