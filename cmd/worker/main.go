package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridianhr/meridian/internal/app"
	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/batch"
	jobmetrics "github.com/meridianhr/meridian/internal/jobs"
	"github.com/meridianhr/meridian/internal/observability"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/platform/cache"
	"github.com/meridianhr/meridian/internal/platform/db"
	"github.com/meridianhr/meridian/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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

	metrics := observability.NewMetrics()
	recorder := audit.NewPGRecorder(pool, logger)

	permRepo := permission.NewRepository(pool)
	permCache := permission.NewCache(redisClient, cfg.PermissionCacheTTL, logger)
	permService := permission.NewService(permission.ServiceConfig{
		Source:   permRepo,
		Resolver: permission.NewHierarchyResolver(cfg.MaxRoleDepth, logger),
		Cache:    permCache,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})

	engine := batch.NewEngine(batch.EngineConfig{
		Store:    permRepo,
		Perms:    permService,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})
	progressStore := batch.NewProgressStore(redisClient, cfg.BatchProgressTTL, logger)
	jobMetrics := jobmetrics.NewMetrics(nil)

	batchJob := jobs.NewBatchExecuteJob(engine, progressStore, logger, jobMetrics)
	cleanupJob := jobs.NewCleanupExpiredJob(permRepo, permService, logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBatchExecute, Handler: batchJob.Handle},
			{Type: jobs.TaskCleanupExpired, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CleanupCron, Task: jobs.NewCleanupExpiredTask(), Options: []asynq.Option{asynq.MaxRetry(2)}},
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
