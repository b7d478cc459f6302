package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridianhr/meridian/internal/app"
	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/batch"
	"github.com/meridianhr/meridian/internal/conflict"
	"github.com/meridianhr/meridian/internal/observability"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/platform/cache"
	"github.com/meridianhr/meridian/internal/platform/db"
	"github.com/meridianhr/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	recorder := audit.NewPGRecorder(dbpool, logger)

	permRepo := permission.NewRepository(dbpool)
	permCache := permission.NewCache(redisClient, cfg.PermissionCacheTTL, logger)
	resolver := permission.NewHierarchyResolver(cfg.MaxRoleDepth, logger)
	permService := permission.NewService(permission.ServiceConfig{
		Source:   permRepo,
		Resolver: resolver,
		Cache:    permCache,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})
	permHandler := permission.NewHandler(logger, permService, permRepo, recorder)

	conflictStore := conflict.NewPGStore(dbpool)
	conflictRules := conflict.NewPGRules(dbpool)
	conflictService := conflict.NewService(conflict.ServiceConfig{
		Source:   permRepo,
		Detector: conflict.NewDetector(resolver, logger),
		Rules:    conflictRules,
		Store:    conflictStore,
		Metrics:  metrics,
		Logger:   logger,
	})
	orchestrator := conflict.NewOrchestrator(conflict.OrchestratorConfig{
		Service:     conflictService,
		Store:       conflictStore,
		Mutator:     permRepo,
		Invalidator: permService,
		Recorder:    recorder,
		Logger:      logger,
	})
	conflictHandler := conflict.NewHandler(logger, conflictService, orchestrator)

	engine := batch.NewEngine(batch.EngineConfig{
		Store:    permRepo,
		Perms:    permService,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})
	progressStore := batch.NewProgressStore(redisClient, cfg.BatchProgressTTL, logger)
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	batchHandler := batch.NewHandler(logger, engine, jobClient, progressStore)

	auditService := audit.NewService(audit.NewPGRepository(dbpool))
	auditHandler := audit.NewHandler(logger, auditService)

	jobInspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobHandler := jobs.NewHandler(jobInspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		PermissionHandler: permHandler,
		ConflictHandler:   conflictHandler,
		BatchHandler:      batchHandler,
		AuditHandler:      auditHandler,
		JobHandler:        jobHandler,
		Authz:             permission.Middleware{Service: permService, Logger: logger},
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
