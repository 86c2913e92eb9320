package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/clubkit/clubkit/internal/app"
	jobmetrics "github.com/clubkit/clubkit/internal/jobs"
	"github.com/clubkit/clubkit/internal/platform/db"
	"github.com/clubkit/clubkit/internal/rbac"
	"github.com/clubkit/clubkit/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	store := rbac.NewRepository(pool)
	eval := rbac.NewEvaluator(store, cfg.EveryoneID, logger)

	scanner := jobs.NewIntegrityScanner(store, logger, metrics)
	reporter := jobs.NewAccessReporter(eval, logger)

	scanTask, err := jobs.NewIntegrityScanTask()
	if err != nil {
		logger.Error("build integrity scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIntegrityScan, Handler: jobs.NewIntegrityScanHandler(scanner, metrics)},
			{Type: jobs.TaskAccessReport, Handler: jobs.NewAccessReportHandler(reporter, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 1 * * *", Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
