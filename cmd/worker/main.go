package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	"github.com/vitaflow/vitaflow-backend/internal/formcheck/worker"
	"github.com/vitaflow/vitaflow-backend/internal/notifier"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/metrics"
	"github.com/vitaflow/vitaflow-backend/pkg/migrate"
	"github.com/vitaflow/vitaflow-backend/pkg/pubsub"
	"github.com/vitaflow/vitaflow-backend/pkg/storage/gcs"
	"github.com/vitaflow/vitaflow-backend/pkg/vision"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}

	visionClient, err := vision.NewClient(cfg.Vision, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap vision client", err)
		os.Exit(1)
	}

	notifierService, err := notifier.NewService(notifier.ServiceParams{
		Publisher: pubsubClient.FormCheckPublisher(),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create result notifier", err)
		os.Exit(1)
	}

	workerPool, err := worker.NewService(worker.ServiceParams{
		Store:    formcheck.NewRepository(dbClient.DB()),
		Media:    gcsClient,
		Vision:   visionClient,
		Notifier: notifierService,
		Metrics:  metrics.NewWorkerMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
		Config:   cfg.FormCheck,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker pool", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		PubSub: pubsubClient,
		GCS:    gcsClient,
		Worker: workerPool,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"workers": cfg.FormCheck.Workers,
	})
	logg.Info(ctx, "starting form-check worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
