package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitaflow/vitaflow-backend/internal/cron"
	"github.com/vitaflow/vitaflow-backend/internal/entitlements"
	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/metrics"
	"github.com/vitaflow/vitaflow-backend/pkg/migrate"
	"github.com/vitaflow/vitaflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	subscriptionRepo := entitlements.NewRepository(dbClient.DB())
	machine, err := entitlements.NewMachine(entitlements.MachineParams{
		Store:  subscriptionRepo,
		Logger: logg,
		Config: cfg.Entitlements,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlement machine", err)
		os.Exit(1)
	}

	graceJob, err := cron.NewSubscriptionGraceJob(cron.SubscriptionGraceJobParams{
		Repo:    subscriptionRepo,
		Machine: machine,
		Logger:  logg,
		Grace:   cfg.Entitlements.GracePeriod,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create grace sweep job", err)
		os.Exit(1)
	}

	staleSweep, err := cron.NewStaleJobSweep(cron.StaleJobSweepParams{
		Store:       formcheck.NewRepository(dbClient.DB()),
		Logger:      logg,
		StuckAfter:  cfg.FormCheck.StuckAfter,
		MaxAttempts: cfg.FormCheck.MaxAttempts,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stale job sweep", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(cfg.Cron.LockKey), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(graceJob, staleSweep),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"interval": cfg.Cron.Interval.String(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
