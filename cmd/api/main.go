package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/vitaflow/vitaflow-backend/api/controllers"
	"github.com/vitaflow/vitaflow-backend/api/routes"
	"github.com/vitaflow/vitaflow-backend/internal/entitlements"
	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	stripewebhook "github.com/vitaflow/vitaflow-backend/internal/webhooks/stripe"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/migrate"
	"github.com/vitaflow/vitaflow-backend/pkg/redis"
	"github.com/vitaflow/vitaflow-backend/pkg/storage/gcs"
	"github.com/vitaflow/vitaflow-backend/pkg/stripe"
)

const webhookIdempotencyScope = "billing-webhook"

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

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
	guard, err := entitlements.NewGuard(entitlements.GuardParams{
		Reader: subscriptionRepo,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlement guard", err)
		os.Exit(1)
	}

	formCheckService, err := formcheck.NewService(formcheck.ServiceParams{
		Store:  formcheck.NewRepository(dbClient.DB()),
		Guard:  guard,
		Media:  gcsClient,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create form-check service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Machine: machine,
		Fetcher: stripewebhook.NewSubscriptionFetcher(stripeClient),
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Entitlements.IdempotencyTTL, webhookIdempotencyScope)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config: cfg,
			Logger: logg,
			Pingers: map[string]controllers.Pinger{
				"database": dbClient,
				"redis":    redisClient,
				"gcs":      gcsClient,
			},
			FormCheckService: formCheckService,
			EntitlementGuard: guard,
			StripeClient:     stripeClient,
			WebhookSvc:       webhookService,
			WebhookGuard:     webhookGuard,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
