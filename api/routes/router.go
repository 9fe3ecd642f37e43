package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitaflow/vitaflow-backend/api/controllers"
	webhookcontrollers "github.com/vitaflow/vitaflow-backend/api/controllers/webhooks"
	"github.com/vitaflow/vitaflow-backend/api/middleware"
	"github.com/vitaflow/vitaflow-backend/internal/entitlements"
	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	stripewebhook "github.com/vitaflow/vitaflow-backend/internal/webhooks/stripe"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/stripe"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config *config.Config
	Logger *logger.Logger

	Pingers map[string]controllers.Pinger

	FormCheckService *formcheck.Service
	EntitlementGuard *entitlements.Guard

	StripeClient  *stripe.Client
	WebhookSvc    *stripewebhook.Service
	WebhookGuard  *stripewebhook.IdempotencyGuard
	MetricsServer http.Handler
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Pingers))
	})

	metricsHandler := deps.MetricsServer
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/billing", webhookcontrollers.BillingWebhook(deps.WebhookSvc, deps.StripeClient, deps.WebhookGuard, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/formcheck/jobs", func(r chi.Router) {
			r.Post("/", controllers.FormCheckSubmit(deps.FormCheckService, logg))
			r.Get("/{jobId}", controllers.FormCheckPoll(deps.FormCheckService, logg))
			r.Post("/{jobId}/cancel", controllers.FormCheckCancel(deps.FormCheckService, logg))
		})

		r.Get("/subscription", controllers.SubscriptionStatus(deps.EntitlementGuard, logg))
	})

	return r
}
