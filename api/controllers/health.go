package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/vitaflow/vitaflow-backend/api/responses"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

const readinessTimeout = 5 * time.Second

// Pinger is anything that can verify its backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-VitaFlow-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every wired dependency answers a ping.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-VitaFlow-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{}
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				depCtx := logg.WithField(ctx, "dependency", name)
				logg.Error(depCtx, "readiness check failed", err)
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable"))
				return
			}
			checks[name] = "ok"
		}

		responses.WriteSuccess(w, map[string]any{
			"status": "ready",
			"checks": checks,
		})
	}
}
