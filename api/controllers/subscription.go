package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/api/responses"
	"github.com/vitaflow/vitaflow-backend/internal/entitlements"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

type entitlementStatusReader interface {
	Status(ctx context.Context, userID uuid.UUID) (*entitlements.Status, error)
}

// SubscriptionStatus reports the caller's entitlement snapshot.
func SubscriptionStatus(guard entitlementStatusReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if guard == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement guard unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := guard.Status(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}
