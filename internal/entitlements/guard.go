package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

// Reason explains why the guard refused a capability.
type Reason string

const (
	ReasonNoSubscription   Reason = "no_subscription"
	ReasonExpired          Reason = "subscription_expired"
	ReasonInsufficientTier Reason = "insufficient_tier"
)

// Denial is attached as error details so the API layer can surface the
// machine-readable reason alongside the 403.
type Denial struct {
	Capability enums.Capability `json:"capability"`
	Reason     Reason           `json:"reason"`
}

// capabilityTiers maps each gated capability to the minimum plan tier that
// unlocks it. Trials grant the purchased tier in full, and past-due users
// keep access until the grace sweep expires them.
var capabilityTiers = map[enums.Capability]enums.PlanTier{
	enums.CapabilityMealPlanning:  enums.PlanTierFree,
	enums.CapabilityFormCheck:     enums.PlanTierPro,
	enums.CapabilityCoaching:      enums.PlanTierPro,
	enums.CapabilityVoiceCoaching: enums.PlanTierElite,
}

var entitledStates = map[enums.SubscriptionState]bool{
	enums.SubscriptionStateTrialing: true,
	enums.SubscriptionStateActive:   true,
	enums.SubscriptionStatePastDue:  true,
}

// Guard answers "may this user use this capability right now" from the
// subscription row alone. It never mutates state.
type Guard struct {
	reader Reader
	logg   *logger.Logger
}

type GuardParams struct {
	Reader Reader
	Logger *logger.Logger
}

func NewGuard(params GuardParams) (*Guard, error) {
	if params.Reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Guard{reader: params.Reader, logg: params.Logger}, nil
}

// Authorize returns nil when the user may exercise the capability, or a
// CodeForbidden error carrying a Denial otherwise.
func (g *Guard) Authorize(ctx context.Context, userID uuid.UUID, capability enums.Capability) error {
	minTier, known := capabilityTiers[capability]
	if !known {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown capability")
	}

	sub, err := g.reader.Get(ctx, userID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return deny(capability, ReasonNoSubscription)
	}
	if err != nil {
		return err
	}

	if !entitledStates[sub.State] {
		if sub.State == enums.SubscriptionStateNone {
			return deny(capability, ReasonNoSubscription)
		}
		return deny(capability, ReasonExpired)
	}
	if !sub.PlanTier.AtLeast(minTier) {
		return deny(capability, ReasonInsufficientTier)
	}
	return nil
}

func deny(capability enums.Capability, reason Reason) error {
	return pkgerrors.
		New(pkgerrors.CodeForbidden, "capability denied").
		WithDetails(Denial{Capability: capability, Reason: reason})
}

// Status is the read model behind the subscription endpoint.
type Status struct {
	State            enums.SubscriptionState `json:"state"`
	PlanTier         enums.PlanTier          `json:"plan_tier"`
	CurrentPeriodEnd *time.Time              `json:"current_period_end,omitempty"`
	CanceledAt       *time.Time              `json:"canceled_at,omitempty"`
	Capabilities     []enums.Capability      `json:"capabilities"`
}

// Status reports the caller's entitlement snapshot. Users without a
// subscription row read as state none on the free tier.
func (g *Guard) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	sub, err := g.reader.Get(ctx, userID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return &Status{
			State:        enums.SubscriptionStateNone,
			PlanTier:     enums.PlanTierFree,
			Capabilities: []enums.Capability{},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &Status{
		State:            sub.State,
		PlanTier:         sub.PlanTier,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		CanceledAt:       sub.CanceledAt,
		Capabilities:     []enums.Capability{},
	}
	if entitledStates[sub.State] {
		for _, capability := range orderedCapabilities {
			if sub.PlanTier.AtLeast(capabilityTiers[capability]) {
				status.Capabilities = append(status.Capabilities, capability)
			}
		}
	}
	return status, nil
}

// orderedCapabilities keeps Status output deterministic.
var orderedCapabilities = []enums.Capability{
	enums.CapabilityMealPlanning,
	enums.CapabilityFormCheck,
	enums.CapabilityCoaching,
	enums.CapabilityVoiceCoaching,
}
