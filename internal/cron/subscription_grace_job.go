package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

const gracePageSize = 200

type pastDueLister interface {
	ListPastDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
}

type lapsedExpirer interface {
	ExpireIfLapsed(ctx context.Context, userID uuid.UUID) error
}

// SubscriptionGraceJob expires past-due subscriptions whose grace period has
// run out. Expiry is driven by this sweep rather than a provider event, so
// access ends even when the billing provider goes quiet.
type SubscriptionGraceJob struct {
	repo    pastDueLister
	machine lapsedExpirer
	logg    *logger.Logger
	grace   time.Duration
	now     func() time.Time
}

type SubscriptionGraceJobParams struct {
	Repo    pastDueLister
	Machine lapsedExpirer
	Logger  *logger.Logger
	Grace   time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewSubscriptionGraceJob(params SubscriptionGraceJobParams) (*SubscriptionGraceJob, error) {
	if params.Repo == nil {
		return nil, errors.New("subscription repository required")
	}
	if params.Machine == nil {
		return nil, errors.New("entitlement machine required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Grace <= 0 {
		return nil, errors.New("grace period must be positive")
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SubscriptionGraceJob{
		repo:    params.Repo,
		machine: params.Machine,
		logg:    params.Logger,
		grace:   params.Grace,
		now:     params.Now,
	}, nil
}

func (j *SubscriptionGraceJob) Name() string { return "subscription_grace_sweep" }

// Run expires every past-due subscription whose period ended before the
// grace window. Failures on one row do not stop the sweep.
func (j *SubscriptionGraceJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.grace)
	subs, err := j.repo.ListPastDueBefore(ctx, cutoff, gracePageSize)
	if err != nil {
		return fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	var errs error
	expired := 0
	for i := range subs {
		sub := subs[i]
		if err := j.machine.ExpireIfLapsed(ctx, sub.UserID); err != nil {
			userCtx := j.logg.WithUserID(ctx, sub.UserID.String())
			j.logg.Error(userCtx, "failed to expire lapsed subscription", err)
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", sub.UserID, err))
			continue
		}
		expired++
	}

	sweepCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(subs),
		"expired":    expired,
	})
	j.logg.Info(sweepCtx, "subscription grace sweep finished")
	return errs
}
