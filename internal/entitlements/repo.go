package entitlements

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitaflow/vitaflow-backend/pkg/db"
	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
)

// Reader is the read-only surface the guard needs.
type Reader interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// Store is the persistence surface the state machine drives. UpdateCAS is a
// compare-and-swap on the row version; callers must reload and reapply on
// CodeConflict.
type Store interface {
	Reader
	FindByProviderID(ctx context.Context, providerID string) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) error
	UpdateCAS(ctx context.Context, sub *models.Subscription) error
}

// Repository is the GORM-backed Store.
type Repository struct {
	conn *gorm.DB
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.conn.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	return &sub, nil
}

func (r *Repository) FindByProviderID(ctx context.Context, providerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.conn.WithContext(ctx).
		Where("provider_subscription_id = ?", providerID).
		First(&sub).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription by provider id")
	}
	return &sub, nil
}

func (r *Repository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	err := r.conn.WithContext(ctx).Create(sub).Error
	if db.IsUniqueViolation(err, "") {
		// Another writer seeded the row first; the caller reloads and
		// applies on top of it.
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription already exists")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating subscription")
	}
	return nil
}

// UpdateCAS writes every mutable column guarded by the version the row was
// read at. Zero rows affected means a concurrent writer won; the in-memory
// version is only bumped on success.
func (r *Repository) UpdateCAS(ctx context.Context, sub *models.Subscription) error {
	expected := sub.Version
	result := r.conn.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND version = ?", sub.UserID, expected).
		Updates(map[string]any{
			"state":                    sub.State,
			"plan_tier":                sub.PlanTier,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"provider_customer_id":     sub.ProviderCustomerID,
			"current_period_end":       sub.CurrentPeriodEnd,
			"canceled_at":              sub.CanceledAt,
			"processed_event_ids":      sub.ProcessedEventIDs,
			"version":                  expected + 1,
			"updated_at":               time.Now().UTC(),
		})
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "updating subscription")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription row changed concurrently")
	}
	sub.Version = expected + 1
	return nil
}

// ListPastDueBefore returns past-due subscriptions whose paid period ended on
// or before the cutoff. Used by the grace-expiry sweep.
func (r *Repository) ListPastDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	err := r.conn.WithContext(ctx).
		Where("state = ? AND current_period_end IS NOT NULL AND current_period_end <= ?",
			enums.SubscriptionStatePastDue, cutoff).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing past-due subscriptions")
	}
	return subs, nil
}
