package entitlements

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	dbtypes "github.com/vitaflow/vitaflow-backend/pkg/db/types"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
)

func setupSubscriptionsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ToLower(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  state TEXT NOT NULL DEFAULT 'none',
  plan_tier TEXT NOT NULL DEFAULT 'free',
  provider_subscription_id TEXT UNIQUE,
  provider_customer_id TEXT,
  current_period_end DATETIME,
  canceled_at DATETIME,
  processed_event_ids TEXT,
  version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func seedSubscription(t *testing.T, db *gorm.DB, mutate func(*subscriptionSeed)) *subscriptionSeed {
	t.Helper()

	providerID := "sub_" + uuid.NewString()[:8]
	seed := &subscriptionSeed{
		UserID:     uuid.New(),
		State:      enums.SubscriptionStateActive,
		PlanTier:   enums.PlanTierPro,
		ProviderID: providerID,
	}
	if mutate != nil {
		mutate(seed)
	}

	repo := NewRepository(db)
	sub := seed.model()
	require.NoError(t, repo.Create(context.Background(), sub))
	seed.Version = sub.Version
	return seed
}

type subscriptionSeed struct {
	UserID     uuid.UUID
	State      enums.SubscriptionState
	PlanTier   enums.PlanTier
	ProviderID string
	PeriodEnd  *time.Time
	Version    int64
}

func (s *subscriptionSeed) model() *models.Subscription {
	providerID := s.ProviderID
	m := &models.Subscription{
		ID:               uuid.New(),
		UserID:           s.UserID,
		State:            s.State,
		PlanTier:         s.PlanTier,
		CurrentPeriodEnd: s.PeriodEnd,
	}
	if providerID != "" {
		m.ProviderSubscriptionID = &providerID
	}
	return m
}

func TestRepositoryGetNotFound(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	_, err := repo.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRepositoryCreateAndGet(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	periodEnd := time.Now().UTC().Add(720 * time.Hour).Truncate(time.Second)
	seed := seedSubscription(t, db, func(s *subscriptionSeed) {
		s.State = enums.SubscriptionStateTrialing
		s.PlanTier = enums.PlanTierElite
		s.PeriodEnd = &periodEnd
	})

	got, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStateTrialing, got.State)
	assert.Equal(t, enums.PlanTierElite, got.PlanTier)
	require.NotNil(t, got.ProviderSubscriptionID)
	assert.Equal(t, seed.ProviderID, *got.ProviderSubscriptionID)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.WithinDuration(t, periodEnd, *got.CurrentPeriodEnd, time.Second)
	assert.Equal(t, int64(0), got.Version)
}

func TestRepositoryCreateDuplicateUserConflicts(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	seed := seedSubscription(t, db, nil)
	dupe := seed.model()
	dupe.ProviderSubscriptionID = nil

	err := repo.Create(context.Background(), dupe)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestRepositoryFindByProviderID(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	seed := seedSubscription(t, db, nil)

	got, err := repo.FindByProviderID(context.Background(), seed.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, seed.UserID, got.UserID)

	_, err = repo.FindByProviderID(context.Background(), "sub_missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRepositoryUpdateCASBumpsVersion(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	seed := seedSubscription(t, db, nil)
	sub, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)

	sub.State = enums.SubscriptionStatePastDue
	sub.ProcessedEventIDs = dbtypes.StringArray{"evt_1"}
	require.NoError(t, repo.UpdateCAS(context.Background(), sub))
	assert.Equal(t, int64(1), sub.Version)

	got, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatePastDue, got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.ProcessedEventIDs.Contains("evt_1"))
}

func TestRepositoryUpdateCASStaleVersionConflicts(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	seed := seedSubscription(t, db, nil)
	first, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)
	second, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)

	first.State = enums.SubscriptionStatePastDue
	require.NoError(t, repo.UpdateCAS(context.Background(), first))

	second.State = enums.SubscriptionStateCanceled
	err = repo.UpdateCAS(context.Background(), second)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	got, err := repo.Get(context.Background(), seed.UserID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatePastDue, got.State)
}

func TestRepositoryListPastDueBefore(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	cutoff := time.Now().UTC()
	lapsed := cutoff.Add(-200 * time.Hour)
	future := cutoff.Add(200 * time.Hour)

	overdue := seedSubscription(t, db, func(s *subscriptionSeed) {
		s.State = enums.SubscriptionStatePastDue
		s.PeriodEnd = &lapsed
	})
	seedSubscription(t, db, func(s *subscriptionSeed) {
		s.State = enums.SubscriptionStatePastDue
		s.PeriodEnd = &future
	})
	seedSubscription(t, db, func(s *subscriptionSeed) {
		s.State = enums.SubscriptionStateActive
		s.PeriodEnd = &lapsed
	})

	subs, err := repo.ListPastDueBefore(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, overdue.UserID, subs[0].UserID)
}
