package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/vitaflow/vitaflow-backend/pkg/db/types"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
)

// Subscription persists billing-provider subscription state per user.
// Exactly one row per user; rows are soft-expired, never deleted, to keep
// the audit trail intact.
type Subscription struct {
	ID                     uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                 uuid.UUID               `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	State                  enums.SubscriptionState `gorm:"column:state;not null;default:'none'"`
	PlanTier               enums.PlanTier          `gorm:"column:plan_tier;not null;default:'free'"`
	ProviderSubscriptionID *string                 `gorm:"column:provider_subscription_id;uniqueIndex"`
	ProviderCustomerID     *string                 `gorm:"column:provider_customer_id"`
	CurrentPeriodEnd       *time.Time              `gorm:"column:current_period_end"`
	CanceledAt             *time.Time              `gorm:"column:canceled_at"`
	ProcessedEventIDs      dbtypes.StringArray     `gorm:"column:processed_event_ids;type:jsonb"`
	// Version is the optimistic-concurrency token; every state machine
	// write bumps it and checks it.
	Version   int64     `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
