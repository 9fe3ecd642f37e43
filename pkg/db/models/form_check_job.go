package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/enums"
)

// FormCheckJob is one submitted media artifact moving through the async
// analysis pipeline. Created by the job queue, mutated only by the worker
// pool once claimed.
type FormCheckJob struct {
	ID       uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID   uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	Exercise string          `gorm:"column:exercise;not null"`
	MediaRef string          `gorm:"column:media_ref;not null"`
	Status   enums.JobStatus `gorm:"column:status;not null;default:'queued';index"`
	Attempts int             `gorm:"column:attempts;not null;default:0"`
	// AvailableAt gates when a queued job may be claimed; retries push it
	// into the future for backoff.
	AvailableAt     time.Time       `gorm:"column:available_at;not null"`
	CancelRequested bool            `gorm:"column:cancel_requested;not null;default:false"`
	Result          json.RawMessage `gorm:"column:result;type:jsonb"`
	LastError       *string         `gorm:"column:last_error"`
	Version         int64           `gorm:"column:version;not null;default:0"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
