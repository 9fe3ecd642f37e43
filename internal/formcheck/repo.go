package formcheck

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
)

// claimScanAttempts bounds how many queued rows one ClaimNext call will race
// other workers for before giving up the poll cycle.
const claimScanAttempts = 4

// Store is the job persistence surface shared by the submit service, the
// worker pool, and the stale-job sweep. All mutations are version-guarded.
type Store interface {
	Create(ctx context.Context, job *models.FormCheckJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.FormCheckJob, error)
	ClaimNext(ctx context.Context, now time.Time) (*models.FormCheckJob, error)
	Requeue(ctx context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error
	Finalize(ctx context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string) error
	CancelQueued(ctx context.Context, job *models.FormCheckJob) error
	MarkCancelRequested(ctx context.Context, job *models.FormCheckJob) error
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FormCheckJob, error)
}

// Repository is the GORM-backed Store.
type Repository struct {
	conn *gorm.DB
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) Create(ctx context.Context, job *models.FormCheckJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = enums.JobStatusQueued
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = time.Now().UTC()
	}
	if err := r.conn.WithContext(ctx).Create(job).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating form-check job")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.FormCheckJob, error) {
	var job models.FormCheckJob
	err := r.conn.WithContext(ctx).
		Where("id = ?", id).
		First(&job).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "form-check job not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading form-check job")
	}
	return &job, nil
}

// ClaimNext atomically moves the oldest claimable queued job to processing
// and bumps its attempt counter. Returns nil without error when the queue is
// empty; losing a claim race falls through to the next candidate.
func (r *Repository) ClaimNext(ctx context.Context, now time.Time) (*models.FormCheckJob, error) {
	for attempt := 0; attempt < claimScanAttempts; attempt++ {
		var job models.FormCheckJob
		err := r.conn.WithContext(ctx).
			Where("status = ? AND available_at <= ?", enums.JobStatusQueued, now).
			Order("available_at ASC").
			First(&job).Error
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "scanning queued jobs")
		}

		result := r.conn.WithContext(ctx).
			Model(&models.FormCheckJob{}).
			Where("id = ? AND version = ? AND status = ?", job.ID, job.Version, enums.JobStatusQueued).
			Updates(map[string]any{
				"status":     enums.JobStatusProcessing,
				"attempts":   job.Attempts + 1,
				"version":    job.Version + 1,
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "claiming job")
		}
		if result.RowsAffected == 1 {
			job.Status = enums.JobStatusProcessing
			job.Attempts++
			job.Version++
			return &job, nil
		}
		// Another worker won this row; look at the next candidate.
	}
	return nil, nil
}

// Requeue returns a processing job to the queue with a future availability,
// preserving the attempt count for the retry budget.
func (r *Repository) Requeue(ctx context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error {
	return r.casUpdate(ctx, job, map[string]any{
		"status":       enums.JobStatusQueued,
		"available_at": availableAt.UTC(),
		"last_error":   lastError,
	}, func(j *models.FormCheckJob) {
		j.Status = enums.JobStatusQueued
		j.AvailableAt = availableAt.UTC()
		j.LastError = &lastError
	})
}

// Finalize moves a job to a terminal status. Terminal rows are never
// mutated again.
func (r *Repository) Finalize(ctx context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string) error {
	if !status.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeInternal, "finalize requires a terminal status")
	}
	return r.casUpdate(ctx, job, map[string]any{
		"status":     status,
		"result":     result,
		"last_error": lastError,
	}, func(j *models.FormCheckJob) {
		j.Status = status
		j.Result = result
		j.LastError = lastError
	})
}

// CancelQueued cancels a job that has not been claimed yet.
func (r *Repository) CancelQueued(ctx context.Context, job *models.FormCheckJob) error {
	expected := job.Version
	result := r.conn.WithContext(ctx).
		Model(&models.FormCheckJob{}).
		Where("id = ? AND version = ? AND status = ?", job.ID, expected, enums.JobStatusQueued).
		Updates(map[string]any{
			"status":     enums.JobStatusCanceled,
			"version":    expected + 1,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "canceling job")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "job changed concurrently")
	}
	job.Status = enums.JobStatusCanceled
	job.Version = expected + 1
	return nil
}

// MarkCancelRequested flags a processing job so the worker discards the
// result instead of publishing it.
func (r *Repository) MarkCancelRequested(ctx context.Context, job *models.FormCheckJob) error {
	return r.casUpdate(ctx, job, map[string]any{
		"cancel_requested": true,
	}, func(j *models.FormCheckJob) {
		j.CancelRequested = true
	})
}

// ListStuckProcessing returns processing jobs untouched since the cutoff,
// i.e. claims orphaned by a crashed worker.
func (r *Repository) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FormCheckJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.FormCheckJob
	err := r.conn.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", enums.JobStatusProcessing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing stuck jobs")
	}
	return jobs, nil
}

func (r *Repository) casUpdate(ctx context.Context, job *models.FormCheckJob, columns map[string]any, apply func(*models.FormCheckJob)) error {
	expected := job.Version
	columns["version"] = expected + 1
	columns["updated_at"] = time.Now().UTC()

	result := r.conn.WithContext(ctx).
		Model(&models.FormCheckJob{}).
		Where("id = ? AND version = ?", job.ID, expected).
		Updates(columns)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "updating form-check job")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "job changed concurrently")
	}
	apply(job)
	job.Version = expected + 1
	return nil
}
