package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

const (
	sweepPageSize  = 100
	stalledMessage = "requeued after worker stall"
	orphanMessage  = "worker stalled with no retry budget left"
)

type stuckJobStore interface {
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FormCheckJob, error)
	Requeue(ctx context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error
	Finalize(ctx context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string) error
}

// StaleJobSweep recovers form-check jobs orphaned in processing by a crashed
// worker. Jobs with budget left go back to the queue; exhausted or
// cancel-flagged jobs are finalized so callers stop polling forever.
type StaleJobSweep struct {
	store       stuckJobStore
	logg        *logger.Logger
	stuckAfter  time.Duration
	maxAttempts int
	now         func() time.Time
}

type StaleJobSweepParams struct {
	Store       stuckJobStore
	Logger      *logger.Logger
	StuckAfter  time.Duration
	MaxAttempts int
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewStaleJobSweep(params StaleJobSweepParams) (*StaleJobSweep, error) {
	if params.Store == nil {
		return nil, errors.New("job store required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.StuckAfter <= 0 {
		return nil, errors.New("stuck-after threshold must be positive")
	}
	if params.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &StaleJobSweep{
		store:       params.Store,
		logg:        params.Logger,
		stuckAfter:  params.StuckAfter,
		maxAttempts: params.MaxAttempts,
		now:         params.Now,
	}, nil
}

func (j *StaleJobSweep) Name() string { return "stale_job_sweep" }

// Run recovers every job stuck in processing past the threshold. A version
// conflict on one row means a worker touched it after the scan; that row is
// simply skipped.
func (j *StaleJobSweep) Run(ctx context.Context) error {
	now := j.now()
	jobs, err := j.store.ListStuckProcessing(ctx, now.Add(-j.stuckAfter), sweepPageSize)
	if err != nil {
		return fmt.Errorf("list stuck jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	var errs error
	requeued, finalized := 0, 0
	for i := range jobs {
		job := jobs[i]
		jobCtx := j.logg.WithJobID(ctx, job.ID.String())
		recoverErr := j.recover(jobCtx, &job, now)
		if pkgerrors.IsCode(recoverErr, pkgerrors.CodeConflict) {
			continue
		}
		if recoverErr != nil {
			j.logg.Error(jobCtx, "failed to recover stalled job", recoverErr)
			errs = multierr.Append(errs, fmt.Errorf("recover %s: %w", job.ID, recoverErr))
			continue
		}
		if job.Status == enums.JobStatusQueued {
			requeued++
		} else {
			finalized++
		}
	}

	sweepCtx := j.logg.WithFields(ctx, map[string]any{
		"stalled":   len(jobs),
		"requeued":  requeued,
		"finalized": finalized,
	})
	j.logg.Info(sweepCtx, "stale job sweep finished")
	return errs
}

func (j *StaleJobSweep) recover(ctx context.Context, job *models.FormCheckJob, now time.Time) error {
	if job.CancelRequested {
		return j.store.Finalize(ctx, job, enums.JobStatusCanceled, nil, nil)
	}
	if job.Attempts >= j.maxAttempts {
		msg := orphanMessage
		return j.store.Finalize(ctx, job, enums.JobStatusFailed, nil, &msg)
	}
	return j.store.Requeue(ctx, job, now, stalledMessage)
}
