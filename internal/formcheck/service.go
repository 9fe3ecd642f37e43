package formcheck

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

const maxExerciseLength = 80

type entitlementGuard interface {
	Authorize(ctx context.Context, userID uuid.UUID, capability enums.Capability) error
}

type mediaStore interface {
	Exists(ctx context.Context, key string) (bool, error)
}

type ServiceParams struct {
	Store  Store
	Guard  entitlementGuard
	Media  mediaStore
	Logger *logger.Logger
}

// Service owns the user-facing job lifecycle: submission behind the
// entitlement guard, ownership-checked polling, and cancellation.
type Service struct {
	store Store
	guard entitlementGuard
	media mediaStore
	logg  *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "job store required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "entitlement guard required")
	}
	if params.Media == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "media store required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		store: params.Store,
		guard: params.Guard,
		media: params.Media,
		logg:  params.Logger,
	}, nil
}

type SubmitParams struct {
	UserID   uuid.UUID
	Exercise string
	MediaRef string
}

// Submit enqueues a form-check job for an entitled user. The media object
// must already be uploaded; the job only carries its reference.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*models.FormCheckJob, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	exercise := strings.TrimSpace(params.Exercise)
	if exercise == "" || len(exercise) > maxExerciseLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "exercise name is required")
	}
	mediaRef := strings.TrimSpace(params.MediaRef)
	if mediaRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "media reference is required")
	}

	if err := s.guard.Authorize(ctx, params.UserID, enums.CapabilityFormCheck); err != nil {
		return nil, err
	}

	exists, err := s.media.Exists(ctx, mediaRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "checking media object")
	}
	if !exists {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "media object not found")
	}

	job := &models.FormCheckJob{
		ID:       uuid.New(),
		UserID:   params.UserID,
		Exercise: exercise,
		MediaRef: mediaRef,
		Status:   enums.JobStatusQueued,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	ctx = s.logg.WithJobID(ctx, job.ID.String())
	s.logg.Info(ctx, "form-check job queued")
	return job, nil
}

// Poll returns the job as seen by its owner. Jobs belonging to other users
// read as not found so job ids leak nothing.
func (s *Service) Poll(ctx context.Context, userID, jobID uuid.UUID) (*models.FormCheckJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "form-check job not found")
	}
	return job, nil
}

// Cancel stops a job where possible: queued jobs cancel immediately,
// processing jobs are flagged so the worker discards the outcome, and
// terminal jobs refuse.
func (s *Service) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.FormCheckJob, error) {
	job, err := s.Poll(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithJobID(ctx, job.ID.String())
	switch job.Status {
	case enums.JobStatusQueued:
		if err := s.store.CancelQueued(ctx, job); err != nil {
			return nil, err
		}
		s.logg.Info(ctx, "queued form-check job canceled")
		return job, nil
	case enums.JobStatusProcessing:
		if err := s.store.MarkCancelRequested(ctx, job); err != nil {
			return nil, err
		}
		s.logg.Info(ctx, "cancel requested for processing job")
		return job, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "job already finished")
	}
}
