package formcheck

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

type stubStore struct {
	jobs      map[uuid.UUID]*models.FormCheckJob
	createErr error
}

func newStubStore() *stubStore {
	return &stubStore{jobs: map[uuid.UUID]*models.FormCheckJob{}}
}

func (s *stubStore) Create(_ context.Context, job *models.FormCheckJob) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *stubStore) Get(_ context.Context, id uuid.UUID) (*models.FormCheckJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "form-check job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *stubStore) ClaimNext(_ context.Context, _ time.Time) (*models.FormCheckJob, error) {
	return nil, nil
}

func (s *stubStore) Requeue(_ context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error {
	stored := s.jobs[job.ID]
	stored.Status = enums.JobStatusQueued
	stored.AvailableAt = availableAt
	stored.LastError = &lastError
	return nil
}

func (s *stubStore) Finalize(_ context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string) error {
	stored := s.jobs[job.ID]
	stored.Status = status
	stored.Result = result
	stored.LastError = lastError
	return nil
}

func (s *stubStore) CancelQueued(_ context.Context, job *models.FormCheckJob) error {
	stored := s.jobs[job.ID]
	if stored.Status != enums.JobStatusQueued {
		return pkgerrors.New(pkgerrors.CodeConflict, "job changed concurrently")
	}
	stored.Status = enums.JobStatusCanceled
	job.Status = enums.JobStatusCanceled
	return nil
}

func (s *stubStore) MarkCancelRequested(_ context.Context, job *models.FormCheckJob) error {
	stored := s.jobs[job.ID]
	stored.CancelRequested = true
	job.CancelRequested = true
	return nil
}

func (s *stubStore) ListStuckProcessing(_ context.Context, _ time.Time, _ int) ([]models.FormCheckJob, error) {
	return nil, nil
}

type stubGuard struct {
	err error
}

func (s *stubGuard) Authorize(_ context.Context, _ uuid.UUID, _ enums.Capability) error {
	return s.err
}

type stubMedia struct {
	exists bool
	err    error
}

func (s *stubMedia) Exists(_ context.Context, _ string) (bool, error) {
	return s.exists, s.err
}

func newServiceForTest(t *testing.T, store Store, guard entitlementGuard, media mediaStore) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Store:  store,
		Guard:  guard,
		Media:  media,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	return svc
}

func TestServiceSubmitQueuesJob(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: true})

	userID := uuid.New()
	job, err := svc.Submit(context.Background(), SubmitParams{
		UserID:   userID,
		Exercise: "  barbell squat ",
		MediaRef: "uploads/squat.mp4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != enums.JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.Exercise != "barbell squat" {
		t.Fatalf("exercise not normalized: %q", job.Exercise)
	}
	if _, ok := store.jobs[job.ID]; !ok {
		t.Fatal("job not persisted")
	}
}

func TestServiceSubmitDeniedByGuard(t *testing.T) {
	store := newStubStore()
	denied := pkgerrors.New(pkgerrors.CodeForbidden, "capability denied")
	svc := newServiceForTest(t, store, &stubGuard{err: denied}, &stubMedia{exists: true})

	_, err := svc.Submit(context.Background(), SubmitParams{
		UserID:   uuid.New(),
		Exercise: "deadlift",
		MediaRef: "uploads/deadlift.mp4",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(store.jobs) != 0 {
		t.Fatal("denied submissions must not create jobs")
	}
}

func TestServiceSubmitRejectsMissingMedia(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: false})

	_, err := svc.Submit(context.Background(), SubmitParams{
		UserID:   uuid.New(),
		Exercise: "deadlift",
		MediaRef: "uploads/missing.mp4",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServicePollHidesForeignJobs(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: true})

	owner := uuid.New()
	job := &models.FormCheckJob{ID: uuid.New(), UserID: owner, Status: enums.JobStatusQueued}
	store.jobs[job.ID] = job

	if _, err := svc.Poll(context.Background(), owner, job.ID); err != nil {
		t.Fatalf("owner poll: %v", err)
	}
	_, err := svc.Poll(context.Background(), uuid.New(), job.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("foreign poll must read as not found, got %v", err)
	}
}

func TestServiceCancelQueuedJob(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: true})

	owner := uuid.New()
	job := &models.FormCheckJob{ID: uuid.New(), UserID: owner, Status: enums.JobStatusQueued}
	store.jobs[job.ID] = job

	canceled, err := svc.Cancel(context.Background(), owner, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != enums.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}
}

func TestServiceCancelProcessingFlagsJob(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: true})

	owner := uuid.New()
	job := &models.FormCheckJob{ID: uuid.New(), UserID: owner, Status: enums.JobStatusProcessing}
	store.jobs[job.ID] = job

	flagged, err := svc.Cancel(context.Background(), owner, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if flagged.Status != enums.JobStatusProcessing {
		t.Fatal("processing job must keep its status until the worker yields")
	}
	if !store.jobs[job.ID].CancelRequested {
		t.Fatal("cancel_requested flag not set")
	}
}

func TestServiceCancelTerminalJobRefused(t *testing.T) {
	store := newStubStore()
	svc := newServiceForTest(t, store, &stubGuard{}, &stubMedia{exists: true})

	owner := uuid.New()
	job := &models.FormCheckJob{ID: uuid.New(), UserID: owner, Status: enums.JobStatusSucceeded}
	store.jobs[job.ID] = job

	_, err := svc.Cancel(context.Background(), owner, job.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
