package worker

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/vision"
)

// memJobStore mirrors the repository's claim and version semantics in
// memory so the retry loop can be driven deterministically.
type memJobStore struct {
	jobs map[uuid.UUID]*models.FormCheckJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[uuid.UUID]*models.FormCheckJob{}}
}

func (s *memJobStore) Create(_ context.Context, job *models.FormCheckJob) error {
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) Get(_ context.Context, id uuid.UUID) (*models.FormCheckJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "form-check job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) ClaimNext(_ context.Context, now time.Time) (*models.FormCheckJob, error) {
	var candidates []*models.FormCheckJob
	for _, job := range s.jobs {
		if job.Status == enums.JobStatusQueued && !job.AvailableAt.After(now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})
	job := candidates[0]
	job.Status = enums.JobStatusProcessing
	job.Attempts++
	job.Version++
	copied := *job
	return &copied, nil
}

func (s *memJobStore) Requeue(_ context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error {
	stored := s.jobs[job.ID]
	if stored.Version != job.Version {
		return pkgerrors.New(pkgerrors.CodeConflict, "job changed concurrently")
	}
	stored.Status = enums.JobStatusQueued
	stored.AvailableAt = availableAt
	stored.LastError = &lastError
	stored.Version++
	return nil
}

func (s *memJobStore) Finalize(_ context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string) error {
	stored := s.jobs[job.ID]
	if stored.Version != job.Version {
		return pkgerrors.New(pkgerrors.CodeConflict, "job changed concurrently")
	}
	stored.Status = status
	stored.Result = result
	stored.LastError = lastError
	stored.Version++
	return nil
}

func (s *memJobStore) CancelQueued(_ context.Context, job *models.FormCheckJob) error {
	stored := s.jobs[job.ID]
	stored.Status = enums.JobStatusCanceled
	return nil
}

func (s *memJobStore) MarkCancelRequested(_ context.Context, job *models.FormCheckJob) error {
	stored := s.jobs[job.ID]
	stored.CancelRequested = true
	stored.Version++
	return nil
}

func (s *memJobStore) ListStuckProcessing(_ context.Context, _ time.Time, _ int) ([]models.FormCheckJob, error) {
	return nil, nil
}

type scriptedAnalyzer struct {
	errs  []error
	calls int
	// onCall runs before returning, with the attempt number (1-based).
	onCall func(call int)
}

func (a *scriptedAnalyzer) AnalyzeForm(_ context.Context, _ vision.Media, _ string) (*vision.Report, error) {
	a.calls++
	if a.onCall != nil {
		a.onCall(a.calls)
	}
	var err error
	if a.calls <= len(a.errs) {
		err = a.errs[a.calls-1]
	}
	if err != nil {
		return nil, err
	}
	return &vision.Report{
		FormScore:         88,
		AlignmentFeedback: "solid spine angle",
		NextStep:          "add tempo work",
	}, nil
}

type stubDownloader struct{}

func (stubDownloader) Download(_ context.Context, _ string) ([]byte, string, error) {
	return []byte("video-bytes"), "video/mp4", nil
}

type recordingNotifier struct {
	finished []*models.FormCheckJob
}

func (n *recordingNotifier) JobFinished(_ context.Context, job *models.FormCheckJob) error {
	n.finished = append(n.finished, job)
	return nil
}

type workerHarness struct {
	store    *memJobStore
	analyzer *scriptedAnalyzer
	notifier *recordingNotifier
	svc      *Service
	clock    *time.Time
}

func newWorkerHarness(t *testing.T, analyzer *scriptedAnalyzer) *workerHarness {
	t.Helper()
	now := time.Now().UTC()
	clock := &now
	store := newMemJobStore()
	notifier := &recordingNotifier{}
	svc, err := NewService(ServiceParams{
		Store:    store,
		Media:    stubDownloader{},
		Vision:   analyzer,
		Notifier: notifier,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Config: config.FormCheckConfig{
			MaxAttempts:  3,
			RetryBackoff: 30 * time.Second,
			Workers:      1,
			PollInterval: time.Millisecond,
		},
		Now: func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("setup worker: %v", err)
	}
	return &workerHarness{
		store:    store,
		analyzer: analyzer,
		notifier: notifier,
		svc:      svc,
		clock:    clock,
	}
}

func (h *workerHarness) enqueue(t *testing.T) *models.FormCheckJob {
	t.Helper()
	job := &models.FormCheckJob{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Exercise:    "squat",
		MediaRef:    "uploads/squat.mp4",
		Status:      enums.JobStatusQueued,
		AvailableAt: *h.clock,
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// drive runs ProcessOne until nothing is claimable, advancing the clock past
// any retry backoff between passes.
func (h *workerHarness) drive(t *testing.T, maxPasses int) {
	t.Helper()
	for i := 0; i < maxPasses; i++ {
		processed, err := h.svc.ProcessOne(context.Background())
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !processed {
			return
		}
		*h.clock = h.clock.Add(time.Hour)
	}
}

func TestWorkerTwoTimeoutsThenSuccess(t *testing.T) {
	analyzer := &scriptedAnalyzer{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, nil}}
	h := newWorkerHarness(t, analyzer)
	job := h.enqueue(t)

	h.drive(t, 5)

	stored := h.store.jobs[job.ID]
	if stored.Status != enums.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (last error %v)", stored.Status, stored.LastError)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", stored.Attempts)
	}
	var report vision.Report
	if err := json.Unmarshal(stored.Result, &report); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if report.FormScore != 88 {
		t.Fatalf("unexpected score %d", report.FormScore)
	}
	if len(h.notifier.finished) != 1 {
		t.Fatalf("expected one notification, got %d", len(h.notifier.finished))
	}
}

func TestWorkerExhaustsRetryBudget(t *testing.T) {
	analyzer := &scriptedAnalyzer{errs: []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}}
	h := newWorkerHarness(t, analyzer)
	job := h.enqueue(t)

	h.drive(t, 6)

	stored := h.store.jobs[job.ID]
	if stored.Status != enums.JobStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("retry budget is 3 attempts, got %d", stored.Attempts)
	}
	if stored.LastError == nil {
		t.Fatal("failed jobs must carry the last error")
	}
	if len(h.notifier.finished) != 1 {
		t.Fatalf("failure must notify exactly once, got %d", len(h.notifier.finished))
	}
}

func TestWorkerNonRetryableFailsImmediately(t *testing.T) {
	analyzer := &scriptedAnalyzer{errs: []error{vision.ErrMalformedOutput}}
	h := newWorkerHarness(t, analyzer)
	job := h.enqueue(t)

	h.drive(t, 3)

	stored := h.store.jobs[job.ID]
	if stored.Status != enums.JobStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("non-retryable errors must not retry, got %d attempts", stored.Attempts)
	}
}

func TestWorkerHonorsCancelFlagAtClaim(t *testing.T) {
	analyzer := &scriptedAnalyzer{}
	h := newWorkerHarness(t, analyzer)
	job := h.enqueue(t)
	h.store.jobs[job.ID].CancelRequested = true

	h.drive(t, 2)

	stored := h.store.jobs[job.ID]
	if stored.Status != enums.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if analyzer.calls != 0 {
		t.Fatal("canceled jobs must not reach the model")
	}
	if len(h.notifier.finished) != 0 {
		t.Fatal("canceled jobs must not notify")
	}
}

func TestWorkerCancelDuringProcessingDiscardsResult(t *testing.T) {
	analyzer := &scriptedAnalyzer{}
	h := newWorkerHarness(t, analyzer)
	job := h.enqueue(t)
	analyzer.onCall = func(int) {
		stored := h.store.jobs[job.ID]
		stored.CancelRequested = true
		stored.Version++
	}

	h.drive(t, 2)

	stored := h.store.jobs[job.ID]
	if stored.Status != enums.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if stored.Result != nil {
		t.Fatal("canceled jobs must not keep the result")
	}
	if len(h.notifier.finished) != 0 {
		t.Fatal("discarded results must not notify")
	}
}
