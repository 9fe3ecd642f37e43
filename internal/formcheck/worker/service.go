package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	"github.com/vitaflow/vitaflow-backend/pkg/metrics"
	"github.com/vitaflow/vitaflow-backend/pkg/vision"
)

const maxBackoffExponent = 5

type analyzer interface {
	AnalyzeForm(ctx context.Context, media vision.Media, exercise string) (*vision.Report, error)
}

type mediaDownloader interface {
	Download(ctx context.Context, key string) ([]byte, string, error)
}

type resultPublisher interface {
	JobFinished(ctx context.Context, job *models.FormCheckJob) error
}

type ServiceParams struct {
	Store    formcheck.Store
	Media    mediaDownloader
	Vision   analyzer
	Notifier resultPublisher
	Metrics  *metrics.WorkerMetrics
	Logger   *logger.Logger
	Config   config.FormCheckConfig
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service is the form-check worker pool. Each worker claims queued jobs,
// runs the vision model against the referenced media, and finalizes or
// requeues the job. Transient failures retry with exponential backoff until
// the attempt budget is spent.
type Service struct {
	store    formcheck.Store
	media    mediaDownloader
	vision   analyzer
	notifier resultPublisher
	metrics  *metrics.WorkerMetrics
	logg     *logger.Logger
	cfg      config.FormCheckConfig
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "job store required")
	}
	if params.Media == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "media downloader required")
	}
	if params.Vision == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "vision client required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "result notifier required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.Config.Workers <= 0 {
		params.Config.Workers = 4
	}
	if params.Config.PollInterval <= 0 {
		params.Config.PollInterval = 2 * time.Second
	}
	if params.Config.MaxAttempts <= 0 {
		params.Config.MaxAttempts = 3
	}
	if params.Config.RetryBackoff <= 0 {
		params.Config.RetryBackoff = 30 * time.Second
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    params.Store,
		media:    params.Media,
		vision:   params.Vision,
		notifier: params.Notifier,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      params.Config,
		now:      params.Now,
	}, nil
}

// Run blocks until the context is canceled, keeping the configured number
// of workers polling the queue.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (s *Service) runWorker(ctx context.Context, id int) {
	ctx = s.logg.WithField(ctx, "worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.store.ClaimNext(ctx, s.now())
		if err != nil {
			s.logg.Error(ctx, "claiming next job failed", err)
			s.wait(ctx, s.cfg.PollInterval)
			continue
		}
		if job == nil {
			s.wait(ctx, s.cfg.PollInterval)
			continue
		}
		s.process(ctx, job)
	}
}

// ProcessOne claims and processes a single job. Returns false when the queue
// had nothing claimable.
func (s *Service) ProcessOne(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNext(ctx, s.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	s.process(ctx, job)
	return true, nil
}

func (s *Service) process(ctx context.Context, job *models.FormCheckJob) {
	start := s.now()
	ctx = s.logg.WithJobID(ctx, job.ID.String())

	if job.CancelRequested {
		s.conclude(ctx, job, enums.JobStatusCanceled, nil, nil, start)
		return
	}

	data, contentType, err := s.media.Download(ctx, job.MediaRef)
	if err != nil {
		// Storage hiccups are retryable; the object existed at submit time.
		s.handleFailure(ctx, job, fmt.Errorf("download media: %w", err), true, start)
		return
	}

	report, err := s.vision.AnalyzeForm(ctx, vision.Media{ContentType: contentType, Data: data}, job.Exercise)
	if err != nil {
		s.handleFailure(ctx, job, err, vision.IsTransient(err), start)
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		s.handleFailure(ctx, job, fmt.Errorf("encode report: %w", err), false, start)
		return
	}
	s.conclude(ctx, job, enums.JobStatusSucceeded, payload, nil, start)
}

func (s *Service) handleFailure(ctx context.Context, job *models.FormCheckJob, cause error, transient bool, start time.Time) {
	if transient && job.Attempts < s.cfg.MaxAttempts {
		availableAt := s.now().Add(s.backoffFor(job.Attempts))
		if err := s.requeue(ctx, job, availableAt, cause.Error()); err != nil {
			s.logg.Error(ctx, "requeueing job failed", err)
			return
		}
		s.metrics.IncRetry()
		s.metrics.ObserveAttempt("retried", s.now().Sub(start))
		s.logg.Warn(s.logg.WithField(ctx, "cause", cause.Error()), "transient failure, job requeued")
		return
	}

	message := cause.Error()
	s.conclude(ctx, job, enums.JobStatusFailed, nil, &message, start)
}

// conclude finalizes against a fresh read so a cancellation racing the
// attempt wins over a late success.
func (s *Service) conclude(ctx context.Context, job *models.FormCheckJob, status enums.JobStatus, result json.RawMessage, lastError *string, start time.Time) {
	fresh, err := s.store.Get(ctx, job.ID)
	if err != nil {
		s.logg.Error(ctx, "reloading job for finalize failed", err)
		return
	}
	if fresh.Status.IsTerminal() {
		return
	}
	if fresh.CancelRequested && status == enums.JobStatusSucceeded {
		status = enums.JobStatusCanceled
		result = nil
	}

	if err := s.store.Finalize(ctx, fresh, status, result, lastError); err != nil {
		// A lost race here is recovered by the stale-claim sweep.
		s.logg.Error(ctx, "finalizing job failed", err)
		return
	}

	s.metrics.ObserveAttempt(status.String(), s.now().Sub(start))
	switch status {
	case enums.JobStatusSucceeded, enums.JobStatusFailed:
		if err := s.notifier.JobFinished(ctx, fresh); err != nil {
			// Notification is best-effort; the poll endpoint remains the
			// source of truth.
			s.logg.Error(ctx, "publishing job result failed", err)
		}
	}
	s.logg.Info(ctx, fmt.Sprintf("job finished with status %s", status))
}

func (s *Service) requeue(ctx context.Context, job *models.FormCheckJob, availableAt time.Time, lastError string) error {
	err := s.store.Requeue(ctx, job, availableAt, lastError)
	if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
		return err
	}
	fresh, getErr := s.store.Get(ctx, job.ID)
	if getErr != nil {
		return getErr
	}
	if fresh.Status.IsTerminal() {
		return nil
	}
	if fresh.CancelRequested {
		return s.store.Finalize(ctx, fresh, enums.JobStatusCanceled, nil, nil)
	}
	return s.store.Requeue(ctx, fresh, availableAt, lastError)
}

// backoffFor doubles the base delay per prior attempt, capped so a stuck
// dependency cannot push retries out indefinitely.
func (s *Service) backoffFor(attempts int) time.Duration {
	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	return s.cfg.RetryBackoff * (1 << exponent)
}

func (s *Service) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
