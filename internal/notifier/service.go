package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

const envelopeVersion = 1

type publisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

// Envelope is the stable payload published when a form-check job reaches a
// terminal state. Consumers (push notifications, coaching feed) fan out
// from here.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	JobID      uuid.UUID       `json:"jobId"`
	UserID     uuid.UUID       `json:"userId"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  *string         `json:"lastError,omitempty"`
}

type ServiceParams struct {
	Publisher *gcppubsub.Publisher
	Logger    *logger.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service publishes job-finished events. Delivery is best-effort by
// contract: the job row stays the source of truth either way.
type Service struct {
	pub  publisher
	logg *logger.Logger
	now  func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		pub:  newGCPPublisher(params.Publisher),
		logg: params.Logger,
		now:  params.Now,
	}, nil
}

// JobFinished publishes the terminal outcome of a job.
func (s *Service) JobFinished(ctx context.Context, job *models.FormCheckJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	envelope := Envelope{
		Version:    envelopeVersion,
		EventID:    uuid.NewString(),
		OccurredAt: s.now(),
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     job.Status.String(),
		Result:     job.Result,
		LastError:  job.LastError,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}

	result := s.pub.Publish(ctx, &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": "formcheck.job.finished",
			"job_id":     job.ID.String(),
			"user_id":    job.UserID.String(),
			"status":     job.Status.String(),
		},
	})
	if result == nil {
		return errors.New("publisher returned no result")
	}
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"job_id":     job.ID.String(),
		"message_id": serverID,
	})
	s.logg.Info(logCtx, "job result published")
	return nil
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}
