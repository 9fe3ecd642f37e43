package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
)

type fakePastDueLister struct {
	subs   []models.Subscription
	cutoff time.Time
	err    error
}

func (f *fakePastDueLister) ListPastDueBefore(_ context.Context, cutoff time.Time, _ int) ([]models.Subscription, error) {
	f.cutoff = cutoff
	return f.subs, f.err
}

type fakeExpirer struct {
	expired []uuid.UUID
	failFor map[uuid.UUID]error
}

func (f *fakeExpirer) ExpireIfLapsed(_ context.Context, userID uuid.UUID) error {
	if err := f.failFor[userID]; err != nil {
		return err
	}
	f.expired = append(f.expired, userID)
	return nil
}

func newGraceJob(t *testing.T, repo *fakePastDueLister, machine *fakeExpirer, now time.Time) *SubscriptionGraceJob {
	t.Helper()
	job, err := NewSubscriptionGraceJob(SubscriptionGraceJobParams{
		Repo:    repo,
		Machine: machine,
		Logger:  testLogger(),
		Grace:   7 * 24 * time.Hour,
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	return job
}

func TestSubscriptionGraceJobExpiresLapsed(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	first := uuid.New()
	second := uuid.New()
	repo := &fakePastDueLister{subs: []models.Subscription{
		{ID: uuid.New(), UserID: first, State: enums.SubscriptionStatePastDue},
		{ID: uuid.New(), UserID: second, State: enums.SubscriptionStatePastDue},
	}}
	machine := &fakeExpirer{}
	job := newGraceJob(t, repo, machine, now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantCutoff := now.Add(-7 * 24 * time.Hour)
	if !repo.cutoff.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %s, got %s", wantCutoff, repo.cutoff)
	}
	if len(machine.expired) != 2 {
		t.Fatalf("expected 2 expiries, got %d", len(machine.expired))
	}
	if machine.expired[0] != first || machine.expired[1] != second {
		t.Fatal("expired users out of order")
	}
}

func TestSubscriptionGraceJobContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	broken := uuid.New()
	healthy := uuid.New()
	repo := &fakePastDueLister{subs: []models.Subscription{
		{ID: uuid.New(), UserID: broken, State: enums.SubscriptionStatePastDue},
		{ID: uuid.New(), UserID: healthy, State: enums.SubscriptionStatePastDue},
	}}
	machine := &fakeExpirer{failFor: map[uuid.UUID]error{broken: errors.New("write conflict")}}
	job := newGraceJob(t, repo, machine, now)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(machine.expired) != 1 || machine.expired[0] != healthy {
		t.Fatal("expected healthy subscription to still expire")
	}
}

func TestSubscriptionGraceJobEmptySweep(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	repo := &fakePastDueLister{}
	machine := &fakeExpirer{}
	job := newGraceJob(t, repo, machine, now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(machine.expired) != 0 {
		t.Fatal("expected no expiries")
	}
}
