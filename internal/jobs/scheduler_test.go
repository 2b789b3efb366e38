package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odvcencio/labsync/internal/models"
)

func TestSchedulerEnqueueAll(t *testing.T) {
	db, repoID := setupQueueTestDB(t)
	ctx := context.Background()
	other := &models.Repository{Identifier: "second", URL: "https://gitlab.example.com/group/second.git"}
	if err := db.CreateRepository(ctx, other); err != nil {
		t.Fatal(err)
	}

	q := NewQueue(db, QueueOptions{})
	s := NewScheduler(db, q, SchedulerOptions{Interval: time.Hour})
	n, err := s.EnqueueAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}
	for _, id := range []int64{repoID, other.ID} {
		status, err := q.Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if status == nil || status.Status != models.SyncJobQueued {
			t.Fatalf("repo %d: expected queued job, got %+v", id, status)
		}
	}

	// A second pass is absorbed by the jobs already queued.
	if _, err := s.EnqueueAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := db.SyncQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 2 {
		t.Fatalf("queued jobs = %d, want 2", stats.Queued)
	}
}

type failingLister struct{}

func (failingLister) ListRepositories(context.Context) ([]models.Repository, error) {
	return nil, errors.New("database is locked")
}

func TestSchedulerEnqueueAllListFailure(t *testing.T) {
	db, _ := setupQueueTestDB(t)
	s := NewScheduler(failingLister{}, NewQueue(db, QueueOptions{}), SchedulerOptions{})
	if _, err := s.EnqueueAll(context.Background()); err == nil {
		t.Fatal("expected list failure to be reported")
	}
}

func TestSchedulerStartEnqueuesImmediately(t *testing.T) {
	db, repoID := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{})
	s := NewScheduler(db, q, SchedulerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := s.Stop(stopCtx); err != nil {
			t.Fatalf("stop scheduler: %v", err)
		}
	}()

	waitForJobStatus(t, q, repoID, models.SyncJobQueued, 2*time.Second)
}

func TestSchedulerRequiresDependencies(t *testing.T) {
	s := &Scheduler{}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for unconfigured scheduler")
	}
	if err := (*Scheduler)(nil).Stop(context.Background()); err != nil {
		t.Fatalf("stopping a nil scheduler: %v", err)
	}
}
