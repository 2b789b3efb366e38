package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/labsync/internal/models"
)

const defaultScheduleInterval = 5 * time.Minute

// RepositoryLister is the subset of the store the scheduler needs.
type RepositoryLister interface {
	ListRepositories(ctx context.Context) ([]models.Repository, error)
}

type SchedulerOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler periodically enqueues a sync job for every registered repository.
type Scheduler struct {
	repos    RepositoryLister
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewScheduler(repos RepositoryLister, queue *Queue, opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultScheduleInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repos:    repos,
		queue:    queue,
		interval: interval,
		logger:   logger,
	}
}

// EnqueueAll queues a sync for every repository and returns how many
// enqueue calls succeeded. Failures for one repository do not stop the rest.
func (s *Scheduler) EnqueueAll(ctx context.Context) (int, error) {
	repos, err := s.repos.ListRepositories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list repositories: %w", err)
	}
	queued := 0
	for _, repo := range repos {
		if _, err := s.queue.EnqueueSync(ctx, repo.ID); err != nil {
			s.logger.Warn("schedule sync failed", "repo", repo.Identifier, "error", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// Start enqueues immediately and then once per interval until Stop or the
// parent context is cancelled.
func (s *Scheduler) Start(parent context.Context) error {
	if s == nil || s.repos == nil || s.queue == nil {
		return fmt.Errorf("scheduler is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.started = true

	go s.run(ctx, done)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.EnqueueAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("sync schedule pass failed", "error", err)
		} else {
			s.logger.Debug("sync schedule pass", "queued", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
