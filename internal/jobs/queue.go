package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/models"
)

const (
	defaultRetryDelay = 30 * time.Second
	defaultMaxRetries = 3
)

// Queue persists repository sync jobs and their status transitions in the
// database. There is at most one job row per repository.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

// EnqueueSync schedules a sync pass for the repository. A job that is
// already queued or running absorbs the request and is returned as is.
func (q *Queue) EnqueueSync(ctx context.Context, repoID int64) (*models.SyncJob, error) {
	if repoID <= 0 {
		return nil, fmt.Errorf("repository id is required")
	}
	job := &models.SyncJob{
		RepoID:        repoID,
		Status:        models.SyncJobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueSyncJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.SyncJob, error) {
	return q.db.ClaimSyncJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteSyncJob(ctx, jobID, models.SyncJobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteSyncJob(ctx, jobID, models.SyncJobFailed, failureMessage(runErr))
}

func (q *Queue) RetryOrFail(ctx context.Context, job *models.SyncJob, runErr error) error {
	if job == nil {
		return fmt.Errorf("sync job is nil")
	}
	message := failureMessage(runErr)
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return q.db.CompleteSyncJob(ctx, job.ID, models.SyncJobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return q.db.RequeueSyncJob(ctx, job.ID, message, nextAttempt)
}

// Status returns the repository's sync job, or nil when none was ever queued.
func (q *Queue) Status(ctx context.Context, repoID int64) (*models.SyncJob, error) {
	return q.db.GetSyncJobStatus(ctx, repoID)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
