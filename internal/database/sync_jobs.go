package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/odvcencio/labsync/internal/models"
)

const syncJobColumns = `id, repository_id, status, attempt_count, max_attempts, last_error, next_attempt_at, created_at, updated_at, started_at, completed_at`

func scanSyncJob(row *sql.Row) (*models.SyncJob, error) {
	var job models.SyncJob
	var status string
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.RepoID,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LastError,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = models.SyncJobStatus(status)
	job.NextAttemptAt = job.NextAttemptAt.UTC()
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		job.CompletedAt = &v
	}
	return &job, nil
}

func terminalSyncError(status models.SyncJobStatus, errMsg string) (string, error) {
	trimmed := strings.TrimSpace(errMsg)
	switch status {
	case models.SyncJobCompleted:
		return "", nil
	case models.SyncJobFailed:
		if trimmed == "" {
			trimmed = "job failed"
		}
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported terminal status %q", status)
	}
}
