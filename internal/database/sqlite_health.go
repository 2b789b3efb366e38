package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/odvcencio/labsync/internal/models"
)

func (s *SQLiteDB) SyncQueueStats(ctx context.Context) (SyncQueueStats, error) {
	var stats SyncQueueStats
	var oldestQueued sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS in_progress,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = ? THEN datetime(next_attempt_at) END) AS oldest_queued_at
		 FROM sync_jobs`,
		models.SyncJobQueued,
		models.SyncJobInProgress,
		models.SyncJobFailed,
		models.SyncJobQueued,
	).Scan(&stats.Queued, &stats.InProgress, &stats.Failed, &oldestQueued)
	if err != nil {
		return SyncQueueStats{}, err
	}
	if oldestQueued.Valid {
		if t, err := time.Parse(sqliteTimeLayout, oldestQueued.String); err == nil {
			stats.OldestQueuedAt = &t
		}
	}
	return stats, nil
}

func (s *SQLiteDB) DBStats() sql.DBStats {
	return s.db.Stats()
}
