package database

import "time"

// SyncQueueStats summarizes sync queue status for health and observability endpoints.
type SyncQueueStats struct {
	Queued         int64
	InProgress     int64
	Failed         int64
	OldestQueuedAt *time.Time
}
