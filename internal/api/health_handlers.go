package api

import (
	"net/http"
	"time"
)

type adminHealthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Queue     adminHealthQueue    `json:"queue"`
	Workers   adminHealthWorkers  `json:"workers"`
	Database  adminHealthDatabase `json:"database"`
	Errors    []string            `json:"errors,omitempty"`
}

type adminHealthQueue struct {
	Depth                 int64   `json:"depth"`
	InProgress            int64   `json:"in_progress"`
	Failed                int64   `json:"failed"`
	OldestQueuedAgeSecond float64 `json:"oldest_queued_age_seconds"`
}

type adminHealthWorkers struct {
	QueueEnabled bool `json:"queue_enabled"`
	Configured   int  `json:"configured"`
	Active       int  `json:"active"`
}

type adminHealthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
	MaxIdleClosed   int64 `json:"max_idle_closed"`
	MaxLifetime     int64 `json:"max_lifetime_closed"`
	MaxIdleTime     int64 `json:"max_idle_time_closed"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	resp := adminHealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Workers: adminHealthWorkers{
			QueueEnabled: s.queue != nil,
			Configured:   s.workers,
		},
	}

	stats, err := s.db.SyncQueueStats(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "sync queue stats failed", "error", err)
		resp.Errors = append(resp.Errors, "sync_queue_stats")
	} else {
		resp.Queue.Depth = stats.Queued
		resp.Queue.InProgress = stats.InProgress
		resp.Queue.Failed = stats.Failed
		if stats.OldestQueuedAt != nil {
			resp.Queue.OldestQueuedAgeSecond = max(time.Since(stats.OldestQueuedAt.UTC()).Seconds(), 0)
		}
	}

	pool := s.db.DBStats()
	resp.Database = adminHealthDatabase{
		OpenConnections: pool.OpenConnections,
		InUse:           pool.InUse,
		Idle:            pool.Idle,
		WaitCount:       pool.WaitCount,
		WaitDurationMS:  pool.WaitDuration.Milliseconds(),
		MaxIdleClosed:   pool.MaxIdleClosed,
		MaxLifetime:     pool.MaxLifetimeClosed,
		MaxIdleTime:     pool.MaxIdleTimeClosed,
	}

	if s.pool != nil {
		resp.Workers.Active = s.pool.Active()
	} else {
		resp.Workers.Active = int(resp.Queue.InProgress)
	}
	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
