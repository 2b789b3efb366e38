package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/odvcencio/labsync/internal/models"
)

// ErrDuplicateChangeset is returned by CreateChangeset when the repository
// already stores a changeset with the same scmid.
var ErrDuplicateChangeset = errors.New("changeset already exists")

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, identifier string) (*models.Repository, error)
	GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	UpdateRepository(ctx context.Context, repo *models.Repository) error
	DeleteRepository(ctx context.Context, id int64) error

	// Repository sync state. Merge is an atomic read-modify-write that only
	// touches the fields set in the patch.
	GetRepositoryState(ctx context.Context, repoID int64) (models.SyncState, error)
	MergeRepositoryState(ctx context.Context, repoID int64, patch models.SyncState) (models.SyncState, error)
	ReplaceRepositoryState(ctx context.Context, repoID int64, state models.SyncState) error

	// Changesets
	ChangesetsExist(ctx context.Context, repoID int64) (bool, error)
	CountChangesets(ctx context.Context, repoID int64) (int64, error)
	GetChangesetByRevision(ctx context.Context, repoID int64, revision string) (*models.Changeset, error)
	GetChangesetByScmidPrefix(ctx context.Context, repoID int64, prefix string) (*models.Changeset, error)
	FindChangesetsByScmids(ctx context.Context, repoID int64, scmids []string) ([]models.Changeset, error)
	CreateChangeset(ctx context.Context, cs *models.Changeset, parentIDs []int64, changes []models.Change) error
	ListChangesets(ctx context.Context, repoID int64, limit, offset int) ([]models.Changeset, error)
	ListChanges(ctx context.Context, changesetID int64) ([]models.Change, error)
	DeleteChangesets(ctx context.Context, repoID int64) error

	// Sync leases
	AcquireSyncLease(ctx context.Context, repoID int64, owner string, ttl time.Duration) (bool, error)
	ReleaseSyncLease(ctx context.Context, repoID int64, owner string) error

	// Sync jobs
	EnqueueSyncJob(ctx context.Context, job *models.SyncJob) error
	ClaimSyncJob(ctx context.Context) (*models.SyncJob, error)
	CompleteSyncJob(ctx context.Context, jobID int64, status models.SyncJobStatus, errMsg string) error
	RequeueSyncJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	GetSyncJobStatus(ctx context.Context, repoID int64) (*models.SyncJob, error)

	// Health
	SyncQueueStats(ctx context.Context) (SyncQueueStats, error)
	DBStats() sql.DBStats
}

const scmidChunkSize = 100

// chunkStrings splits ids into slices of at most size elements.
func chunkStrings(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
