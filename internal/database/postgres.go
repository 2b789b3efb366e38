package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odvcencio/labsync/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	root_url TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	extra_info TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS changesets (
	id BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	revision TEXT NOT NULL,
	scmid TEXT NOT NULL,
	committer TEXT NOT NULL DEFAULT '',
	committed_on TIMESTAMPTZ NOT NULL,
	comments TEXT NOT NULL DEFAULT '',
	UNIQUE(repository_id, scmid)
);

CREATE INDEX IF NOT EXISTS idx_changesets_repo_revision ON changesets(repository_id, revision);
CREATE INDEX IF NOT EXISTS idx_changesets_repo_committed ON changesets(repository_id, committed_on);

CREATE TABLE IF NOT EXISTS changeset_parents (
	changeset_id BIGINT NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	parent_id BIGINT NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	PRIMARY KEY (changeset_id, parent_id)
);

CREATE TABLE IF NOT EXISTS changes (
	id BIGSERIAL PRIMARY KEY,
	changeset_id BIGINT NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_changeset ON changes(changeset_id);

CREATE TABLE IF NOT EXISTS sync_leases (
	repository_id BIGINT PRIMARY KEY REFERENCES repositories(id) ON DELETE CASCADE,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL UNIQUE REFERENCES repositories(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_status_next ON sync_jobs(status, next_attempt_at);
`

// --- Repositories ---

func (p *PostgresDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	state, err := r.State.Encode()
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO repositories (identifier, url, root_url, token, extra_info)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		r.Identifier, r.URL, r.RootURL, r.Token, state).Scan(&r.ID, &r.CreatedAt)
}

const pgRepoColumns = `id, identifier, url, root_url, token, extra_info, created_at`

func (p *PostgresDB) GetRepository(ctx context.Context, identifier string) (*models.Repository, error) {
	return scanRepository(p.db.QueryRowContext(ctx,
		`SELECT `+pgRepoColumns+` FROM repositories WHERE identifier = $1`, identifier))
}

func (p *PostgresDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return scanRepository(p.db.QueryRowContext(ctx,
		`SELECT `+pgRepoColumns+` FROM repositories WHERE id = $1`, id))
}

func (p *PostgresDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+pgRepoColumns+` FROM repositories ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func (p *PostgresDB) UpdateRepository(ctx context.Context, r *models.Repository) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE repositories SET url = $1, root_url = $2, token = $3 WHERE id = $4`,
		r.URL, r.RootURL, r.Token, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) DeleteRepository(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	return err
}

// --- Sync state ---

func (p *PostgresDB) GetRepositoryState(ctx context.Context, repoID int64) (models.SyncState, error) {
	var extra string
	if err := p.db.QueryRowContext(ctx, `SELECT extra_info FROM repositories WHERE id = $1`, repoID).Scan(&extra); err != nil {
		return models.SyncState{}, err
	}
	return models.ParseSyncState(extra)
}

func (p *PostgresDB) MergeRepositoryState(ctx context.Context, repoID int64, patch models.SyncState) (models.SyncState, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SyncState{}, err
	}
	defer tx.Rollback()

	var extra string
	if err := tx.QueryRowContext(ctx,
		`SELECT extra_info FROM repositories WHERE id = $1 FOR UPDATE`, repoID).Scan(&extra); err != nil {
		return models.SyncState{}, err
	}
	current, err := models.ParseSyncState(extra)
	if err != nil {
		return models.SyncState{}, err
	}
	merged := current.Merge(patch)
	encoded, err := merged.Encode()
	if err != nil {
		return models.SyncState{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET extra_info = $1 WHERE id = $2`, encoded, repoID); err != nil {
		return models.SyncState{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.SyncState{}, err
	}
	return merged, nil
}

func (p *PostgresDB) ReplaceRepositoryState(ctx context.Context, repoID int64, state models.SyncState) error {
	encoded, err := state.Encode()
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE repositories SET extra_info = $1 WHERE id = $2`, encoded, repoID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Changesets ---

func (p *PostgresDB) ChangesetsExist(ctx context.Context, repoID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM changesets WHERE repository_id = $1)`, repoID).Scan(&exists)
	return exists, err
}

func (p *PostgresDB) CountChangesets(ctx context.Context, repoID int64) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changesets WHERE repository_id = $1`, repoID).Scan(&n)
	return n, err
}

const pgChangesetColumns = `id, repository_id, revision, scmid, committer, committed_on, comments`

func (p *PostgresDB) GetChangesetByRevision(ctx context.Context, repoID int64, revision string) (*models.Changeset, error) {
	cs, err := scanChangeset(p.db.QueryRowContext(ctx,
		`SELECT `+pgChangesetColumns+` FROM changesets WHERE repository_id = $1 AND revision = $2 LIMIT 1`,
		repoID, revision))
	if err != nil {
		return nil, err
	}
	return cs, p.loadParents(ctx, cs)
}

func (p *PostgresDB) GetChangesetByScmidPrefix(ctx context.Context, repoID int64, prefix string) (*models.Changeset, error) {
	cs, err := scanChangeset(p.db.QueryRowContext(ctx,
		`SELECT `+pgChangesetColumns+` FROM changesets
		 WHERE repository_id = $1 AND left(scmid, length($2)) = $2
		 ORDER BY id LIMIT 1`,
		repoID, prefix))
	if err != nil {
		return nil, err
	}
	return cs, p.loadParents(ctx, cs)
}

func (p *PostgresDB) loadParents(ctx context.Context, cs *models.Changeset) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT par.scmid FROM changeset_parents cp
		 JOIN changesets par ON par.id = cp.parent_id
		 WHERE cp.changeset_id = $1
		 ORDER BY par.committed_on, par.id`, cs.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	cs.Parents = nil
	for rows.Next() {
		var scmid string
		if err := rows.Scan(&scmid); err != nil {
			return err
		}
		cs.Parents = append(cs.Parents, scmid)
	}
	return rows.Err()
}

func (p *PostgresDB) FindChangesetsByScmids(ctx context.Context, repoID int64, scmids []string) ([]models.Changeset, error) {
	var out []models.Changeset
	for _, chunk := range chunkStrings(scmids, scmidChunkSize) {
		rows, err := p.db.QueryContext(ctx,
			`SELECT `+pgChangesetColumns+` FROM changesets
			 WHERE repository_id = $1 AND scmid = ANY($2)
			 ORDER BY committed_on, id`, repoID, chunk)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			cs, err := scanChangeset(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, *cs)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresDB) CreateChangeset(ctx context.Context, cs *models.Changeset, parentIDs []int64, changes []models.Change) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO changesets (repository_id, revision, scmid, committer, committed_on, comments)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		cs.RepositoryID, cs.Revision, cs.Scmid, cs.Committer, cs.CommittedOn.UTC(), cs.Comments).Scan(&cs.ID); err != nil {
		if isPostgresUniqueErr(err) {
			return ErrDuplicateChangeset
		}
		return err
	}
	for _, parentID := range parentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO changeset_parents (changeset_id, parent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			cs.ID, parentID); err != nil {
			return err
		}
	}
	for i := range changes {
		changes[i].ChangesetID = cs.ID
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO changes (changeset_id, action, path) VALUES ($1, $2, $3) RETURNING id`,
			cs.ID, changes[i].Action, changes[i].Path).Scan(&changes[i].ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if isPostgresUniqueErr(err) {
			return ErrDuplicateChangeset
		}
		return err
	}
	cs.Changes = changes
	return nil
}

func (p *PostgresDB) ListChangesets(ctx context.Context, repoID int64, limit, offset int) ([]models.Changeset, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgChangesetColumns+` FROM changesets
		 WHERE repository_id = $1
		 ORDER BY committed_on DESC, id DESC
		 LIMIT $2 OFFSET $3`, repoID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Changeset
	for rows.Next() {
		cs, err := scanChangeset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (p *PostgresDB) ListChanges(ctx context.Context, changesetID int64) ([]models.Change, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, changeset_id, action, path FROM changes WHERE changeset_id = $1 ORDER BY id`, changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Change
	for rows.Next() {
		var c models.Change
		if err := rows.Scan(&c.ID, &c.ChangesetID, &c.Action, &c.Path); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresDB) DeleteChangesets(ctx context.Context, repoID int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM changesets WHERE repository_id = $1`, repoID)
	return err
}

// --- Sync leases ---

func (p *PostgresDB) AcquireSyncLease(ctx context.Context, repoID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_leases (repository_id, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (repository_id) DO UPDATE SET
			 owner = EXCLUDED.owner,
			 expires_at = EXCLUDED.expires_at
		 WHERE sync_leases.owner = EXCLUDED.owner
			OR sync_leases.expires_at <= $4`,
		repoID, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresDB) ReleaseSyncLease(ctx context.Context, repoID int64, owner string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE repository_id = $1 AND owner = $2`, repoID, owner)
	return err
}

// --- Sync jobs ---

func (p *PostgresDB) EnqueueSyncJob(ctx context.Context, job *models.SyncJob) error {
	if job == nil {
		return fmt.Errorf("sync job is nil")
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextAttemptAt := job.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (repository_id, status, attempt_count, max_attempts, last_error, next_attempt_at)
		 VALUES ($1, $2, 0, $3, '', $4)
		 ON CONFLICT (repository_id) DO UPDATE SET
			 status = EXCLUDED.status,
			 attempt_count = 0,
			 max_attempts = EXCLUDED.max_attempts,
			 last_error = '',
			 next_attempt_at = EXCLUDED.next_attempt_at,
			 started_at = NULL,
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE sync_jobs.status NOT IN ($5, $6)`,
		job.RepoID, models.SyncJobQueued, maxAttempts, nextAttemptAt.UTC(),
		models.SyncJobQueued, models.SyncJobInProgress,
	)
	if err != nil {
		return err
	}

	loaded, err := p.GetSyncJobStatus(ctx, job.RepoID)
	if err != nil {
		return err
	}
	if loaded == nil {
		return sql.ErrNoRows
	}
	*job = *loaded
	return nil
}

func (p *PostgresDB) ClaimSyncJob(ctx context.Context) (*models.SyncJob, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE sync_jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 started_at = NOW(),
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE id = (
			 SELECT id
			 FROM sync_jobs
			 WHERE status = $2
			   AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+syncJobColumns,
		models.SyncJobInProgress, models.SyncJobQueued,
	)
	job, err := scanSyncJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (p *PostgresDB) CompleteSyncJob(ctx context.Context, jobID int64, status models.SyncJobStatus, errMsg string) error {
	trimmedErr, err := terminalSyncError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET status = $1,
			 last_error = $2,
			 completed_at = NOW(),
			 updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		status, trimmedErr, jobID, models.SyncJobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) RequeueSyncJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN $1
				 ELSE $2
			 END,
			 last_error = $3,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE $4
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN NOW()
				 ELSE NULL
			 END,
			 updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		models.SyncJobFailed, models.SyncJobQueued, trimmedErr, nextAttemptAt.UTC(), jobID, models.SyncJobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) GetSyncJobStatus(ctx context.Context, repoID int64) (*models.SyncJob, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE repository_id = $1 LIMIT 1`, repoID)
	job, err := scanSyncJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func isPostgresUniqueErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ DB = (*PostgresDB)(nil)
