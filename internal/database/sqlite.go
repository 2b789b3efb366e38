package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/labsync/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	root_url TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	extra_info TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS changesets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	revision TEXT NOT NULL,
	scmid TEXT NOT NULL,
	committer TEXT NOT NULL DEFAULT '',
	committed_on DATETIME NOT NULL,
	comments TEXT NOT NULL DEFAULT '',
	UNIQUE(repository_id, scmid)
);

CREATE INDEX IF NOT EXISTS idx_changesets_repo_revision ON changesets(repository_id, revision);
CREATE INDEX IF NOT EXISTS idx_changesets_repo_committed ON changesets(repository_id, committed_on);

CREATE TABLE IF NOT EXISTS changeset_parents (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	parent_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	PRIMARY KEY (changeset_id, parent_id)
);

CREATE TABLE IF NOT EXISTS changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_changeset ON changes(changeset_id);

CREATE TABLE IF NOT EXISTS sync_leases (
	repository_id INTEGER PRIMARY KEY REFERENCES repositories(id) ON DELETE CASCADE,
	owner TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL UNIQUE REFERENCES repositories(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_status_next ON sync_jobs(status, next_attempt_at);
`

// --- Repositories ---

func (s *SQLiteDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	state, err := r.State.Encode()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (identifier, url, root_url, token, extra_info) VALUES (?, ?, ?, ?, ?)`,
		r.Identifier, r.URL, r.RootURL, r.Token, state)
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return s.db.QueryRowContext(ctx, `SELECT created_at FROM repositories WHERE id = ?`, r.ID).Scan(&r.CreatedAt)
}

const sqliteRepoColumns = `id, identifier, url, root_url, token, extra_info, created_at`

func scanRepository(row interface{ Scan(...any) error }) (*models.Repository, error) {
	var r models.Repository
	var extra string
	if err := row.Scan(&r.ID, &r.Identifier, &r.URL, &r.RootURL, &r.Token, &extra, &r.CreatedAt); err != nil {
		return nil, err
	}
	state, err := models.ParseSyncState(extra)
	if err != nil {
		return nil, err
	}
	r.State = state
	return &r, nil
}

func (s *SQLiteDB) GetRepository(ctx context.Context, identifier string) (*models.Repository, error) {
	return scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRepoColumns+` FROM repositories WHERE identifier = ?`, identifier))
}

func (s *SQLiteDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRepoColumns+` FROM repositories WHERE id = ?`, id))
}

func (s *SQLiteDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRepoColumns+` FROM repositories ORDER BY identifier`)
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

func (s *SQLiteDB) UpdateRepository(ctx context.Context, r *models.Repository) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET url = ?, root_url = ?, token = ? WHERE id = ?`,
		r.URL, r.RootURL, r.Token, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) DeleteRepository(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	return err
}

// --- Sync state ---

func (s *SQLiteDB) GetRepositoryState(ctx context.Context, repoID int64) (models.SyncState, error) {
	var extra string
	if err := s.db.QueryRowContext(ctx, `SELECT extra_info FROM repositories WHERE id = ?`, repoID).Scan(&extra); err != nil {
		return models.SyncState{}, err
	}
	return models.ParseSyncState(extra)
}

func (s *SQLiteDB) MergeRepositoryState(ctx context.Context, repoID int64, patch models.SyncState) (models.SyncState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SyncState{}, err
	}
	defer tx.Rollback()

	var extra string
	if err := tx.QueryRowContext(ctx, `SELECT extra_info FROM repositories WHERE id = ?`, repoID).Scan(&extra); err != nil {
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
	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET extra_info = ? WHERE id = ?`, encoded, repoID); err != nil {
		return models.SyncState{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.SyncState{}, err
	}
	return merged, nil
}

func (s *SQLiteDB) ReplaceRepositoryState(ctx context.Context, repoID int64, state models.SyncState) error {
	encoded, err := state.Encode()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET extra_info = ? WHERE id = ?`, encoded, repoID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Changesets ---

func (s *SQLiteDB) ChangesetsExist(ctx context.Context, repoID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM changesets WHERE repository_id = ?)`, repoID).Scan(&exists)
	return exists, err
}

func (s *SQLiteDB) CountChangesets(ctx context.Context, repoID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changesets WHERE repository_id = ?`, repoID).Scan(&n)
	return n, err
}

const sqliteChangesetColumns = `id, repository_id, revision, scmid, committer, committed_on, comments`

func scanChangeset(row interface{ Scan(...any) error }) (*models.Changeset, error) {
	var cs models.Changeset
	if err := row.Scan(&cs.ID, &cs.RepositoryID, &cs.Revision, &cs.Scmid, &cs.Committer, &cs.CommittedOn, &cs.Comments); err != nil {
		return nil, err
	}
	cs.CommittedOn = cs.CommittedOn.UTC()
	return &cs, nil
}

func (s *SQLiteDB) GetChangesetByRevision(ctx context.Context, repoID int64, revision string) (*models.Changeset, error) {
	cs, err := scanChangeset(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChangesetColumns+` FROM changesets WHERE repository_id = ? AND revision = ? LIMIT 1`,
		repoID, revision))
	if err != nil {
		return nil, err
	}
	return cs, s.loadParents(ctx, cs)
}

func (s *SQLiteDB) GetChangesetByScmidPrefix(ctx context.Context, repoID int64, prefix string) (*models.Changeset, error) {
	cs, err := scanChangeset(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChangesetColumns+` FROM changesets
		 WHERE repository_id = ? AND substr(scmid, 1, length(?)) = ?
		 ORDER BY id LIMIT 1`,
		repoID, prefix, prefix))
	if err != nil {
		return nil, err
	}
	return cs, s.loadParents(ctx, cs)
}

func (s *SQLiteDB) loadParents(ctx context.Context, cs *models.Changeset) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.scmid FROM changeset_parents cp
		 JOIN changesets p ON p.id = cp.parent_id
		 WHERE cp.changeset_id = ?
		 ORDER BY p.committed_on, p.id`, cs.ID)
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

func (s *SQLiteDB) FindChangesetsByScmids(ctx context.Context, repoID int64, scmids []string) ([]models.Changeset, error) {
	var out []models.Changeset
	for _, chunk := range chunkStrings(scmids, scmidChunkSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, 0, len(chunk)+1)
		args = append(args, repoID)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+sqliteChangesetColumns+` FROM changesets
			 WHERE repository_id = ? AND scmid IN (`+placeholders+`)
			 ORDER BY committed_on, id`, args...)
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

func (s *SQLiteDB) CreateChangeset(ctx context.Context, cs *models.Changeset, parentIDs []int64, changes []models.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO changesets (repository_id, revision, scmid, committer, committed_on, comments)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cs.RepositoryID, cs.Revision, cs.Scmid, cs.Committer, sqliteTimestamp(cs.CommittedOn), cs.Comments)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return ErrDuplicateChangeset
		}
		return err
	}
	cs.ID, _ = res.LastInsertId()

	for _, parentID := range parentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO changeset_parents (changeset_id, parent_id) VALUES (?, ?)`,
			cs.ID, parentID); err != nil {
			return err
		}
	}
	for i := range changes {
		changes[i].ChangesetID = cs.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO changes (changeset_id, action, path) VALUES (?, ?, ?)`,
			cs.ID, changes[i].Action, changes[i].Path)
		if err != nil {
			return err
		}
		changes[i].ID, _ = res.LastInsertId()
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteUniqueErr(err) {
			return ErrDuplicateChangeset
		}
		return err
	}
	cs.Changes = changes
	return nil
}

func (s *SQLiteDB) ListChangesets(ctx context.Context, repoID int64, limit, offset int) ([]models.Changeset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteChangesetColumns+` FROM changesets
		 WHERE repository_id = ?
		 ORDER BY committed_on DESC, id DESC
		 LIMIT ? OFFSET ?`, repoID, limit, offset)
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

func (s *SQLiteDB) ListChanges(ctx context.Context, changesetID int64) ([]models.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, changeset_id, action, path FROM changes WHERE changeset_id = ? ORDER BY id`, changesetID)
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

func (s *SQLiteDB) DeleteChangesets(ctx context.Context, repoID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM changesets WHERE repository_id = ?`, repoID)
	return err
}

// --- Sync leases ---

func (s *SQLiteDB) AcquireSyncLease(ctx context.Context, repoID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_leases (repository_id, owner, expires_at) VALUES (?, ?, datetime(?))
		 ON CONFLICT(repository_id) DO UPDATE SET
			 owner = excluded.owner,
			 expires_at = excluded.expires_at
		 WHERE sync_leases.owner = excluded.owner
			OR datetime(sync_leases.expires_at) <= datetime(?)`,
		repoID, owner, sqliteTimestamp(now.Add(ttl)), sqliteTimestamp(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteDB) ReleaseSyncLease(ctx context.Context, repoID int64, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE repository_id = ? AND owner = ?`, repoID, owner)
	return err
}

// --- Sync jobs ---

func (s *SQLiteDB) EnqueueSyncJob(ctx context.Context, job *models.SyncJob) error {
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
	nextAttempt := sqliteTimestamp(nextAttemptAt)

	// A queued or running job absorbs the request; anything else restarts.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (repository_id, status, attempt_count, max_attempts, last_error, next_attempt_at)
		 VALUES (?, ?, 0, ?, '', datetime(?))
		 ON CONFLICT(repository_id) DO UPDATE SET
			 status = excluded.status,
			 attempt_count = 0,
			 max_attempts = excluded.max_attempts,
			 last_error = '',
			 next_attempt_at = excluded.next_attempt_at,
			 started_at = NULL,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE sync_jobs.status NOT IN (?, ?)`,
		job.RepoID, models.SyncJobQueued, maxAttempts, nextAttempt,
		models.SyncJobQueued, models.SyncJobInProgress,
	)
	if err != nil {
		return err
	}

	loaded, err := s.GetSyncJobStatus(ctx, job.RepoID)
	if err != nil {
		return err
	}
	if loaded == nil {
		return sql.ErrNoRows
	}
	*job = *loaded
	return nil
}

func (s *SQLiteDB) ClaimSyncJob(ctx context.Context) (*models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE sync_jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id
			 FROM sync_jobs
			 WHERE status = ?
			   AND datetime(next_attempt_at) <= CURRENT_TIMESTAMP
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
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

func (s *SQLiteDB) CompleteSyncJob(ctx context.Context, jobID int64, status models.SyncJobStatus, errMsg string) error {
	trimmedErr, err := terminalSyncError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET status = ?,
			 last_error = ?,
			 completed_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
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

func (s *SQLiteDB) RequeueSyncJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	nextAttempt := sqliteTimestamp(nextAttemptAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN ?
				 ELSE ?
			 END,
			 last_error = ?,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE datetime(?)
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN CURRENT_TIMESTAMP
				 ELSE NULL
			 END,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.SyncJobFailed, models.SyncJobQueued, trimmedErr, nextAttempt, jobID, models.SyncJobInProgress,
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

func (s *SQLiteDB) GetSyncJobStatus(ctx context.Context, repoID int64) (*models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE repository_id = ? LIMIT 1`, repoID)
	job, err := scanSyncJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func isSQLiteUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ DB = (*SQLiteDB)(nil)
