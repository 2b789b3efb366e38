package models

import (
	"net/url"
	"strings"
	"time"
)

type Repository struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	URL        string    `json:"url"`
	RootURL    string    `json:"root_url"`
	Token      string    `json:"-"`
	State      SyncState `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

// Project returns the remote project path: the repository URL with the root
// URL, any leading slash and a trailing ".git" removed.
func (r *Repository) Project() string {
	project := strings.TrimPrefix(r.URL, r.EffectiveRootURL())
	project = strings.TrimPrefix(project, "/")
	return strings.TrimSuffix(project, ".git")
}

// EffectiveRootURL returns RootURL, or the scheme and host of URL when no
// root URL was configured.
func (r *Repository) EffectiveRootURL() string {
	root := strings.TrimSpace(r.RootURL)
	if root == "" && r.URL != "" {
		if u, err := url.Parse(r.URL); err == nil {
			u.Path = ""
			u.RawPath = ""
			u.RawQuery = ""
			u.Fragment = ""
			root = u.String()
		}
	}
	return strings.TrimSuffix(root, "/")
}

type Changeset struct {
	ID           int64     `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	Revision     string    `json:"revision"`
	Scmid        string    `json:"scmid"`
	Committer    string    `json:"committer"`
	CommittedOn  time.Time `json:"committed_on"`
	Comments     string    `json:"comments"`
	Parents      []string  `json:"parents,omitempty"` // parent scmids, populated on read
	Changes      []Change  `json:"changes,omitempty"`
}

type Change struct {
	ID          int64  `json:"id"`
	ChangesetID int64  `json:"changeset_id"`
	Action      string `json:"action"` // "A", "M", "D"
	Path        string `json:"path"`
}

type SyncJobStatus string

const (
	SyncJobQueued     SyncJobStatus = "queued"
	SyncJobInProgress SyncJobStatus = "in_progress"
	SyncJobCompleted  SyncJobStatus = "completed"
	SyncJobFailed     SyncJobStatus = "failed"
)

type SyncJob struct {
	ID            int64         `json:"id"`
	RepoID        int64         `json:"repo_id"`
	Status        SyncJobStatus `json:"status"`
	AttemptCount  int           `json:"attempt_count"`
	MaxAttempts   int           `json:"max_attempts"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
