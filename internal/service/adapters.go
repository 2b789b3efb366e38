package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/remote"
	"github.com/odvcencio/labsync/internal/scm"
)

// AdapterFactory builds a fresh adapter for one repository. Adapters memoize
// refs for their lifetime, so callers build one per sync pass or request.
type AdapterFactory func(repo *models.Repository) (*scm.Adapter, error)

type GitLabSettings struct {
	PerPage  int
	MaxPages int
	Timeout  time.Duration
	RetryMax int
	ProxyURL string
	Metrics  *remote.Metrics
	Logger   *slog.Logger
}

// NewGitLabAdapterFactory returns a factory that talks to each repository's
// GitLab instance with the repository's own token.
func NewGitLabAdapterFactory(settings GitLabSettings) AdapterFactory {
	return func(repo *models.Repository) (*scm.Adapter, error) {
		if repo == nil {
			return nil, fmt.Errorf("repository is nil")
		}
		rootURL := repo.EffectiveRootURL()
		client, err := remote.NewGitLabClient(remote.GitLabOptions{
			RootURL:  rootURL,
			Token:    repo.Token,
			Project:  repo.Project(),
			ProxyURL: settings.ProxyURL,
			Timeout:  settings.Timeout,
			RetryMax: settings.RetryMax,
		})
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo.Identifier, err)
		}
		logger := settings.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return scm.NewAdapter(remote.Instrument(client, repo.Identifier, settings.Metrics), scm.AdapterOptions{
			RootURL:  rootURL,
			PerPage:  settings.PerPage,
			MaxPages: settings.MaxPages,
			Logger:   logger.With("repo", repo.Identifier),
		}), nil
	}
}
