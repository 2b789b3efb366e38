package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odvcencio/labsync/internal/config"
	"github.com/odvcencio/labsync/internal/service"
)

// seedRepositories registers the repositories listed in the configuration.
// Existing ones get their connection settings refreshed; the sync state is
// left alone.
func seedRepositories(ctx context.Context, repoSvc *service.RepoService, repos []config.RepositoryConfig, logger *slog.Logger) error {
	for _, rc := range repos {
		token := rc.ResolvedToken()
		_, err := repoSvc.Get(ctx, rc.Identifier)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := repoSvc.Create(ctx, service.RegisterRequest{
				Identifier:       rc.Identifier,
				URL:              rc.URL,
				RootURL:          rc.RootURL,
				Token:            token,
				ReportLastCommit: rc.ReportLastCommit,
			}); err != nil {
				return fmt.Errorf("register %s: %w", rc.Identifier, err)
			}
			logger.Info("repository registered", "repo", rc.Identifier)
		case err != nil:
			return fmt.Errorf("load %s: %w", rc.Identifier, err)
		default:
			url, rootURL, report := rc.URL, rc.RootURL, rc.ReportLastCommit
			upd := service.RepoUpdate{URL: &url, RootURL: &rootURL, ReportLastCommit: &report}
			if token != "" {
				upd.Token = &token
			}
			if _, err := repoSvc.Update(ctx, rc.Identifier, upd); err != nil {
				return fmt.Errorf("update %s: %w", rc.Identifier, err)
			}
			logger.Debug("repository settings refreshed", "repo", rc.Identifier)
		}
	}
	return nil
}
