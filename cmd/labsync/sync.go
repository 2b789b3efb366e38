package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/service"
)

type syncOptions struct {
	All         bool
	Concurrency int
}

type syncOutcome struct {
	Repository string              `json:"repository"`
	Skipped    bool                `json:"skipped,omitempty"`
	Error      string              `json:"error,omitempty"`
	Result     *service.SyncResult `json:"result,omitempty"`
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync [repository...]",
		Short: "Run one sync pass for the named repositories and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.All && len(args) == 0 {
				return fmt.Errorf("name at least one repository or pass --all")
			}
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			durations, err := cfg.ParseDurations()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			repoSvc, err := migrateAndSeed(ctx, db, cfg, logger)
			if err != nil {
				return err
			}

			var repos []models.Repository
			if opts.All {
				if repos, err = repoSvc.List(ctx); err != nil {
					return err
				}
			} else {
				for _, id := range args {
					repo, err := repoSvc.Get(ctx, id)
					if err != nil {
						return fmt.Errorf("repository %s: %w", id, err)
					}
					repos = append(repos, *repo)
				}
			}

			syncSvc := service.NewSyncService(db, service.NewGitLabAdapterFactory(gitLabSettings(cfg, durations, logger)), service.SyncOptions{
				LeaseTTL: durations.SyncLeaseTTL,
				Logger:   logger,
			})

			outcomes := make([]syncOutcome, len(repos))
			var (
				mu     sync.Mutex
				failed int
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(opts.Concurrency, 1))
			for i := range repos {
				repo := &repos[i]
				g.Go(func() error {
					out := syncOutcome{Repository: repo.Identifier}
					result, err := syncSvc.Sync(gctx, repo)
					switch {
					case errors.Is(err, service.ErrSyncInProgress):
						out.Skipped = true
					case err != nil:
						out.Error = err.Error()
						mu.Lock()
						failed++
						mu.Unlock()
					default:
						out.Result = &result
					}
					outcomes[i] = out
					return nil
				})
			}
			_ = g.Wait()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcomes); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d repositories failed to sync", failed, len(repos))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every registered repository")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 2, "repositories synced in parallel")
	return cmd
}
