package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/labsync/internal/api"
	"github.com/odvcencio/labsync/internal/auth"
	"github.com/odvcencio/labsync/internal/config"
	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/jobs"
	"github.com/odvcencio/labsync/internal/remote"
	"github.com/odvcencio/labsync/internal/service"
)

type serveOptions struct {
	EnablePprof bool
	AdminCIDRs  []string
	NoScheduler bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background sync workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.EnablePprof, "pprof", envBool("LABSYNC_ENABLE_PPROF"), "expose /debug/pprof on the admin network")
	cmd.Flags().StringSliceVar(&opts.AdminCIDRs, "admin-cidr", nil, "CIDRs allowed to reach admin routes (default loopback)")
	cmd.Flags().BoolVar(&opts.NoScheduler, "no-scheduler", false, "do not enqueue periodic syncs")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts *serveOptions) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	durations, err := cfg.ParseDurations()
	if err != nil {
		return err
	}

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	repoSvc, err := migrateAndSeed(ctx, db, cfg, logger)
	if err != nil {
		return err
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, durations.TokenDuration)
	adapters := service.NewGitLabAdapterFactory(gitLabSettings(cfg, durations, logger))
	syncSvc := service.NewSyncService(db, adapters, service.SyncOptions{
		LeaseTTL: durations.SyncLeaseTTL,
		Logger:   logger,
		Metrics:  service.DefaultSyncMetrics(),
	})
	browseSvc := service.NewBrowseService(repoSvc, adapters, logger)

	queue := jobs.NewQueue(db, jobs.QueueOptions{
		RetryDelay:  durations.SyncRetryDelay,
		MaxAttempts: cfg.Sync.MaxAttempts,
	})
	pool := jobs.NewWorkerPool(queue, syncSvc.ProcessJob, jobs.WorkerPoolOptions{
		Workers:      cfg.Sync.Workers,
		PollInterval: durations.SyncPollInterval,
		Logger:       logger,
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	var scheduler *jobs.Scheduler
	if durations.SyncInterval > 0 && !opts.NoScheduler {
		scheduler = jobs.NewScheduler(db, queue, jobs.SchedulerOptions{
			Interval: durations.SyncInterval,
			Logger:   logger,
		})
		if err := scheduler.Start(ctx); err != nil {
			stopBackground(pool, nil, logger)
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	server := api.NewServer(db, authSvc, repoSvc, api.ServerOptions{
		SyncSvc:           syncSvc,
		BrowseSvc:         browseSvc,
		Queue:             queue,
		Pool:              pool,
		Workers:           cfg.Sync.Workers,
		Logger:            logger,
		TrustedProxies:    cfg.Server.TrustedProxies,
		AdminAllowedCIDRs: opts.AdminCIDRs,
		EnablePprof:       opts.EnablePprof,
	})
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr(), "repositories", len(cfg.Repositories), "workers", cfg.Sync.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server", "error", err)
	}
	stopBackground(pool, scheduler, logger)
	return serveErr
}

func stopBackground(pool *jobs.WorkerPool, scheduler *jobs.Scheduler, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if scheduler != nil {
		if err := scheduler.Stop(ctx); err != nil {
			logger.Error("stop scheduler", "error", err)
		}
	}
	if err := pool.Stop(ctx); err != nil {
		logger.Error("stop workers", "error", err)
	}
}

func gitLabSettings(cfg *config.Config, durations config.Durations, logger *slog.Logger) service.GitLabSettings {
	return service.GitLabSettings{
		PerPage:  cfg.GitLab.PerPage,
		MaxPages: cfg.GitLab.MaxPages,
		Timeout:  durations.GitLabTimeout,
		RetryMax: cfg.GitLab.RetryMax,
		ProxyURL: cfg.GitLab.Proxy,
		Metrics:  remote.DefaultMetrics(),
		Logger:   logger,
	}
}

// migrateAndSeed prepares db for commands that run without the server.
func migrateAndSeed(ctx context.Context, db database.DB, cfg *config.Config, logger *slog.Logger) (*service.RepoService, error) {
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	repoSvc := service.NewRepoService(db)
	if err := seedRepositories(ctx, repoSvc, cfg.Repositories, logger); err != nil {
		return nil, err
	}
	return repoSvc, nil
}
