package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/scm"
)

const (
	syncTracerName = "github.com/odvcencio/labsync/internal/service"

	defaultLeaseTTL = 30 * time.Minute
	dedupChunkSize  = 100

	cursorLayout = "2006-01-02T15:04:05Z"
)

// ErrSyncInProgress is returned when another pass holds the repository's
// sync lock. The pass was skipped, not failed.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncResult summarizes one pass.
type SyncResult struct {
	Fetched   int    `json:"fetched"`
	Persisted int    `json:"persisted"`
	Known     int    `json:"known"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
	Cursor    string `json:"cursor,omitempty"`
}

type SyncMetrics struct {
	passes    *prometheus.CounterVec
	persisted prometheus.Counter
	duration  prometheus.Histogram
}

var (
	defaultSyncMetricsOnce sync.Once
	defaultSyncMetricsInst *SyncMetrics
)

func DefaultSyncMetrics() *SyncMetrics {
	defaultSyncMetricsOnce.Do(func() {
		defaultSyncMetricsInst = NewSyncMetrics(prometheus.DefaultRegisterer)
	})
	return defaultSyncMetricsInst
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsync",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total number of sync passes by outcome.",
		}, []string{"outcome"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labsync",
			Subsystem: "sync",
			Name:      "changesets_persisted_total",
			Help:      "Total number of changesets stored by sync passes.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labsync",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Sync pass duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.persisted, m.duration)
	}
	return m
}

type SyncOptions struct {
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Metrics  *SyncMetrics
}

// SyncService pulls new commits of a repository into the changeset store.
// At most one pass per repository runs at a time: an in-process guard covers
// this process and a lease row covers every process sharing the database.
type SyncService struct {
	db       database.DB
	adapters AdapterFactory
	leaseTTL time.Duration
	logger   *slog.Logger
	metrics  *SyncMetrics
	tracer   trace.Tracer

	mu      sync.Mutex
	running map[int64]struct{}
}

func NewSyncService(db database.DB, adapters AdapterFactory, opts SyncOptions) *SyncService {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		db:       db,
		adapters: adapters,
		leaseTTL: ttl,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(syncTracerName),
		running:  make(map[int64]struct{}),
	}
}

// ProcessJob runs the pass for a claimed sync job. A pass skipped because
// another one holds the lock, or a repository deleted after enqueueing,
// counts as done.
func (s *SyncService) ProcessJob(ctx context.Context, job *models.SyncJob) error {
	if job == nil {
		return fmt.Errorf("sync job is nil")
	}
	repo, err := s.db.GetRepositoryByID(ctx, job.RepoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Info("sync job for deleted repository", "repo_id", job.RepoID, "job_id", job.ID)
			return nil
		}
		return err
	}
	_, err = s.Sync(ctx, repo)
	if errors.Is(err, ErrSyncInProgress) {
		s.logger.Info("sync skipped", "repo", repo.Identifier, "reason", "in progress elsewhere")
		return nil
	}
	return err
}

// Sync runs one incremental pass for repo.
func (s *SyncService) Sync(ctx context.Context, repo *models.Repository) (result SyncResult, err error) {
	if repo == nil {
		return result, fmt.Errorf("repository is nil")
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "sync.pass", trace.WithAttributes(attribute.String("labsync.repo", repo.Identifier)))
	logger := s.logger.With("repo", repo.Identifier)
	defer func() {
		outcome := "completed"
		switch {
		case errors.Is(err, ErrSyncInProgress):
			outcome = "skipped"
		case err != nil:
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.Fetched == 0:
			outcome = "noop"
		}
		span.SetAttributes(
			attribute.String("labsync.sync.outcome", outcome),
			attribute.Int("labsync.sync.fetched", result.Fetched),
			attribute.Int("labsync.sync.persisted", result.Persisted),
		)
		span.End()
		if s.metrics != nil {
			s.metrics.passes.WithLabelValues(outcome).Inc()
			s.metrics.persisted.Add(float64(result.Persisted))
			if outcome != "skipped" {
				s.metrics.duration.Observe(time.Since(start).Seconds())
			}
		}
	}()

	release, err := s.lock(ctx, repo.ID)
	if err != nil {
		return result, err
	}
	defer release()

	adapter, err := s.adapters(repo)
	if err != nil {
		return result, err
	}

	branches, err := adapter.Branches(ctx)
	if err != nil {
		logger.Error("sync aborted", "operation", "default_branch", "error", err)
		return result, fmt.Errorf("load branches: %w", err)
	}
	if len(branches) == 0 {
		logger.Info("sync skipped", "reason", "no branches")
		return result, nil
	}

	state, err := s.prepareState(ctx, repo.ID)
	if err != nil {
		return result, err
	}
	cursor := state.Cursor()

	logger.Debug("sync state", "state", "streaming", "since", cursor)
	revs, err := adapter.RevisionsSince(ctx, cursor)
	if err != nil {
		logger.Error("sync failed", "state", "streaming", "since", cursor, "error", err)
		return result, fmt.Errorf("list revisions: %w", err)
	}
	result.Fetched = len(revs)
	if len(revs) == 0 {
		result.Cursor = cursor
		logger.Debug("sync state", "state", "idle", "fetched", 0)
		return result, nil
	}

	pending, err := s.dropKnown(ctx, repo.ID, revs)
	if err != nil {
		return result, err
	}
	result.Known = len(revs) - len(pending)

	logger.Debug("sync state", "state", "persisting", "pending", len(pending))
	for i := range pending {
		err := s.persist(ctx, repo.ID, &pending[i])
		switch {
		case err == nil:
			result.Persisted++
		case errors.Is(err, database.ErrDuplicateChangeset):
			result.Conflicts++
		default:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			logger.Error("store changeset failed", "scmid", pending[i].Scmid, "error", err)
		}
	}

	// revs is sorted oldest first, so the newest timestamp is last.
	result.Cursor = revs[len(revs)-1].Time.UTC().Format(cursorLayout)
	if _, err := s.db.MergeRepositoryState(ctx, repo.ID, models.SyncState{LastCommittedDate: &result.Cursor}); err != nil {
		return result, fmt.Errorf("advance cursor: %w", err)
	}

	logger.Info("sync completed",
		"fetched", result.Fetched,
		"persisted", result.Persisted,
		"known", result.Known,
		"conflicts", result.Conflicts,
		"failed", result.Failed,
		"cursor", result.Cursor,
	)
	return result, nil
}

// prepareState records whether the store was empty when syncing began.
func (s *SyncService) prepareState(ctx context.Context, repoID int64) (models.SyncState, error) {
	state, err := s.db.GetRepositoryState(ctx, repoID)
	if err != nil {
		return state, fmt.Errorf("load sync state: %w", err)
	}
	exists, err := s.db.ChangesetsExist(ctx, repoID)
	if err != nil {
		return state, fmt.Errorf("check changesets: %w", err)
	}
	var patch models.SyncState
	switch {
	case !exists:
		one := 1
		patch.DBConsistentOrdering = &one
	case state.DBConsistentOrdering == nil:
		zero := 0
		patch.DBConsistentOrdering = &zero
	default:
		return state, nil
	}
	state, err = s.db.MergeRepositoryState(ctx, repoID, patch)
	if err != nil {
		return state, fmt.Errorf("record ordering: %w", err)
	}
	return state, nil
}

// dropKnown removes revisions whose scmid is already stored, looking ids up
// in bounded chunks.
func (s *SyncService) dropKnown(ctx context.Context, repoID int64, revs []scm.Revision) ([]scm.Revision, error) {
	scmids := make([]string, len(revs))
	for i, rev := range revs {
		scmids[i] = rev.Scmid
	}
	known := make(map[string]struct{})
	for chunk := range slices.Chunk(scmids, dedupChunkSize) {
		found, err := s.db.FindChangesetsByScmids(ctx, repoID, chunk)
		if err != nil {
			return nil, fmt.Errorf("find known changesets: %w", err)
		}
		for _, cs := range found {
			known[cs.Scmid] = struct{}{}
		}
	}
	pending := make([]scm.Revision, 0, len(revs))
	for _, rev := range revs {
		if _, ok := known[rev.Scmid]; ok {
			continue
		}
		pending = append(pending, rev)
	}
	return pending, nil
}

func (s *SyncService) persist(ctx context.Context, repoID int64, rev *scm.Revision) error {
	var parentIDs []int64
	for _, name := range rev.Parents {
		parent, err := s.findChangeset(ctx, repoID, name)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return fmt.Errorf("resolve parent %s: %w", name, err)
		}
		parentIDs = append(parentIDs, parent.ID)
	}

	changes := make([]models.Change, 0, len(rev.Paths))
	for _, p := range rev.Paths {
		changes = append(changes, models.Change{Action: string(p.Action), Path: p.Path})
	}
	cs := &models.Changeset{
		RepositoryID: repoID,
		Revision:     rev.Identifier,
		Scmid:        rev.Scmid,
		Committer:    rev.Author,
		CommittedOn:  rev.Time,
		Comments:     rev.Message,
	}
	return s.db.CreateChangeset(ctx, cs, parentIDs, changes)
}

// findChangeset looks name up as a revision, then as a scmid prefix.
func (s *SyncService) findChangeset(ctx context.Context, repoID int64, name string) (*models.Changeset, error) {
	if name == "" {
		return nil, sql.ErrNoRows
	}
	cs, err := s.db.GetChangesetByRevision(ctx, repoID, name)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return cs, err
	}
	return s.db.GetChangesetByScmidPrefix(ctx, repoID, name)
}

// FindChangesetByName returns the stored changeset whose revision equals
// name, or else the first whose scmid starts with it. sql.ErrNoRows when
// neither exists.
func (s *SyncService) FindChangesetByName(ctx context.Context, repoID int64, name string) (*models.Changeset, error) {
	return s.findChangeset(ctx, repoID, name)
}

// LatestChangesets returns the stored changesets among the last limit
// remote revisions touching path at rev.
func (s *SyncService) LatestChangesets(ctx context.Context, repo *models.Repository, path, rev string, limit int) ([]models.Changeset, error) {
	if limit <= 0 {
		limit = 10
	}
	adapter, err := s.adapters(repo)
	if err != nil {
		return nil, err
	}
	revs, err := adapter.Revisions(ctx, path, rev, limit)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	scmids := make([]string, len(revs))
	for i, r := range revs {
		scmids[i] = r.Scmid
	}
	return s.db.FindChangesetsByScmids(ctx, repo.ID, scmids)
}

// ClearChangesets deletes every stored changeset of repo and resets its sync
// state, keeping only the report-last-commit preference. The next pass
// re-imports the full history.
func (s *SyncService) ClearChangesets(ctx context.Context, repo *models.Repository) error {
	release, err := s.lock(ctx, repo.ID)
	if err != nil {
		return err
	}
	defer release()

	state, err := s.db.GetRepositoryState(ctx, repo.ID)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if err := s.db.DeleteChangesets(ctx, repo.ID); err != nil {
		return fmt.Errorf("delete changesets: %w", err)
	}
	if err := s.db.ReplaceRepositoryState(ctx, repo.ID, models.SyncState{ReportLastCommit: state.ReportLastCommit}); err != nil {
		return fmt.Errorf("reset sync state: %w", err)
	}
	s.logger.Info("changesets cleared", "repo", repo.Identifier)
	return nil
}

// lock takes the in-process guard and then the database lease. The returned
// func releases both.
func (s *SyncService) lock(ctx context.Context, repoID int64) (func(), error) {
	s.mu.Lock()
	if _, busy := s.running[repoID]; busy {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.running[repoID] = struct{}{}
	s.mu.Unlock()

	unguard := func() {
		s.mu.Lock()
		delete(s.running, repoID)
		s.mu.Unlock()
	}

	owner := uuid.NewString()
	ok, err := s.db.AcquireSyncLease(ctx, repoID, owner, s.leaseTTL)
	if err != nil {
		unguard()
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		unguard()
		return nil, ErrSyncInProgress
	}

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		s.renewLease(renewCtx, repoID, owner)
	}()

	return func() {
		stopRenew()
		<-renewed
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.db.ReleaseSyncLease(releaseCtx, repoID, owner); err != nil {
			s.logger.Warn("release sync lease failed", "repo_id", repoID, "error", err)
		}
		unguard()
	}, nil
}

// renewLease extends the lease every third of its TTL so long passes keep it.
func (s *SyncService) renewLease(ctx context.Context, repoID int64, owner string) {
	ticker := time.NewTicker(max(s.leaseTTL/3, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.db.AcquireSyncLease(ctx, repoID, owner, s.leaseTTL)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("renew sync lease failed", "repo_id", repoID, "error", err)
			} else if err == nil && !ok {
				s.logger.Warn("sync lease lost", "repo_id", repoID)
			}
		}
	}
}
