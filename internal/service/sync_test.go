package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/remote"
	"github.com/odvcencio/labsync/internal/remote/remotetest"
	"github.com/odvcencio/labsync/internal/scm"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openServiceTestDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func createServiceTestRepo(t *testing.T, db database.DB) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		Identifier: "app",
		URL:        "https://gitlab.example.com/group/app.git",
		RootURL:    "https://gitlab.example.com",
		Token:      "glpat-test",
	}
	if err := db.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	return repo
}

func fakeFactory(api remote.API) AdapterFactory {
	return func(repo *models.Repository) (*scm.Adapter, error) {
		return scm.NewAdapter(api, scm.AdapterOptions{RootURL: repo.EffectiveRootURL(), Logger: testLogger()}), nil
	}
}

// linearHistory returns n commits newest first, each the child of the
// previous, with one modified file per commit.
func linearHistory(fake *remotetest.Fake, n int) {
	fake.Commits = nil
	for i := n - 1; i >= 0; i-- {
		id := fmt.Sprintf("%040d", i)
		var parents []string
		if i > 0 {
			parents = []string{fmt.Sprintf("%040d", i-1)}
		}
		fake.Commits = append(fake.Commits, remotetest.Commit(id, "dev", baseTime.Add(time.Duration(i)*time.Minute), parents...))
		fake.Diffs[id] = []remote.DiffRecord{{OldPath: "main.go", NewPath: "main.go", Diff: "@@ -1 +1 @@\n-a\n+b\n"}}
	}
}

type syncFixture struct {
	db   *database.SQLiteDB
	repo *models.Repository
	fake *remotetest.Fake
	svc  *SyncService
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db := openServiceTestDB(t)
	fake := remotetest.New()
	fake.Branches = []remote.Branch{{Name: "main", CommitID: "head", IsDefault: true}}
	return &syncFixture{
		db:   db,
		repo: createServiceTestRepo(t, db),
		fake: fake,
		svc:  NewSyncService(db, fakeFactory(fake), SyncOptions{Logger: testLogger()}),
	}
}

func cursorOf(t *testing.T, db database.DB, repoID int64) string {
	t.Helper()
	state, err := db.GetRepositoryState(context.Background(), repoID)
	if err != nil {
		t.Fatal(err)
	}
	return state.Cursor()
}

func TestSyncImportsHistory(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 3)
	f.fake.Diffs[fmt.Sprintf("%040d", 0)] = []remote.DiffRecord{{NewPath: "main.go", NewFile: true}}
	ctx := context.Background()

	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	want := SyncResult{Fetched: 3, Persisted: 3, Cursor: "2024-05-01T09:02:00Z"}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}

	head, err := f.db.GetChangesetByRevision(ctx, f.repo.ID, fmt.Sprintf("%040d", 2))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{fmt.Sprintf("%040d", 1)}, head.Parents); diff != "" {
		t.Fatalf("parents (-want +got):\n%s", diff)
	}
	if head.Committer != "dev" || head.Comments != "commit "+head.Scmid || !head.CommittedOn.Equal(baseTime.Add(2*time.Minute)) {
		t.Fatalf("unexpected changeset %+v", head)
	}

	root, err := f.db.GetChangesetByRevision(ctx, f.repo.ID, fmt.Sprintf("%040d", 0))
	if err != nil {
		t.Fatal(err)
	}
	changes, err := f.db.ListChanges(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Action != "A" || changes[0].Path != "main.go" {
		t.Fatalf("unexpected root changes %+v", changes)
	}

	state, err := f.db.GetRepositoryState(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.DBConsistentOrdering == nil || *state.DBConsistentOrdering != 1 {
		t.Fatalf("expected consistent ordering 1 for a fresh import, got %+v", state)
	}
	if state.Cursor() != "2024-05-01T09:02:00Z" {
		t.Fatalf("cursor = %q", state.Cursor())
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 4)
	ctx := context.Background()

	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}
	cursor := cursorOf(t, f.db, f.repo.ID)

	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	// The cursor is inclusive, so the newest commit comes back and is known.
	if res.Fetched != 1 || res.Known != 1 || res.Persisted != 0 || res.Conflicts != 0 {
		t.Fatalf("unexpected second pass %+v", res)
	}
	if got := cursorOf(t, f.db, f.repo.ID); got != cursor {
		t.Fatalf("cursor moved from %q to %q", cursor, got)
	}
	n, err := f.db.CountChangesets(ctx, f.repo.ID)
	if err != nil || n != 4 {
		t.Fatalf("CountChangesets = %d, %v; want 4", n, err)
	}
	if calls := f.fake.CallsTo("ListCommits"); calls[len(calls)-1].Since != cursor {
		t.Fatalf("second pass listed since %q, want %q", calls[len(calls)-1].Since, cursor)
	}
}

func TestSyncPicksUpNewCommits(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 2)
	ctx := context.Background()
	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}

	linearHistory(f.fake, 5)
	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 4 || res.Known != 1 || res.Persisted != 3 {
		t.Fatalf("unexpected incremental pass %+v", res)
	}
	if res.Cursor != "2024-05-01T09:04:00Z" {
		t.Fatalf("cursor = %q", res.Cursor)
	}

	// Parents stored in an earlier pass still resolve.
	cs, err := f.db.GetChangesetByRevision(ctx, f.repo.ID, fmt.Sprintf("%040d", 2))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{fmt.Sprintf("%040d", 1)}, cs.Parents); diff != "" {
		t.Fatalf("parents (-want +got):\n%s", diff)
	}

	state, err := f.db.GetRepositoryState(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.DBConsistentOrdering == nil || *state.DBConsistentOrdering != 1 {
		t.Fatalf("ordering flag changed on a later pass: %+v", state)
	}
}

func TestSyncEmptyListingKeepsCursor(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	cursor := "2030-01-01T00:00:00Z"
	if _, err := f.db.MergeRepositoryState(ctx, f.repo.ID, models.SyncState{LastCommittedDate: &cursor}); err != nil {
		t.Fatal(err)
	}
	linearHistory(f.fake, 3)

	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 0 || res.Persisted != 0 || res.Cursor != cursor {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := cursorOf(t, f.db, f.repo.ID); got != cursor {
		t.Fatalf("cursor = %q, want %q", got, cursor)
	}
	if calls := f.fake.CallsTo("GetCommitDiff"); len(calls) != 0 {
		t.Fatalf("expected no diff requests, got %d", len(calls))
	}
}

func TestSyncWithoutBranchesDoesNothing(t *testing.T) {
	f := newSyncFixture(t)
	f.fake.Branches = nil
	linearHistory(f.fake, 3)

	res, err := f.svc.Sync(context.Background(), f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res != (SyncResult{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if calls := f.fake.CallsTo("ListCommits"); len(calls) != 0 {
		t.Fatalf("expected no commit listing, got %d calls", len(calls))
	}
	state, err := f.db.GetRepositoryState(context.Background(), f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.DBConsistentOrdering != nil {
		t.Fatalf("state touched for a repository without branches: %+v", state)
	}
}

func TestSyncBranchFailureEndsPass(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 3)
	f.fake.SetFail("ListBranches", errors.New("502 bad gateway"))

	if _, err := f.svc.Sync(context.Background(), f.repo); err == nil {
		t.Fatal("expected branch failure to be reported")
	}
	if calls := f.fake.CallsTo("ListCommits"); len(calls) != 0 {
		t.Fatalf("expected no commit listing, got %d calls", len(calls))
	}
}

func TestSyncRemoteFailureDoesNotAdvanceCursor(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 2)
	ctx := context.Background()
	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}
	cursor := cursorOf(t, f.db, f.repo.ID)

	linearHistory(f.fake, 4)
	f.fake.SetFail("GetCommitDiff", errors.New("timeout"))
	if _, err := f.svc.Sync(ctx, f.repo); err == nil {
		t.Fatal("expected diff failure to fail the pass")
	}
	if got := cursorOf(t, f.db, f.repo.ID); got != cursor {
		t.Fatalf("cursor advanced to %q after a failed pass", got)
	}
	n, err := f.db.CountChangesets(ctx, f.repo.ID)
	if err != nil || n != 2 {
		t.Fatalf("CountChangesets = %d, %v; want 2", n, err)
	}

	f.fake.SetFail("GetCommitDiff", nil)
	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 2 {
		t.Fatalf("recovery pass persisted %d, want 2", res.Persisted)
	}
}

func TestSyncSkipsMalformedTimestamp(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 3)
	f.fake.Commits[1].CommittedDate = "yesterday"

	res, err := f.svc.Sync(context.Background(), f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 2 || res.Persisted != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	// The child of the skipped commit is stored without that parent link.
	cs, err := f.db.GetChangesetByRevision(context.Background(), f.repo.ID, fmt.Sprintf("%040d", 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Parents) != 0 {
		t.Fatalf("expected unresolvable parent to be dropped, got %v", cs.Parents)
	}
}

func TestSyncResolvesParentByScmidPrefix(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.fake.Commits = []remote.Commit{
		remotetest.Commit("bbbbbbbbbbbb", "dev", baseTime.Add(time.Minute), "aaaaaa"),
		remotetest.Commit("aaaaaaaaaaaa", "dev", baseTime),
	}

	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}
	cs, err := f.db.GetChangesetByRevision(ctx, f.repo.ID, "bbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"aaaaaaaaaaaa"}, cs.Parents); diff != "" {
		t.Fatalf("parents (-want +got):\n%s", diff)
	}
}

func TestSyncRecordsInconsistentOrderingForExistingStore(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	pre := &models.Changeset{RepositoryID: f.repo.ID, Revision: "legacy", Scmid: "legacy", CommittedOn: baseTime}
	if err := f.db.CreateChangeset(ctx, pre, nil, nil); err != nil {
		t.Fatal(err)
	}
	linearHistory(f.fake, 1)

	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}
	state, err := f.db.GetRepositoryState(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.DBConsistentOrdering == nil || *state.DBConsistentOrdering != 0 {
		t.Fatalf("expected consistent ordering 0, got %+v", state)
	}
}

type countingDB struct {
	database.DB
	mu    sync.Mutex
	sizes []int
}

func (c *countingDB) FindChangesetsByScmids(ctx context.Context, repoID int64, scmids []string) ([]models.Changeset, error) {
	c.mu.Lock()
	c.sizes = append(c.sizes, len(scmids))
	c.mu.Unlock()
	return c.DB.FindChangesetsByScmids(ctx, repoID, scmids)
}

func TestSyncDedupLooksUpInChunks(t *testing.T) {
	tests := []struct {
		commits int
		want    []int
	}{
		{commits: 1, want: []int{1}},
		{commits: 100, want: []int{100}},
		{commits: 101, want: []int{100, 1}},
		{commits: 199, want: []int{100, 99}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.commits), func(t *testing.T) {
			f := newSyncFixture(t)
			linearHistory(f.fake, tc.commits)
			counting := &countingDB{DB: f.db}
			svc := NewSyncService(counting, fakeFactory(f.fake), SyncOptions{Logger: testLogger()})

			res, err := svc.Sync(context.Background(), f.repo)
			if err != nil {
				t.Fatal(err)
			}
			if res.Persisted != tc.commits {
				t.Fatalf("persisted %d, want %d", res.Persisted, tc.commits)
			}
			if diff := cmp.Diff(tc.want, counting.sizes); diff != "" {
				t.Fatalf("lookup chunk sizes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyncKnownHistoryStillAdvancesCursor(t *testing.T) {
	tests := []struct {
		commits int
		want    []int
	}{
		{commits: 100, want: []int{100}},
		{commits: 101, want: []int{100, 1}},
		{commits: 199, want: []int{100, 99}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.commits), func(t *testing.T) {
			f := newSyncFixture(t)
			linearHistory(f.fake, tc.commits)
			ctx := context.Background()
			if _, err := f.svc.Sync(ctx, f.repo); err != nil {
				t.Fatal(err)
			}

			stale := "2000-01-01T00:00:00Z"
			if _, err := f.db.MergeRepositoryState(ctx, f.repo.ID, models.SyncState{LastCommittedDate: &stale}); err != nil {
				t.Fatal(err)
			}
			counting := &countingDB{DB: f.db}
			svc := NewSyncService(counting, fakeFactory(f.fake), SyncOptions{Logger: testLogger()})

			res, err := svc.Sync(ctx, f.repo)
			if err != nil {
				t.Fatal(err)
			}
			if res.Persisted != 0 || res.Known != tc.commits || res.Conflicts != 0 {
				t.Fatalf("unexpected pass over known history %+v", res)
			}
			if diff := cmp.Diff(tc.want, counting.sizes); diff != "" {
				t.Fatalf("lookup chunk sizes (-want +got):\n%s", diff)
			}
			newest := baseTime.Add(time.Duration(tc.commits-1) * time.Minute).UTC().Format("2006-01-02T15:04:05Z")
			if got := cursorOf(t, f.db, f.repo.ID); got != newest {
				t.Fatalf("cursor = %q, want %q", got, newest)
			}
			n, err := f.db.CountChangesets(ctx, f.repo.ID)
			if err != nil || n != int64(tc.commits) {
				t.Fatalf("CountChangesets = %d, %v; want %d", n, err, tc.commits)
			}
		})
	}
}

type blockingAPI struct {
	remote.API
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAPI) ListBranches(ctx context.Context, page, perPage int) ([]remote.Branch, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.API.ListBranches(ctx, page, perPage)
}

func TestSyncConcurrentPassIsSkipped(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 2)
	blocking := &blockingAPI{API: f.fake, entered: make(chan struct{}), release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	metrics := NewSyncMetrics(reg)
	svc := NewSyncService(f.db, fakeFactory(blocking), SyncOptions{Logger: testLogger(), Metrics: metrics})
	ctx := context.Background()

	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, firstErr = svc.Sync(ctx, f.repo)
	}()
	<-blocking.entered

	if _, err := svc.Sync(ctx, f.repo); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second pass error = %v, want ErrSyncInProgress", err)
	}
	if err := svc.ProcessJob(ctx, &models.SyncJob{ID: 1, RepoID: f.repo.ID}); err != nil {
		t.Fatalf("ProcessJob while busy = %v, want nil", err)
	}

	close(blocking.release)
	<-done
	if firstErr != nil {
		t.Fatal(firstErr)
	}
	if got := testutil.ToFloat64(metrics.passes.WithLabelValues("skipped")); got != 2 {
		t.Fatalf("skipped passes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.passes.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.persisted); got != 2 {
		t.Fatalf("persisted counter = %v, want 2", got)
	}

	// The lock is released once the pass returns.
	if _, err := svc.Sync(ctx, f.repo); err != nil {
		t.Fatalf("pass after release: %v", err)
	}
}

func TestSyncLeaseHeldByAnotherProcess(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 1)
	ctx := context.Background()

	ok, err := f.db.AcquireSyncLease(ctx, f.repo.ID, "other-process", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if _, err := f.svc.Sync(ctx, f.repo); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("error = %v, want ErrSyncInProgress", err)
	}
	if calls := f.fake.Calls(); len(calls) != 0 {
		t.Fatalf("expected no remote calls, got %d", len(calls))
	}

	if err := f.db.ReleaseSyncLease(ctx, f.repo.ID, "other-process"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatalf("pass after release: %v", err)
	}
}

func TestProcessJobForDeletedRepository(t *testing.T) {
	f := newSyncFixture(t)
	if err := f.svc.ProcessJob(context.Background(), &models.SyncJob{ID: 9, RepoID: f.repo.ID + 100}); err != nil {
		t.Fatalf("ProcessJob = %v, want nil", err)
	}
	if err := f.svc.ProcessJob(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestProcessJobReportsFailure(t *testing.T) {
	f := newSyncFixture(t)
	f.fake.SetFail("*", errors.New("connection refused"))
	if err := f.svc.ProcessJob(context.Background(), &models.SyncJob{ID: 1, RepoID: f.repo.ID}); err == nil {
		t.Fatal("expected failing pass to be reported for retry")
	}
}

func TestClearChangesetsKeepsPreference(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 3)
	ctx := context.Background()
	pref := "1"
	if _, err := f.db.MergeRepositoryState(ctx, f.repo.ID, models.SyncState{ReportLastCommit: &pref}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Sync(ctx, f.repo); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.ClearChangesets(ctx, f.repo); err != nil {
		t.Fatal(err)
	}
	n, err := f.db.CountChangesets(ctx, f.repo.ID)
	if err != nil || n != 0 {
		t.Fatalf("CountChangesets = %d, %v; want 0", n, err)
	}
	state, err := f.db.GetRepositoryState(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := models.SyncState{ReportLastCommit: &pref}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}

	res, err := f.svc.Sync(ctx, f.repo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 3 {
		t.Fatalf("re-import persisted %d, want 3", res.Persisted)
	}
}

func TestFindChangesetByName(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	for _, id := range []string{"abc123", "abd456"} {
		cs := &models.Changeset{RepositoryID: f.repo.ID, Revision: id, Scmid: id, CommittedOn: baseTime}
		if err := f.db.CreateChangeset(ctx, cs, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.svc.FindChangesetByName(ctx, f.repo.ID, "abd456")
	if err != nil || got.Scmid != "abd456" {
		t.Fatalf("by revision = %+v, %v", got, err)
	}
	got, err = f.svc.FindChangesetByName(ctx, f.repo.ID, "abc")
	if err != nil || got.Scmid != "abc123" {
		t.Fatalf("by prefix = %+v, %v", got, err)
	}
	for _, name := range []string{"", "zzz"} {
		if _, err := f.svc.FindChangesetByName(ctx, f.repo.ID, name); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("FindChangesetByName(%q) = %v, want sql.ErrNoRows", name, err)
		}
	}
}

func TestLatestChangesets(t *testing.T) {
	f := newSyncFixture(t)
	linearHistory(f.fake, 3)
	ctx := context.Background()
	// Only the first two commits are stored.
	for _, c := range f.fake.Commits[1:] {
		cs := &models.Changeset{RepositoryID: f.repo.ID, Revision: c.ID, Scmid: c.ID, CommittedOn: baseTime}
		if err := f.db.CreateChangeset(ctx, cs, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.svc.LatestChangesets(ctx, f.repo, "main.go", "main", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d changesets, want 2", len(got))
	}
	calls := f.fake.CallsTo("ListCommits")
	if len(calls) != 1 || calls[0].Path != "main.go" || calls[0].Ref != "main" || calls[0].PerPage != 10 {
		t.Fatalf("unexpected listing %+v", calls)
	}

	f.fake.SetFail("ListCommits", errors.New("boom"))
	if _, err := f.svc.LatestChangesets(ctx, f.repo, "", "", 0); err == nil {
		t.Fatal("expected listing failure")
	}
}

func TestGitLabAdapterFactoryValidatesRepository(t *testing.T) {
	factory := NewGitLabAdapterFactory(GitLabSettings{Logger: testLogger()})
	if _, err := factory(nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
	a, err := factory(&models.Repository{Identifier: "app", URL: "https://gitlab.example.com/group/app.git", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("expected adapter")
	}
}
