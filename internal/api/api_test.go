package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/labsync/internal/api"
	"github.com/odvcencio/labsync/internal/auth"
	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/jobs"
	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/remote"
	"github.com/odvcencio/labsync/internal/remote/remotetest"
	"github.com/odvcencio/labsync/internal/scm"
	"github.com/odvcencio/labsync/internal/service"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	ts      *httptest.Server
	db      *database.SQLiteDB
	fake    *remotetest.Fake
	authSvc *auth.Service
	queue   *jobs.Queue
}

func setupTestServer(t *testing.T, withQueue bool) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := remotetest.New()
	factory := func(repo *models.Repository) (*scm.Adapter, error) {
		return scm.NewAdapter(fake, scm.AdapterOptions{RootURL: repo.EffectiveRootURL(), Logger: logger}), nil
	}

	authSvc := auth.NewService("test-secret-123456", time.Hour)
	repoSvc := service.NewRepoService(db)
	opts := api.ServerOptions{
		SyncSvc:           service.NewSyncService(db, factory, service.SyncOptions{Logger: logger}),
		BrowseSvc:         service.NewBrowseService(repoSvc, factory, logger),
		Logger:            logger,
		MetricsRegisterer: prometheus.NewRegistry(),
	}
	env := &testEnv{db: db, fake: fake, authSvc: authSvc}
	if withQueue {
		env.queue = jobs.NewQueue(db, jobs.QueueOptions{})
		opts.Queue = env.queue
	}
	env.ts = httptest.NewServer(api.NewServer(db, authSvc, repoSvc, opts))
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := e.authSvc.GenerateToken("ops", scopes...)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) registerRepo(t *testing.T, identifier string) {
	t.Helper()
	body := `{"identifier":"` + identifier + `","url":"https://gitlab.example.com/group/` + identifier + `.git","token":"glpat-test"}`
	expectStatus(t, e.do(t, http.MethodPost, "/api/v1/repos", e.token(t, auth.ScopeAdmin), body), http.StatusCreated)
}

func commitID(i int) string {
	return strings.Repeat(string(rune('a'+i)), 40)
}

// history loads n commits, newest first, each touching main.go.
func (e *testEnv) history(n int) {
	e.fake.Branches = []remote.Branch{{Name: "main", CommitID: commitID(n - 1), IsDefault: true}}
	e.fake.Commits = nil
	for i := n - 1; i >= 0; i-- {
		var parents []string
		if i > 0 {
			parents = []string{commitID(i - 1)}
		}
		e.fake.Commits = append(e.fake.Commits, remotetest.Commit(commitID(i), "dev", baseTime.Add(time.Duration(i)*time.Minute), parents...))
		e.fake.Diffs[commitID(i)] = []remote.DiffRecord{{OldPath: "main.go", NewPath: "main.go", Diff: "@@ -1 +1 @@\n-a\n+b\n"}}
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	env := setupTestServer(t, false)
	admin := env.token(t, auth.ScopeAdmin)

	env.registerRepo(t, "app")

	list := decode[[]models.Repository](t, env.do(t, http.MethodGet, "/api/v1/repos", "", ""))
	if len(list) != 1 || list[0].Identifier != "app" || list[0].RootURL != "https://gitlab.example.com" {
		t.Fatalf("unexpected repository list %+v", list)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/repos/app", "", "")
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "glpat-test") {
		t.Fatalf("repository response leaks the access token: %s", raw)
	}

	resp = env.do(t, http.MethodPatch, "/api/v1/repos/app", admin, `{"report_last_commit":true}`)
	expectStatus(t, resp, http.StatusOK)
	updated := decode[models.Repository](t, resp)
	if !updated.State.ReportsLastCommit() {
		t.Fatal("expected report_last_commit preference to be set")
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/v1/repos/app", admin, ""), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app", "", ""), http.StatusNotFound)
}

func TestCreateRepoValidation(t *testing.T) {
	env := setupTestServer(t, false)
	admin := env.token(t, auth.ScopeAdmin)
	env.registerRepo(t, "app")

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{name: "unauthenticated", body: `{"identifier":"x"}`, want: http.StatusUnauthorized},
		{name: "read scope", token: env.token(t), body: `{"identifier":"x"}`, want: http.StatusForbidden},
		{name: "malformed body", token: admin, body: `{"identifier":`, want: http.StatusBadRequest},
		{name: "missing identifier", token: admin, body: `{"url":"https://gitlab.example.com/a/b"}`, want: http.StatusBadRequest},
		{name: "missing token", token: admin, body: `{"identifier":"lib","url":"https://gitlab.example.com/a/lib"}`, want: http.StatusBadRequest},
		{name: "non http url", token: admin, body: `{"identifier":"lib","url":"ssh://gitlab.example.com/a/lib","token":"t"}`, want: http.StatusBadRequest},
		{name: "duplicate", token: admin, body: `{"identifier":"app","url":"https://gitlab.example.com/a/app","token":"t"}`, want: http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, env.do(t, http.MethodPost, "/api/v1/repos", tc.token, tc.body), tc.want)
		})
	}
}

func TestSyncAndChangesetEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	env.registerRepo(t, "app")
	env.history(3)
	syncTok := env.token(t, auth.ScopeSync)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/repos/app/sync?wait=true", "", ""), http.StatusUnauthorized)

	resp := env.do(t, http.MethodPost, "/api/v1/repos/app/sync?wait=true", syncTok, "")
	expectStatus(t, resp, http.StatusOK)
	trigger := decode[struct {
		Status string             `json:"status"`
		Result service.SyncResult `json:"result"`
	}](t, resp)
	want := service.SyncResult{Fetched: 3, Persisted: 3, Cursor: "2024-05-01T09:02:00Z"}
	if diff := cmp.Diff(want, trigger.Result); diff != "" {
		t.Fatalf("sync result (-want +got):\n%s", diff)
	}

	status := decode[struct {
		State      models.SyncState `json:"state"`
		Changesets int64            `json:"changesets"`
	}](t, env.do(t, http.MethodGet, "/api/v1/repos/app/sync", "", ""))
	if status.Changesets != 3 || status.State.Cursor() != "2024-05-01T09:02:00Z" {
		t.Fatalf("unexpected sync status %+v", status)
	}

	changesets := decode[[]models.Changeset](t, env.do(t, http.MethodGet, "/api/v1/repos/app/changesets?per_page=2", "", ""))
	if len(changesets) != 2 || changesets[0].Scmid != commitID(2) {
		t.Fatalf("unexpected changeset page %+v", changesets)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/repos/app/changesets/"+commitID(1)[:8], "", "")
	expectStatus(t, resp, http.StatusOK)
	cs := decode[models.Changeset](t, resp)
	if cs.Scmid != commitID(1) || len(cs.Changes) != 1 || cs.Changes[0].Path != "main.go" {
		t.Fatalf("unexpected changeset %+v", cs)
	}
	if diff := cmp.Diff([]string{commitID(0)}, cs.Parents); diff != "" {
		t.Fatalf("parents (-want +got):\n%s", diff)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/changesets/zzzz", "", ""), http.StatusNotFound)

	latest := decode[[]models.Changeset](t, env.do(t, http.MethodGet, "/api/v1/repos/app/changesets?path=main.go&limit=2", "", ""))
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest changesets, got %+v", latest)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/v1/repos/app/changesets", syncTok, ""), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/v1/repos/app/changesets", env.token(t, auth.ScopeAdmin), ""), http.StatusNoContent)
	empty := decode[[]models.Changeset](t, env.do(t, http.MethodGet, "/api/v1/repos/app/changesets", "", ""))
	if len(empty) != 0 {
		t.Fatalf("expected no changesets after clear, got %d", len(empty))
	}
}

func TestTriggerSyncEnqueuesJob(t *testing.T) {
	env := setupTestServer(t, true)
	env.registerRepo(t, "app")

	resp := env.do(t, http.MethodPost, "/api/v1/repos/app/sync", env.token(t, auth.ScopeSync), "")
	expectStatus(t, resp, http.StatusAccepted)
	body := decode[struct {
		Status string          `json:"status"`
		Job    *models.SyncJob `json:"job"`
	}](t, resp)
	if body.Status != string(models.SyncJobQueued) || body.Job == nil {
		t.Fatalf("unexpected trigger response %+v", body)
	}

	stats, err := env.db.SyncQueueStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 {
		t.Fatalf("expected one queued job (registration and trigger share a row), got %d", stats.Queued)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/repos/missing/sync", env.token(t, auth.ScopeSync), ""), http.StatusNotFound)
}

func TestReadPathEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	env.registerRepo(t, "app")
	env.history(2)
	env.fake.Tags = []remote.Tag{{Name: "v1.0.0"}}
	env.fake.Trees[""] = []remote.TreeNode{{Name: "main.go", Type: remote.TreeNodeBlob}, {Name: "cmd", Type: remote.TreeNodeTree}}
	env.fake.Files["main.go"] = []byte("package main\n")
	env.fake.Blame["main.go"] = []remote.BlameChunk{{CommitID: commitID(1), AuthorName: "dev", Lines: []string{"package main"}}}

	branches := decode[[]scm.Branch](t, env.do(t, http.MethodGet, "/api/v1/repos/app/branches", "", ""))
	if len(branches) != 1 || branches[0].Name != "main" || !branches[0].IsDefault {
		t.Fatalf("unexpected branches %+v", branches)
	}

	tags := decode[[]string](t, env.do(t, http.MethodGet, "/api/v1/repos/app/tags", "", ""))
	if diff := cmp.Diff([]string{"v1.0.0"}, tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}

	def := decode[map[string]string](t, env.do(t, http.MethodGet, "/api/v1/repos/app/default-branch", "", ""))
	if def["name"] != "main" {
		t.Fatalf("unexpected default branch %+v", def)
	}

	entries := decode[[]scm.Entry](t, env.do(t, http.MethodGet, "/api/v1/repos/app/entries/main", "", ""))
	if len(entries) != 2 || entries[0].Name != "cmd" || entries[1].Size == nil || *entries[1].Size != 13 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	bare := decode[[]scm.Entry](t, env.do(t, http.MethodGet, "/api/v1/repos/app/entries/main?sizes=false", "", ""))
	if len(bare) != 2 || bare[1].Size != nil {
		t.Fatalf("expected entries without sizes, got %+v", bare)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/entries/main?sizes=maybe", "", ""), http.StatusBadRequest)

	entry := decode[scm.Entry](t, env.do(t, http.MethodGet, "/api/v1/repos/app/entry/main/main.go", "", ""))
	if entry.Kind != scm.EntryFile || entry.Path != "main.go" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/entry/main/missing.go", "", ""), http.StatusNotFound)

	lastrev := decode[scm.Revision](t, env.do(t, http.MethodGet, "/api/v1/repos/app/lastrev/main/main.go", "", ""))
	if lastrev.Scmid != commitID(1) {
		t.Fatalf("unexpected lastrev %+v", lastrev)
	}

	revs := decode[[]scm.Revision](t, env.do(t, http.MethodGet, "/api/v1/repos/app/revisions/main/main.go?limit=5", "", ""))
	if len(revs) != 2 || revs[0].Scmid != commitID(0) {
		t.Fatalf("expected revisions oldest first, got %+v", revs)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/revisions/main/main.go?limit=0", "", ""), http.StatusBadRequest)

	ann := decode[scm.Annotation](t, env.do(t, http.MethodGet, "/api/v1/repos/app/annotate/main/main.go", "", ""))
	if len(ann.Lines) != 1 || ann.Lines[0].Revision.Scmid != commitID(1) {
		t.Fatalf("unexpected annotation %+v", ann)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/repos/app/raw/main/main.go", "", "")
	expectStatus(t, resp, http.StatusOK)
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "package main\n" {
		t.Fatalf("unexpected raw content %q", data)
	}

	env.fake.Files["empty.txt"] = nil
	resp = env.do(t, http.MethodGet, "/api/v1/repos/app/raw/main/empty.txt", "", "")
	expectStatus(t, resp, http.StatusOK)
	if data, _ := io.ReadAll(resp.Body); len(data) != 0 {
		t.Fatalf("expected empty body, got %q", data)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/raw/main/missing.txt", "", ""), http.StatusNotFound)

	lines := decode[[]string](t, env.do(t, http.MethodGet, "/api/v1/repos/app/diff?from="+commitID(1), "", ""))
	if len(lines) == 0 {
		t.Fatal("expected diff lines")
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/diff", "", ""), http.StatusBadRequest)
}

func TestReadPathDegradesRemoteFailures(t *testing.T) {
	env := setupTestServer(t, false)
	env.registerRepo(t, "app")
	env.fake.SetFail("*", errors.New("503 upstream unavailable"))

	resp := env.do(t, http.MethodGet, "/api/v1/repos/app/branches", "", "")
	expectStatus(t, resp, http.StatusOK)
	if branches := decode[[]scm.Branch](t, resp); len(branches) != 0 {
		t.Fatalf("expected empty branches, got %+v", branches)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/raw/main/main.go", "", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/app/lastrev/main", "", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/repos/missing/branches", "", ""), http.StatusNotFound)
}

func TestResponsesAreCompressed(t *testing.T) {
	env := setupTestServer(t, false)
	env.registerRepo(t, "app")
	for i := range 100 {
		env.fake.Branches = append(env.fake.Branches, remote.Branch{Name: fmt.Sprintf("feature/branch-%03d", i), CommitID: commitID(0)})
	}

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/repos/app/branches", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
}
