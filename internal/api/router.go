package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/labsync/internal/auth"
	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/jobs"
	"github.com/odvcencio/labsync/internal/service"
)

type ServerOptions struct {
	SyncSvc   *service.SyncService
	BrowseSvc *service.BrowseService
	// Queue receives sync triggers. Without one, triggers run the pass in
	// the background of the request.
	Queue *jobs.Queue
	// Pool reports running jobs in the admin health view.
	Pool    *jobs.WorkerPool
	Workers int
	Logger  *slog.Logger

	// MetricsRegisterer and MetricsGatherer default to the process-wide
	// Prometheus registry.
	MetricsRegisterer prometheus.Registerer
	MetricsGatherer   prometheus.Gatherer

	TrustedProxies    []string
	AdminAllowedCIDRs []string
	EnablePprof       bool

	// BackgroundSyncTimeout bounds passes started without a queue.
	BackgroundSyncTimeout time.Duration
}

type Server struct {
	db        database.DB
	authSvc   *auth.Service
	repoSvc   *service.RepoService
	syncSvc   *service.SyncService
	browseSvc *service.BrowseService
	queue     *jobs.Queue
	pool      *jobs.WorkerPool
	workers   int
	logger    *slog.Logger

	adminRouteAccess adminRouteAccess
	gatherer         prometheus.Gatherer
	asyncTimeout     time.Duration

	mux     *http.ServeMux
	handler http.Handler
}

type middlewareFunc func(http.Handler) http.Handler

func NewServer(db database.DB, authSvc *auth.Service, repoSvc *service.RepoService, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := getDefaultHTTPMetrics()
	if opts.MetricsRegisterer != nil {
		metrics = newHTTPMetrics(opts.MetricsRegisterer)
	}
	adminCIDRs := opts.AdminAllowedCIDRs
	if len(adminCIDRs) == 0 {
		adminCIDRs = defaultAdminRouteCIDRs
	}
	asyncTimeout := opts.BackgroundSyncTimeout
	if asyncTimeout <= 0 {
		asyncTimeout = defaultBackgroundSyncTimeout
	}
	resolver := newClientIPResolver(opts.TrustedProxies)

	s := &Server{
		db:               db,
		authSvc:          authSvc,
		repoSvc:          repoSvc,
		syncSvc:          opts.SyncSvc,
		browseSvc:        opts.BrowseSvc,
		queue:            opts.Queue,
		pool:             opts.Pool,
		workers:          opts.Workers,
		logger:           logger,
		adminRouteAccess: newAdminRouteAccess(adminCIDRs, resolver.clientIPFromRequest),
		gatherer:         opts.MetricsGatherer,
		asyncTimeout:     asyncTimeout,
		mux:              http.NewServeMux(),
	}
	s.routes()
	if opts.EnablePprof {
		s.registerPprofRoutes()
	}

	s.handler = chainMiddleware(s.mux,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(metrics, next) },
		requestLoggingMiddleware(logger, resolver),
		gzipMiddleware,
		requestBodyLimitMiddleware,
		auth.Middleware(authSvc),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	admin := auth.RequireScope(auth.ScopeAdmin)
	syncer := auth.RequireScope(auth.ScopeSync)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))
	s.mux.Handle("GET /api/v1/admin/health", s.adminRouteAccess.wrap(http.HandlerFunc(s.handleAdminHealth)))

	// Repositories
	s.mux.Handle("POST /api/v1/repos", admin(http.HandlerFunc(s.handleCreateRepo)))
	s.mux.HandleFunc("GET /api/v1/repos", s.handleListRepos)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}", s.handleGetRepo)
	s.mux.Handle("PATCH /api/v1/repos/{repo}", admin(http.HandlerFunc(s.handleUpdateRepo)))
	s.mux.Handle("DELETE /api/v1/repos/{repo}", admin(http.HandlerFunc(s.handleDeleteRepo)))

	// Sync
	s.mux.Handle("POST /api/v1/repos/{repo}/sync", syncer(http.HandlerFunc(s.handleTriggerSync)))
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/sync", s.handleSyncStatus)

	// Changesets
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/changesets", s.handleListChangesets)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/changesets/{rev}", s.handleGetChangeset)
	s.mux.Handle("DELETE /api/v1/repos/{repo}/changesets", admin(http.HandlerFunc(s.handleClearChangesets)))

	// Read path
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/branches", s.handleBranches)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/tags", s.handleTags)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/default-branch", s.handleDefaultBranch)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/entries/{ref}", s.handleEntries)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/entries/{ref}/{path...}", s.handleEntries)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/entry/{ref}/{path...}", s.handleEntry)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/lastrev/{ref}", s.handleLastRev)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/lastrev/{ref}/{path...}", s.handleLastRev)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/revisions/{ref}", s.handleRevisions)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/revisions/{ref}/{path...}", s.handleRevisions)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/annotate/{ref}/{path...}", s.handleAnnotate)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/raw/{ref}/{path...}", s.handleRaw)
	s.mux.HandleFunc("GET /api/v1/repos/{repo}/diff", s.handleDiff)
}

// chainMiddleware wraps h so the first middleware is outermost. Each
// middleware is built once.
func chainMiddleware(h http.Handler, mws ...middlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func shouldSkipRequestInstrumentation(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}
	return r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/debug/pprof")
}
