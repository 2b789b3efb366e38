package remote

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const remoteTracerName = "github.com/odvcencio/labsync/internal/remote"

type Metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetricsInst *Metrics
)

// DefaultMetrics returns the process-wide collectors registered on the
// default Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetricsInst = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetricsInst
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Total number of remote API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labsync",
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Remote API call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.requestTotal, m.requestDuration)
	}
	return m
}

type instrumented struct {
	next    API
	repo    string
	metrics *Metrics
	tracer  trace.Tracer
}

// Instrument wraps api so every call is counted, timed and traced. A nil
// metrics value disables the Prometheus side only.
func Instrument(api API, repo string, metrics *Metrics) API {
	if api == nil {
		return nil
	}
	return &instrumented{
		next:    api,
		repo:    repo,
		metrics: metrics,
		tracer:  otel.Tracer(remoteTracerName),
	}
}

func (i *instrumented) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "remote."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("labsync.repo", i.repo),
			attribute.String("labsync.remote.operation", op),
		))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if i.metrics != nil {
		i.metrics.requestTotal.WithLabelValues(op, outcome).Inc()
		i.metrics.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

func (i *instrumented) ListBranches(ctx context.Context, page, perPage int) (out []Branch, err error) {
	err = i.observe(ctx, "list_branches", func(ctx context.Context) error {
		out, err = i.next.ListBranches(ctx, page, perPage)
		return err
	})
	return out, err
}

func (i *instrumented) ListTags(ctx context.Context, page, perPage int) (out []Tag, err error) {
	err = i.observe(ctx, "list_tags", func(ctx context.Context) error {
		out, err = i.next.ListTags(ctx, page, perPage)
		return err
	})
	return out, err
}

func (i *instrumented) ListCommits(ctx context.Context, q CommitQuery) (out []Commit, err error) {
	err = i.observe(ctx, "list_commits", func(ctx context.Context) error {
		out, err = i.next.ListCommits(ctx, q)
		return err
	})
	return out, err
}

func (i *instrumented) ListTree(ctx context.Context, q TreeQuery) (out []TreeNode, err error) {
	err = i.observe(ctx, "list_tree", func(ctx context.Context) error {
		out, err = i.next.ListTree(ctx, q)
		return err
	})
	return out, err
}

func (i *instrumented) GetFileSize(ctx context.Context, path, ref string) (out int64, err error) {
	err = i.observe(ctx, "get_file", func(ctx context.Context) error {
		out, err = i.next.GetFileSize(ctx, path, ref)
		return err
	})
	return out, err
}

func (i *instrumented) GetFileContents(ctx context.Context, path, ref string) (out []byte, err error) {
	err = i.observe(ctx, "get_raw_file", func(ctx context.Context) error {
		out, err = i.next.GetFileContents(ctx, path, ref)
		return err
	})
	return out, err
}

func (i *instrumented) GetCommitDiff(ctx context.Context, commitID string, page, perPage int) (out []DiffRecord, err error) {
	err = i.observe(ctx, "get_commit_diff", func(ctx context.Context) error {
		out, err = i.next.GetCommitDiff(ctx, commitID, page, perPage)
		return err
	})
	return out, err
}

func (i *instrumented) Compare(ctx context.Context, from, to string) (out []DiffRecord, err error) {
	err = i.observe(ctx, "compare", func(ctx context.Context) error {
		out, err = i.next.Compare(ctx, from, to)
		return err
	})
	return out, err
}

func (i *instrumented) GetFileBlame(ctx context.Context, path, ref string) (out []BlameChunk, err error) {
	err = i.observe(ctx, "get_file_blame", func(ctx context.Context) error {
		out, err = i.next.GetFileBlame(ctx, path, ref)
		return err
	})
	return out, err
}
