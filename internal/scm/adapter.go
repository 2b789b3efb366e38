package scm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/labsync/internal/remote"
)

const (
	DefaultPerPage  = 50
	DefaultMaxPages = 10

	headRef = "HEAD"
)

var conventionalDefaultBranches = []string{"main", "master"}

type AdapterOptions struct {
	RootURL  string
	PerPage  int
	MaxPages int
	Logger   *slog.Logger
}

// Adapter reads one remote project. Branches and tags are loaded once per
// Adapter; build a new Adapter to observe remote ref changes.
type Adapter struct {
	api      remote.API
	rootURL  string
	perPage  int
	maxPages int
	logger   *slog.Logger

	loads singleflight.Group

	mu       sync.Mutex
	branches []Branch
	tags     []string
	haveBr   bool
	haveTags bool
}

func NewAdapter(api remote.API, opts AdapterOptions) *Adapter {
	if opts.PerPage <= 0 {
		opts.PerPage = DefaultPerPage
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Adapter{
		api:      api,
		rootURL:  opts.RootURL,
		perPage:  opts.PerPage,
		maxPages: opts.MaxPages,
		logger:   opts.Logger,
	}
}

func (a *Adapter) PerPage() int { return a.perPage }

// Branches returns every remote branch sorted by name.
func (a *Adapter) Branches(ctx context.Context) ([]Branch, error) {
	a.mu.Lock()
	if a.haveBr {
		out := slices.Clone(a.branches)
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	v, err := a.shared(ctx, "branches", func(ctx context.Context) (any, error) {
		raw, err := remote.Collect(ctx, a.api.ListBranches, a.perPage)
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		branches := make([]Branch, 0, len(raw))
		for _, b := range raw {
			branches = append(branches, Branch{
				Name:      b.Name,
				Revision:  b.CommitID,
				Scmid:     b.CommitID,
				IsDefault: b.IsDefault,
			})
		}
		slices.SortStableFunc(branches, func(x, y Branch) int { return cmp.Compare(x.Name, y.Name) })

		a.mu.Lock()
		a.branches = branches
		a.haveBr = true
		a.mu.Unlock()
		return branches, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Branch)), nil
}

// shared runs load once for concurrent callers with the same key. The load
// is detached from any single caller's cancellation so one aborted request
// does not fail the others; each caller still stops waiting when its own
// ctx is done.
func (a *Adapter) shared(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	loadCtx := context.WithoutCancel(ctx)
	ch := a.loads.DoChan(key, func() (any, error) { return load(loadCtx) })
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tags returns every remote tag name in remote order.
func (a *Adapter) Tags(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	if a.haveTags {
		out := slices.Clone(a.tags)
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	v, err := a.shared(ctx, "tags", func(ctx context.Context) (any, error) {
		raw, err := remote.Collect(ctx, a.api.ListTags, a.perPage)
		if err != nil {
			return nil, fmt.Errorf("list tags: %w", err)
		}
		tags := make([]string, 0, len(raw))
		for _, t := range raw {
			tags = append(tags, t.Name)
		}

		a.mu.Lock()
		a.tags = tags
		a.haveTags = true
		a.mu.Unlock()
		return tags, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}

// DefaultBranch picks the branch flagged default by the remote, then the
// first conventional name present, then the first listed branch. It returns
// "" when the project has no branches.
func (a *Adapter) DefaultBranch(ctx context.Context) (string, error) {
	branches, err := a.Branches(ctx)
	if err != nil {
		return "", err
	}
	return pickDefaultBranch(branches), nil
}

func pickDefaultBranch(branches []Branch) string {
	if len(branches) == 0 {
		return ""
	}
	for _, b := range branches {
		if b.IsDefault {
			return b.Name
		}
	}
	for _, name := range conventionalDefaultBranches {
		for _, b := range branches {
			if b.Name == name {
				return b.Name
			}
		}
	}
	return branches[0].Name
}

type EntriesOptions struct {
	ReportLastCommit bool
	SkipSize         bool
}

// Entries lists the direct children of path at ref, sorted by name.
func (a *Adapter) Entries(ctx context.Context, path, ref string, opts EntriesOptions) ([]Entry, error) {
	if ref == "" {
		ref = headRef
	}
	path = strings.Trim(path, "/")

	nodes, err := remote.Collect(ctx, func(ctx context.Context, page, perPage int) ([]remote.TreeNode, error) {
		return a.api.ListTree(ctx, remote.TreeQuery{Path: path, Ref: ref, Page: page, PerPage: perPage})
	}, a.perPage)
	if err != nil {
		return nil, fmt.Errorf("list tree %q at %s: %w", path, ref, err)
	}

	seen := make(map[string]struct{}, len(nodes))
	entries := make([]Entry, 0, len(nodes))
	for _, node := range nodes {
		if _, dup := seen[node.Name]; dup {
			continue
		}
		seen[node.Name] = struct{}{}

		fullPath := node.Name
		if path != "" {
			fullPath = path + "/" + node.Name
		}
		entry := Entry{Name: node.Name, Path: fullPath, Kind: EntryFile}
		if node.Type == remote.TreeNodeTree {
			entry.Kind = EntryDir
		}
		if !entry.IsDir() && !opts.SkipSize {
			size, err := a.api.GetFileSize(ctx, fullPath, ref)
			if err != nil {
				return nil, fmt.Errorf("size of %q: %w", fullPath, err)
			}
			entry.Size = &size
		}
		if opts.ReportLastCommit {
			rev, err := a.LastRev(ctx, fullPath, ref)
			if err != nil {
				return nil, err
			}
			entry.LastRev = rev
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(x, y Entry) int { return cmp.Compare(x.Name, y.Name) })
	return entries, nil
}

// Entry resolves a single path by listing its parent directory. The root
// path is always a directory. A nil entry means the path does not exist.
func (a *Adapter) Entry(ctx context.Context, path, ref string) (*Entry, error) {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return &Entry{Path: "", Kind: EntryDir}, nil
	}
	parent := strings.Join(parts[:len(parts)-1], "/")
	name := parts[len(parts)-1]

	if ref == "" {
		ref = headRef
	}

	entries, err := a.Entries(ctx, parent, ref, EntriesOptions{SkipSize: true})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entry := &entries[i]
		if entry.Name != name {
			continue
		}
		if !entry.IsDir() {
			size, err := a.api.GetFileSize(ctx, entry.Path, ref)
			if err != nil {
				return nil, fmt.Errorf("size of %q: %w", entry.Path, err)
			}
			entry.Size = &size
		}
		return entry, nil
	}
	return nil, nil
}

// LastRev returns the newest commit touching path on ref, or nil.
func (a *Adapter) LastRev(ctx context.Context, path, ref string) (*Revision, error) {
	commits, err := a.api.ListCommits(ctx, remote.CommitQuery{Path: path, Ref: ref, Page: 1, PerPage: 1})
	if err != nil {
		return nil, fmt.Errorf("last commit of %q: %w", path, err)
	}
	if len(commits) == 0 {
		return nil, nil
	}
	rev, err := translateLightweight(commits[0])
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// Revisions lists up to limit commits touching path on ref, oldest first.
// Commits with unparseable timestamps are skipped.
func (a *Adapter) Revisions(ctx context.Context, path, ref string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = a.perPage
	}
	commits, err := a.api.ListCommits(ctx, remote.CommitQuery{Path: path, Ref: ref, Page: 1, PerPage: limit})
	if err != nil {
		return nil, fmt.Errorf("list revisions of %q: %w", path, err)
	}
	revs := make([]Revision, 0, len(commits))
	for _, c := range commits {
		rev, err := TranslateCommit(c, nil)
		if err != nil {
			a.logger.Warn("skipping commit with malformed timestamp", "commit", c.ID, "error", err)
			continue
		}
		revs = append(revs, rev)
	}
	sortByTime(revs)
	return revs, nil
}

// Annotate returns per-line blame for path at ref.
func (a *Adapter) Annotate(ctx context.Context, path, ref string) (*Annotation, error) {
	if ref == "" {
		ref = headRef
	}
	chunks, err := a.api.GetFileBlame(ctx, path, ref)
	if err != nil {
		return nil, fmt.Errorf("blame %q: %w", path, err)
	}
	ann := &Annotation{}
	for _, chunk := range chunks {
		rev := Revision{Identifier: chunk.CommitID, Scmid: chunk.CommitID, Author: chunk.AuthorName}
		for _, line := range chunk.Lines {
			ann.Lines = append(ann.Lines, AnnotatedLine{Line: line, Revision: rev})
		}
	}
	return ann, nil
}

// Cat returns the raw file content at ref.
func (a *Adapter) Cat(ctx context.Context, path, ref string) ([]byte, error) {
	if ref == "" {
		ref = headRef
	}
	data, err := a.api.GetFileContents(ctx, path, ref)
	if err != nil {
		return nil, fmt.Errorf("cat %q: %w", path, err)
	}
	return data, nil
}

func (a *Adapter) Info(ctx context.Context) (*Info, error) {
	rev, err := a.LastRev(ctx, "", "")
	if err != nil {
		return nil, err
	}
	return &Info{RootURL: a.rootURL, LastRev: rev}, nil
}

// Diff renders unified diff lines. With to empty it is the diff introduced
// by from, limited to path when path is set; otherwise it compares to
// against from.
func (a *Adapter) Diff(ctx context.Context, path, from, to string) ([]string, error) {
	var records []remote.DiffRecord
	var err error
	if to == "" {
		records, err = a.commitDiff(ctx, from)
	} else {
		records, err = a.api.Compare(ctx, to, from)
		if err != nil {
			err = fmt.Errorf("compare: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, rec := range records {
		if to == "" && path != "" && rec.NewPath != path {
			continue
		}
		if !rec.RenamedFile || strings.TrimSpace(rec.Diff) != "" {
			lines = append(lines, renderRecord(rec)...)
			continue
		}
		content, err := a.api.GetFileContents(ctx, rec.NewPath, from)
		if err != nil {
			a.logger.Debug("renamed file content unavailable", "path", rec.NewPath, "ref", from, "error", err)
			lines = append(lines, renderRenameHeaders(rec)...)
			continue
		}
		block, err := renderRename(rec, content)
		if err != nil {
			return nil, fmt.Errorf("render rename %q: %w", rec.NewPath, err)
		}
		lines = append(lines, block...)
	}
	return lines, nil
}

func (a *Adapter) commitDiff(ctx context.Context, commitID string) ([]remote.DiffRecord, error) {
	records, err := remote.Collect(ctx, func(ctx context.Context, page, perPage int) ([]remote.DiffRecord, error) {
		return a.api.GetCommitDiff(ctx, commitID, page, perPage)
	}, a.perPage)
	if err != nil {
		return nil, fmt.Errorf("commit diff %s: %w", commitID, err)
	}
	return records, nil
}

// RevisionsSince returns every commit on any ref committed at or after
// since (empty for the whole history), with materialized path changes,
// oldest first. Commits with malformed timestamps are skipped; any listing
// or diff failure fails the whole call.
func (a *Adapter) RevisionsSince(ctx context.Context, since string) ([]Revision, error) {
	start, err := a.resumePage(ctx, since)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, page, perPage int) ([]remote.Commit, error) {
		return a.api.ListCommits(ctx, remote.CommitQuery{All: true, Since: since, Page: page, PerPage: perPage})
	}
	lister := remote.NewLister(fetch, a.perPage).StartAt(start)

	var revs []Revision
	for c := range lister.All(ctx) {
		if _, err := ParseCommitTime(c.CommittedDate); err != nil {
			a.logger.Warn("skipping commit with malformed timestamp", "commit", c.ID, "error", err)
			continue
		}
		records, err := a.commitDiff(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		rev, err := TranslateCommit(c, PathChanges(records))
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	if err := lister.Err(); err != nil {
		return nil, fmt.Errorf("list commits since %q: %w", since, err)
	}

	sortByTime(revs)
	return revs, nil
}

// resumePage probes pages 1, 1+MaxPages, 1+2*MaxPages, ... until one comes
// back short. Streaming then starts MaxPages before that probe, or at page
// 1 when the first probe was already short.
func (a *Adapter) resumePage(ctx context.Context, since string) (int, error) {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		page := i*a.maxPages + 1
		commits, err := a.api.ListCommits(ctx, remote.CommitQuery{All: true, Since: since, Page: page, PerPage: a.perPage})
		if err != nil {
			return 0, fmt.Errorf("probe commits page %d: %w", page, err)
		}
		if len(commits) < a.perPage {
			if i > 0 {
				page -= a.maxPages
			}
			return page, nil
		}
	}
}

func sortByTime(revs []Revision) {
	slices.SortStableFunc(revs, func(x, y Revision) int { return x.Time.Compare(y.Time) })
}
