// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/labsync/internal/remote"
)

// Call records one request made against a Fake.
type Call struct {
	Op      string
	Page    int
	PerPage int
	Path    string
	Ref     string
	Since   string
}

// Fake serves canned project data. Commits are kept newest first, the order
// the hosted API returns them. Fields may be set directly before use.
type Fake struct {
	mu sync.Mutex

	Branches []remote.Branch
	Tags     []remote.Tag
	Commits  []remote.Commit
	Diffs    map[string][]remote.DiffRecord
	Trees    map[string][]remote.TreeNode
	Files    map[string][]byte
	Blame    map[string][]remote.BlameChunk
	Compared []remote.DiffRecord

	// Fail makes the named operation return the error. The "*" key fails
	// every operation.
	Fail map[string]error

	calls []Call
}

func New() *Fake {
	return &Fake{
		Diffs: map[string][]remote.DiffRecord{},
		Trees: map[string][]remote.TreeNode{},
		Files: map[string][]byte{},
		Blame: map[string][]remote.BlameChunk{},
		Fail:  map[string]error{},
	}
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of one operation.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// SetFail installs or clears (err == nil) a failure for op.
func (f *Fake) SetFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if err := f.Fail["*"]; err != nil {
		return err
	}
	return f.Fail[c.Op]
}

func paginate[T any](items []T, page, perPage int) []T {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return nil
	}
	end := min(start+perPage, len(items))
	return append([]T(nil), items[start:end]...)
}

func (f *Fake) ListBranches(_ context.Context, page, perPage int) ([]remote.Branch, error) {
	if err := f.record(Call{Op: "ListBranches", Page: page, PerPage: perPage}); err != nil {
		return nil, err
	}
	return paginate(f.Branches, page, perPage), nil
}

func (f *Fake) ListTags(_ context.Context, page, perPage int) ([]remote.Tag, error) {
	if err := f.record(Call{Op: "ListTags", Page: page, PerPage: perPage}); err != nil {
		return nil, err
	}
	return paginate(f.Tags, page, perPage), nil
}

func (f *Fake) ListCommits(_ context.Context, q remote.CommitQuery) ([]remote.Commit, error) {
	if err := f.record(Call{Op: "ListCommits", Page: q.Page, PerPage: q.PerPage, Path: q.Path, Ref: q.Ref, Since: q.Since}); err != nil {
		return nil, err
	}
	var since time.Time
	if q.Since != "" {
		t, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return nil, fmt.Errorf("bad since %q", q.Since)
		}
		since = t
	}
	var matched []remote.Commit
	for _, c := range f.Commits {
		if !since.IsZero() {
			if t, err := time.Parse(time.RFC3339Nano, c.CommittedDate); err == nil && t.Before(since) {
				continue
			}
		}
		if q.Path != "" && !f.touches(c.ID, q.Path) {
			continue
		}
		matched = append(matched, c)
	}
	return paginate(matched, q.Page, q.PerPage), nil
}

func (f *Fake) touches(commitID, path string) bool {
	for _, d := range f.Diffs[commitID] {
		for _, p := range []string{d.NewPath, d.OldPath} {
			if p == path || strings.HasPrefix(p, path+"/") {
				return true
			}
		}
	}
	return false
}

func (f *Fake) ListTree(_ context.Context, q remote.TreeQuery) ([]remote.TreeNode, error) {
	if err := f.record(Call{Op: "ListTree", Page: q.Page, PerPage: q.PerPage, Path: q.Path, Ref: q.Ref}); err != nil {
		return nil, err
	}
	return paginate(f.Trees[q.Path], q.Page, q.PerPage), nil
}

func (f *Fake) GetFileSize(_ context.Context, path, ref string) (int64, error) {
	if err := f.record(Call{Op: "GetFileSize", Path: path, Ref: ref}); err != nil {
		return 0, err
	}
	data, ok := f.Files[path]
	if !ok {
		return 0, fmt.Errorf("404 file %s not found", path)
	}
	return int64(len(data)), nil
}

func (f *Fake) GetFileContents(_ context.Context, path, ref string) ([]byte, error) {
	if err := f.record(Call{Op: "GetFileContents", Path: path, Ref: ref}); err != nil {
		return nil, err
	}
	data, ok := f.Files[path]
	if !ok {
		return nil, fmt.Errorf("404 file %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) GetCommitDiff(_ context.Context, commitID string, page, perPage int) ([]remote.DiffRecord, error) {
	if err := f.record(Call{Op: "GetCommitDiff", Page: page, PerPage: perPage, Ref: commitID}); err != nil {
		return nil, err
	}
	return paginate(f.Diffs[commitID], page, perPage), nil
}

func (f *Fake) Compare(_ context.Context, from, to string) ([]remote.DiffRecord, error) {
	if err := f.record(Call{Op: "Compare", Ref: from + "..." + to}); err != nil {
		return nil, err
	}
	return append([]remote.DiffRecord(nil), f.Compared...), nil
}

func (f *Fake) GetFileBlame(_ context.Context, path, ref string) ([]remote.BlameChunk, error) {
	if err := f.record(Call{Op: "GetFileBlame", Path: path, Ref: ref}); err != nil {
		return nil, err
	}
	return f.Blame[path], nil
}

// Commit builds a commit record committed at t.
func Commit(id, author string, t time.Time, parents ...string) remote.Commit {
	return remote.Commit{
		ID:            id,
		AuthorName:    author,
		CommittedDate: t.UTC().Format(time.RFC3339),
		Message:       "commit " + id,
		ParentIDs:     parents,
	}
}

var _ remote.API = (*Fake)(nil)
