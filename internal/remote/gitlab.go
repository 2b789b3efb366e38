package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xanzy/go-gitlab"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryMax       = 2
)

// GitLabOptions configures one client. Each repository adapter builds its own.
type GitLabOptions struct {
	RootURL  string // e.g. https://gitlab.example.com, "/api/v4" is appended
	Token    string
	Project  string // "group/project" or numeric id
	ProxyURL string
	Timeout  time.Duration
	RetryMax int
}

// GitLabClient implements API against the GitLab REST v4 API.
type GitLabClient struct {
	gl      *gitlab.Client
	project string
}

func NewGitLabClient(opts GitLabOptions) (*GitLabClient, error) {
	root := strings.TrimSuffix(strings.TrimSpace(opts.RootURL), "/")
	if root == "" {
		return nil, fmt.Errorf("gitlab root url is required")
	}
	if strings.TrimSpace(opts.Project) == "" {
		return nil, fmt.Errorf("gitlab project is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	retryMax := opts.RetryMax
	if retryMax < 0 {
		retryMax = defaultRetryMax
	}

	gl, err := gitlab.NewClient(opts.Token,
		gitlab.WithBaseURL(root+"/api/v4"),
		gitlab.WithHTTPClient(httpClient),
		gitlab.WithCustomRetryMax(retryMax),
	)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &GitLabClient{gl: gl, project: opts.Project}, nil
}

func (c *GitLabClient) ListBranches(ctx context.Context, page, perPage int) ([]Branch, error) {
	branches, _, err := c.gl.Branches.ListBranches(c.project, &gitlab.ListBranchesOptions{
		ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	out := make([]Branch, 0, len(branches))
	for _, b := range branches {
		if b == nil {
			continue
		}
		branch := Branch{Name: b.Name, IsDefault: b.Default}
		if b.Commit != nil {
			branch.CommitID = b.Commit.ID
		}
		out = append(out, branch)
	}
	return out, nil
}

func (c *GitLabClient) ListTags(ctx context.Context, page, perPage int) ([]Tag, error) {
	tags, _, err := c.gl.Tags.ListTags(c.project, &gitlab.ListTagsOptions{
		ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if t == nil {
			continue
		}
		out = append(out, Tag{Name: t.Name})
	}
	return out, nil
}

// ListCommits decodes the raw commit JSON instead of gitlab.Commit so the
// committed_date string reaches the translator untouched.
func (c *GitLabClient) ListCommits(ctx context.Context, q CommitQuery) ([]Commit, error) {
	opt := &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{Page: q.Page, PerPage: q.PerPage},
	}
	if q.Path != "" {
		opt.Path = gitlab.Ptr(q.Path)
	}
	if q.Ref != "" {
		opt.RefName = gitlab.Ptr(q.Ref)
	}
	if q.All {
		opt.All = gitlab.Ptr(true)
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return nil, fmt.Errorf("parse since cursor %q: %w", q.Since, err)
		}
		opt.Since = gitlab.Ptr(since.UTC())
	}

	path := fmt.Sprintf("projects/%s/repository/commits", gitlab.PathEscape(c.project))
	req, err := c.gl.NewRequest(http.MethodGet, path, opt, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
	if err != nil {
		return nil, fmt.Errorf("build commits request: %w", err)
	}
	var commits []Commit
	if _, err := c.gl.Do(req, &commits); err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return commits, nil
}

func (c *GitLabClient) ListTree(ctx context.Context, q TreeQuery) ([]TreeNode, error) {
	opt := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{Page: q.Page, PerPage: q.PerPage},
	}
	if q.Path != "" {
		opt.Path = gitlab.Ptr(q.Path)
	}
	if q.Ref != "" {
		opt.Ref = gitlab.Ptr(q.Ref)
	}
	nodes, _, err := c.gl.Repositories.ListTree(c.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list tree %q: %w", q.Path, err)
	}
	out := make([]TreeNode, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		out = append(out, TreeNode{Name: n.Name, Type: n.Type})
	}
	return out, nil
}

func (c *GitLabClient) GetFileSize(ctx context.Context, path, ref string) (int64, error) {
	file, _, err := c.gl.RepositoryFiles.GetFile(c.project, path, &gitlab.GetFileOptions{
		Ref: gitlab.Ptr(ref),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("get file %q: %w", path, err)
	}
	return int64(file.Size), nil
}

func (c *GitLabClient) GetFileContents(ctx context.Context, path, ref string) ([]byte, error) {
	data, _, err := c.gl.RepositoryFiles.GetRawFile(c.project, path, &gitlab.GetRawFileOptions{
		Ref: gitlab.Ptr(ref),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get raw file %q: %w", path, err)
	}
	return data, nil
}

func (c *GitLabClient) GetCommitDiff(ctx context.Context, commitID string, page, perPage int) ([]DiffRecord, error) {
	diffs, _, err := c.gl.Commits.GetCommitDiff(c.project, commitID, &gitlab.GetCommitDiffOptions{
		ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get commit diff %s: %w", commitID, err)
	}
	return convertDiffs(diffs), nil
}

func (c *GitLabClient) Compare(ctx context.Context, from, to string) ([]DiffRecord, error) {
	cmp, _, err := c.gl.Repositories.Compare(c.project, &gitlab.CompareOptions{
		From: gitlab.Ptr(from),
		To:   gitlab.Ptr(to),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("compare %s...%s: %w", from, to, err)
	}
	return convertDiffs(cmp.Diffs), nil
}

func (c *GitLabClient) GetFileBlame(ctx context.Context, path, ref string) ([]BlameChunk, error) {
	ranges, _, err := c.gl.RepositoryFiles.GetFileBlame(c.project, path, &gitlab.GetFileBlameOptions{
		Ref: gitlab.Ptr(ref),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get file blame %q: %w", path, err)
	}
	out := make([]BlameChunk, 0, len(ranges))
	for _, r := range ranges {
		if r == nil {
			continue
		}
		out = append(out, BlameChunk{
			CommitID:   r.Commit.ID,
			AuthorName: r.Commit.AuthorName,
			Lines:      r.Lines,
		})
	}
	return out, nil
}

func convertDiffs(diffs []*gitlab.Diff) []DiffRecord {
	out := make([]DiffRecord, 0, len(diffs))
	for _, d := range diffs {
		if d == nil {
			continue
		}
		out = append(out, DiffRecord{
			OldPath:     d.OldPath,
			NewPath:     d.NewPath,
			NewFile:     d.NewFile,
			DeletedFile: d.DeletedFile,
			RenamedFile: d.RenamedFile,
			Diff:        d.Diff,
		})
	}
	return out
}

var _ API = (*GitLabClient)(nil)
