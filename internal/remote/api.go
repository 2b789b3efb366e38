// Package remote talks to the hosted project API. Every call is made through
// an explicit client value; nothing here keeps process-wide configuration.
package remote

import "context"

// API is the set of remote capabilities the adapter and sync engine need.
// Listing calls take 1-based page numbers.
type API interface {
	ListBranches(ctx context.Context, page, perPage int) ([]Branch, error)
	ListTags(ctx context.Context, page, perPage int) ([]Tag, error)
	ListCommits(ctx context.Context, q CommitQuery) ([]Commit, error)
	ListTree(ctx context.Context, q TreeQuery) ([]TreeNode, error)
	GetFileSize(ctx context.Context, path, ref string) (int64, error)
	GetFileContents(ctx context.Context, path, ref string) ([]byte, error)
	GetCommitDiff(ctx context.Context, commitID string, page, perPage int) ([]DiffRecord, error)
	Compare(ctx context.Context, from, to string) ([]DiffRecord, error)
	GetFileBlame(ctx context.Context, path, ref string) ([]BlameChunk, error)
}

type Branch struct {
	Name      string
	CommitID  string
	IsDefault bool
}

type Tag struct {
	Name string
}

// Commit is a remote commit record. CommittedDate is kept as the raw
// ISO-8601 string so translation owns parse failures.
type Commit struct {
	ID            string   `json:"id"`
	AuthorName    string   `json:"author_name"`
	CommittedDate string   `json:"committed_date"`
	Message       string   `json:"message"`
	ParentIDs     []string `json:"parent_ids"`
}

type CommitQuery struct {
	Path    string
	Ref     string
	Since   string // ISO-8601 cursor, empty for no lower bound
	All     bool
	Page    int
	PerPage int
}

const (
	TreeNodeTree = "tree"
	TreeNodeBlob = "blob"
)

type TreeNode struct {
	Name string
	Type string // "tree" or "blob"
}

type TreeQuery struct {
	Path    string
	Ref     string
	Page    int
	PerPage int
}

type DiffRecord struct {
	OldPath     string
	NewPath     string
	NewFile     bool
	DeletedFile bool
	RenamedFile bool
	Diff        string
}

type BlameChunk struct {
	CommitID   string
	AuthorName string
	Lines      []string
}
