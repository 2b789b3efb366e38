// Package scm holds the canonical revision model and the per-repository
// adapter that reads it from a remote project.
package scm

import "time"

type Action string

const (
	ActionAdd    Action = "A"
	ActionModify Action = "M"
	ActionDelete Action = "D"
)

// PathChange is one file-level effect of a revision.
type PathChange struct {
	Action Action `json:"action"`
	Path   string `json:"path"`
}

// Revision is a commit in canonical form. Message is empty for lightweight
// listings; Paths is empty unless the commit diff was materialized.
type Revision struct {
	Identifier string       `json:"identifier"`
	Scmid      string       `json:"scmid"`
	Author     string       `json:"author"`
	Time       time.Time    `json:"time"`
	Message    string       `json:"message,omitempty"`
	Parents    []string     `json:"parents,omitempty"`
	Paths      []PathChange `json:"paths,omitempty"`
}

// FormatIdentifier returns the short display form of the identifier.
func (r *Revision) FormatIdentifier() string {
	if len(r.Identifier) <= 8 {
		return r.Identifier
	}
	return r.Identifier[:8]
}

type Branch struct {
	Name      string `json:"name"`
	Revision  string `json:"revision"`
	Scmid     string `json:"scmid"`
	IsDefault bool   `json:"is_default"`
}

type EntryKind string

const (
	EntryFile EntryKind = "file"
	EntryDir  EntryKind = "dir"
)

type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Kind    EntryKind `json:"kind"`
	Size    *int64    `json:"size,omitempty"`
	LastRev *Revision `json:"lastrev,omitempty"`
}

func (e *Entry) IsDir() bool { return e.Kind == EntryDir }

type AnnotatedLine struct {
	Line     string   `json:"line"`
	Revision Revision `json:"revision"`
}

type Annotation struct {
	Lines []AnnotatedLine `json:"lines"`
}

// Info describes the repository as a whole.
type Info struct {
	RootURL string    `json:"root_url"`
	LastRev *Revision `json:"lastrev,omitempty"`
}
