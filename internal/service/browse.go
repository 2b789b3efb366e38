package service

import (
	"context"
	"log/slog"

	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/scm"
)

// BrowseService serves the read path straight from the remote. Only an
// unknown repository is reported as an error; remote failures are logged
// and come back as empty results.
type BrowseService struct {
	repoSvc  *RepoService
	adapters AdapterFactory
	logger   *slog.Logger
}

func NewBrowseService(repoSvc *RepoService, adapters AdapterFactory, logger *slog.Logger) *BrowseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowseService{repoSvc: repoSvc, adapters: adapters, logger: logger}
}

// open resolves the repository and builds a fresh adapter for it. A nil
// adapter with a nil error means the adapter could not be built and the
// caller should degrade.
func (s *BrowseService) open(ctx context.Context, identifier string) (*models.Repository, *scm.Adapter, error) {
	repo, err := s.repoSvc.Get(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.adapters(repo)
	if err != nil {
		s.logger.Error("build adapter failed", "repo", identifier, "error", err)
		return repo, nil, nil
	}
	return repo, adapter, nil
}

func (s *BrowseService) degrade(identifier, op string, err error) {
	s.logger.Error("remote read failed", "repo", identifier, "operation", op, "error", err)
}

func (s *BrowseService) Branches(ctx context.Context, identifier string) ([]scm.Branch, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	branches, err := a.Branches(ctx)
	if err != nil {
		s.degrade(identifier, "branches", err)
		return nil, nil
	}
	return branches, nil
}

func (s *BrowseService) Tags(ctx context.Context, identifier string) ([]string, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	tags, err := a.Tags(ctx)
	if err != nil {
		s.degrade(identifier, "tags", err)
		return nil, nil
	}
	return tags, nil
}

// DefaultBranch returns "" when it cannot be determined.
func (s *BrowseService) DefaultBranch(ctx context.Context, identifier string) (string, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return "", err
	}
	name, err := a.DefaultBranch(ctx)
	if err != nil {
		s.degrade(identifier, "default_branch", err)
		return "", nil
	}
	return name, nil
}

// Entries lists a directory. The last commit of each entry is included when
// the repository has the report-last-commit preference set. skipSize leaves
// file sizes unset and saves one remote call per file.
func (s *BrowseService) Entries(ctx context.Context, identifier, path, ref string, skipSize bool) ([]scm.Entry, error) {
	repo, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	entries, err := a.Entries(ctx, path, ref, scm.EntriesOptions{
		ReportLastCommit: repo.State.ReportsLastCommit(),
		SkipSize:         skipSize,
	})
	if err != nil {
		s.degrade(identifier, "entries", err)
		return nil, nil
	}
	return entries, nil
}

func (s *BrowseService) Entry(ctx context.Context, identifier, path, ref string) (*scm.Entry, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	entry, err := a.Entry(ctx, path, ref)
	if err != nil {
		s.degrade(identifier, "entry", err)
		return nil, nil
	}
	return entry, nil
}

func (s *BrowseService) LastRev(ctx context.Context, identifier, path, ref string) (*scm.Revision, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	rev, err := a.LastRev(ctx, path, ref)
	if err != nil {
		s.degrade(identifier, "lastrev", err)
		return nil, nil
	}
	return rev, nil
}

func (s *BrowseService) Revisions(ctx context.Context, identifier, path, ref string, limit int) ([]scm.Revision, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	revs, err := a.Revisions(ctx, path, ref, limit)
	if err != nil {
		s.degrade(identifier, "revisions", err)
		return nil, nil
	}
	return revs, nil
}

func (s *BrowseService) Annotate(ctx context.Context, identifier, path, ref string) (*scm.Annotation, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	ann, err := a.Annotate(ctx, path, ref)
	if err != nil {
		s.degrade(identifier, "annotate", err)
		return nil, nil
	}
	return ann, nil
}

// Cat returns file content, or nil when it cannot be fetched.
func (s *BrowseService) Cat(ctx context.Context, identifier, path, ref string) ([]byte, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	data, err := a.Cat(ctx, path, ref)
	if err != nil {
		s.degrade(identifier, "cat", err)
		return nil, nil
	}
	// nil means unavailable; an empty file is a non-nil empty slice.
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *BrowseService) Diff(ctx context.Context, identifier, path, from, to string) ([]string, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	lines, err := a.Diff(ctx, path, from, to)
	if err != nil {
		s.degrade(identifier, "diff", err)
		return nil, nil
	}
	return lines, nil
}

func (s *BrowseService) Info(ctx context.Context, identifier string) (*scm.Info, error) {
	_, a, err := s.open(ctx, identifier)
	if err != nil || a == nil {
		return nil, err
	}
	info, err := a.Info(ctx)
	if err != nil {
		s.degrade(identifier, "info", err)
		return nil, nil
	}
	return info, nil
}
