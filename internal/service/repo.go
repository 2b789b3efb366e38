package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/odvcencio/labsync/internal/database"
	"github.com/odvcencio/labsync/internal/models"
)

var validRepoIdentifier = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrInvalidRepository wraps every validation failure on registration or update.
var ErrInvalidRepository = errors.New("invalid repository")

type RepoService struct {
	db database.DB
}

func NewRepoService(db database.DB) *RepoService {
	return &RepoService{db: db}
}

// RegisterRequest describes a remote project to mirror.
type RegisterRequest struct {
	Identifier       string
	URL              string
	RootURL          string
	Token            string
	ReportLastCommit bool
}

func (s *RepoService) Create(ctx context.Context, req RegisterRequest) (*models.Repository, error) {
	if !validRepoIdentifier.MatchString(req.Identifier) {
		return nil, fmt.Errorf("%w: identifier %q", ErrInvalidRepository, req.Identifier)
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrInvalidRepository)
	}
	rootURL, err := ValidateRemote(req.URL, req.RootURL)
	if err != nil {
		return nil, err
	}

	repo := &models.Repository{
		Identifier: req.Identifier,
		URL:        strings.TrimSpace(req.URL),
		RootURL:    rootURL,
		Token:      req.Token,
	}
	if req.ReportLastCommit {
		repo.State.ReportLastCommit = strPtr("1")
	}
	if err := s.db.CreateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return repo, nil
}

// RepoUpdate changes connection settings. Nil fields are left untouched.
type RepoUpdate struct {
	URL              *string
	RootURL          *string
	Token            *string
	ReportLastCommit *bool
}

func (s *RepoService) Update(ctx context.Context, identifier string, upd RepoUpdate) (*models.Repository, error) {
	repo, err := s.db.GetRepository(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if upd.URL != nil {
		repo.URL = strings.TrimSpace(*upd.URL)
		if upd.RootURL == nil {
			// The old root may not prefix the new URL; derive it again.
			repo.RootURL = ""
		}
	}
	if upd.RootURL != nil {
		repo.RootURL = *upd.RootURL
	}
	if upd.Token != nil {
		if strings.TrimSpace(*upd.Token) == "" {
			return nil, fmt.Errorf("%w: access token is required", ErrInvalidRepository)
		}
		repo.Token = *upd.Token
	}
	rootURL, err := ValidateRemote(repo.URL, repo.RootURL)
	if err != nil {
		return nil, err
	}
	repo.RootURL = rootURL
	if err := s.db.UpdateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("update repo: %w", err)
	}
	if upd.ReportLastCommit != nil {
		pref := "0"
		if *upd.ReportLastCommit {
			pref = "1"
		}
		state, err := s.db.MergeRepositoryState(ctx, repo.ID, models.SyncState{ReportLastCommit: &pref})
		if err != nil {
			return nil, fmt.Errorf("update repo state: %w", err)
		}
		repo.State = state
	}
	return repo, nil
}

func (s *RepoService) Get(ctx context.Context, identifier string) (*models.Repository, error) {
	return s.db.GetRepository(ctx, identifier)
}

func (s *RepoService) GetByID(ctx context.Context, id int64) (*models.Repository, error) {
	return s.db.GetRepositoryByID(ctx, id)
}

func (s *RepoService) List(ctx context.Context) ([]models.Repository, error) {
	return s.db.ListRepositories(ctx)
}

func (s *RepoService) Delete(ctx context.Context, identifier string) error {
	repo, err := s.db.GetRepository(ctx, identifier)
	if err != nil {
		return err
	}
	return s.db.DeleteRepository(ctx, repo.ID)
}

// ValidateRemote checks the project URL and root URL and returns the root
// URL to store. Both must be http(s); the root must prefix the URL. An empty
// root defaults to the URL with its path removed. Trailing slashes are
// stripped from the result.
func ValidateRemote(rawURL, rootURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	rootURL = strings.TrimSpace(rootURL)
	if !isHTTPURL(rawURL) {
		return "", fmt.Errorf("%w: url must be an http(s) URL", ErrInvalidRepository)
	}
	if rootURL != "" {
		if !isHTTPURL(rootURL) {
			return "", fmt.Errorf("%w: root url must be an http(s) URL", ErrInvalidRepository)
		}
		if !strings.HasPrefix(rawURL, rootURL) {
			return "", fmt.Errorf("%w: root url %q does not prefix %q", ErrInvalidRepository, rootURL, rawURL)
		}
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRepository, err)
		}
		u.Path = ""
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
		rootURL = u.String()
	}
	return strings.TrimSuffix(rootURL, "/"), nil
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(lower, scheme) && len(s) > len(scheme) {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }
