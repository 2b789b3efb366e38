package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/odvcencio/labsync/internal/service"
)

type createRepoRequest struct {
	Identifier       string `json:"identifier"`
	URL              string `json:"url"`
	RootURL          string `json:"root_url"`
	Token            string `json:"token"`
	ReportLastCommit bool   `json:"report_last_commit"`
}

type updateRepoRequest struct {
	URL              *string `json:"url"`
	RootURL          *string `json:"root_url"`
	Token            *string `json:"token"`
	ReportLastCommit *bool   `json:"report_last_commit"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	if req.Identifier == "" {
		jsonError(w, "identifier is required", http.StatusBadRequest)
		return
	}
	if _, err := s.repoSvc.Get(r.Context(), req.Identifier); err == nil {
		jsonError(w, "repository already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.writeServiceError(w, r, err)
		return
	}

	repo, err := s.repoSvc.Create(r.Context(), service.RegisterRequest{
		Identifier:       req.Identifier,
		URL:              req.URL,
		RootURL:          req.RootURL,
		Token:            req.Token,
		ReportLastCommit: req.ReportLastCommit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// The first pass imports the full history.
	if s.queue != nil {
		if _, err := s.queue.EnqueueSync(r.Context(), repo.ID); err != nil {
			s.logger.WarnContext(r.Context(), "enqueue initial sync failed", "repo", repo.Identifier, "error", err)
		}
	}
	jsonResponse(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	page, perPage := parsePagination(r, 30, 200)
	repos, err := s.repoSvc.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, paginateSlice(repos, page, perPage))
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, repo)
}

func (s *Server) handleUpdateRepo(w http.ResponseWriter, r *http.Request) {
	var req updateRepoRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	repo, err := s.repoSvc.Update(r.Context(), r.PathValue("repo"), service.RepoUpdate{
		URL:              req.URL,
		RootURL:          req.RootURL,
		Token:            req.Token,
		ReportLastCommit: req.ReportLastCommit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.repoSvc.Delete(r.Context(), r.PathValue("repo")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
