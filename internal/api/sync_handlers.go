package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/odvcencio/labsync/internal/models"
	"github.com/odvcencio/labsync/internal/service"
)

type syncStatusResponse struct {
	Repository string           `json:"repository"`
	Job        *models.SyncJob  `json:"job"`
	State      models.SyncState `json:"state"`
	Changesets int64            `json:"changesets"`
}

type triggerSyncResponse struct {
	Status string              `json:"status"`
	Job    *models.SyncJob     `json:"job,omitempty"`
	Result *service.SyncResult `json:"result,omitempty"`
}

// POST /api/v1/repos/{repo}/sync
// With ?wait=true the pass runs inside the request and its result is
// returned. Otherwise the pass is queued, or started in the background when
// no queue is configured.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.syncSvc == nil {
		jsonError(w, "sync is not configured", http.StatusServiceUnavailable)
		return
	}
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("wait"), "true") {
		result, err := s.syncSvc.Sync(r.Context(), repo)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, triggerSyncResponse{Status: "completed", Result: &result})
		return
	}

	if s.queue != nil {
		job, err := s.queue.EnqueueSync(r.Context(), repo.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusAccepted, triggerSyncResponse{Status: string(job.Status), Job: job})
		return
	}

	s.runAsync(r.Context(), "sync", []any{"repo", repo.Identifier}, func(ctx context.Context) error {
		_, err := s.syncSvc.Sync(ctx, repo)
		if errors.Is(err, service.ErrSyncInProgress) {
			return nil
		}
		return err
	})
	jsonResponse(w, http.StatusAccepted, triggerSyncResponse{Status: "started"})
}

// GET /api/v1/repos/{repo}/sync
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	job, err := s.db.GetSyncJobStatus(r.Context(), repo.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	count, err := s.db.CountChangesets(r.Context(), repo.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, syncStatusResponse{
		Repository: repo.Identifier,
		Job:        job,
		State:      repo.State,
		Changesets: count,
	})
}

// GET /api/v1/repos/{repo}/changesets
// With ?path= or ?rev= the stored changesets among the latest remote
// revisions touching path are returned instead of the stored listing.
func (s *Server) handleListChangesets(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	if q.Has("path") || q.Has("rev") {
		limit, ok := parseOptionalQueryPositiveInt(w, r, "limit", "limit", 10)
		if !ok {
			return
		}
		if s.syncSvc == nil {
			jsonResponse(w, http.StatusOK, []models.Changeset{})
			return
		}
		changesets, err := s.syncSvc.LatestChangesets(r.Context(), repo, q.Get("path"), q.Get("rev"), limit)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "latest changesets failed", "repo", repo.Identifier, "error", err)
			changesets = nil
		}
		jsonResponse(w, http.StatusOK, nonNil(changesets))
		return
	}

	page, perPage := parsePagination(r, 30, 200)
	changesets, err := s.db.ListChangesets(r.Context(), repo.ID, perPage, (page-1)*perPage)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(changesets))
}

// GET /api/v1/repos/{repo}/changesets/{rev}
// rev is a stored revision or a unique scmid prefix.
func (s *Server) handleGetChangeset(w http.ResponseWriter, r *http.Request) {
	if s.syncSvc == nil {
		jsonError(w, "sync is not configured", http.StatusServiceUnavailable)
		return
	}
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	cs, err := s.syncSvc.FindChangesetByName(r.Context(), repo.ID, r.PathValue("rev"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	changes, err := s.db.ListChanges(r.Context(), cs.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	cs.Changes = changes
	jsonResponse(w, http.StatusOK, cs)
}

// DELETE /api/v1/repos/{repo}/changesets
func (s *Server) handleClearChangesets(w http.ResponseWriter, r *http.Request) {
	if s.syncSvc == nil {
		jsonError(w, "sync is not configured", http.StatusServiceUnavailable)
		return
	}
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.syncSvc.ClearChangesets(r.Context(), repo); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
