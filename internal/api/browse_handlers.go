package api

import "net/http"

// Read-path handlers answer from the remote. The browse service degrades
// remote failures to empty results, which map to [] for listings and 404
// for single objects.

// GET /api/v1/repos/{repo}/info
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.browseSvc.Info(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if info == nil {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

// GET /api/v1/repos/{repo}/branches
func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.browseSvc.Branches(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(branches))
}

// GET /api/v1/repos/{repo}/tags
func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.browseSvc.Tags(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(tags))
}

// GET /api/v1/repos/{repo}/default-branch
func (s *Server) handleDefaultBranch(w http.ResponseWriter, r *http.Request) {
	name, err := s.browseSvc.DefaultBranch(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if name == "" {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"name": name})
}

// GET /api/v1/repos/{repo}/entries/{ref}/{path...}?sizes=false
// sizes=false skips the per-file size lookups.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	sizes, ok := parseOptionalQueryBool(w, r, "sizes", true)
	if !ok {
		return
	}
	entries, err := s.browseSvc.Entries(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"), !sizes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(entries))
}

// GET /api/v1/repos/{repo}/entry/{ref}/{path...}
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.browseSvc.Entry(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entry == nil {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}

// GET /api/v1/repos/{repo}/lastrev/{ref}/{path...}
func (s *Server) handleLastRev(w http.ResponseWriter, r *http.Request) {
	rev, err := s.browseSvc.LastRev(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rev == nil {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, rev)
}

// GET /api/v1/repos/{repo}/revisions/{ref}/{path...}?limit=
func (s *Server) handleRevisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseOptionalQueryPositiveInt(w, r, "limit", "limit", 30)
	if !ok {
		return
	}
	revs, err := s.browseSvc.Revisions(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(revs))
}

// GET /api/v1/repos/{repo}/annotate/{ref}/{path...}
func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	ann, err := s.browseSvc.Annotate(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if ann == nil {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, ann)
}

// GET /api/v1/repos/{repo}/raw/{ref}/{path...}
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	data, err := s.browseSvc.Cat(r.Context(), r.PathValue("repo"), r.PathValue("path"), r.PathValue("ref"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if data == nil {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GET /api/v1/repos/{repo}/diff?path=&from=&to=
// Without to the diff is the one introduced by from.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := q.Get("from")
	if from == "" {
		jsonError(w, "from is required", http.StatusBadRequest)
		return
	}
	lines, err := s.browseSvc.Diff(r.Context(), r.PathValue("repo"), q.Get("path"), from, q.Get("to"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, nonNil(lines))
}
