package gateway

import (
	"net/http"
	"strconv"
)

func (h *Handler) registerGitRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects/{pid}/git/log", h.GitLog)
	mux.HandleFunc("GET /api/projects/{pid}/git/commit/{sha}", h.GitCommit)
	mux.HandleFunc("GET /api/projects/{pid}/git/unpushed", h.GitUnpushed)
	mux.HandleFunc("POST /api/projects/{pid}/git/push", h.GitPush)
}

// GitLog returns the commit graph view.
// GET /api/projects/{pid}/git/log?limit=N
func (h *Handler) GitLog(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	if _, err := h.store.GetProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	commits, err := h.git.Log(r.Context(), h.store.RepoDir(pid), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commits": commits})
}

// GitCommit returns one commit's body and file changes.
// GET /api/projects/{pid}/git/commit/{sha}
func (h *Handler) GitCommit(w http.ResponseWriter, r *http.Request) {
	pid, sha := r.PathValue("pid"), r.PathValue("sha")
	if _, err := h.store.GetProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}
	detail, err := h.git.CommitDiff(r.Context(), h.store.RepoDir(pid), sha)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GitUnpushed reports how many commits the base branch is ahead of its
// upstream.
// GET /api/projects/{pid}/git/unpushed
func (h *Handler) GitUnpushed(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	if _, err := h.store.GetProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}
	repoDir := h.store.RepoDir(pid)
	count, err := h.git.UnpushedCount(r.Context(), repoDir)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      count,
		"has_remote": h.git.HasRemote(r.Context(), repoDir),
	})
}

// GitPush pushes the project's base branch to origin.
// POST /api/projects/{pid}/git/push
func (h *Handler) GitPush(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	project, err := h.store.GetProject(pid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	repoDir := h.store.RepoDir(pid)
	if !h.git.HasRemote(r.Context(), repoDir) {
		writeError(w, http.StatusConflict, "project has no remote")
		return
	}
	if err := h.git.Push(r.Context(), repoDir, "origin", project.Branch); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pushed", "branch": project.Branch})
}
