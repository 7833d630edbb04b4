package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"agentengine/internal/model"
	"agentengine/internal/provision"
)

type createProjectRequest struct {
	Name       string `json:"name"`
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	SourceType string `json:"source_type,omitempty"` // git | local | new
	LocalPath  string `json:"local_path,omitempty"`
	AutoMerge  *bool  `json:"auto_merge,omitempty"`
	AutoPush   *bool  `json:"auto_push,omitempty"`
}

type updateSettingsRequest struct {
	AutoMerge *bool `json:"auto_merge,omitempty"`
	AutoPush  *bool `json:"auto_push,omitempty"`
}

func (h *Handler) registerProjectRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.ListProjects)
	mux.HandleFunc("POST /api/projects", h.CreateProject)
	mux.HandleFunc("DELETE /api/projects/{pid}", h.DeleteProject)
	mux.HandleFunc("POST /api/projects/{pid}/retry", h.RetryProject)
	mux.HandleFunc("PATCH /api/projects/{pid}/settings", h.UpdateSettings)
	mux.HandleFunc("GET /api/local-repos", h.ListLocalRepos)
}

// ListProjects returns every registered project.
// GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// CreateProject registers a project and provisions its repository in the
// background.
// POST /api/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	sourceType := model.OriginKind(req.SourceType)
	if sourceType == "" {
		sourceType = model.OriginGit
	}
	if sourceType == model.OriginGit && req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url required for git projects")
		return
	}
	if sourceType == model.OriginLocal && req.LocalPath == "" {
		writeError(w, http.StatusBadRequest, "local_path required for local projects")
		return
	}

	spec := model.ProjectCreate{
		Name:       req.Name,
		RepoURL:    req.RepoURL,
		Branch:     req.Branch,
		SourceType: sourceType,
		LocalPath:  req.LocalPath,
		AutoMerge:  req.AutoMerge == nil || *req.AutoMerge,
		AutoPush:   req.AutoPush != nil && *req.AutoPush,
	}
	project, err := h.store.CreateProject(spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	go provision.Run(context.Background(), h.store, h.git, project.ID)
	writeJSON(w, http.StatusCreated, project)
}

// DeleteProject removes the project, its directory tree, and its tasks.
// DELETE /api/projects/{pid}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	if err := h.store.DeleteProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "project_id": pid})
}

// RetryProject re-runs provisioning for a project in error.
// POST /api/projects/{pid}/retry
func (h *Handler) RetryProject(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	project, err := h.store.GetProject(pid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if project.Status != model.ProjectError {
		writeError(w, http.StatusConflict, "project is not in error state")
		return
	}
	if err := provision.Retry(context.Background(), h.store, h.git, pid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "project_id": pid})
}

// UpdateSettings patches auto_merge / auto_push.
// PATCH /api/projects/{pid}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	var req updateSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	project, err := h.store.UpdateProject(pid, model.ProjectPatch{
		AutoMerge: req.AutoMerge,
		AutoPush:  req.AutoPush,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// ListLocalRepos discovers candidate local clones under the configured
// root: immediate children containing a .git entry.
// GET /api/local-repos
func (h *Handler) ListLocalRepos(w http.ResponseWriter, r *http.Request) {
	type localRepo struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	repos := []localRepo{}

	entries, err := os.ReadDir(h.cfg.LocalRepoRoot)
	if err != nil {
		// A missing root is an empty result, not an error.
		writeJSON(w, http.StatusOK, map[string]interface{}{"repos": repos})
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(h.cfg.LocalRepoRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			repos = append(repos, localRepo{Name: entry.Name(), Path: path})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repos": repos})
}
