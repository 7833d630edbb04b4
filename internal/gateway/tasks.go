package gateway

import (
	"context"
	"log"
	"net/http"

	"agentengine/internal/model"
)

type createTaskRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Priority    int    `json:"priority,omitempty"`
	DependsOn   string `json:"depends_on,omitempty"`
	PlanMode    bool   `json:"plan_mode,omitempty"`
}

type mergeTaskRequest struct {
	Squash bool `json:"squash,omitempty"`
}

func (h *Handler) registerTaskRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects/{pid}/tasks", h.ListTasks)
	mux.HandleFunc("POST /api/projects/{pid}/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/projects/{pid}/tasks/{tid}", h.GetTask)
	mux.HandleFunc("DELETE /api/projects/{pid}/tasks/{tid}", h.DeleteTask)
	mux.HandleFunc("POST /api/projects/{pid}/tasks/{tid}/cancel", h.CancelTask)
	mux.HandleFunc("POST /api/projects/{pid}/tasks/{tid}/retry", h.RetryTask)
	mux.HandleFunc("POST /api/projects/{pid}/tasks/{tid}/merge", h.MergeTask)
}

// ListTasks returns a project's tasks.
// GET /api/projects/{pid}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	if _, err := h.store.GetProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}
	tasks, err := h.store.ListTasks(pid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// CreateTask appends a task; plan-mode tasks start their plan generation in
// the background.
// POST /api/projects/{pid}/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	if _, err := h.store.GetProject(pid); err != nil {
		writeEngineError(w, err)
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description required")
		return
	}

	task, err := h.store.CreateTask(pid, model.TaskCreate{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DependsOn:   req.DependsOn,
		PlanMode:    req.PlanMode,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if req.PlanMode {
		// Detached from the request context: generation outlives this call.
		go func() {
			if err := h.plans.Generate(context.Background(), pid, task.ID, h.store.RepoDir(pid)); err != nil {
				log.Printf("[gateway.plan-generate] project=%s task=%s error=%v", pid, task.ID, err)
			}
		}()
	}
	writeJSON(w, http.StatusCreated, task)
}

// GetTask returns one task.
// GET /api/projects/{pid}/tasks/{tid}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.PathValue("pid"), r.PathValue("tid"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask removes a task.
// DELETE /api/projects/{pid}/tasks/{tid}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	if err := h.store.DeleteTask(pid, tid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "task_id": tid})
}

// CancelTask cancels a task, stopping its container when one is running.
// POST /api/projects/{pid}/tasks/{tid}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	if err := h.sched.Cancel(r.Context(), pid, tid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": tid})
}

// RetryTask resets a terminal non-completed task to pending.
// POST /api/projects/{pid}/tasks/{tid}/retry
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	if err := h.sched.Retry(r.Context(), pid, tid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "task_id": tid})
}

// MergeTask merges a merge_pending task's branch, optionally squashing.
// POST /api/projects/{pid}/tasks/{tid}/merge
func (h *Handler) MergeTask(w http.ResponseWriter, r *http.Request) {
	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	var req mergeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.sched.ManualMerge(r.Context(), pid, tid, req.Squash); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "task_id": tid})
}
