package gateway

import (
	"context"
	"log"
	"net/http"
)

type planGenerateRequest struct {
	TaskID string `json:"task_id"`
}

type planApproveRequest struct {
	TaskID   string            `json:"task_id"`
	Approved bool              `json:"approved"`
	Feedback string            `json:"feedback,omitempty"`
	Answers  map[string]string `json:"answers,omitempty"`
}

type planBatchRequest struct {
	TaskIDs  []string `json:"task_ids"`
	Approved bool     `json:"approved"`
	Feedback string   `json:"feedback,omitempty"`
}

type planChatRequest struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

func (h *Handler) registerPlanRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects/{pid}/plan/generate", h.GeneratePlan)
	mux.HandleFunc("POST /api/projects/{pid}/plan/approve", h.ApprovePlan)
	mux.HandleFunc("POST /api/projects/{pid}/plan/batch-approve", h.BatchApprovePlans)
	mux.HandleFunc("POST /api/projects/{pid}/plan/chat", h.PlanChat)
}

// GeneratePlan kicks off plan generation for a task.
// POST /api/projects/{pid}/plan/generate
func (h *Handler) GeneratePlan(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	var req planGenerateRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	if _, err := h.store.GetTask(pid, req.TaskID); err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		if err := h.plans.Generate(context.Background(), pid, req.TaskID, h.store.RepoDir(pid)); err != nil {
			log.Printf("[gateway.plan-generate] project=%s task=%s error=%v", pid, req.TaskID, err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID, "status": "generating"})
}

// ApprovePlan approves (with answers) or rejects (with feedback) one plan.
// POST /api/projects/{pid}/plan/approve
func (h *Handler) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	var req planApproveRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}

	if req.Approved {
		if err := h.plans.Approve(pid, req.TaskID, req.Answers); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "task_id": req.TaskID})
		return
	}
	if err := h.plans.Reject(pid, req.TaskID, req.Feedback); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "task_id": req.TaskID})
}

// BatchApprovePlans applies one decision to many tasks, reporting per-task
// outcomes.
// POST /api/projects/{pid}/plan/batch-approve
func (h *Handler) BatchApprovePlans(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	var req planBatchRequest
	if err := decodeJSON(r, &req); err != nil || len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids required")
		return
	}
	results := h.plans.Batch(pid, req.TaskIDs, req.Approved, req.Feedback)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// PlanChat appends a refinement turn to a plan conversation.
// POST /api/projects/{pid}/plan/chat
func (h *Handler) PlanChat(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	var req planChatRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "task_id and message required")
		return
	}
	if _, err := h.store.GetTask(pid, req.TaskID); err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		if err := h.plans.Chat(context.Background(), pid, req.TaskID, h.store.RepoDir(pid), req.Message); err != nil {
			log.Printf("[gateway.plan-chat] project=%s task=%s error=%v", pid, req.TaskID, err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"status": "streaming", "task_id": req.TaskID})
}
