package gateway

import (
	"net"
	"net/http"
	"strings"
)

type statusCallbackRequest struct {
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) registerInternalRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/internal/tasks/{pid}/{tid}/status", h.StatusCallback)
}

// StatusCallback is the worker-to-engine report: success with a commit
// moves the task to merging, failure carries the reason. Only accepted from
// loopback or the container bridge network.
// POST /api/internal/tasks/{pid}/{tid}/status
func (h *Handler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	if !callbackAllowed(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "callback rejected: source not allowed")
		return
	}

	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	var req statusCallbackRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}

	if err := h.sched.HandleCallback(pid, tid, req.Status, req.Branch, req.Commit, req.Error); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "task_id": tid})
}

// callbackAllowed accepts loopback plus the RFC1918 ranges Docker bridge
// networks live in.
func callbackAllowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
