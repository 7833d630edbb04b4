package gateway

import (
	"net/http"
	"strconv"

	"agentengine/internal/eventbus"
	"agentengine/internal/model"
)

func (h *Handler) registerWorkerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/workers", h.ListWorkers)
	mux.HandleFunc("GET /api/dispatcher/events", h.DispatcherEvents)
	mux.HandleFunc("GET /api/projects/{pid}/stats", h.ProjectStats)
	mux.HandleFunc("POST /api/workers/{wid}/restart", h.RestartWorker)
}

// RestartWorker returns an errored worker slot to idle.
// POST /api/workers/{wid}/restart
func (h *Handler) RestartWorker(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if err := h.sched.RestartWorker(wid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "worker_id": wid})
}

// ListWorkers returns a snapshot of every worker slot.
// GET /api/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": h.sched.Workers()})
}

// DispatcherEvents returns the most recent engine audit events.
// GET /api/dispatcher/events?limit=N
func (h *Handler) DispatcherEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events := []model.DispatcherEvent{}
	for _, env := range h.bus.Replay(eventbus.SystemTopic, limit) {
		if ev, ok := env.Payload.(model.DispatcherEvent); ok {
			events = append(events, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// projectStats is the per-project summary for the dashboard.
type projectStats struct {
	Total              int            `json:"total"`
	Completed          int            `json:"completed"`
	Failed             int            `json:"failed"`
	Cancelled          int            `json:"cancelled"`
	InProgress         int            `json:"in_progress"`
	Pending            int            `json:"pending"`
	SuccessRate        float64        `json:"success_rate"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
	FailureReasons     map[string]int `json:"failure_reasons"`
}

// ProjectStats aggregates task outcomes for one project.
// GET /api/projects/{pid}/stats
func (h *Handler) ProjectStats(w http.ResponseWriter, r *http.Request) {
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

	stats := projectStats{FailureReasons: map[string]int{}}
	var totalDuration float64
	var durations int
	for _, t := range tasks {
		stats.Total++
		switch t.Status {
		case model.TaskCompleted:
			stats.Completed++
		case model.TaskFailed:
			stats.Failed++
			if t.Error != "" {
				stats.FailureReasons[t.Error]++
			}
		case model.TaskCancelled:
			stats.Cancelled++
		case model.TaskPending, model.TaskPlanPending, model.TaskPlanApproved:
			stats.Pending++
		default:
			stats.InProgress++
		}
		if t.StartedAt != nil && t.CompletedAt != nil && t.Status == model.TaskCompleted {
			totalDuration += t.CompletedAt.Sub(*t.StartedAt).Seconds()
			durations++
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if durations > 0 {
		stats.AvgDurationSeconds = totalDuration / float64(durations)
	}
	writeJSON(w, http.StatusOK, stats)
}
