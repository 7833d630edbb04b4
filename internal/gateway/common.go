// Package gateway is the engine's REST and WebSocket surface. Each resource
// registers its own routes on the shared mux; handlers translate external
// calls into store, scheduler, and plan-service operations and map typed
// engine errors onto HTTP status codes in one place.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"agentengine/internal/agentcli"
	"agentengine/internal/config"
	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	"agentengine/internal/gitmgr"
	"agentengine/internal/model"
	"agentengine/internal/plan"
	"agentengine/internal/store"
)

// Orchestrator is the slice of the scheduler the gateway drives.
type Orchestrator interface {
	Workers() []model.Worker
	Cancel(ctx context.Context, pid, tid string) error
	Retry(ctx context.Context, pid, tid string) error
	ManualMerge(ctx context.Context, pid, tid string, squash bool) error
	HandleCallback(pid, tid, status, branch, commit, errMsg string) error
	RestartWorker(wid string) error
}

// Handler owns the HTTP surface.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	bus     eventbus.Bus
	git     gitmgr.Git
	sched   Orchestrator
	plans   *plan.Service
	agent   agentcli.Runner
	metrics *Metrics
}

// NewHandler wires the gateway.
func NewHandler(cfg *config.Config, st *store.Store, bus eventbus.Bus, git gitmgr.Git,
	sched Orchestrator, plans *plan.Service, agent agentcli.Runner) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		git:     git,
		sched:   sched,
		plans:   plans,
		agent:   agent,
		metrics: NewMetrics("agentengine"),
	}
}

// Router assembles the full route table. WebSocket endpoints bypass the
// metrics middleware so hijacking the connection keeps working.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	h.registerProjectRoutes(mux)
	h.registerTaskRoutes(mux)
	h.registerPlanRoutes(mux)
	h.registerGitRoutes(mux)
	h.registerWorkerRoutes(mux)
	h.registerInternalRoutes(mux)

	apiHandler := h.metrics.Middleware(mux)
	corsHandler := corsMiddleware(apiHandler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/logs/{wid}", h.HandleLogsWS)
	topMux.HandleFunc("GET /ws/plan/{pid}/{tid}", h.HandlePlanWS)
	topMux.Handle("/", corsHandler)
	return topMux
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway.write] encode error=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the engine error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.KindCallbackUnauthorized:
		writeError(w, http.StatusForbidden, err.Error())
	case errs.KindLockTimeout:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
