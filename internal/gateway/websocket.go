package gateway

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"agentengine/internal/eventbus"
	"agentengine/internal/model"
)

// upgrader configuration; origins are unrestricted because the gateway is a
// localhost-facing control surface.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout    = 10 * time.Second
	defaultLogReplay  = 50
	defaultPingPeriod = 30 * time.Second
)

// HandleLogsWS streams one worker's agent output.
// GET /ws/logs/{wid}?project_id=&task_id=&history=N
func (h *Handler) HandleLogsWS(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if wid == "" {
		http.Error(w, "worker id required", http.StatusBadRequest)
		return
	}
	replay := defaultLogReplay
	if v := r.URL.Query().Get("history"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			replay = n
		}
	}

	// Optional filters: when set, the stream only runs while the worker is
	// on the requested project/task; everything still flows through the
	// worker's topic, the filter applies per frame.
	filterProject := r.URL.Query().Get("project_id")
	filterTask := r.URL.Query().Get("task_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway.ws] upgrade failed worker=%s error=%v", wid, err)
		return
	}
	defer conn.Close()

	match := func(env eventbus.Envelope) bool {
		if filterProject == "" && filterTask == "" {
			return true
		}
		current := h.currentAssignment(wid)
		if filterProject != "" && currentProject(current) != filterProject {
			return false
		}
		if filterTask != "" && currentTask(current) != filterTask {
			return false
		}
		return true
	}

	h.pumpTopic(conn, eventbus.LogTopic(wid), replay, match)
}

// HandlePlanWS streams a task's plan conversation.
// GET /ws/plan/{pid}/{tid}
func (h *Handler) HandlePlanWS(w http.ResponseWriter, r *http.Request) {
	pid, tid := r.PathValue("pid"), r.PathValue("tid")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway.ws] upgrade failed plan=%s/%s error=%v", pid, tid, err)
		return
	}
	defer conn.Close()

	h.pumpTopic(conn, eventbus.PlanTopic(pid, tid), defaultLogReplay, nil)
}

// pumpTopic subscribes to a topic and forwards every envelope as one JSON
// frame until the client disconnects.
func (h *Handler) pumpTopic(conn *websocket.Conn, topic string, replay int, match func(eventbus.Envelope) bool) {
	sub := h.bus.Subscribe(topic, replay)
	defer sub.Close()

	h.metrics.WSConnectionsActive.Inc()
	defer h.metrics.WSConnectionsActive.Dec()

	// Reader goroutine: consume control frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(defaultPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			for {
				env, pending := sub.Next()
				if !pending {
					break
				}
				if match != nil && !match(env) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(env); err != nil {
					return
				}
				h.metrics.WSMessagesTotal.WithLabelValues(topic).Inc()
			}
		}
	}
}

// currentAssignment looks up the worker's current task binding for the log
// filters.
func (h *Handler) currentAssignment(wid string) *model.Worker {
	for _, w := range h.sched.Workers() {
		if w.ID == wid {
			return &w
		}
	}
	return nil
}

func currentProject(w *model.Worker) string {
	if w == nil || w.CurrentProjectID == nil {
		return ""
	}
	return *w.CurrentProjectID
}

func currentTask(w *model.Worker) string {
	if w == nil || w.CurrentTaskID == nil {
		return ""
	}
	return *w.CurrentTaskID
}
