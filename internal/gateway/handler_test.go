package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentengine/internal/agentcli"
	"agentengine/internal/config"
	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	"agentengine/internal/gitmgr"
	gitfake "agentengine/internal/gitmgr/fake"
	"agentengine/internal/model"
	"agentengine/internal/plan"
	"agentengine/internal/store"
)

// stubOrchestrator records scheduler calls.
type stubOrchestrator struct {
	workers   []model.Worker
	cancelled []string
	retried   []string
	merged    []string
	callbacks []string
	restarted []string
	err       error
}

func (s *stubOrchestrator) Workers() []model.Worker { return s.workers }
func (s *stubOrchestrator) Cancel(ctx context.Context, pid, tid string) error {
	s.cancelled = append(s.cancelled, tid)
	return s.err
}
func (s *stubOrchestrator) Retry(ctx context.Context, pid, tid string) error {
	s.retried = append(s.retried, tid)
	return s.err
}
func (s *stubOrchestrator) ManualMerge(ctx context.Context, pid, tid string, squash bool) error {
	s.merged = append(s.merged, fmt.Sprintf("%s squash=%v", tid, squash))
	return s.err
}
func (s *stubOrchestrator) HandleCallback(pid, tid, status, branch, commit, errMsg string) error {
	s.callbacks = append(s.callbacks, tid+":"+status)
	return s.err
}
func (s *stubOrchestrator) RestartWorker(wid string) error {
	s.restarted = append(s.restarted, wid)
	return s.err
}

type fixture struct {
	handler *Handler
	store   *store.Store
	bus     *eventbus.MemoryBus
	orch    *stubOrchestrator
	git     *gitfake.Git
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		DataDir:       t.TempDir(),
		LocalRepoRoot: t.TempDir(),
	}
	st := store.New(cfg.DataDir, nil)
	bus := eventbus.NewMemoryBus()
	git := gitfake.New()
	orch := &stubOrchestrator{}
	agent := &agentcli.Fixed{Responses: []string{"a plan"}}
	plans := plan.New(st, agent, bus, nil)

	h := NewHandler(cfg, st, bus, git, orch, plans, agent)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)
	return &fixture{handler: h, store: st, bus: bus, orch: orch, git: git, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) readyProject(t *testing.T) *model.Project {
	t.Helper()
	p, err := f.store.CreateProject(model.ProjectCreate{Name: "demo", SourceType: model.OriginNew})
	require.NoError(t, err)
	ready := model.ProjectReady
	_, err = f.store.UpdateProject(p.ID, model.ProjectPatch{Status: &ready})
	require.NoError(t, err)
	return p
}

func TestProjects_CreateAndList(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/api/projects", map[string]interface{}{
		"name": "svc", "source_type": "new",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pid := body["id"].(string)
	assert.Len(t, pid, 8)

	require.Eventually(t, func() bool {
		p, err := f.store.GetProject(pid)
		return err == nil && p.Status == model.ProjectReady
	}, 2*time.Second, 10*time.Millisecond, "background provisioning flips the project ready")

	resp, body = f.do(t, "GET", "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := body["projects"].([]interface{})
	require.Len(t, projects, 1)
}

func TestProjects_CreateValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, "POST", "/api/projects", map[string]interface{}{"source_type": "new"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "name required")

	resp, _ = f.do(t, "POST", "/api/projects", map[string]interface{}{"name": "x", "source_type": "git"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "repo_url required for git")
}

func TestProjects_DeleteUnknown(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "DELETE", "/api/projects/ffffffff", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProjects_Settings(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)

	off := false
	resp, body := f.do(t, "PATCH", "/api/projects/"+p.ID+"/settings",
		map[string]interface{}{"auto_merge": off})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["auto_merge"])
}

func TestTasks_CreateAndLifecycleActions(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)

	resp, body := f.do(t, "POST", "/api/projects/"+p.ID+"/tasks",
		map[string]interface{}{"description": "add README section explaining install"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tid := body["id"].(string)
	assert.Equal(t, "t-000001", tid)
	assert.Equal(t, "pending", body["status"])

	resp, body = f.do(t, "GET", "/api/projects/"+p.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["tasks"].([]interface{}), 1)

	resp, _ = f.do(t, "POST", "/api/projects/"+p.ID+"/tasks/"+tid+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{tid}, f.orch.cancelled)

	resp, _ = f.do(t, "POST", "/api/projects/"+p.ID+"/tasks/"+tid+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{tid}, f.orch.retried)

	resp, _ = f.do(t, "POST", "/api/projects/"+p.ID+"/tasks/"+tid+"/merge",
		map[string]interface{}{"squash": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{tid + " squash=true"}, f.orch.merged)
}

func TestTasks_ConflictMapsTo409(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)
	f.orch.err = errs.New(errs.KindConflict, "bad transition")

	resp, _ := f.do(t, "POST", "/api/projects/"+p.ID+"/tasks/t-000001/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInternal_StatusCallback(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)

	resp, _ := f.do(t, "POST", "/api/internal/tasks/"+p.ID+"/t-000001/status",
		map[string]interface{}{"status": "merging", "commit": "abc1234"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "loopback callbacks accepted")
	assert.Equal(t, []string{"t-000001:merging"}, f.orch.callbacks)
}

func TestInternal_CallbackSourceFiltering(t *testing.T) {
	assert.True(t, callbackAllowed("127.0.0.1:54321"))
	assert.True(t, callbackAllowed("[::1]:54321"))
	assert.True(t, callbackAllowed("172.17.0.2:40000"), "docker bridge")
	assert.True(t, callbackAllowed("10.0.0.5:40000"))
	assert.False(t, callbackAllowed("203.0.113.7:443"), "public address rejected")
	assert.False(t, callbackAllowed("not-an-address"))
}

func TestWorkers_And_DispatcherEvents(t *testing.T) {
	f := newFixture(t)
	tid := "t-000042"
	f.orch.workers = []model.Worker{{ID: "worker-0", Status: model.WorkerBusy, CurrentTaskID: &tid}}

	resp, body := f.do(t, "GET", "/api/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := body["workers"].([]interface{})
	require.Len(t, workers, 1)

	f.bus.Publish(eventbus.SystemTopic, model.DispatcherEvent{
		Timestamp: time.Now(), Source: "scheduler", Message: "claimed t-000042 by worker-0",
	})
	resp, body = f.do(t, "GET", "/api/dispatcher/events?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]interface{})
	require.Len(t, events, 1)

	resp, _ = f.do(t, "POST", "/api/workers/worker-0/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"worker-0"}, f.orch.restarted)
}

func TestStats_Aggregation(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)

	mk := func(desc string) *model.Task {
		task, err := f.store.CreateTask(p.ID, model.TaskCreate{Description: desc})
		require.NoError(t, err)
		return task
	}
	move := func(tid string, path ...model.TaskStatus) {
		for _, st := range path {
			status := st
			_, err := f.store.UpdateTask(p.ID, tid, model.TaskPatch{Status: &status})
			require.NoError(t, err)
		}
	}

	done := mk("done")
	move(done.ID, model.TaskClaimed, model.TaskRunning, model.TaskMerging, model.TaskCompleted)
	failed := mk("failed")
	move(failed.ID, model.TaskClaimed, model.TaskRunning, model.TaskFailed)
	reason := "merge or test failed: boom"
	_, err := f.store.UpdateTask(p.ID, failed.ID, model.TaskPatch{Error: &reason})
	require.NoError(t, err)
	mk("still pending")

	resp, body := f.do(t, "GET", "/api/projects/"+p.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(1), body["completed"])
	assert.Equal(t, float64(1), body["failed"])
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, 0.5, body["success_rate"])
	reasons := body["failure_reasons"].(map[string]interface{})
	assert.Equal(t, float64(1), reasons[reason])
}

func TestGit_LogEndpoint(t *testing.T) {
	f := newFixture(t)
	p := f.readyProject(t)
	f.git.LogFn = func(repo string, limit int) ([]gitmgr.Commit, error) { return nil, nil }

	resp, _ := f.do(t, "GET", "/api/projects/"+p.ID+"/git/log?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, f.git.CallLog(), "log 5")
}

func TestWS_LogsReplayAndLive(t *testing.T) {
	f := newFixture(t)
	topic := eventbus.LogTopic("worker-0")
	f.bus.Publish(topic, model.StreamEvent{Kind: model.StreamAssistant, Text: "replayed"})

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/logs/worker-0?history=10"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var env struct {
		Payload model.StreamEvent `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "replayed", env.Payload.Text)

	f.bus.Publish(topic, model.StreamEvent{Kind: model.StreamAssistant, Text: "live"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "live", env.Payload.Text)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
