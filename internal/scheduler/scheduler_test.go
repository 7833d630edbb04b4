package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentengine/internal/agentcli"
	"agentengine/internal/config"
	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	gitfake "agentengine/internal/gitmgr/fake"
	"agentengine/internal/model"
	rtfake "agentengine/internal/runtime/fake"
	"agentengine/internal/store"
)

// harness bundles a scheduler with scriptable collaborators.
type harness struct {
	sched *Scheduler
	store *store.Store
	git   *gitfake.Git
	rt    *rtfake.Runtime
	bus   *eventbus.MemoryBus
	cfg   *config.Config
}

func newHarness(t *testing.T, workerCount int, rt *rtfake.Runtime) *harness {
	t.Helper()
	cfg := &config.Config{
		WorkerCount:        workerCount,
		DataDir:            t.TempDir(),
		WorkerImage:        "test/worker:latest",
		CallbackURL:        "http://host.docker.internal:8420",
		TaskTimeoutMinutes: 30,
	}
	st := store.New(cfg.DataDir, nil)
	git := gitfake.New()
	// The fake must materialize a worktree directory with a .git link so
	// the pointer-integrity check has something to verify.
	git.WorktreeAddFn = func(repo, branch, dir, baseRef string) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: "+repo+"/.git/worktrees/x\n"), 0o644)
	}
	git.WorktreeRemoveFn = func(repo, dir string) error {
		return os.RemoveAll(dir)
	}
	// Projects in these tests are freshly initialized with no commits and
	// no remote, so no ref resolves and worktrees fall back to HEAD.
	git.RefExistsFn = func(dir, ref string) bool { return false }
	bus := eventbus.NewMemoryBus()
	agent := &agentcli.Fixed{Responses: []string{"ok"}}

	s := New(cfg, st, git, rt, bus, agent, nil)
	s.TickInterval = 10 * time.Millisecond
	s.CallbackGrace = 200 * time.Millisecond
	s.StopGrace = 100 * time.Millisecond
	return &harness{sched: s, store: st, git: git, rt: rt, bus: bus, cfg: cfg}
}

func (h *harness) readyProject(t *testing.T, autoMerge, autoPush bool) *model.Project {
	t.Helper()
	p, err := h.store.CreateProject(model.ProjectCreate{
		Name: "demo", SourceType: model.OriginNew, AutoMerge: autoMerge, AutoPush: autoPush,
	})
	require.NoError(t, err)
	ready := model.ProjectReady
	_, err = h.store.UpdateProject(p.ID, model.ProjectPatch{Status: &ready})
	require.NoError(t, err)
	p.Status = ready
	p.AutoMerge = autoMerge
	p.AutoPush = autoPush
	return p
}

func (h *harness) task(t *testing.T, pid, desc string, priority int) *model.Task {
	t.Helper()
	task, err := h.store.CreateTask(pid, model.TaskCreate{Description: desc, Priority: priority})
	require.NoError(t, err)
	return task
}

func waitForStatus(t *testing.T, h *harness, pid, tid string, want model.TaskStatus) *model.Task {
	t.Helper()
	var last *model.Task
	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(pid, tid)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s (last: %+v)", want, last)
	return last
}

func TestScheduler_HappyPathAutoMerge(t *testing.T) {
	h := newHarness(t, 1, rtfake.New()) // containers exit 0 immediately
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "add README section explaining install", 0)
	require.Equal(t, "t-000001", task.ID)

	h.sched.tick(context.Background())
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskCompleted)

	assert.Nil(t, done.WorkerID, "completed task holds no worker")
	assert.NotEmpty(t, done.CommitID)

	calls := h.git.CallLog()
	assert.Contains(t, calls, "worktree-add agent/t-000001 HEAD")
	assert.Contains(t, calls, "checkout main")
	assert.Contains(t, calls, "merge agent/t-000001 squash=false")
	assert.Contains(t, calls, "delete-branch agent/t-000001")

	// Worker slot is free again.
	require.Eventually(t, func() bool {
		for _, w := range h.sched.Workers() {
			if w.Status != model.WorkerIdle {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Dispatcher events narrate the lifecycle.
	var messages []string
	for _, env := range h.bus.Replay(eventbus.SystemTopic, 100) {
		if ev, ok := env.Payload.(model.DispatcherEvent); ok {
			messages = append(messages, ev.Message)
		}
	}
	assert.Contains(t, messages, "claimed t-000001 by worker-0")
	assert.Contains(t, messages, "Task completed: t-000001")
}

func TestScheduler_ManualMergeModeParksTask(t *testing.T) {
	h := newHarness(t, 1, rtfake.New())
	p := h.readyProject(t, false, false)
	task := h.task(t, p.ID, "tweak config", 0)

	h.sched.tick(context.Background())
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskMergePending)

	assert.NotEmpty(t, done.CommitID)
	calls := h.git.CallLog()
	assert.NotContains(t, calls, "merge agent/"+task.ID+" squash=false", "no auto-merge without the flag")
	// The stale-branch sweep before worktree creation deletes the branch
	// name once; from the worktree's creation on, the branch is never deleted.
	var afterAdd []string
	for i, c := range calls {
		if c == "worktree-add agent/"+task.ID+" HEAD" {
			afterAdd = calls[i+1:]
		}
	}
	require.NotNil(t, afterAdd, "task worktree was created")
	assert.NotContains(t, afterAdd, "delete-branch agent/"+task.ID, "branch kept for manual merge")
}

func TestScheduler_NonZeroExitWithoutCallbackFails(t *testing.T) {
	rt := rtfake.New()
	rt.AutoExitCode = 1
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "doomed work", 0)

	h.sched.tick(context.Background())
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskFailed)
	assert.Equal(t, "worker exited without status", done.Error)
	assert.Nil(t, done.WorkerID)
}

func TestScheduler_WorktreeCorruptionDetected(t *testing.T) {
	rt := rtfake.NewManual()
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "malicious work", 0)

	rt.OnStart = func(c *rtfake.Container) {
		// The "agent" rewrites the worktree link, then exits successfully.
		pointer := filepath.Join(c.Spec.WorktreeDir, ".git")
		_ = os.Chmod(pointer, 0o644)
		_ = os.WriteFile(pointer, []byte("gitdir: /tmp/hijacked\n"), 0o644)
		c.Exit(0)
	}

	h.sched.tick(context.Background())
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskFailed)
	assert.Equal(t, "worktree corruption", done.Error)
}

func TestScheduler_CallbackDrivesMergePhase(t *testing.T) {
	rt := rtfake.NewManual()
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "callback flow", 0)

	var container *rtfake.Container
	rt.OnStart = func(c *rtfake.Container) { container = c }

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskRunning)

	require.NoError(t, h.sched.HandleCallback(p.ID, task.ID, "merging", "agent/"+task.ID, "abc1234", ""))
	// A repeated callback for the same commit is a no-op.
	require.NoError(t, h.sched.HandleCallback(p.ID, task.ID, "merging", "agent/"+task.ID, "abc1234", ""))

	container.Exit(0)
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskCompleted)
	assert.NotEmpty(t, done.CommitID)
}

func TestScheduler_FailureCallback(t *testing.T) {
	rt := rtfake.NewManual()
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "fails in container", 0)

	var container *rtfake.Container
	rt.OnStart = func(c *rtfake.Container) { container = c }

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskRunning)

	require.NoError(t, h.sched.HandleCallback(p.ID, task.ID, "failed", "", "", "agent gave up"))
	container.Exit(1)

	done := waitForStatus(t, h, p.ID, task.ID, model.TaskFailed)
	assert.Equal(t, "agent gave up", done.Error)
}

func TestScheduler_SoftTimeoutFailsTask(t *testing.T) {
	rt := rtfake.NewManual() // container never exits on its own
	h := newHarness(t, 1, rt)
	h.sched.TaskTimeout = 100 * time.Millisecond
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "hangs forever", 0)

	h.sched.tick(context.Background())
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskFailed)
	assert.Contains(t, done.Error, "exceeded")
}

func TestScheduler_CancelRunningTask(t *testing.T) {
	rt := rtfake.NewManual()
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "to be cancelled", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskRunning)

	require.NoError(t, h.sched.Cancel(context.Background(), p.ID, task.ID))
	done := waitForStatus(t, h, p.ID, task.ID, model.TaskCancelled)
	assert.Nil(t, done.WorkerID)

	// The worker slot frees up once the run goroutine observes the stop.
	require.Eventually(t, func() bool {
		ws := h.sched.Workers()
		return len(ws) == 1 && ws[0].Status == model.WorkerIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_RetryResetsTask(t *testing.T) {
	rt := rtfake.New()
	rt.AutoExitCode = 1
	h := newHarness(t, 1, rt)
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "fails then retried", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskFailed)

	require.NoError(t, h.sched.Retry(context.Background(), p.ID, task.ID))
	done, err := h.store.GetTask(p.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, done.Status)
	assert.Empty(t, done.Error)
	assert.Nil(t, done.WorkerID)
}

func TestScheduler_RetryRejectedFromCompleted(t *testing.T) {
	h := newHarness(t, 1, rtfake.New())
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "completes fine", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskCompleted)

	err := h.sched.Retry(context.Background(), p.ID, task.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestScheduler_ManualMergeCompletesTask(t *testing.T) {
	h := newHarness(t, 1, rtfake.New())
	p := h.readyProject(t, false, false)
	task := h.task(t, p.ID, "manual merge flow", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskMergePending)

	require.NoError(t, h.sched.ManualMerge(context.Background(), p.ID, task.ID, true))
	done, err := h.store.GetTask(p.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Contains(t, h.git.CallLog(), "merge agent/"+task.ID+" squash=true")
}

func TestScheduler_ZeroWorkersNoProgress(t *testing.T) {
	h := newHarness(t, 0, rtfake.New())
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "starved", 0)

	for i := 0; i < 5; i++ {
		h.sched.tick(context.Background())
	}
	time.Sleep(50 * time.Millisecond)

	got, err := h.store.GetTask(p.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)

	// Cancellation still works for a pending task.
	require.NoError(t, h.sched.Cancel(context.Background(), p.ID, task.ID))
	got, _ = h.store.GetTask(p.ID, task.ID)
	assert.Equal(t, model.TaskCancelled, got.Status)
}

func TestScheduler_CrossProjectClaimFairness(t *testing.T) {
	h := newHarness(t, 1, rtfake.New())

	p1 := h.readyProject(t, true, false)
	p2, err := h.store.CreateProject(model.ProjectCreate{Name: "second", SourceType: model.OriginNew, AutoMerge: true})
	require.NoError(t, err)
	ready := model.ProjectReady
	_, err = h.store.UpdateProject(p2.ID, model.ProjectPatch{Status: &ready})
	require.NoError(t, err)

	// p1's task is created first; with equal priority it wins the claim.
	t1 := h.task(t, p1.ID, "first project task", 0)
	time.Sleep(5 * time.Millisecond)
	t2 := h.task(t, p2.ID, "second project task", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p1.ID, t1.ID, model.TaskCompleted)

	got, err := h.store.GetTask(p2.ID, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status, "second task waits for the single worker")

	// The worker frees up asynchronously; keep ticking until the second
	// task gets its turn.
	require.Eventually(t, func() bool {
		h.sched.tick(context.Background())
		got, err := h.store.GetTask(p2.ID, t2.ID)
		return err == nil && got.Status == model.TaskCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestScheduler_PoolReconcile(t *testing.T) {
	h := newHarness(t, 3, rtfake.New())
	h.sched.reconcilePool()
	ws := h.sched.Workers()
	require.Len(t, ws, 3)
	for _, w := range ws {
		assert.Equal(t, model.WorkerIdle, w.Status)
	}

	// Shrinking the pool stops the surplus slots.
	h.cfg.WorkerCount = 1
	h.sched.reconcilePool()
	ws = h.sched.Workers()
	require.Len(t, ws, 3)
	assert.Equal(t, model.WorkerIdle, ws[0].Status)
	assert.Equal(t, model.WorkerStopped, ws[1].Status)
	assert.Equal(t, model.WorkerStopped, ws[2].Status)

	// Growing it revives them.
	h.cfg.WorkerCount = 3
	h.sched.reconcilePool()
	for _, w := range h.sched.Workers() {
		assert.Equal(t, model.WorkerIdle, w.Status)
	}
}

func TestScheduler_RestartWorker(t *testing.T) {
	h := newHarness(t, 1, rtfake.New())
	h.sched.reconcilePool()

	ws := h.sched.Workers()
	require.Len(t, ws, 1)

	// An unknown slot cannot be restarted.
	err := h.sched.RestartWorker("worker-9")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	require.NoError(t, h.sched.RestartWorker("worker-0"))
	assert.Equal(t, model.WorkerIdle, h.sched.Workers()[0].Status)
}

func TestScheduler_StaleCallbackIgnored(t *testing.T) {
	rt := rtfake.New()
	h := newHarness(t, 1, rt)
	h.sched.CallbackGrace = 50 * time.Millisecond
	p := h.readyProject(t, true, false)
	task := h.task(t, p.ID, "quick exit", 0)

	h.sched.tick(context.Background())
	waitForStatus(t, h, p.ID, task.ID, model.TaskCompleted)

	// Long after completion, a confused worker resends a failure callback;
	// the exit-time record is gone, but the transition guard rejects it.
	err := h.sched.HandleCallback(p.ID, task.ID, "failed", "", "", "late")
	require.Error(t, err)
	got, _ := h.store.GetTask(p.ID, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
}
