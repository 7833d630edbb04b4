// Package scheduler binds pending tasks to free worker slots and drives
// each task's state machine through execution, merge-test, and completion.
//
// One control loop reconciles the worker pool and claims tasks; each
// claimed task runs on its own goroutine so a long merge on one project
// never stalls the others. Per-project repo operations (merge, fetch, push)
// are serialized by a project lock.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"agentengine/internal/agentcli"
	"agentengine/internal/config"
	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	"agentengine/internal/experience"
	"agentengine/internal/gitmgr"
	"agentengine/internal/mergetest"
	"agentengine/internal/model"
	"agentengine/internal/runtime"
	"agentengine/internal/store"
	"agentengine/internal/streamparser"
)

// Timing defaults; tests shorten them.
const (
	DefaultTickInterval  = time.Second
	DefaultCallbackGrace = 30 * time.Second
	DefaultStopGrace     = 15 * time.Second
)

// Scheduler is the engine's control loop plus its worker pool.
type Scheduler struct {
	cfg     *config.Config
	store   *store.Store
	git     gitmgr.Git
	runtime runtime.ContainerRuntime
	bus     eventbus.Bus
	engine  *mergetest.Engine
	agent   agentcli.Runner
	exp     *experience.Indexer
	parser  *streamparser.Parser
	clock   model.Clock

	TickInterval  time.Duration
	CallbackGrace time.Duration
	StopGrace     time.Duration
	TaskTimeout   time.Duration

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	workers      map[string]*model.Worker
	containers   map[string]*runtime.Handle    // worker id -> live container
	taskCancels  map[string]context.CancelFunc // task id -> cancels its run goroutine
	exitTimes    map[string]time.Time          // task id -> container exit time
	projectLocks map[string]*sync.Mutex
}

// New wires a Scheduler from its collaborators.
func New(cfg *config.Config, st *store.Store, git gitmgr.Git, rt runtime.ContainerRuntime,
	bus eventbus.Bus, agent agentcli.Runner, clock model.Clock) *Scheduler {
	if clock == nil {
		clock = model.SystemClock{}
	}
	engine := mergetest.New(git, agent)
	return &Scheduler{
		cfg:           cfg,
		store:         st,
		git:           git,
		runtime:       rt,
		bus:           bus,
		engine:        engine,
		agent:         agent,
		exp:           experience.New(git, clock),
		parser:        streamparser.New(clock),
		clock:         clock,
		TickInterval:  DefaultTickInterval,
		CallbackGrace: DefaultCallbackGrace,
		StopGrace:     DefaultStopGrace,
		TaskTimeout:   time.Duration(cfg.TaskTimeoutMinutes) * time.Minute,
		workers:       make(map[string]*model.Worker),
		containers:    make(map[string]*runtime.Handle),
		taskCancels:   make(map[string]context.CancelFunc),
		exitTimes:     make(map[string]time.Time),
		projectLocks:  make(map[string]*sync.Mutex),
	}
}

// Start runs the control loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	log.Printf("[scheduler.start] worker_count=%d tick=%s", s.cfg.WorkerCount, s.TickInterval)
	s.emit("scheduler", "scheduler started")

	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the loop, stops every live container, and waits for task
// goroutines to wind down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.shutdown()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	handles := make([]*runtime.Handle, 0, len(s.containers))
	for _, h := range s.containers {
		handles = append(handles, h)
	}
	cancels := make([]context.CancelFunc, 0, len(s.taskCancels))
	for _, c := range s.taskCancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.StopGrace+5*time.Second)
	defer cancel()
	for _, h := range handles {
		if err := s.runtime.Stop(stopCtx, h, s.StopGrace); err != nil {
			log.Printf("[scheduler.shutdown] stop container worker=%s error=%v", h.WorkerID, err)
		}
	}
	for _, c := range cancels {
		c()
	}
	s.wg.Wait()
	log.Printf("[scheduler.stopped] worker_count=%d", s.cfg.WorkerCount)
}

// tick reconciles the worker pool and claims work for idle slots.
func (s *Scheduler) tick(ctx context.Context) {
	s.reconcilePool()

	for _, w := range s.idleWorkers() {
		pid, task, err := s.store.ClaimNextTask(w.ID)
		if err != nil {
			log.Printf("[scheduler.claim] worker=%s error=%v", w.ID, err)
			continue
		}
		if task == nil {
			continue
		}
		s.emit("scheduler", "claimed "+task.ID+" by "+w.ID)
		s.markBusy(w.ID, pid, task)

		runCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.taskCancels[task.ID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func(pid string, task *model.Task, wid string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.taskCancels, task.ID)
				s.mu.Unlock()
				s.markIdle(wid)
			}()
			s.runTask(runCtx, pid, task, wid)
		}(pid, task, w.ID)
	}
}

// reconcilePool sizes the worker pool to the configured count: missing
// slots are created idle; surplus non-busy slots are stopped.
func (s *Scheduler) reconcilePool() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := model.NewWorkerID(i)
		if w, ok := s.workers[id]; ok {
			if w.Status == model.WorkerStopped {
				w.Status = model.WorkerIdle
			}
			continue
		}
		s.workers[id] = &model.Worker{
			ID:        id,
			Status:    model.WorkerIdle,
			StartedAt: s.clock.Now(),
		}
	}
	for id, w := range s.workers {
		if idx := workerIndex(id); idx >= s.cfg.WorkerCount && w.Status != model.WorkerBusy {
			w.Status = model.WorkerStopped
		}
	}
}

func workerIndex(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "worker-%d", &n); err != nil {
		return -1
	}
	return n
}

func (s *Scheduler) idleWorkers() []*model.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worker
	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := model.NewWorkerID(i)
		if w, ok := s.workers[id]; ok && w.Status == model.WorkerIdle {
			out = append(out, w)
		}
	}
	return out
}

func (s *Scheduler) markBusy(wid, pid string, task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[wid]; ok {
		now := s.clock.Now()
		w.Status = model.WorkerBusy
		w.CurrentTaskID = &task.ID
		w.CurrentTaskTitle = &task.Title
		w.CurrentProjectID = &pid
		w.LastActivity = &now
	}
}

func (s *Scheduler) markIdle(wid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[wid]; ok {
		now := s.clock.Now()
		w.Status = model.WorkerIdle
		w.ContainerHandle = ""
		w.CurrentTaskID = nil
		w.CurrentTaskTitle = nil
		w.CurrentProjectID = nil
		w.LastActivity = &now
	}
	delete(s.containers, wid)
}

func (s *Scheduler) bumpCompleted(wid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[wid]; ok {
		w.CompletionCount++
	}
}

// RestartWorker returns an errored or stopped worker slot to idle so the
// next tick can claim work for it again.
func (s *Scheduler) RestartWorker(wid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[wid]
	if !ok {
		return errs.New(errs.KindNotFound, "worker "+wid+" not found")
	}
	if w.Status == model.WorkerBusy {
		return errs.New(errs.KindConflict, "worker "+wid+" is busy")
	}
	now := s.clock.Now()
	w.Status = model.WorkerIdle
	w.ContainerHandle = ""
	w.CurrentTaskID = nil
	w.CurrentTaskTitle = nil
	w.CurrentProjectID = nil
	w.LastActivity = &now
	return nil
}

// Workers returns a point-in-time copy of every worker slot, so UI reads
// never contend with the control loop.
func (s *Scheduler) Workers() []model.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Worker, 0, len(s.workers))
	for i := 0; ; i++ {
		id := model.NewWorkerID(i)
		w, ok := s.workers[id]
		if !ok {
			break
		}
		out = append(out, *w)
	}
	return out
}

// LiveWorkers reports the worker ids that currently own a running
// container, consulted by stale-task recovery at startup.
func (s *Scheduler) LiveWorkers(ctx context.Context) map[string]bool {
	live := map[string]bool{}
	handles, err := s.runtime.ListAlive(ctx)
	if err != nil {
		log.Printf("[scheduler.live-workers] list containers error=%v", err)
		return live
	}
	for _, h := range handles {
		live[h.WorkerID] = true
	}
	return live
}

// emit publishes a dispatcher event.
func (s *Scheduler) emit(source, message string) {
	s.bus.Publish(eventbus.SystemTopic, model.DispatcherEvent{
		Timestamp: s.clock.Now(),
		Source:    source,
		Message:   message,
	})
}

// projectLock returns the mutex serializing repo-root operations for a
// project.
func (s *Scheduler) projectLock(pid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.projectLocks[pid]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.projectLocks[pid] = l
	return l
}

// logger returns the slog logger used by worker goroutines.
func (s *Scheduler) logger(wid, tid string) *slog.Logger {
	return slog.With("worker", wid, "task", tid)
}
