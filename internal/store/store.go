// Package store implements a directory-backed registry of projects and
// tasks, guarded by per-file exclusive locks and atomic tempfile-then-rename
// writes. The on-disk layout is:
//
//	data/projects.json                      project registry
//	data/projects/<pid>/tasks.json          task list
//	data/projects/<pid>/repo/               git repo
//	data/projects/<pid>/worktrees/<wid>/    task worktrees
//	data/projects/<pid>/logs/<wid>.jsonl    per-worker agent log
package store

import (
	"log"
	"path/filepath"
	"sync"

	"agentengine/internal/model"
)

// EventSink observes store-level audit events, such as quarantines of
// malformed files. The engine points it at the dispatcher event topic.
type EventSink func(model.DispatcherEvent)

// Store is the directory-backed registry.
type Store struct {
	dataDir string
	clock   model.Clock
	sink    EventSink

	// taskCounterMu guards the in-process monotonic task-id counter. The
	// counter is also persisted in the registry so it survives restarts.
	taskCounterMu sync.Mutex
}

// New returns a Store rooted at dataDir, creating it if necessary.
func New(dataDir string, clock model.Clock) *Store {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Store{dataDir: dataDir, clock: clock}
}

// SetEventSink registers the audit-event sink. Call once during wiring,
// before the store sees concurrent use.
func (s *Store) SetEventSink(sink EventSink) { s.sink = sink }

// notifySystem emits a system-sourced audit event when a sink is wired.
func (s *Store) notifySystem(message string) {
	if s.sink != nil {
		s.sink(model.DispatcherEvent{
			Timestamp: s.clock.Now(),
			Source:    "system",
			Message:   message,
		})
	}
}

func (s *Store) registryPath() string {
	return filepath.Join(s.dataDir, "projects.json")
}

func (s *Store) projectDir(pid string) string {
	return filepath.Join(s.dataDir, "projects", pid)
}

func (s *Store) tasksPath(pid string) string {
	return filepath.Join(s.projectDir(pid), "tasks.json")
}

// RepoDir returns the git repository directory for a project.
func (s *Store) RepoDir(pid string) string {
	return filepath.Join(s.projectDir(pid), "repo")
}

// WorktreesDir returns the worktree root for a project.
func (s *Store) WorktreesDir(pid string) string {
	return filepath.Join(s.projectDir(pid), "worktrees")
}

// WorktreeDir returns the worktree directory for one worker's current task.
func (s *Store) WorktreeDir(pid, wid string) string {
	return filepath.Join(s.WorktreesDir(pid), wid)
}

// LogsDir returns the per-worker agent log directory for a project.
func (s *Store) LogsDir(pid string) string {
	return filepath.Join(s.projectDir(pid), "logs")
}

// LogPath returns the JSONL log file path for one worker's current run.
func (s *Store) LogPath(pid, wid string) string {
	return filepath.Join(s.LogsDir(pid), wid+".jsonl")
}

// registry is the on-disk shape of projects.json.
type registry struct {
	Projects    []*model.Project `json:"projects"`
	NextTaskSeq int64            `json:"next_task_seq"`
}

// loadRegistryLocked reads the registry file, quarantining it and starting
// fresh if it is malformed so a corrupt file never wedges startup.
func (s *Store) loadRegistryLocked() (*registry, error) {
	var reg registry
	if err := readJSON(s.registryPath(), &reg); err != nil {
		dest, qerr := quarantine(s.registryPath())
		if qerr != nil {
			return nil, err
		}
		log.Printf("[store.quarantine] system: quarantined projects.json -> %s (parse error: %v)", dest, err)
		s.notifySystem("quarantined projects.json")
		reg = registry{}
	}
	if reg.Projects == nil {
		reg.Projects = []*model.Project{}
	}
	return &reg, nil
}

func (s *Store) saveRegistryLocked(reg *registry) error {
	return writeJSONAtomic(s.registryPath(), reg)
}

// taskFile is the on-disk shape of a project's tasks.json.
type taskFile struct {
	Tasks []*model.Task `json:"tasks"`
}

func (s *Store) loadTasksLocked(pid string) (*taskFile, error) {
	var tf taskFile
	if err := readJSON(s.tasksPath(pid), &tf); err != nil {
		dest, qerr := quarantine(s.tasksPath(pid))
		if qerr != nil {
			return nil, err
		}
		log.Printf("[store.quarantine] system: quarantined tasks.json for %s -> %s (parse error: %v)", pid, dest, err)
		s.notifySystem("quarantined tasks.json for " + pid)
		tf = taskFile{}
	}
	if tf.Tasks == nil {
		tf.Tasks = []*model.Task{}
	}
	return &tf, nil
}

func (s *Store) saveTasksLocked(pid string, tf *taskFile) error {
	return writeJSONAtomic(s.tasksPath(pid), tf)
}
