package model

import "time"

// WorkerStatus is a worker slot's current state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
	WorkerError   WorkerStatus = "error"
)

// Worker is a container slot that executes one task at a time.
type Worker struct {
	ID               string       `json:"id"` // "worker-N", stable index
	ContainerHandle  string       `json:"container_handle,omitempty"`
	Status           WorkerStatus `json:"status"`
	CurrentTaskID    *string      `json:"current_task_id,omitempty"`
	CurrentTaskTitle *string      `json:"current_task_title,omitempty"`
	CurrentProjectID *string      `json:"current_project_id,omitempty"`
	CompletionCount  int          `json:"completion_count"`
	LastActivity     *time.Time   `json:"last_activity,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
}

// IsBusy reports whether the worker currently owns a task.
func (w *Worker) IsBusy() bool { return w.Status == WorkerBusy }

// DispatcherEvent is an engine-level audit log entry.
type DispatcherEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "scheduler" | "worker-N" | "system"
	Message   string    `json:"message"`
}
