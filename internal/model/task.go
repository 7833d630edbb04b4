package model

import "time"

// TaskStatus is a task's position in the orchestration state machine.
//
//	pending → claimed → running → merging → testing → completed|failed|cancelled|merge_pending
//	with a plan gate: pending → plan_pending → plan_approved → claimed → ...
//	rejected plan: plan_pending → pending
//	retry: any terminal non-completed status → pending
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskPlanPending  TaskStatus = "plan_pending"
	TaskPlanApproved TaskStatus = "plan_approved"
	TaskClaimed      TaskStatus = "claimed"
	TaskRunning      TaskStatus = "running"
	TaskMerging      TaskStatus = "merging"
	TaskTesting      TaskStatus = "testing"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
	TaskMergePending TaskStatus = "merge_pending"
)

// activeStatuses are the statuses during which a task holds a worker slot.
var activeStatuses = map[TaskStatus]bool{
	TaskClaimed: true,
	TaskRunning: true,
	TaskMerging: true,
	TaskTesting: true,
}

// IsActive reports whether status is one that requires an assigned worker.
func (s TaskStatus) IsActive() bool { return activeStatuses[s] }

// transitions enumerates every legal status → status edge, independent of
// the retry and plan-rejection special cases (handled separately since they
// jump backwards in the graph on purpose).
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskPlanPending, TaskClaimed, TaskCancelled},
	TaskPlanPending:  {TaskPlanApproved, TaskPending, TaskCancelled, TaskFailed},
	TaskPlanApproved: {TaskClaimed, TaskCancelled},
	TaskClaimed:      {TaskRunning, TaskFailed, TaskCancelled},
	TaskRunning:      {TaskMerging, TaskFailed, TaskCancelled},
	TaskMerging:      {TaskTesting, TaskCompleted, TaskFailed, TaskMergePending, TaskCancelled},
	TaskTesting:      {TaskMerging, TaskCompleted, TaskFailed, TaskMergePending, TaskCancelled},
	TaskCompleted:    {},
	TaskFailed:       {TaskPending},
	TaskCancelled:    {TaskPending},
	TaskMergePending: {TaskPending, TaskCompleted},
}

// CanTransition reports whether moving from this status to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true // idempotent re-application of the same status is a no-op, not an error
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// PlanMessage is one turn of a plan-refinement conversation.
type PlanMessage struct {
	Role      string    `json:"role"` // "assistant" | "user"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanQuestion is a multiple-choice clarification question surfaced by the
// planning agent, with a default answer the user may accept as-is.
type PlanQuestion struct {
	Key     string   `json:"key"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
	Default string   `json:"default"`
}

// Task is one unit of work scoped to a project.
type Task struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Priority      int               `json:"priority"`
	DependsOn     *string           `json:"depends_on,omitempty"`
	Status        TaskStatus        `json:"status"`
	WorkerID      *string           `json:"worker_id,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	CommitID      string            `json:"commit_id,omitempty"`
	Error         string            `json:"error,omitempty"`
	PlanMode      bool              `json:"plan_mode"`
	Plan          string            `json:"plan,omitempty"`
	PlanApproved  bool              `json:"plan_approved"`
	PlanQuestions []PlanQuestion    `json:"plan_questions,omitempty"`
	PlanAnswers   map[string]string `json:"plan_answers,omitempty"`
	PlanMessages  []PlanMessage     `json:"plan_messages,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// TaskCreate is the input to create a task. Title is auto-derived from
// Description when absent.
type TaskCreate struct {
	Title       string
	Description string
	Priority    int
	DependsOn   string
	PlanMode    bool
}

// TaskPatch carries optional field updates for a task.
type TaskPatch struct {
	Status       *TaskStatus
	WorkerID     *string // nil means "leave alone"; non-nil sets it (ClearWorker clears it)
	ClearWorker  bool
	Branch       *string
	CommitID     *string
	Error        *string
	Description  *string
	Plan         *string
	PlanApproved *bool
	PlanAnswers  map[string]string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Priority     *int
}

// EligibleForClaim reports whether t can be claimed given its own fields
// alone (dependency and project-readiness are checked by the caller, which
// has access to the rest of the store).
func (t *Task) EligibleForClaim() bool {
	return t.Status == TaskPending || t.Status == TaskPlanApproved
}
