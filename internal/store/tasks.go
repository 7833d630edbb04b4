package store

import (
	"agentengine/internal/errs"
	"agentengine/internal/model"
)

// ListTasks returns every task belonging to a project.
func (s *Store) ListTasks(pid string) ([]*model.Task, error) {
	var out []*model.Task
	path := s.tasksPath(pid)
	err := withFileLock(path, func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		out = tf.Tasks
		return nil
	})
	return out, err
}

// GetTask returns one task, or NotFound.
func (s *Store) GetTask(pid, tid string) (*model.Task, error) {
	var out *model.Task
	err := withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID == tid {
				out = t
				return nil
			}
		}
		return errs.New(errs.KindNotFound, "task "+tid+" not found in project "+pid)
	})
	return out, err
}

// nextTaskSeq increments and persists the registry's monotonic task counter,
// giving every task in the store (across all projects) a unique short id.
func (s *Store) nextTaskSeq() (int64, error) {
	s.taskCounterMu.Lock()
	defer s.taskCounterMu.Unlock()

	var seq int64
	err := withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}
		reg.NextTaskSeq++
		seq = reg.NextTaskSeq
		return s.saveRegistryLocked(reg)
	})
	return seq, err
}

// CreateTask appends a new task to the project's task list.
func (s *Store) CreateTask(pid string, spec model.TaskCreate) (*model.Task, error) {
	seq, err := s.nextTaskSeq()
	if err != nil {
		return nil, err
	}

	title := spec.Title
	if title == "" {
		title = deriveTitle(spec.Description)
	}

	var created *model.Task
	err = withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}

		t := &model.Task{
			ID:          model.FormatTaskID(seq),
			ProjectID:   pid,
			Title:       title,
			Description: spec.Description,
			Priority:    spec.Priority,
			PlanMode:    spec.PlanMode,
			Status:      model.TaskPending,
			CreatedAt:   s.clock.Now(),
		}
		if spec.DependsOn != "" {
			dep := spec.DependsOn
			t.DependsOn = &dep
		}
		if spec.PlanMode {
			t.Status = model.TaskPlanPending
		}

		tf.Tasks = append(tf.Tasks, t)
		if err := s.saveTasksLocked(pid, tf); err != nil {
			return err
		}
		created = t
		return nil
	})
	return created, err
}

// deriveTitle builds a short title from a task description when none was
// supplied, truncating at the first sentence boundary or 60 characters.
func deriveTitle(description string) string {
	const maxLen = 60
	runes := []rune(description)
	for i, r := range runes {
		if r == '.' || r == '\n' {
			if i > 0 && i <= maxLen {
				return string(runes[:i])
			}
			break
		}
	}
	if len(runes) <= maxLen {
		return description
	}
	return string(runes[:maxLen]) + "…"
}

// UpdateTask applies patch fields, enforcing the status state machine.
func (s *Store) UpdateTask(pid, tid string, patch model.TaskPatch) (*model.Task, error) {
	var out *model.Task
	err := withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID != tid {
				continue
			}
			if patch.Status != nil {
				if !t.Status.CanTransition(*patch.Status) {
					return errs.New(errs.KindConflict,
						"illegal transition "+string(t.Status)+" -> "+string(*patch.Status)+" for task "+tid)
				}
				t.Status = *patch.Status
			}
			if patch.ClearWorker {
				t.WorkerID = nil
			} else if patch.WorkerID != nil {
				t.WorkerID = patch.WorkerID
			}
			if patch.Branch != nil {
				t.Branch = *patch.Branch
			}
			if patch.CommitID != nil {
				t.CommitID = *patch.CommitID
			}
			if patch.Error != nil {
				t.Error = *patch.Error
			}
			if patch.Description != nil {
				t.Description = *patch.Description
			}
			if patch.Plan != nil {
				t.Plan = *patch.Plan
			}
			if patch.PlanApproved != nil {
				t.PlanApproved = *patch.PlanApproved
			}
			if patch.PlanAnswers != nil {
				t.PlanAnswers = patch.PlanAnswers
			}
			if patch.StartedAt != nil {
				t.StartedAt = patch.StartedAt
			}
			if patch.CompletedAt != nil {
				t.CompletedAt = patch.CompletedAt
			}
			if patch.Priority != nil {
				t.Priority = *patch.Priority
			}
			out = t
			return s.saveTasksLocked(pid, tf)
		}
		return errs.New(errs.KindNotFound, "task "+tid+" not found in project "+pid)
	})
	return out, err
}

// AppendPlanMessage records one turn of a plan-refinement conversation.
func (s *Store) AppendPlanMessage(pid, tid string, msg model.PlanMessage) error {
	return withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID == tid {
				t.PlanMessages = append(t.PlanMessages, msg)
				return s.saveTasksLocked(pid, tf)
			}
		}
		return errs.New(errs.KindNotFound, "task "+tid+" not found in project "+pid)
	})
}

// SetPlanQuestions stores the plan text and clarification questions
// produced by a plan-generation call.
func (s *Store) SetPlanQuestions(pid, tid, plan string, questions []model.PlanQuestion) error {
	return withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID == tid {
				t.Plan = plan
				t.PlanQuestions = questions
				return s.saveTasksLocked(pid, tf)
			}
		}
		return errs.New(errs.KindNotFound, "task "+tid+" not found in project "+pid)
	})
}

// DeleteTask removes a task from a project's task list.
func (s *Store) DeleteTask(pid, tid string) error {
	return withFileLock(s.tasksPath(pid), func() error {
		tf, err := s.loadTasksLocked(pid)
		if err != nil {
			return err
		}
		found := false
		kept := tf.Tasks[:0]
		for _, t := range tf.Tasks {
			if t.ID == tid {
				found = true
				continue
			}
			kept = append(kept, t)
		}
		if !found {
			return errs.New(errs.KindNotFound, "task "+tid+" not found in project "+pid)
		}
		tf.Tasks = kept
		return s.saveTasksLocked(pid, tf)
	})
}
