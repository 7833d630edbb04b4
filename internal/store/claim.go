package store

import (
	"sort"

	"agentengine/internal/model"
)

// candidate is one eligible task found during a claim scan, along with the
// project it belongs to.
type candidate struct {
	pid string
	t   *model.Task
}

// ClaimNextTask atomically selects the highest-priority eligible task
// across every project and transitions it to claimed, assigning workerID.
//
// Eligibility: status is pending or plan_approved, AND (no dependency OR the
// dependency task is completed), AND the owning project is ready.
//
// Tie-break: higher priority first, earlier created_at second, lexicographic
// task id third.
//
// The registry lock is acquired first and held for the whole operation,
// then each candidate project's task-file lock is acquired in project-id
// order — this both prevents deadlocks between concurrent claims and makes
// the whole operation linearizable.
func (s *Store) ClaimNextTask(workerID string) (pid string, task *model.Task, err error) {
	err = withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}

		readyProjects := make([]*model.Project, 0, len(reg.Projects))
		for _, p := range reg.Projects {
			if p.IsReady() {
				readyProjects = append(readyProjects, p)
			}
		}
		sort.Slice(readyProjects, func(i, j int) bool { return readyProjects[i].ID < readyProjects[j].ID })

		var candidates []candidate
		// perProjectTasks caches each project's loaded task file so the
		// second pass (writing the winner) doesn't need to reload it.
		perProjectTasks := map[string]*taskFile{}

		for _, p := range readyProjects {
			lockErr := withFileLock(s.tasksPath(p.ID), func() error {
				tf, err := s.loadTasksLocked(p.ID)
				if err != nil {
					return err
				}
				perProjectTasks[p.ID] = tf
				for _, t := range tf.Tasks {
					if s.eligible(t, tf) {
						candidates = append(candidates, candidate{pid: p.ID, t: t})
					}
				}
				return nil
			})
			if lockErr != nil {
				return lockErr
			}
		}

		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i].t, candidates[j].t
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})

		winner := candidates[0]
		return withFileLock(s.tasksPath(winner.pid), func() error {
			tf, err := s.loadTasksLocked(winner.pid)
			if err != nil {
				return err
			}
			for _, t := range tf.Tasks {
				if t.ID != winner.t.ID {
					continue
				}
				if !t.Status.CanTransition(model.TaskClaimed) {
					// Lost a race against a concurrent mutation since the
					// scan above; report no winner rather than erroring so
					// the scheduler simply tries again next tick.
					return nil
				}
				t.Status = model.TaskClaimed
				wid := workerID
				t.WorkerID = &wid
				if err := s.saveTasksLocked(winner.pid, tf); err != nil {
					return err
				}
				pid = winner.pid
				task = t
				return nil
			}
			return nil
		})
	})
	return pid, task, err
}

// eligible reports whether t can be claimed, given the already-loaded task
// file tf (used to resolve t's dependency, if any).
func (s *Store) eligible(t *model.Task, tf *taskFile) bool {
	if !t.EligibleForClaim() {
		return false
	}
	if t.DependsOn == nil {
		return true
	}
	for _, other := range tf.Tasks {
		if other.ID == *t.DependsOn {
			return other.Status == model.TaskCompleted
		}
	}
	// Dependency not found in this project: conservatively not eligible.
	return false
}

// RecoverStale returns to pending, with priority boosted by one (capped at
// 10), any task left in an active status whose assigned worker has no live
// container. liveWorkers is the set of worker ids the caller has confirmed
// still own a running container; every other worker id is treated as dead.
func (s *Store) RecoverStale(liveWorkers map[string]bool) (recovered []string, err error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}

	for _, p := range projects {
		lockErr := withFileLock(s.tasksPath(p.ID), func() error {
			tf, err := s.loadTasksLocked(p.ID)
			if err != nil {
				return err
			}
			changed := false
			for _, t := range tf.Tasks {
				if !t.Status.IsActive() {
					continue
				}
				if t.WorkerID != nil && liveWorkers[*t.WorkerID] {
					continue
				}
				t.Status = model.TaskPending
				t.WorkerID = nil
				if t.Priority < 10 {
					t.Priority++
				}
				recovered = append(recovered, t.ID)
				changed = true
			}
			if !changed {
				return nil
			}
			return s.saveTasksLocked(p.ID, tf)
		})
		if lockErr != nil {
			return recovered, lockErr
		}
	}
	return recovered, nil
}
