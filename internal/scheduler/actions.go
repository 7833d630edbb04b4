package scheduler

import (
	"context"
	"time"

	"agentengine/internal/errs"
	"agentengine/internal/model"
)

// Cancel marks a task cancelled, stops its container if one is running, and
// cleans up its worktree and branch.
func (s *Scheduler) Cancel(ctx context.Context, pid, tid string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(model.TaskCancelled) {
		return errs.New(errs.KindConflict, "task "+tid+" cannot be cancelled from "+string(task.Status))
	}

	cancelled := model.TaskCancelled
	now := s.clock.Now()
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &cancelled, ClearWorker: true, CompletedAt: &now,
	}); err != nil {
		return err
	}
	s.emit("scheduler", "task "+tid+" cancelled")

	// Stop the container owning this task, if any.
	s.mu.Lock()
	var wid string
	if task.WorkerID != nil {
		wid = *task.WorkerID
	}
	handle := s.containers[wid]
	cancelRun := s.taskCancels[tid]
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if handle != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), s.StopGrace+5*time.Second)
		defer stopCancel()
		if err := s.runtime.Stop(stopCtx, handle, s.StopGrace); err != nil {
			s.logger(wid, tid).Warn("stop cancelled container", "err", err)
		}
	}

	repoDir := s.store.RepoDir(pid)
	worktreeDir := ""
	if wid != "" {
		worktreeDir = s.store.WorktreeDir(pid, wid)
	}
	if worktreeDir != "" {
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, model.BranchName(tid), true)
	} else if task.Branch != "" {
		_ = s.git.DeleteBranch(ctx, repoDir, task.Branch)
	}
	return nil
}

// Retry resets a failed, cancelled, or merge_pending task to pending. An
// approved plan survives the retry; worker binding and error do not. A
// merge_pending retry drops the kept branch.
func (s *Scheduler) Retry(ctx context.Context, pid, tid string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	switch task.Status {
	case model.TaskFailed, model.TaskCancelled, model.TaskMergePending:
	default:
		return errs.New(errs.KindConflict, "task "+tid+" cannot be retried from "+string(task.Status))
	}

	if task.Status == model.TaskMergePending && task.Branch != "" {
		_ = s.git.DeleteBranch(ctx, s.store.RepoDir(pid), task.Branch)
	}

	pending := model.TaskPending
	empty := ""
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &pending, ClearWorker: true, Error: &empty, CommitID: &empty,
	}); err != nil {
		return err
	}
	s.emit("scheduler", "task "+tid+" reset to pending")
	return nil
}

// ManualMerge merges a merge_pending task's branch into the base branch,
// optionally squashing, honoring the project's auto-push flag.
func (s *Scheduler) ManualMerge(ctx context.Context, pid, tid string, squash bool) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if task.Status != model.TaskMergePending {
		return errs.New(errs.KindConflict, "task "+tid+" is not awaiting merge")
	}
	project, err := s.store.GetProject(pid)
	if err != nil {
		return err
	}

	lock := s.projectLock(pid)
	lock.Lock()
	defer lock.Unlock()

	repoDir := s.store.RepoDir(pid)
	branch := task.Branch
	if branch == "" {
		branch = model.BranchName(tid)
	}

	finalSHA, err := s.mergeIntoBase(ctx, project, repoDir, branch, project.Branch, squash)
	if err != nil {
		return err
	}

	completed := model.TaskCompleted
	now := s.clock.Now()
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &completed, CommitID: &finalSHA, CompletedAt: &now,
	}); err != nil {
		return err
	}
	_ = s.git.DeleteBranch(ctx, repoDir, branch)
	if project.AutoPush && s.git.HasRemote(ctx, repoDir) {
		_ = s.git.DeleteRemoteBranch(ctx, repoDir, "origin", branch)
	}
	s.emit("scheduler", "task "+tid+" merged manually")
	return nil
}

// HandleCallback applies a worker status callback: running → merging with a
// commit on success, running → failed with a reason otherwise. Repeated
// callbacks for the same status are no-ops; callbacks arriving more than
// the grace window after container exit are ignored.
func (s *Scheduler) HandleCallback(pid, tid, status, branch, commit, errMsg string) error {
	s.mu.Lock()
	exitedAt, exited := s.exitTimes[tid]
	s.mu.Unlock()
	if exited && s.clock.Now().Sub(exitedAt) > s.CallbackGrace {
		s.emit("scheduler", "ignored stale callback for "+tid)
		return nil
	}

	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}

	switch model.TaskStatus(status) {
	case model.TaskMerging:
		if task.Status == model.TaskMerging && task.CommitID == commit {
			return nil // idempotent repeat
		}
		merging := model.TaskMerging
		patch := model.TaskPatch{Status: &merging}
		if commit != "" {
			patch.CommitID = &commit
		}
		if branch != "" {
			patch.Branch = &branch
		}
		_, err := s.store.UpdateTask(pid, tid, patch)
		return err

	case model.TaskFailed:
		if task.Status == model.TaskFailed {
			return nil
		}
		failed := model.TaskFailed
		now := s.clock.Now()
		reason := errMsg
		if reason == "" {
			reason = "worker reported failure"
		}
		_, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
			Status: &failed, Error: &reason, ClearWorker: true, CompletedAt: &now,
		})
		return err

	default:
		return errs.New(errs.KindConflict, "unsupported callback status "+status)
	}
}
