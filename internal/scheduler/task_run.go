package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	"agentengine/internal/experience"
	"agentengine/internal/gitmgr"
	"agentengine/internal/mergetest"
	"agentengine/internal/model"
	"agentengine/internal/runtime"
)

// runTask drives one claimed task to a terminal status: worktree, container,
// log streaming, exit handling, and the merge phase.
func (s *Scheduler) runTask(ctx context.Context, pid string, task *model.Task, wid string) {
	logger := s.logger(wid, task.ID)

	project, err := s.store.GetProject(pid)
	if err != nil {
		s.failTask(pid, task.ID, "project not found")
		return
	}

	repoDir := s.store.RepoDir(pid)
	worktreeDir := s.store.WorktreeDir(pid, wid)
	branch := model.BranchName(task.ID)
	baseBranch := project.Branch

	// 1. Worktree on a fresh task branch.
	s.emit(wid, "Creating worktree on branch "+branch)
	if err := s.prepareWorktree(ctx, pid, repoDir, worktreeDir, branch, baseBranch); err != nil {
		logger.Error("worktree creation failed", "err", err)
		s.failTask(pid, task.ID, "worktree creation failed: "+err.Error())
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}
	if err := s.updateBranch(pid, task.ID, branch); err != nil {
		logger.Error("record branch failed", "err", err)
	}

	// Snapshot and protect the worktree link before the container sees it.
	pointer, err := gitmgr.ReadGitPointer(worktreeDir)
	if err != nil {
		s.failTask(pid, task.ID, "worktree corruption")
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}
	if err := gitmgr.ProtectGitPointer(worktreeDir); err != nil {
		logger.Warn("protect worktree pointer failed", "err", err)
	}

	// 2. Container, with one retry on start failure.
	handle, err := s.startContainer(ctx, project, task, wid, repoDir, worktreeDir)
	if err != nil {
		logger.Error("container start failed", "err", err)
		s.failTask(pid, task.ID, "container start failed: "+err.Error())
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}

	s.mu.Lock()
	s.containers[wid] = handle
	if w, ok := s.workers[wid]; ok {
		w.ContainerHandle = handle.ID
	}
	s.mu.Unlock()

	now := s.clock.Now()
	running := model.TaskRunning
	if _, err := s.store.UpdateTask(pid, task.ID, model.TaskPatch{
		Status: &running, StartedAt: &now,
	}); err != nil {
		logger.Error("mark running failed", "err", err)
	}
	s.emit(wid, "Container started for: "+task.Title)

	// 3. Forward the agent stream while waiting for exit, bounded by the
	// soft task timeout.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		s.forwardLogs(ctx, handle, pid, wid)
	}()

	exitCode, timedOut := s.waitForExit(ctx, handle, wid)
	if ctx.Err() != nil && !timedOut {
		// Shutdown or cancellation interrupted the wait; the task is left
		// as-is for the cancel path or startup recovery to settle.
		<-streamDone
		return
	}
	s.mu.Lock()
	s.exitTimes[task.ID] = s.clock.Now()
	s.mu.Unlock()
	<-streamDone

	defer func() {
		s.mu.Lock()
		delete(s.exitTimes, task.ID)
		s.mu.Unlock()
	}()

	if timedOut {
		s.failTask(pid, task.ID, fmt.Sprintf("exceeded %d minutes", int(s.TaskTimeout.Minutes())))
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}
	s.emit(wid, fmt.Sprintf("Container exited (code %d)", exitCode))

	// 4. Worktree-link integrity after the untrusted agent ran.
	if err := gitmgr.VerifyGitPointer(worktreeDir, pointer); err != nil {
		logger.Error("worktree pointer corrupted", "err", err)
		s.failTask(pid, task.ID, "worktree corruption")
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}

	// 5. Give a late status callback its grace window, then decide.
	current := s.awaitTerminalStatus(pid, task.ID)
	switch {
	case current == nil:
		return
	case current.Status == model.TaskCancelled:
		return // cancel already cleaned up
	case current.Status == model.TaskFailed:
		s.emit(wid, "Task failed: "+current.Error)
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	case current.Status == model.TaskMerging:
		// Callback arrived; fall through to the merge phase.
	case exitCode == 0:
		// Exit 0 means a commit was made even if the callback was lost.
		merging := model.TaskMerging
		if _, err := s.store.UpdateTask(pid, task.ID, model.TaskPatch{Status: &merging}); err != nil {
			logger.Error("mark merging failed", "err", err)
			s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
			return
		}
	default:
		s.failTask(pid, task.ID, "worker exited without status")
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}

	// 6. Merge phase, serialized per project.
	s.mergePhase(ctx, project, task.ID, wid, repoDir, worktreeDir, branch, baseBranch)
}

// updateBranch records the task's branch name at claim time.
func (s *Scheduler) updateBranch(pid, tid, branch string) error {
	_, err := s.store.UpdateTask(pid, tid, model.TaskPatch{Branch: &branch})
	return err
}

// prepareWorktree fetches, clears any stale worktree or branch, and creates
// the task worktree from the freshest base ref.
func (s *Scheduler) prepareWorktree(ctx context.Context, pid, repoDir, worktreeDir, branch, baseBranch string) error {
	lock := s.projectLock(pid)
	lock.Lock()
	defer lock.Unlock()

	if err := s.git.Fetch(ctx, repoDir, "origin"); err != nil {
		// Local-only repos have nothing to fetch.
		s.logger("", "").Debug("fetch before worktree", "err", err)
	}

	// Remove a stale worktree at our path, and any other worktree holding
	// the task branch.
	if _, err := os.Stat(worktreeDir); err == nil {
		_ = s.git.WorktreeRemove(ctx, repoDir, worktreeDir)
	}
	if list, err := s.git.WorktreeList(ctx, repoDir); err == nil {
		for _, wt := range list {
			if wt.Branch == branch && wt.Path != repoDir {
				_ = s.git.WorktreeRemove(ctx, repoDir, wt.Path)
			}
		}
	}
	_ = s.git.WorktreePrune(ctx, repoDir)
	_ = s.git.DeleteBranch(ctx, repoDir, branch)

	baseRef := "HEAD"
	for _, candidate := range []string{"origin/" + baseBranch, baseBranch} {
		if s.git.RefExists(ctx, repoDir, candidate) {
			baseRef = candidate
			break
		}
	}
	return s.git.WorktreeAdd(ctx, repoDir, branch, worktreeDir, baseRef)
}

// startContainer composes the agent prompt and environment and launches the
// worker container, retrying once on a start failure.
func (s *Scheduler) startContainer(ctx context.Context, project *model.Project, task *model.Task,
	wid, repoDir, worktreeDir string) (*runtime.Handle, error) {

	logDir := s.store.LogsDir(project.ID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindContainerStart, "create log dir", err)
	}

	spec := &runtime.Spec{
		WorkerID:          wid,
		Image:             s.cfg.WorkerImage,
		RepoDir:           repoDir,
		WorktreeDir:       worktreeDir,
		LogDir:            logDir,
		GitPointerPath:    gitmgr.GitPointerPath(worktreeDir),
		CallbackHostAlias: "host.docker.internal:host-gateway",
		Env: map[string]string{
			"TASK_ID":      task.ID,
			"TASK_TITLE":   task.Title,
			"TASK_DESC":    task.Description,
			"TASK_PLAN":    task.Plan,
			"TASK_PROMPT":  s.composePrompt(project, task, worktreeDir),
			"PROJECT_ID":   project.ID,
			"PROJECT_NAME": project.Name,
			"WORKER_ID":    wid,
			"BRANCH_NAME":  model.BranchName(task.ID),
			"CALLBACK_URL": s.cfg.CallbackURL,
		},
	}
	for key, value := range map[string]string{
		"AGENT_API_KEY":  s.cfg.AgentAPIKey,
		"AGENT_BASE_URL": s.cfg.AgentBaseURL,
		"AGENT_MODEL":    s.cfg.AgentModel,
		"HTTP_PROXY":     s.cfg.HTTPProxy,
		"HTTPS_PROXY":    s.cfg.HTTPSProxy,
		"NO_PROXY":       s.cfg.NoProxy,
	} {
		if value != "" {
			spec.Env[key] = value
		}
	}

	handle, err := s.runtime.Start(ctx, spec)
	if err == nil {
		return handle, nil
	}
	// One bounded retry on infrastructure failure.
	s.emit(wid, "Container start failed, retrying once")
	return s.runtime.Start(ctx, spec)
}

// composePrompt assembles the task prompt: approved plan first, then
// project experience, then the task itself, always ending with the
// working-directory constraint.
func (s *Scheduler) composePrompt(project *model.Project, task *model.Task, worktreeDir string) string {
	var b strings.Builder
	if task.PlanApproved && task.Plan != "" {
		b.WriteString("## Approved plan\n")
		b.WriteString(task.Plan)
		b.WriteString("\n\n")
	}
	if recent := s.exp.Recent(s.store.RepoDir(project.ID), 0, 0, 0); recent != "" {
		b.WriteString("## Recent project experience\n")
		b.WriteString(recent)
		b.WriteString("\n\n")
	}
	if cross := s.crossProjectExperience(project, task); cross != "" {
		b.WriteString("## Cross-project experience\n")
		b.WriteString(cross)
		b.WriteString("\n\n")
	}
	b.WriteString("## Task: " + task.Title + "\n")
	b.WriteString(task.Description + "\n\n")
	fmt.Fprintf(&b, "Work only inside %s. Commit your changes when done.\n", worktreeDir)
	return b.String()
}

func (s *Scheduler) crossProjectExperience(project *model.Project, task *model.Task) string {
	projects, err := s.store.ListProjects()
	if err != nil {
		return ""
	}
	repoDirs := make(map[string]string, len(projects))
	for _, p := range projects {
		repoDirs[p.ID] = s.store.RepoDir(p.ID)
	}
	return s.exp.CrossProject(repoDirs, project.ID, task.Title, task.Description, 0, 0)
}

// forwardLogs pipes the container's stdout through the stream parser into
// the worker's log topic, with the per-worker JSONL file as a secondary
// sink for post-mortem reads.
func (s *Scheduler) forwardLogs(ctx context.Context, handle *runtime.Handle, pid, wid string) {
	stream, err := s.runtime.LogsStream(ctx, handle)
	if err != nil {
		s.logger(wid, "").Warn("log stream unavailable", "err", err)
		return
	}
	defer stream.Close()

	var sink io.Writer = io.Discard
	if f, err := os.OpenFile(s.store.LogPath(pid, wid), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		sink = f
	}

	topic := eventbus.LogTopic(wid)
	tee := io.TeeReader(stream, sink)
	_ = s.parser.Stream(tee, func(ev model.StreamEvent) {
		s.bus.Publish(topic, ev)
	})
}

// waitForExit waits for the container, enforcing the soft task timeout and
// honoring run-context cancellation (task cancel or shutdown).
func (s *Scheduler) waitForExit(ctx context.Context, handle *runtime.Handle, wid string) (exitCode int, timedOut bool) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if s.TaskTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, s.TaskTimeout)
		defer cancel()
	}

	code, err := s.runtime.Wait(waitCtx, handle)
	if err == nil {
		return code, false
	}
	if waitCtx.Err() != nil && ctx.Err() == nil {
		// Soft timeout: stop the container, report timeout.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), s.StopGrace+5*time.Second)
		defer stopCancel()
		if stopErr := s.runtime.Stop(stopCtx, handle, s.StopGrace); stopErr != nil {
			s.logger(wid, "").Warn("stop after timeout failed", "err", stopErr)
		}
		return -1, true
	}
	return -1, false
}

// awaitTerminalStatus polls the task for up to CallbackGrace, returning as
// soon as a callback has moved it past running.
func (s *Scheduler) awaitTerminalStatus(pid, tid string) *model.Task {
	deadline := time.Now().Add(s.CallbackGrace)
	for {
		task, err := s.store.GetTask(pid, tid)
		if err != nil {
			return nil
		}
		if task.Status != model.TaskRunning {
			return task
		}
		if time.Now().After(deadline) {
			return task
		}
		time.Sleep(s.CallbackGrace / 30)
	}
}

// mergePhase rebases, tests, and then honors the project's auto-merge and
// auto-push flags. Serialized with other repo-root operations of the same
// project.
func (s *Scheduler) mergePhase(ctx context.Context, project *model.Project, tid, wid,
	repoDir, worktreeDir, branch, baseBranch string) {

	logger := s.logger(wid, tid)
	pid := project.ID

	lock := s.projectLock(pid)
	lock.Lock()
	defer lock.Unlock()

	s.emit(wid, "Running merge & test for "+tid)
	sha, err := s.engine.Run(ctx, mergetest.Input{
		WorktreeDir: worktreeDir,
		RepoDir:     repoDir,
		BaseBranch:  baseBranch,
		WorkerID:    wid,
		TaskID:      tid,
		Notify: func(phase string) {
			if phase == mergetest.PhaseTesting {
				testing := model.TaskTesting
				_, _ = s.store.UpdateTask(pid, tid, model.TaskPatch{Status: &testing})
			}
		},
	})
	if err != nil {
		logger.Error("merge-test failed", "err", err)
		s.failTask(pid, tid, "merge or test failed: "+err.Error())
		s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
		return
	}

	// Back from a possible testing sub-state before the terminal move.
	merging := model.TaskMerging
	_, _ = s.store.UpdateTask(pid, tid, model.TaskPatch{Status: &merging, CommitID: &sha})

	if !project.AutoMerge {
		s.finishMergePending(ctx, pid, tid, wid, repoDir, worktreeDir, branch, sha)
		return
	}

	finalSHA, mergeErr := s.mergeIntoBase(ctx, project, repoDir, branch, baseBranch, false)
	if mergeErr != nil {
		logger.Warn("auto-merge conflicted, keeping branch", "err", mergeErr)
		s.emit(wid, "Auto-merge failed, kept branch "+branch+" for manual merge")
		s.finishMergePending(ctx, pid, tid, wid, repoDir, worktreeDir, branch, sha)
		return
	}

	completed := model.TaskCompleted
	now := s.clock.Now()
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &completed, CommitID: &finalSHA, ClearWorker: true, CompletedAt: &now,
	}); err != nil {
		logger.Error("mark completed failed", "err", err)
	}
	s.emit(wid, "Task completed: "+tid)
	s.bumpCompleted(wid)
	s.appendExperience(ctx, pid, tid, wid, repoDir, finalSHA)

	s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, true)
	if project.AutoPush && s.git.HasRemote(ctx, repoDir) {
		if err := s.git.DeleteRemoteBranch(ctx, repoDir, "origin", branch); err != nil {
			logger.Debug("delete remote branch", "err", err)
		}
	}
}

// mergeIntoBase checks the base branch out in the repo root and merges the
// task branch into it, pushing when the project asks for it. Callers hold
// the project lock.
func (s *Scheduler) mergeIntoBase(ctx context.Context, project *model.Project,
	repoDir, branch, baseBranch string, squash bool) (string, error) {

	if err := s.git.Checkout(ctx, repoDir, baseBranch); err != nil {
		return "", err
	}
	if err := s.git.Merge(ctx, repoDir, branch, squash); err != nil {
		_ = s.git.MergeAbort(ctx, repoDir)
		return "", errs.Wrap(errs.KindMergeConflict, "merge "+branch+" into "+baseBranch, err)
	}
	if project.AutoPush && s.git.HasRemote(ctx, repoDir) {
		if err := s.git.Push(ctx, repoDir, "origin", baseBranch); err != nil {
			s.logger("", "").Warn("push after merge failed", "err", err)
		}
	}
	return s.git.HeadSHA(ctx, repoDir)
}

// finishMergePending parks the task for manual merge: branch kept, worktree
// removed.
func (s *Scheduler) finishMergePending(ctx context.Context, pid, tid, wid,
	repoDir, worktreeDir, branch, sha string) {

	pending := model.TaskMergePending
	now := s.clock.Now()
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &pending, CommitID: &sha, ClearWorker: true, CompletedAt: &now,
	}); err != nil {
		s.logger(wid, tid).Error("mark merge_pending failed", "err", err)
	}
	s.emit(wid, "Task ready for merge: "+tid)
	s.appendExperience(ctx, pid, tid, wid, repoDir, sha)
	s.cleanupWorktree(ctx, pid, repoDir, worktreeDir, branch, false)
}

// appendExperience records a structured completion entry derived from the
// worker's captured stream.
func (s *Scheduler) appendExperience(ctx context.Context, pid, tid, wid, repoDir, sha string) {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return
	}
	events := s.replayEvents(wid)
	problem, solution, prevention := experience.Summarize(events)
	s.exp.Append(ctx, repoDir, experience.Entry{
		TaskID:     tid,
		Title:      task.Title,
		WorkerID:   wid,
		CommitID:   sha,
		Problem:    problem,
		Solution:   solution,
		Prevention: prevention,
	})
}

func (s *Scheduler) replayEvents(wid string) []model.StreamEvent {
	var events []model.StreamEvent
	for _, env := range s.bus.Replay(eventbus.LogTopic(wid), 300) {
		if ev, ok := env.Payload.(model.StreamEvent); ok {
			events = append(events, ev)
		}
	}
	return events
}

// cleanupWorktree removes the worktree (restoring pointer write permission
// first) and optionally deletes the task branch.
func (s *Scheduler) cleanupWorktree(ctx context.Context, _ string, repoDir, worktreeDir, branch string, deleteBranch bool) {
	_ = gitmgr.UnprotectGitPointer(worktreeDir)
	if err := s.git.WorktreeRemove(ctx, repoDir, worktreeDir); err != nil {
		s.logger("", "").Debug("worktree remove", "err", err)
	}
	_ = s.git.WorktreePrune(ctx, repoDir)
	if deleteBranch {
		_ = s.git.DeleteBranch(ctx, repoDir, branch)
	}
}

// failTask marks a task failed with reason, clearing its worker.
func (s *Scheduler) failTask(pid, tid, reason string) {
	failed := model.TaskFailed
	now := s.clock.Now()
	if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status: &failed, Error: &reason, ClearWorker: true, CompletedAt: &now,
	}); err != nil {
		s.logger("", tid).Error("mark failed", "err", err)
	}
	s.emit("scheduler", "task "+tid+" failed: "+reason)
}
