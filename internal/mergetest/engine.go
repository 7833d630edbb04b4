// Package mergetest rebases a finished task branch onto its base, runs the
// project's tests, and iteratively asks the agent to resolve rebase
// conflicts or fix failing tests, within a bounded retry budget.
//
// The engine never merges or pushes: on success it hands the final commit
// back to the scheduler, which honors the project's auto-merge flags.
package mergetest

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"agentengine/internal/agentcli"
	"agentengine/internal/errs"
	"agentengine/internal/gitmgr"
)

// Phase names reported through Notify as the engine progresses.
const (
	PhaseRebase  = "rebase"
	PhaseTesting = "testing"
)

// Input identifies the task branch under merge-test.
type Input struct {
	WorktreeDir string
	RepoDir     string
	BaseBranch  string
	WorkerID    string
	TaskID      string

	// Notify, when set, observes phase changes for this run (the
	// scheduler maps the testing phase onto the task's testing status).
	Notify func(phase string)
}

func (in Input) notify(phase string) {
	if in.Notify != nil {
		in.Notify(phase)
	}
}

// Engine drives the rebase-test-fix loop.
type Engine struct {
	Git   gitmgr.Git
	Agent agentcli.Runner

	// MaxRetries bounds conflict-resolution and test-fix attempts.
	MaxRetries int
	// RetryDelay is the backoff after a non-conflict rebase failure.
	RetryDelay time.Duration
	// TestTimeout caps one test run.
	TestTimeout time.Duration
	// Detect picks the test command for a worktree; defaults to
	// DetectTests.
	Detect func(worktreeDir string) TestCommand
}

// New returns an Engine with the default retry budget.
func New(git gitmgr.Git, agent agentcli.Runner) *Engine {
	return &Engine{
		Git:         git,
		Agent:       agent,
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
		TestTimeout: 10 * time.Minute,
		Detect:      DetectTests,
	}
}

// Run executes the merge-test pipeline and returns the final commit id of
// the rebased, tested branch.
func (e *Engine) Run(ctx context.Context, in Input) (string, error) {
	logger := slog.With("worker", in.WorkerID, "task", in.TaskID)

	// Best-effort fetch so the rebase target reflects the remote tip.
	if err := e.Git.Fetch(ctx, in.RepoDir, "origin"); err != nil {
		logger.Debug("fetch before rebase failed", "err", err)
	}

	target := e.rebaseTarget(ctx, in)
	if target == "" {
		logger.Info("no rebase target, skipping rebase", "base", in.BaseBranch)
	} else if err := e.rebaseLoop(ctx, in, target, logger); err != nil {
		return "", err
	}

	if err := e.testLoop(ctx, in, logger); err != nil {
		return "", err
	}

	sha, err := e.Git.HeadSHA(ctx, in.WorktreeDir)
	if err != nil {
		return "", err
	}
	logger.Info("merge-test succeeded", "commit", sha)
	return sha, nil
}

// rebaseTarget prefers the remote-tracking base, then the local base.
func (e *Engine) rebaseTarget(ctx context.Context, in Input) string {
	for _, candidate := range []string{"origin/" + in.BaseBranch, in.BaseBranch} {
		if e.Git.RefExists(ctx, in.RepoDir, candidate) {
			return candidate
		}
	}
	return ""
}

// rebaseLoop rebases onto target, asking the agent to resolve conflicts,
// up to MaxRetries times.
func (e *Engine) rebaseLoop(ctx context.Context, in Input, target string, logger *slog.Logger) error {
	in.notify(PhaseRebase)
	for attempt := 1; attempt <= e.MaxRetries; attempt++ {
		result, err := e.Git.Rebase(ctx, in.WorktreeDir, target)
		if err != nil {
			return err
		}

		switch result.Status {
		case gitmgr.RebaseClean:
			logger.Info("rebase clean", "target", target, "attempt", attempt)
			return nil

		case gitmgr.RebaseConflict:
			logger.Warn("rebase conflict", "files", result.Files, "attempt", attempt)
			if err := e.resolveConflicts(ctx, in, result.Files); err != nil {
				logger.Warn("conflict resolution failed", "err", err)
			}
			remaining, err := e.Git.ConflictedFiles(ctx, in.WorktreeDir)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				if err := e.Git.RebaseContinue(ctx, in.WorktreeDir); err == nil {
					logger.Info("conflicts resolved, rebase continued")
					return nil
				}
			}
			if err := e.Git.RebaseAbort(ctx, in.WorktreeDir); err != nil {
				logger.Warn("rebase abort failed", "err", err)
			}

		case gitmgr.RebaseAbortedOther:
			logger.Warn("rebase failed for non-conflict reason", "detail", result.Detail, "attempt", attempt)
			if err := e.Git.RebaseAbort(ctx, in.WorktreeDir); err != nil {
				logger.Debug("rebase abort after failure", "err", err)
			}
			select {
			case <-time.After(e.RetryDelay):
			case <-ctx.Done():
				return errs.Wrap(errs.KindTimeout, "merge-test cancelled during rebase backoff", ctx.Err())
			}
		}
	}
	return errs.New(errs.KindGit, fmt.Sprintf("rebase onto %s failed after %d attempts", target, e.MaxRetries))
}

// resolveConflicts hands the conflicted files to the agent inside the
// worktree.
func (e *Engine) resolveConflicts(ctx context.Context, in Input, files []string) error {
	prompt := fmt.Sprintf(
		"A git rebase in this directory stopped with merge conflicts in the following files:\n\n%s\n\n"+
			"Resolve every conflict by editing the files to the correct merged content and removing all "+
			"conflict markers (<<<<<<<, =======, >>>>>>>). Stage the resolved files with `git add`. "+
			"Do not run `git rebase --continue` and do not create commits.",
		"- "+strings.Join(files, "\n- "))
	_, err := e.Agent.Run(ctx, in.WorktreeDir, prompt, nil)
	return err
}

// testLoop runs the detected test command, asking the agent to fix failures
// until tests pass or the retry budget is exhausted.
func (e *Engine) testLoop(ctx context.Context, in Input, logger *slog.Logger) error {
	tc := e.Detect(in.WorktreeDir)
	if tc.Framework == "" {
		logger.Info("no tests configured")
		return nil
	}
	in.notify(PhaseTesting)

	var lastOutput string
	for attempt := 1; attempt <= e.MaxRetries; attempt++ {
		output, err := e.runTests(ctx, in.WorktreeDir, tc)
		if err == nil {
			logger.Info("tests passed", "framework", tc.Framework, "attempt", attempt)
			return nil
		}
		lastOutput = output
		logger.Warn("tests failed", "framework", tc.Framework, "attempt", attempt)

		if attempt == e.MaxRetries {
			break
		}
		if err := e.fixTests(ctx, in, tc, output); err != nil {
			logger.Warn("test-fix agent call failed", "err", err)
		}
	}
	return errs.New(errs.KindTestFailure,
		fmt.Sprintf("tests still failing after %d attempts: %s", e.MaxRetries, tail(lastOutput, 400)))
}

// runTests executes the test command in the worktree with a timeout.
func (e *Engine) runTests(ctx context.Context, dir string, tc TestCommand) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.TestTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", tc.Command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// fixTests asks the agent to make the failing tests pass.
func (e *Engine) fixTests(ctx context.Context, in Input, tc TestCommand, output string) error {
	prompt := fmt.Sprintf(
		"The test command `%s` fails in this directory. Output (tail):\n\n%s\n\n"+
			"Fix the code so the tests pass. Keep the intent of the existing changes on this branch. "+
			"Commit your fixes with a short message.",
		tc.Command, tail(output, 4000))
	_, err := e.Agent.Run(ctx, in.WorktreeDir, prompt, nil)
	return err
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
