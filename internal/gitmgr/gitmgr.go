// Package gitmgr wraps the git CLI with the narrow set of semantic
// operations the engine needs: clone/fetch, branch and worktree management,
// rebase with conflict detection, merge, push, and history queries.
//
// Every operation is a thin exec.CommandContext wrapper with the working
// directory passed explicitly; the Manager itself carries no state, so the
// same instance is safe for concurrent use across projects.
package gitmgr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"agentengine/internal/errs"
)

// Git is the interface the scheduler and merge engine program against; a
// fake can be substituted in tests.
type Git interface {
	Clone(ctx context.Context, url, branch, dir string) error
	Init(ctx context.Context, dir, branch string) error
	Fetch(ctx context.Context, dir, remote string) error
	HeadSHA(ctx context.Context, dir string) (string, error)
	RefSHA(ctx context.Context, dir, ref string) (string, error)
	RefExists(ctx context.Context, dir, ref string) bool
	Checkout(ctx context.Context, dir, ref string) error

	WorktreeAdd(ctx context.Context, repo, branch, dir, baseRef string) error
	WorktreeRemove(ctx context.Context, repo, dir string) error
	WorktreePrune(ctx context.Context, repo string) error
	WorktreeList(ctx context.Context, repo string) ([]Worktree, error)

	CommitAll(ctx context.Context, dir, message string) (committed bool, sha string, err error)
	CommitPaths(ctx context.Context, dir, message string, paths ...string) error
	Rebase(ctx context.Context, dir, targetRef string) (RebaseResult, error)
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)
	RebaseContinue(ctx context.Context, dir string) error
	RebaseAbort(ctx context.Context, dir string) error

	Merge(ctx context.Context, repo, branch string, squash bool) error
	MergeAbort(ctx context.Context, repo string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
	DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error
	Push(ctx context.Context, repo, remote, ref string) error

	Log(ctx context.Context, repo string, limit int) ([]Commit, error)
	CommitDiff(ctx context.Context, repo, sha string) (CommitDetail, error)
	UnpushedCount(ctx context.Context, repo string) (int, error)
	HasRemote(ctx context.Context, repo string) bool
}

// Manager is the production Git implementation shelling out to git.
type Manager struct{}

// New returns a Manager.
func New() *Manager { return &Manager{} }

// run executes git with args in dir, capturing combined output so stderr
// from a failing command ends up in the returned error.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errs.Wrap(errs.KindGit,
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), excerpt(string(out))), err)
	}
	return string(out), nil
}

// runWithEnv is run with an explicit environment, used where git would
// otherwise open an interactive editor.
func (m *Manager) runWithEnv(ctx context.Context, dir string, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errs.Wrap(errs.KindGit,
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), excerpt(string(out))), err)
	}
	return nil
}

// excerpt trims command output to a single readable error line.
func excerpt(out string) string {
	out = strings.TrimSpace(out)
	if idx := strings.IndexByte(out, '\n'); idx > 0 {
		out = out[:idx] + " …"
	}
	if len(out) > 400 {
		out = out[:400] + "…"
	}
	return out
}

// Clone clones url at branch into dir.
func (m *Manager) Clone(ctx context.Context, url, branch, dir string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	_, err := m.run(ctx, "", args...)
	return err
}

// Init initializes an empty repository in dir with the given default branch.
func (m *Manager) Init(ctx context.Context, dir, branch string) error {
	if branch == "" {
		branch = "main"
	}
	_, err := m.run(ctx, "", "init", "--initial-branch", branch, dir)
	return err
}

// Fetch fetches remote in dir.
func (m *Manager) Fetch(ctx context.Context, dir, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := m.run(ctx, dir, "fetch", remote)
	return err
}

// HeadSHA returns the commit id of HEAD.
func (m *Manager) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := m.run(ctx, dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// RefSHA resolves a ref to its commit id.
func (m *Manager) RefSHA(ctx context.Context, dir, ref string) (string, error) {
	out, err := m.run(ctx, dir, "rev-parse", "--verify", ref)
	return strings.TrimSpace(out), err
}

// RefExists reports whether ref resolves in dir.
func (m *Manager) RefExists(ctx context.Context, dir, ref string) bool {
	_, err := m.run(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// Checkout checks out ref in dir.
func (m *Manager) Checkout(ctx context.Context, dir, ref string) error {
	_, err := m.run(ctx, dir, "checkout", ref)
	return err
}

// CommitAll stages everything and commits if and only if the status is
// non-empty. Returns the new commit id when a commit was made.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (bool, string, error) {
	status, err := m.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, "", err
	}
	if strings.TrimSpace(status) == "" {
		return false, "", nil
	}
	if _, err := m.run(ctx, dir, "add", "-A"); err != nil {
		return false, "", err
	}
	if _, err := m.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, "", err
	}
	sha, err := m.HeadSHA(ctx, dir)
	return true, sha, err
}

// CommitPaths stages only the given paths and commits them. A no-op when
// none of the paths have changes.
func (m *Manager) CommitPaths(ctx context.Context, dir, message string, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	if _, err := m.run(ctx, dir, args...); err != nil {
		return err
	}
	status, err := m.run(ctx, dir, append([]string{"status", "--porcelain", "--"}, paths...)...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	_, err = m.run(ctx, dir, append([]string{"commit", "-m", message, "--"}, paths...)...)
	return err
}

// Merge merges branch into the currently checked-out branch of repo.
// With squash=true the branch's changes are squashed into one commit.
func (m *Manager) Merge(ctx context.Context, repo, branch string, squash bool) error {
	if squash {
		if _, err := m.run(ctx, repo, "merge", "--squash", branch); err != nil {
			return err
		}
		_, err := m.run(ctx, repo, "commit", "-m", "Squash merge "+branch)
		return err
	}
	_, err := m.run(ctx, repo, "merge", "--no-ff", branch)
	return err
}

// MergeAbort aborts an in-progress merge in repo.
func (m *Manager) MergeAbort(ctx context.Context, repo string) error {
	_, err := m.run(ctx, repo, "merge", "--abort")
	return err
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := m.run(ctx, repo, "branch", "-D", branch)
	return err
}

// DeleteRemoteBranch deletes a branch on the remote.
func (m *Manager) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := m.run(ctx, repo, "push", remote, "--delete", branch)
	return err
}

// Push pushes ref to remote.
func (m *Manager) Push(ctx context.Context, repo, remote, ref string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := m.run(ctx, repo, "push", remote, ref)
	return err
}

// UnpushedCount returns the number of commits on HEAD not on its upstream.
func (m *Manager) UnpushedCount(ctx context.Context, repo string) (int, error) {
	out, err := m.run(ctx, repo, "rev-list", "--count", "@{u}..HEAD")
	if err != nil {
		// No upstream configured counts as zero unpushed.
		return 0, nil
	}
	var n int
	fmt.Sscanf(strings.TrimSpace(out), "%d", &n)
	return n, nil
}

// HasRemote reports whether repo has any remote configured.
func (m *Manager) HasRemote(ctx context.Context, repo string) bool {
	out, err := m.run(ctx, repo, "remote")
	return err == nil && strings.TrimSpace(out) != ""
}

var _ Git = (*Manager)(nil)
