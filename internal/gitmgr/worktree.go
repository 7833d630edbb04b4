package gitmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentengine/internal/errs"
)

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string
	SHA    string
	Branch string // empty for a detached or bare entry
}

// WorktreeAdd creates branch at baseRef and a new worktree for it at dir.
// Fails if the branch is already checked out in another worktree; callers
// prune stale worktrees first.
func (m *Manager) WorktreeAdd(ctx context.Context, repo, branch, dir, baseRef string) error {
	args := []string{"worktree", "add", "-b", branch, dir}
	if baseRef != "" {
		args = append(args, baseRef)
	}
	_, err := m.run(ctx, repo, args...)
	return err
}

// WorktreeRemove removes the worktree at dir, forcing removal of dirty
// trees, then deletes any directory remnants.
func (m *Manager) WorktreeRemove(ctx context.Context, repo, dir string) error {
	if _, err := m.run(ctx, repo, "worktree", "remove", "--force", dir); err != nil {
		// The worktree link may already be broken; fall through to the
		// directory removal and prune so cleanup still converges.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return errs.Wrap(errs.KindGit, "remove worktree dir "+dir, rmErr)
		}
		return m.WorktreePrune(ctx, repo)
	}
	return nil
}

// WorktreePrune drops worktree bookkeeping for directories that no longer
// exist.
func (m *Manager) WorktreePrune(ctx context.Context, repo string) error {
	_, err := m.run(ctx, repo, "worktree", "prune")
	return err
}

// WorktreeList returns every worktree registered against repo.
func (m *Manager) WorktreeList(ctx context.Context, repo string) ([]Worktree, error) {
	out, err := m.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var list []Worktree
	var current Worktree
	flush := func() {
		if current.Path != "" {
			list = append(list, current)
		}
		current = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.SHA = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return list, nil
}

// GitPointerPath returns the path of a worktree's .git link file.
func GitPointerPath(worktreeDir string) string {
	return filepath.Join(worktreeDir, ".git")
}

// ReadGitPointer reads the content of a worktree's .git link file. In a
// healthy worktree this is a one-line "gitdir: <path>" text file; a
// directory here means the link was destroyed and replaced.
func ReadGitPointer(worktreeDir string) (string, error) {
	path := GitPointerPath(worktreeDir)
	info, err := os.Lstat(path)
	if err != nil {
		return "", errs.Wrap(errs.KindWorktreeCorruption, "worktree .git pointer missing", err)
	}
	if info.IsDir() {
		return "", errs.New(errs.KindWorktreeCorruption, ".git is a directory, expected a worktree link file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.KindWorktreeCorruption, "read worktree .git pointer", err)
	}
	return string(data), nil
}

// VerifyGitPointer checks that a worktree's .git link file still carries the
// content captured before the container ran. Any change — deletion,
// replacement with a directory, rewritten target — fails the task.
func VerifyGitPointer(worktreeDir, expected string) error {
	actual, err := ReadGitPointer(worktreeDir)
	if err != nil {
		return err
	}
	if actual != expected {
		return errs.New(errs.KindWorktreeCorruption,
			fmt.Sprintf("worktree .git pointer changed (%d bytes -> %d bytes)", len(expected), len(actual)))
	}
	return nil
}

// ProtectGitPointer makes the worktree's .git link file read-only before the
// worktree is handed to a container. The container runtime additionally
// bind-mounts the file read-only so the agent cannot unlink it.
func ProtectGitPointer(worktreeDir string) error {
	if err := os.Chmod(GitPointerPath(worktreeDir), 0o444); err != nil {
		return errs.Wrap(errs.KindGit, "chmod worktree .git pointer", err)
	}
	return nil
}

// UnprotectGitPointer restores write permission so the engine itself can
// remove the worktree.
func UnprotectGitPointer(worktreeDir string) error {
	if err := os.Chmod(GitPointerPath(worktreeDir), 0o644); err != nil {
		return errs.Wrap(errs.KindGit, "chmod worktree .git pointer", err)
	}
	return nil
}
