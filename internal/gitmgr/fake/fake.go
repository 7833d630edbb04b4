// Package fake provides a scriptable gitmgr.Git for tests: every operation
// is a function field, defaulting to a success no-op, and every call is
// recorded so tests can assert on the sequence of git operations.
package fake

import (
	"context"
	"fmt"
	"sync"

	"agentengine/internal/gitmgr"
)

// Git is the scriptable fake.
type Git struct {
	mu    sync.Mutex
	Calls []string

	CloneFn           func(url, branch, dir string) error
	InitFn            func(dir, branch string) error
	FetchFn           func(dir, remote string) error
	HeadSHAFn         func(dir string) (string, error)
	RefSHAFn          func(dir, ref string) (string, error)
	RefExistsFn       func(dir, ref string) bool
	CheckoutFn        func(dir, ref string) error
	WorktreeAddFn     func(repo, branch, dir, baseRef string) error
	WorktreeRemoveFn  func(repo, dir string) error
	WorktreePruneFn   func(repo string) error
	WorktreeListFn    func(repo string) ([]gitmgr.Worktree, error)
	CommitAllFn       func(dir, message string) (bool, string, error)
	CommitPathsFn     func(dir, message string, paths []string) error
	RebaseFn          func(dir, targetRef string) (gitmgr.RebaseResult, error)
	ConflictedFilesFn func(dir string) ([]string, error)
	RebaseContinueFn  func(dir string) error
	RebaseAbortFn     func(dir string) error
	MergeFn           func(repo, branch string, squash bool) error
	MergeAbortFn      func(repo string) error
	DeleteBranchFn    func(repo, branch string) error
	DeleteRemoteFn    func(repo, remote, branch string) error
	PushFn            func(repo, remote, ref string) error
	LogFn             func(repo string, limit int) ([]gitmgr.Commit, error)
	CommitDiffFn      func(repo, sha string) (gitmgr.CommitDetail, error)
	UnpushedCountFn   func(repo string) (int, error)
	HasRemoteFn       func(repo string) bool
}

// New returns a fake whose every operation succeeds.
func New() *Git { return &Git{} }

func (g *Git) record(format string, args ...interface{}) {
	g.mu.Lock()
	g.Calls = append(g.Calls, fmt.Sprintf(format, args...))
	g.mu.Unlock()
}

// CallLog returns a snapshot of the recorded operations.
func (g *Git) CallLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.Calls))
	copy(out, g.Calls)
	return out
}

func (g *Git) Clone(ctx context.Context, url, branch, dir string) error {
	g.record("clone %s %s", url, branch)
	if g.CloneFn != nil {
		return g.CloneFn(url, branch, dir)
	}
	return nil
}

func (g *Git) Init(ctx context.Context, dir, branch string) error {
	g.record("init %s", branch)
	if g.InitFn != nil {
		return g.InitFn(dir, branch)
	}
	return nil
}

func (g *Git) Fetch(ctx context.Context, dir, remote string) error {
	g.record("fetch %s", remote)
	if g.FetchFn != nil {
		return g.FetchFn(dir, remote)
	}
	return nil
}

func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	g.record("head-sha")
	if g.HeadSHAFn != nil {
		return g.HeadSHAFn(dir)
	}
	return "abc1234def5678", nil
}

func (g *Git) RefSHA(ctx context.Context, dir, ref string) (string, error) {
	g.record("ref-sha %s", ref)
	if g.RefSHAFn != nil {
		return g.RefSHAFn(dir, ref)
	}
	return "abc1234def5678", nil
}

func (g *Git) RefExists(ctx context.Context, dir, ref string) bool {
	if g.RefExistsFn != nil {
		return g.RefExistsFn(dir, ref)
	}
	return true
}

func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	g.record("checkout %s", ref)
	if g.CheckoutFn != nil {
		return g.CheckoutFn(dir, ref)
	}
	return nil
}

func (g *Git) WorktreeAdd(ctx context.Context, repo, branch, dir, baseRef string) error {
	g.record("worktree-add %s %s", branch, baseRef)
	if g.WorktreeAddFn != nil {
		return g.WorktreeAddFn(repo, branch, dir, baseRef)
	}
	return nil
}

func (g *Git) WorktreeRemove(ctx context.Context, repo, dir string) error {
	g.record("worktree-remove %s", dir)
	if g.WorktreeRemoveFn != nil {
		return g.WorktreeRemoveFn(repo, dir)
	}
	return nil
}

func (g *Git) WorktreePrune(ctx context.Context, repo string) error {
	g.record("worktree-prune")
	if g.WorktreePruneFn != nil {
		return g.WorktreePruneFn(repo)
	}
	return nil
}

func (g *Git) WorktreeList(ctx context.Context, repo string) ([]gitmgr.Worktree, error) {
	g.record("worktree-list")
	if g.WorktreeListFn != nil {
		return g.WorktreeListFn(repo)
	}
	return nil, nil
}

func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, string, error) {
	g.record("commit-all")
	if g.CommitAllFn != nil {
		return g.CommitAllFn(dir, message)
	}
	return false, "", nil
}

func (g *Git) CommitPaths(ctx context.Context, dir, message string, paths ...string) error {
	g.record("commit-paths %v", paths)
	if g.CommitPathsFn != nil {
		return g.CommitPathsFn(dir, message, paths)
	}
	return nil
}

func (g *Git) Rebase(ctx context.Context, dir, targetRef string) (gitmgr.RebaseResult, error) {
	g.record("rebase %s", targetRef)
	if g.RebaseFn != nil {
		return g.RebaseFn(dir, targetRef)
	}
	return gitmgr.RebaseResult{Status: gitmgr.RebaseClean}, nil
}

func (g *Git) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	g.record("conflicted-files")
	if g.ConflictedFilesFn != nil {
		return g.ConflictedFilesFn(dir)
	}
	return nil, nil
}

func (g *Git) RebaseContinue(ctx context.Context, dir string) error {
	g.record("rebase-continue")
	if g.RebaseContinueFn != nil {
		return g.RebaseContinueFn(dir)
	}
	return nil
}

func (g *Git) RebaseAbort(ctx context.Context, dir string) error {
	g.record("rebase-abort")
	if g.RebaseAbortFn != nil {
		return g.RebaseAbortFn(dir)
	}
	return nil
}

func (g *Git) Merge(ctx context.Context, repo, branch string, squash bool) error {
	g.record("merge %s squash=%v", branch, squash)
	if g.MergeFn != nil {
		return g.MergeFn(repo, branch, squash)
	}
	return nil
}

func (g *Git) MergeAbort(ctx context.Context, repo string) error {
	g.record("merge-abort")
	if g.MergeAbortFn != nil {
		return g.MergeAbortFn(repo)
	}
	return nil
}

func (g *Git) DeleteBranch(ctx context.Context, repo, branch string) error {
	g.record("delete-branch %s", branch)
	if g.DeleteBranchFn != nil {
		return g.DeleteBranchFn(repo, branch)
	}
	return nil
}

func (g *Git) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	g.record("delete-remote-branch %s", branch)
	if g.DeleteRemoteFn != nil {
		return g.DeleteRemoteFn(repo, remote, branch)
	}
	return nil
}

func (g *Git) Push(ctx context.Context, repo, remote, ref string) error {
	g.record("push %s %s", remote, ref)
	if g.PushFn != nil {
		return g.PushFn(repo, remote, ref)
	}
	return nil
}

func (g *Git) Log(ctx context.Context, repo string, limit int) ([]gitmgr.Commit, error) {
	g.record("log %d", limit)
	if g.LogFn != nil {
		return g.LogFn(repo, limit)
	}
	return nil, nil
}

func (g *Git) CommitDiff(ctx context.Context, repo, sha string) (gitmgr.CommitDetail, error) {
	g.record("commit-diff %s", sha)
	if g.CommitDiffFn != nil {
		return g.CommitDiffFn(repo, sha)
	}
	return gitmgr.CommitDetail{}, nil
}

func (g *Git) UnpushedCount(ctx context.Context, repo string) (int, error) {
	if g.UnpushedCountFn != nil {
		return g.UnpushedCountFn(repo)
	}
	return 0, nil
}

func (g *Git) HasRemote(ctx context.Context, repo string) bool {
	if g.HasRemoteFn != nil {
		return g.HasRemoteFn(repo)
	}
	return false
}

var _ gitmgr.Git = (*Git)(nil)
