// Package provision materializes a newly created project's repository:
// cloning a remote, copying a local clone, or initializing an empty repo.
// It runs asynchronously after project creation and flips the project to
// ready or error when done.
package provision

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"agentengine/internal/gitmgr"
	"agentengine/internal/model"
	"agentengine/internal/store"
)

// Run provisions one project's repo directory. Safe to call in a goroutine;
// the outcome lands on the project record.
func Run(ctx context.Context, st *store.Store, git gitmgr.Git, pid string) {
	project, err := st.GetProject(pid)
	if err != nil {
		log.Printf("[provision.run] project=%s error=%v", pid, err)
		return
	}

	repoDir := st.RepoDir(pid)
	if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
		fail(st, pid, "create project directory: "+err.Error())
		return
	}

	switch project.Origin {
	case model.OriginGit:
		if project.RepoURL == nil {
			fail(st, pid, "git origin without repo_url")
			return
		}
		if err := git.Clone(ctx, *project.RepoURL, project.Branch, repoDir); err != nil {
			fail(st, pid, "clone failed: "+err.Error())
			return
		}

	case model.OriginLocal:
		if project.LocalPath == nil {
			fail(st, pid, "local origin without path")
			return
		}
		if err := copyTree(ctx, *project.LocalPath, repoDir); err != nil {
			fail(st, pid, "copy local repo: "+err.Error())
			return
		}

	case model.OriginNew:
		if err := git.Init(ctx, repoDir, project.Branch); err != nil {
			fail(st, pid, "init failed: "+err.Error())
			return
		}

	default:
		fail(st, pid, "unknown origin "+string(project.Origin))
		return
	}

	for _, dir := range []string{st.WorktreesDir(pid), st.LogsDir(pid)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail(st, pid, "create "+dir+": "+err.Error())
			return
		}
	}

	ready := model.ProjectReady
	empty := ""
	if _, err := st.UpdateProject(pid, model.ProjectPatch{Status: &ready, Error: &empty}); err != nil {
		log.Printf("[provision.run] mark ready project=%s error=%v", pid, err)
		return
	}
	log.Printf("[provision.run] project=%s origin=%s ready", pid, project.Origin)
}

func fail(st *store.Store, pid, reason string) {
	log.Printf("[provision.fail] project=%s reason=%s", pid, reason)
	errStatus := model.ProjectError
	if _, err := st.UpdateProject(pid, model.ProjectPatch{Status: &errStatus, Error: &reason}); err != nil {
		log.Printf("[provision.fail] update project=%s error=%v", pid, err)
	}
}

// Retry re-runs provisioning for a project stuck in error.
func Retry(ctx context.Context, st *store.Store, git gitmgr.Git, pid string) error {
	cloning := model.ProjectCloning
	if _, err := st.UpdateProject(pid, model.ProjectPatch{Status: &cloning}); err != nil {
		return err
	}
	_ = os.RemoveAll(st.RepoDir(pid))
	go Run(ctx, st, git, pid)
	return nil
}

// copyTree copies an existing local clone wholesale, preserving its .git.
func copyTree(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "cp", "-a", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &copyError{output: string(out), err: err}
	}
	return nil
}

type copyError struct {
	output string
	err    error
}

func (e *copyError) Error() string { return e.err.Error() + ": " + e.output }
func (e *copyError) Unwrap() error { return e.err }
