package gitmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentengine/internal/errs"
)

func writePointer(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte(content), 0o644))
}

func TestGitPointer_ReadAndVerify(t *testing.T) {
	dir := t.TempDir()
	writePointer(t, dir, "gitdir: /data/projects/p1/repo/.git/worktrees/worker-0\n")

	content, err := ReadGitPointer(dir)
	require.NoError(t, err)
	assert.Contains(t, content, "gitdir:")

	require.NoError(t, VerifyGitPointer(dir, content))
}

func TestGitPointer_DetectsRewrite(t *testing.T) {
	dir := t.TempDir()
	writePointer(t, dir, "gitdir: /data/projects/p1/repo/.git/worktrees/worker-0\n")
	snapshot, err := ReadGitPointer(dir)
	require.NoError(t, err)

	writePointer(t, dir, "gitdir: /tmp/hijacked\n")
	err = VerifyGitPointer(dir, snapshot)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindWorktreeCorruption))
}

func TestGitPointer_DetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	writePointer(t, dir, "gitdir: somewhere\n")
	snapshot, err := ReadGitPointer(dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, ".git")))
	err = VerifyGitPointer(dir, snapshot)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindWorktreeCorruption))
}

func TestGitPointer_DetectsDirectoryReplacement(t *testing.T) {
	dir := t.TempDir()
	writePointer(t, dir, "gitdir: somewhere\n")
	snapshot, err := ReadGitPointer(dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, ".git")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	err = VerifyGitPointer(dir, snapshot)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindWorktreeCorruption))
}

func TestGitPointer_ProtectUnprotect(t *testing.T) {
	dir := t.TempDir()
	writePointer(t, dir, "gitdir: somewhere\n")

	require.NoError(t, ProtectGitPointer(dir))
	info, err := os.Stat(filepath.Join(dir, ".git"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	require.NoError(t, UnprotectGitPointer(dir))
	info, err = os.Stat(filepath.Join(dir, ".git"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}
