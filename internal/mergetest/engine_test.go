package mergetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentengine/internal/agentcli"
	"agentengine/internal/errs"
	"agentengine/internal/gitmgr"
	gitfake "agentengine/internal/gitmgr/fake"
	"agentengine/internal/model"
)

func testInput(t *testing.T) Input {
	return Input{
		WorktreeDir: t.TempDir(),
		RepoDir:     t.TempDir(),
		BaseBranch:  "main",
		WorkerID:    "worker-0",
		TaskID:      "t-000001",
	}
}

func fastEngine(git *gitfake.Git, agent agentcli.Runner) *Engine {
	e := New(git, agent)
	e.RetryDelay = time.Millisecond
	return e
}

func TestRun_CleanRebaseNoTests(t *testing.T) {
	git := gitfake.New()
	git.HeadSHAFn = func(dir string) (string, error) { return "feedc0ffee12", nil }
	agent := &agentcli.Fixed{Responses: []string{"unused"}}

	e := fastEngine(git, agent)
	sha, err := e.Run(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Equal(t, "feedc0ffee12", sha)
	assert.Empty(t, agent.Prompts, "agent not consulted on a clean run")
	assert.Contains(t, git.CallLog(), "rebase origin/main")
}

func TestRun_FallsBackToLocalBase(t *testing.T) {
	git := gitfake.New()
	git.RefExistsFn = func(dir, ref string) bool { return ref == "main" }
	e := fastEngine(git, &agentcli.Fixed{Responses: []string{"x"}})

	_, err := e.Run(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Contains(t, git.CallLog(), "rebase main", "falls back to the local base when origin/main is absent")
}

func TestRun_SkipsRebaseWhenNoTarget(t *testing.T) {
	git := gitfake.New()
	git.RefExistsFn = func(dir, ref string) bool { return false }
	e := fastEngine(git, &agentcli.Fixed{Responses: []string{"x"}})

	_, err := e.Run(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.NotContains(t, git.CallLog(), "rebase origin/main")
	assert.NotContains(t, git.CallLog(), "rebase main")
}

func TestRun_ConflictResolvedByAgent(t *testing.T) {
	git := gitfake.New()
	git.RebaseFn = func(dir, target string) (gitmgr.RebaseResult, error) {
		return gitmgr.RebaseResult{Status: gitmgr.RebaseConflict, Files: []string{"README.md"}}, nil
	}
	// After the agent runs, no conflicts remain.
	git.ConflictedFilesFn = func(dir string) ([]string, error) { return nil, nil }
	agent := &agentcli.Fixed{Responses: []string{"resolved"}}

	e := fastEngine(git, agent)
	_, err := e.Run(context.Background(), testInput(t))
	require.NoError(t, err)

	require.Len(t, agent.Prompts, 1)
	assert.Contains(t, agent.Prompts[0], "README.md")
	assert.Contains(t, git.CallLog(), "rebase-continue")
}

func TestRun_ConflictUnresolvedExhaustsRetries(t *testing.T) {
	git := gitfake.New()
	git.RebaseFn = func(dir, target string) (gitmgr.RebaseResult, error) {
		return gitmgr.RebaseResult{Status: gitmgr.RebaseConflict, Files: []string{"main.go"}}, nil
	}
	git.ConflictedFilesFn = func(dir string) ([]string, error) { return []string{"main.go"}, nil }
	agent := &agentcli.Fixed{Responses: []string{"tried"}}

	e := fastEngine(git, agent)
	_, err := e.Run(context.Background(), testInput(t))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindGit))
	assert.Len(t, agent.Prompts, 3, "one resolution attempt per retry")

	aborts := 0
	for _, call := range git.CallLog() {
		if call == "rebase-abort" {
			aborts++
		}
	}
	assert.Equal(t, 3, aborts, "every failed attempt aborts the rebase")
}

func TestRun_AbortedOtherRetriesThenSucceeds(t *testing.T) {
	git := gitfake.New()
	attempts := 0
	git.RebaseFn = func(dir, target string) (gitmgr.RebaseResult, error) {
		attempts++
		if attempts == 1 {
			return gitmgr.RebaseResult{Status: gitmgr.RebaseAbortedOther, Detail: "lock held"}, nil
		}
		return gitmgr.RebaseResult{Status: gitmgr.RebaseClean}, nil
	}

	e := fastEngine(git, &agentcli.Fixed{Responses: []string{"x"}})
	_, err := e.Run(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRun_TestsPassFirstTry(t *testing.T) {
	git := gitfake.New()
	agent := &agentcli.Fixed{Responses: []string{"x"}}

	var phases []string
	e := fastEngine(git, agent)
	e.Detect = func(dir string) TestCommand {
		return TestCommand{Framework: "node", Command: "exit 0"}
	}

	in := testInput(t)
	in.Notify = func(phase string) { phases = append(phases, phase) }
	_, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, phases, PhaseRebase)
	assert.Contains(t, phases, PhaseTesting)
	assert.Empty(t, agent.Prompts, "no fix needed when tests pass")
}

func TestRun_TestFailureInvokesAgentThenExhausts(t *testing.T) {
	git := gitfake.New()
	agent := &agentcli.Fixed{Responses: []string{"attempted a fix"}}

	e := fastEngine(git, agent)
	e.Detect = func(dir string) TestCommand {
		return TestCommand{Framework: "python", Command: "echo boom && exit 1"}
	}

	_, err := e.Run(context.Background(), testInput(t))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTestFailure))
	assert.Contains(t, err.Error(), "boom")
	// MaxRetries runs, with a fix attempt between each (not after the last).
	assert.Len(t, agent.Prompts, 2)
	assert.Contains(t, agent.Prompts[0], "echo boom")
}

func TestRun_TestsFixedOnSecondAttempt(t *testing.T) {
	git := gitfake.New()
	agent := &agentcli.Fixed{Responses: []string{"fixed"}}

	in := testInput(t)
	marker := filepath.Join(in.WorktreeDir, "fixed")
	e := fastEngine(git, agent)
	e.Detect = func(dir string) TestCommand {
		// Fails until the "fix" (the marker file the agent stub creates)
		// exists.
		return TestCommand{Framework: "node", Command: "test -f " + marker}
	}
	agent.Responses = []string{"fixed"}

	// Simulate the agent fixing the tree by creating the marker on the
	// first fix call.
	fixer := &markerFixer{inner: agent, marker: marker}
	e.Agent = fixer

	_, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, fixer.calls)
}

// markerFixer wraps a Runner and creates marker on its first call, standing
// in for an agent that repairs the failing tests.
type markerFixer struct {
	inner  agentcli.Runner
	marker string
	calls  int
}

func (m *markerFixer) Run(ctx context.Context, dir, prompt string, onEvent func(ev model.StreamEvent)) (string, error) {
	m.calls++
	if err := os.WriteFile(m.marker, []byte("ok"), 0o644); err != nil {
		return "", err
	}
	return m.inner.Run(ctx, dir, prompt, onEvent)
}

func TestDetectTests(t *testing.T) {
	tests := []struct {
		name  string
		setup func(dir string)
		want  string
	}{
		{
			name:  "no markers",
			setup: func(dir string) {},
			want:  "",
		},
		{
			name: "package.json with real test script",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "package.json"),
					[]byte(`{"scripts":{"test":"vitest run"}}`), 0o644)
			},
			want: "node",
		},
		{
			name: "package.json with npm default placeholder",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "package.json"),
					[]byte(`{"scripts":{"test":"echo \"Error: no test specified\" && exit 1"}}`), 0o644)
			},
			want: "",
		},
		{
			name: "pytest.ini",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "pytest.ini"), []byte("[pytest]\n"), 0o644)
			},
			want: "python",
		},
		{
			name: "pyproject.toml",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\n"), 0o644)
			},
			want: "python",
		},
		{
			name: "setup.py",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "setup.py"), []byte("import setuptools\n"), 0o644)
			},
			want: "python",
		},
		{
			name: "node wins over python",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, "package.json"),
					[]byte(`{"scripts":{"test":"jest"}}`), 0o644)
				os.WriteFile(filepath.Join(dir, "pytest.ini"), []byte("[pytest]\n"), 0o644)
			},
			want: "node",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(dir)
			assert.Equal(t, tt.want, DetectTests(dir).Framework)
		})
	}
}
