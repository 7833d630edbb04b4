package mergetest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// TestCommand describes the detected test invocation for a worktree.
type TestCommand struct {
	Framework string // "node", "python", or "" when no tests are configured
	Command   string // shell command to run
}

// defaultNpmTest is the placeholder npm writes into a fresh package.json;
// its presence means the project has no real test script.
const defaultNpmTest = "no test specified"

// DetectTests inspects the worktree and picks a test runner:
// a package.json with a real scripts.test wins, then any of the standard
// Python project markers, otherwise no tests are configured.
func DetectTests(worktreeDir string) TestCommand {
	if hasNodeTests(worktreeDir) {
		return TestCommand{Framework: "node", Command: "npm test --silent"}
	}
	for _, marker := range []string{"pytest.ini", "pyproject.toml", "setup.py"} {
		if _, err := os.Stat(filepath.Join(worktreeDir, marker)); err == nil {
			return TestCommand{Framework: "python", Command: "python3 -m pytest -x -q"}
		}
	}
	return TestCommand{}
}

func hasNodeTests(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	test, ok := pkg.Scripts["test"]
	return ok && test != "" && !strings.Contains(test, defaultNpmTest)
}
