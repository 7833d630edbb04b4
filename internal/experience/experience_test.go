package experience

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentengine/internal/model"
)

// testGit records commit messages instead of running git.
type testGit struct {
	committed []string
}

func (n *testGit) CommitPaths(ctx context.Context, dir, message string, paths ...string) error {
	n.committed = append(n.committed, message)
	return nil
}

func newIndexer(g *testGit) *Indexer {
	return New(g, fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestAppend_WritesEntryAndCommits(t *testing.T) {
	repo := t.TempDir()
	g := &testGit{}
	ix := newIndexer(g)

	ix.Append(context.Background(), repo, Entry{
		TaskID:     "t-000001",
		Title:      "add install docs",
		WorkerID:   "worker-0",
		CommitID:   "abc1234def5678",
		Problem:    "No significant issues",
		Solution:   "Added the section.",
		Prevention: "N/A",
	})

	data, err := os.ReadFile(filepath.Join(repo, FileName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "## [2026-03-01 12:00 UTC] add install docs")
	assert.Contains(t, content, "`abc1234def56`", "commit id truncated to 12 chars")
	assert.Contains(t, content, "- **Problem**: No significant issues")
	require.Len(t, g.committed, 1)
	assert.Contains(t, g.committed[0], "t-000001")
}

func TestRecent_LimitsEntriesAndBytes(t *testing.T) {
	repo := t.TempDir()
	g := &testGit{}
	ix := newIndexer(g)

	for i := 0; i < 8; i++ {
		ix.Append(context.Background(), repo, Entry{
			TaskID:   "t-00000" + string(rune('1'+i)),
			Title:    "task number " + string(rune('1'+i)),
			Solution: "done",
		})
	}

	out := ix.Recent(repo, 5, 0, 0)
	require.NotEmpty(t, out)
	assert.Equal(t, 5, strings.Count(out, "## ["), "at most five entries returned")
	assert.Contains(t, out, "task number 8", "newest entry survives")
	assert.NotContains(t, out, "task number 1", "oldest entries dropped")
}

func TestRecent_PromptBudgetDropsOldest(t *testing.T) {
	repo := t.TempDir()
	g := &testGit{}
	ix := newIndexer(g)

	big := strings.Repeat("x", 900)
	for i := 0; i < 5; i++ {
		ix.Append(context.Background(), repo, Entry{
			TaskID: "t-0", Title: "big", Solution: big,
		})
	}

	out := ix.Recent(repo, 5, 0, 2048)
	assert.LessOrEqual(t, len(out), 2048)
	assert.True(t, strings.HasPrefix(out, "## ["), "kept entries stay whole")
}

func TestRecent_MissingFile(t *testing.T) {
	g := &testGit{}
	ix := newIndexer(g)
	assert.Empty(t, ix.Recent(t.TempDir(), 5, 0, 0))
}

func TestSummarize_FromEvents(t *testing.T) {
	events := []model.StreamEvent{
		{Kind: model.StreamToolUse, ToolName: "Bash"},
		{Kind: model.StreamError, Message: "tests failed in auth package. retrying"},
		{Kind: model.StreamAssistant, Text: "Fixed the token refresh race. All tests pass now."},
	}
	problem, solution, prevention := Summarize(events)
	assert.Equal(t, "tests failed in auth package", problem)
	assert.Equal(t, "Fixed the token refresh race", solution)
	assert.Contains(t, prevention, "Bash")
}

func TestSummarize_CleanRun(t *testing.T) {
	problem, solution, prevention := Summarize(nil)
	assert.Equal(t, "No significant issues", problem)
	assert.Equal(t, "Task completed without notable issues.", solution)
	assert.Equal(t, "N/A", prevention)
}

func TestCrossProject_FindsSimilarEntries(t *testing.T) {
	g := &testGit{}
	ix := newIndexer(g)

	otherRepo := t.TempDir()
	ix.Append(context.Background(), otherRepo, Entry{
		TaskID:   "t-000009",
		Title:    "configure caching layer",
		Problem:  "cache invalidation raced with writes",
		Solution: "serialized cache updates behind a lock",
	})

	unrelatedRepo := t.TempDir()
	ix.Append(context.Background(), unrelatedRepo, Entry{
		TaskID: "t-000010", Title: "update logo color", Solution: "changed css",
	})

	repoDirs := map[string]string{
		"current":   t.TempDir(),
		"other":     otherRepo,
		"unrelated": unrelatedRepo,
	}
	out := ix.CrossProject(repoDirs, "current", "fix cache invalidation", "writes race with the caching layer", 3, 0)
	require.NotEmpty(t, out)
	assert.Contains(t, out, "cross-project (other)")
	assert.Contains(t, out, "cache invalidation")
	assert.NotContains(t, out, "logo")
}

func TestCrossProject_SkipsCurrentProject(t *testing.T) {
	g := &testGit{}
	ix := newIndexer(g)

	repo := t.TempDir()
	ix.Append(context.Background(), repo, Entry{TaskID: "t-1", Title: "cache work", Solution: "done"})

	out := ix.CrossProject(map[string]string{"current": repo}, "current", "cache work", "", 3, 0)
	assert.Empty(t, out)
}

func TestTokenize_StemsAndFilters(t *testing.T) {
	tokens := tokenize("Caching the cached caches, and fixing bugs")
	assert.True(t, tokens["cach"])
	assert.True(t, tokens["bug"])
	assert.False(t, tokens["and"], "stopwords removed")
	assert.False(t, tokens["the"])
}
