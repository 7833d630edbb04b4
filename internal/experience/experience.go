// Package experience maintains each repository's PROGRESS.md, an append-only
// log of structured completion entries (problem / solution / prevention)
// that future workers read for context before starting a task.
package experience

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentengine/internal/model"
)

// FileName is the experience log file at every repository root.
const FileName = "PROGRESS.md"

// Retrieval budgets. Both the entry count and the byte counts bound what a
// prompt may carry, so a single oversized entry cannot crowd out the rest.
const (
	DefaultRecentEntries = 5
	DefaultReadBudget    = 12 * 1024
	DefaultPromptBudget  = 3 * 1024

	CrossProjectEntries = 3
	CrossProjectBudget  = 2560
)

// Entry is one structured completion record.
type Entry struct {
	Timestamp  time.Time
	TaskID     string
	Title      string
	WorkerID   string
	CommitID   string
	Problem    string
	Solution   string
	Prevention string
}

// render produces the markdown block appended to PROGRESS.md.
func (e Entry) render() string {
	commit := "N/A"
	if e.CommitID != "" {
		commit = e.CommitID
		if len(commit) > 12 {
			commit = commit[:12]
		}
	}
	return fmt.Sprintf(`
## [%s] %s
- **Task**: %s
- **Worker**: %s
- **Commit**: `+"`%s`"+`
- **Problem**: %s
- **Solution**: %s
- **Prevention**: %s

`, e.Timestamp.UTC().Format("2006-01-02 15:04 UTC"), e.Title,
		e.TaskID, e.WorkerID, commit, e.Problem, e.Solution, e.Prevention)
}

// Committer is the one git operation the indexer needs: staging and
// committing the progress file.
type Committer interface {
	CommitPaths(ctx context.Context, dir, message string, paths ...string) error
}

// Indexer appends and retrieves experience entries.
type Indexer struct {
	git   Committer
	clock model.Clock
}

// New returns an Indexer committing through git.
func New(git Committer, clock model.Clock) *Indexer {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Indexer{git: git, clock: clock}
}

// Append writes the entry to <repoDir>/PROGRESS.md and commits just that
// file, so the experience log propagates with merges. Failures are logged
// but never fail the task that produced the entry.
func (ix *Indexer) Append(ctx context.Context, repoDir string, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = ix.clock.Now()
	}
	path := filepath.Join(repoDir, FileName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[experience.append] open failed path=%s error=%v", path, err)
		return
	}
	_, writeErr := f.WriteString(e.render())
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		log.Printf("[experience.append] write failed path=%s error=%v/%v", path, writeErr, closeErr)
		return
	}

	msg := fmt.Sprintf("Record experience for %s: %s", e.TaskID, e.Title)
	if err := ix.git.CommitPaths(ctx, repoDir, msg, FileName); err != nil {
		log.Printf("[experience.append] commit failed repo=%s error=%v", repoDir, err)
	}
}

// Summarize derives the problem/solution/prevention fields from a task's
// captured stream events: error frames become the problem, the final
// assistant messages the solution, and the tools touched hint at
// prevention-relevant areas.
func Summarize(events []model.StreamEvent) (problem, solution, prevention string) {
	var assistant []string
	var lastError string
	tools := map[string]bool{}
	for _, ev := range events {
		switch ev.Kind {
		case model.StreamAssistant:
			assistant = append(assistant, ev.Text)
		case model.StreamError:
			lastError = ev.Message
		case model.StreamToolUse:
			tools[ev.ToolName] = true
		}
	}

	problem = "No significant issues"
	if lastError != "" {
		problem = firstSentence(lastError)
	}

	solution = "Task completed without notable issues."
	if len(assistant) > 0 {
		solution = firstSentence(assistant[len(assistant)-1])
	}

	prevention = "N/A"
	if lastError != "" && len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for name := range tools {
			names = append(names, name)
		}
		prevention = "Check the areas touched via " + strings.Join(names, ", ") + " early."
	}
	return problem, solution, prevention
}

// firstSentence trims text to its first sentence or line, bounded at 200
// characters, so summaries stay single-line in the markdown entry.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, ".\n"); idx > 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

// Recent returns up to maxEntries of the newest PROGRESS.md entries,
// bounded first by readBudget bytes of file tail and then by promptBudget
// bytes of rendered output. Missing file returns "".
func (ix *Indexer) Recent(repoDir string, maxEntries, readBudget, promptBudget int) string {
	if maxEntries <= 0 {
		maxEntries = DefaultRecentEntries
	}
	if readBudget <= 0 {
		readBudget = DefaultReadBudget
	}
	if promptBudget <= 0 {
		promptBudget = DefaultPromptBudget
	}

	tail, err := readTail(filepath.Join(repoDir, FileName), readBudget)
	if err != nil || tail == "" {
		return ""
	}

	entries := splitEntries(tail)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	// Drop the oldest entries until the prompt budget holds; a lone entry
	// over budget is hard-truncated.
	for len(entries) > 1 && totalLen(entries) > promptBudget {
		entries = entries[1:]
	}
	out := strings.Join(entries, "\n")
	if len(out) > promptBudget {
		out = out[len(out)-promptBudget:]
	}
	return strings.TrimSpace(out)
}

// splitEntries splits a PROGRESS.md fragment into whole "## " entries,
// discarding any leading partial entry cut off by the read budget.
func splitEntries(text string) []string {
	var entries []string
	var current []string
	started := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			if started {
				entries = append(entries, strings.TrimSpace(strings.Join(current, "\n")))
			}
			started = true
			current = []string{line}
			continue
		}
		if started {
			current = append(current, line)
		}
	}
	if started {
		entries = append(entries, strings.TrimSpace(strings.Join(current, "\n")))
	}
	return entries
}

func totalLen(parts []string) int {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	return n
}

// readTail reads at most budget bytes from the end of path.
func readTail(path string, budget int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	offset := int64(0)
	if size > int64(budget) {
		offset = size - int64(budget)
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", err
	}
	return string(buf), nil
}
