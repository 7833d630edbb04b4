package gitmgr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Commit is one entry of the history view.
type Commit struct {
	SHA     string   `json:"sha"`
	Short   string   `json:"short"`
	Parents []string `json:"parents"`
	Message string   `json:"message"`
	Author  string   `json:"author"`
	TimeAgo string   `json:"time_ago"`
	Refs    []string `json:"refs"`
	Lane    int      `json:"lane"`
}

// FileChange is one path touched by a commit.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // A, M, D, R
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitDetail is the full view of one commit for the UI.
type CommitDetail struct {
	Body  string       `json:"body"`
	Files []FileChange `json:"files"`
}

// Field and record separators chosen so commit messages containing pipes or
// tabs don't break parsing.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Log returns up to limit commits in parent order, with graph lanes
// assigned.
func (m *Manager) Log(ctx context.Context, repo string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	format := strings.Join([]string{"%H", "%h", "%P", "%an", "%at", "%D", "%s"}, fieldSep) + recordSep
	out, err := m.run(ctx, repo, "log", "--all", "-n", strconv.Itoa(limit), "--pretty=format:"+format)
	if err != nil {
		// An empty repository has no HEAD to log from.
		if strings.Contains(err.Error(), "does not have any commits") {
			return []Commit{}, nil
		}
		return nil, err
	}

	now := time.Now()
	var commits []Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.Split(record, fieldSep)
		if len(fields) < 7 {
			continue
		}
		c := Commit{
			SHA:     fields[0],
			Short:   fields[1],
			Author:  fields[3],
			Message: fields[6],
		}
		if fields[2] != "" {
			c.Parents = strings.Fields(fields[2])
		}
		if ts, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			c.TimeAgo = timeAgo(now.Sub(time.Unix(ts, 0)))
		}
		if fields[5] != "" {
			for _, ref := range strings.Split(fields[5], ", ") {
				ref = strings.TrimPrefix(ref, "HEAD -> ")
				if ref != "" && ref != "HEAD" {
					c.Refs = append(c.Refs, ref)
				}
			}
		}
		commits = append(commits, c)
	}
	AssignLanes(commits)
	return commits, nil
}

// CommitDiff returns the commit body and the per-file change summary.
func (m *Manager) CommitDiff(ctx context.Context, repo, sha string) (CommitDetail, error) {
	body, err := m.run(ctx, repo, "show", "--no-patch", "--format=%B", sha)
	if err != nil {
		return CommitDetail{}, err
	}

	status, err := m.run(ctx, repo, "show", "--name-status", "--format=", sha)
	if err != nil {
		return CommitDetail{}, err
	}
	numstat, err := m.run(ctx, repo, "show", "--numstat", "--format=", sha)
	if err != nil {
		return CommitDetail{}, err
	}

	counts := map[string][2]int{}
	for _, line := range strings.Split(numstat, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) < 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0]) // "-" for binary files parses to 0
		del, _ := strconv.Atoi(parts[1])
		counts[parts[len(parts)-1]] = [2]int{add, del}
	}

	detail := CommitDetail{Body: strings.TrimSpace(body), Files: []FileChange{}}
	for _, line := range strings.Split(status, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) < 2 {
			continue
		}
		fc := FileChange{
			Status: string(parts[0][0]), // R100 -> R
			Path:   parts[len(parts)-1],
		}
		if n, ok := counts[fc.Path]; ok {
			fc.Additions, fc.Deletions = n[0], n[1]
		}
		detail.Files = append(detail.Files, fc)
	}
	return detail, nil
}

// AssignLanes computes the graph-column layout for commits listed in parent
// order (newest first). A commit's first parent inherits its lane; each
// additional parent (a merge source) takes the first free lane. Lanes are
// freed once no remaining commit expects them. The assignment is
// deterministic for a fixed commit order.
func AssignLanes(commits []Commit) {
	// active[i] holds the sha the lane is waiting for, "" when free.
	var active []string

	takeLane := func(sha string) int {
		for i, want := range active {
			if want == "" {
				active[i] = sha
				return i
			}
		}
		active = append(active, sha)
		return len(active) - 1
	}

	for i := range commits {
		c := &commits[i]

		// The commit lands on the lowest lane already waiting for it, or a
		// fresh lane for a branch tip.
		lane := -1
		for l, want := range active {
			if want == c.SHA {
				if lane == -1 {
					lane = l
				} else {
					active[l] = "" // merge point: extra lanes converge and free up
				}
			}
		}
		if lane == -1 {
			lane = takeLane(c.SHA)
		}
		c.Lane = lane

		if len(c.Parents) == 0 {
			active[lane] = ""
			continue
		}
		active[lane] = c.Parents[0]
		for _, parent := range c.Parents[1:] {
			// A merge source already tracked keeps its lane; otherwise it
			// gets the first free slot.
			tracked := false
			for _, want := range active {
				if want == parent {
					tracked = true
					break
				}
			}
			if !tracked {
				takeLane(parent)
			}
		}
	}
}

// timeAgo renders a duration as coarse human-readable age.
func timeAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour")
	case d < 30*24*time.Hour:
		return plural(int(d.Hours()/24), "day")
	case d < 365*24*time.Hour:
		return plural(int(d.Hours()/(24*30)), "month")
	default:
		return plural(int(d.Hours()/(24*365)), "year")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
