package experience

import (
	"fmt"
	"sort"
	"strings"
)

// stopwords excluded from lexical matching.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "to": true,
	"of": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"it": true, "this": true, "that": true, "be": true, "as": true, "at": true,
	"by": true, "from": true, "was": true, "are": true, "add": true, "fix": true,
}

// tokenize lowercases, strips punctuation, drops stopwords, and applies a
// crude suffix stem so "caching"/"cached"/"caches" all match "cach".
func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	var word []rune
	flush := func() {
		if len(word) < 3 {
			word = word[:0]
			return
		}
		w := string(word)
		word = word[:0]
		if stopwords[w] {
			return
		}
		tokens[stem(w)] = true
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			word = append(word, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(w, suffix) && len(w)-len(suffix) >= 3 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

// overlap counts the shared stemmed tokens of two sets.
func overlap(a, b map[string]bool) int {
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}

// scoredEntry pairs an entry with its lexical-similarity score.
type scoredEntry struct {
	projectName string
	text        string
	score       int
}

// CrossProject searches every other project's PROGRESS.md for entries
// lexically similar to the task at hand and returns up to maxEntries of
// them (bounded by maxChars), each labeled "cross-project". repoDirs maps
// project name to repository directory.
func (ix *Indexer) CrossProject(repoDirs map[string]string, currentProject, taskTitle, taskDesc string, maxEntries, maxChars int) string {
	if maxEntries <= 0 {
		maxEntries = CrossProjectEntries
	}
	if maxChars <= 0 {
		maxChars = CrossProjectBudget
	}

	query := tokenize(taskTitle + " " + taskDesc)
	if len(query) == 0 {
		return ""
	}

	var scored []scoredEntry
	for name, repoDir := range repoDirs {
		if name == currentProject {
			continue
		}
		tail, err := readTail(repoDir+"/"+FileName, DefaultReadBudget)
		if err != nil {
			continue
		}
		for _, entry := range splitEntries(tail) {
			if score := overlap(query, tokenize(entry)); score > 0 {
				scored = append(scored, scoredEntry{projectName: name, text: entry, score: score})
			}
		}
	}
	if len(scored) == 0 {
		return ""
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > maxEntries {
		scored = scored[:maxEntries]
	}

	var b strings.Builder
	for _, s := range scored {
		block := fmt.Sprintf("### cross-project (%s)\n%s\n\n", s.projectName, s.text)
		if b.Len()+len(block) > maxChars {
			break
		}
		b.WriteString(block)
	}
	return strings.TrimSpace(b.String())
}
