package orchestration

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// previewTiebreak is how much newer the live preview must be before it beats
// a placeholder progress preview.
const previewTiebreak = 250 * time.Millisecond

var (
	checklistBoxPattern = regexp.MustCompile(`(?m)^\s*[-*]\s*\[( |[xX])\]`)

	// Progress previews that carry no information yet.
	placeholderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^#\s*Worker\s+\d+\s+Task\s+Card\s*$`),
		regexp.MustCompile(`^BOOTSTRAP-ACK`),
		regexp.MustCompile(`^#.*\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`),
	}
)

// progressCandidates lists the relative paths probed, in priority order.
func progressCandidates(workerIndex int, slug string) []string {
	n := workerIndex + 1
	candidates := []string{
		fmt.Sprintf(".agents/tasks/worker-%d-%s.md", n, slug),
		fmt.Sprintf(".agents/tasks/worker-%d.md", n),
	}
	if slug != "" {
		candidates = append(candidates, fmt.Sprintf(".agents/tasks/%s.md", slug))
	}
	return append(candidates,
		".agents/tasks/task.md",
		".agents/tasks/progress.md",
		".fyp/task.md",
		".fyp/progress.md",
		"task.md",
		"TASK.md",
		"progress.md",
		"PROGRESS.md",
	)
}

// probeProgress reads the first existing progress markdown under dir and
// summarizes it. Returns nil when no candidate exists.
func probeProgress(dir string, workerIndex int, workerName string) *WorkerProgress {
	if dir == "" {
		return nil
	}
	slug := slugify(workerName)
	for _, rel := range progressCandidates(workerIndex, slug) {
		path := filepath.Join(dir, rel)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		p := summarizeProgress(string(raw))
		p.RelPath = rel
		p.UpdatedAt = info.ModTime().UTC()
		return p
	}
	return nil
}

// summarizeProgress extracts checklist counts, a short preview, and an
// excerpt from progress markdown.
func summarizeProgress(text string) *WorkerProgress {
	p := &WorkerProgress{}
	for _, m := range checklistBoxPattern.FindAllStringSubmatch(text, -1) {
		p.ChecklistTotal++
		if m[1] != " " {
			p.ChecklistDone++
		}
	}

	var preview, excerpt []string
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			continue
		}
		if len(preview) < 3 {
			preview = append(preview, trimmed)
		}
		if len(excerpt) < 24 {
			excerpt = append(excerpt, trimmed)
		} else {
			break
		}
	}
	p.Preview = strings.Join(preview, "\n")
	p.Excerpt = strings.Join(excerpt, "\n")
	return p
}

// isPlaceholderPreview reports whether a progress preview carries no signal
// yet (fresh task card, bootstrap ack, bare timestamped header).
func isPlaceholderPreview(preview string) bool {
	first := preview
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSpace(first)
	for _, p := range placeholderPatterns {
		if p.MatchString(first) {
			return true
		}
	}
	return false
}

// selectPreview picks between the progress-file preview and the live terminal
// preview. Progress wins unless it is a placeholder and the live preview is
// meaningfully newer.
func selectPreview(progress *WorkerProgress, live string, liveTS time.Time) (preview, source string) {
	if progress == nil || progress.Preview == "" {
		return live, "live"
	}
	if isPlaceholderPreview(progress.Preview) && liveTS.After(progress.UpdatedAt.Add(previewTiebreak)) {
		return live, "live"
	}
	return progress.Preview, "progress"
}
