package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/interpret"
)

// FileScaffolder writes the docs agents read on startup: one task card per
// worker in the worker's working directory, plus a coordinator handbook in
// the project root. Paths line up with the progress probe candidates so a
// worker editing its card is immediately visible as progress.
type FileScaffolder struct {
	logger *logger.Logger
}

func NewFileScaffolder(log *logger.Logger) *FileScaffolder {
	return &FileScaffolder{logger: log.WithFields(zap.String("component", "scaffold"))}
}

func (s *FileScaffolder) WriteScaffold(ctx context.Context, o *Orchestration, req CreateRequest) error {
	for i := range o.Workers {
		if err := s.writeTaskCard(o, &o.Workers[i]); err != nil {
			return err
		}
	}
	return s.writeHandbook(o, req)
}

// taskCardRelPath is the first progress probe candidate for this worker.
func taskCardRelPath(w *Worker) string {
	n := w.WorkerIndex + 1
	if slug := slugify(w.Name); slug != "" {
		return fmt.Sprintf(".agents/tasks/worker-%d-%s.md", n, slug)
	}
	return fmt.Sprintf(".agents/tasks/worker-%d.md", n)
}

func (s *FileScaffolder) writeTaskCard(o *Orchestration, w *Worker) error {
	dir := w.WorktreePath
	if dir == "" {
		dir = w.ProjectPath
	}
	rel := taskCardRelPath(w)

	var b strings.Builder
	fmt.Fprintf(&b, "# Worker %d Task Card\n\n", w.WorkerIndex+1)
	fmt.Fprintf(&b, "- Orchestration: %s (`%s`)\n", o.Name, o.ID)
	fmt.Fprintf(&b, "- Worker: %s\n", w.Name)
	if w.Role != "" {
		fmt.Fprintf(&b, "- Role: %s\n", w.Role)
	}
	if w.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", w.Branch)
	}
	b.WriteString("\n## Task\n\n")
	if w.TaskPrompt != "" {
		b.WriteString(strings.TrimSpace(w.TaskPrompt))
		b.WriteString("\n")
	} else {
		b.WriteString("No task assigned yet. Wait for a dispatch from the coordinator.\n")
	}
	b.WriteString("\n## Progress\n\n")
	b.WriteString("Keep this file current: replace this section with your plan as a\n")
	b.WriteString("markdown checklist and tick items off as you finish them. The\n")
	b.WriteString("coordinator reads this file to track your progress.\n")

	return s.write(filepath.Join(dir, rel), b.String())
}

// writeHandbook writes the coordinator reference doc: the roster and the
// directive lines the coordinator emits to steer workers.
func (s *FileScaffolder) writeHandbook(o *Orchestration, req CreateRequest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Orchestration %s\n\n", o.Name)
	fmt.Fprintf(&b, "You are the coordinator of orchestration `%s`. You supervise the\n", o.ID)
	b.WriteString("workers below; each has a task card under `.agents/tasks/` in its\n")
	b.WriteString("working directory.\n\n## Workers\n\n")
	for i := range o.Workers {
		w := &o.Workers[i]
		fmt.Fprintf(&b, "- worker %d: %s", w.WorkerIndex+1, w.Name)
		if w.Role != "" {
			fmt.Fprintf(&b, " (%s)", w.Role)
		}
		if w.WorktreePath != "" {
			fmt.Fprintf(&b, " in `%s` on branch `%s`", w.WorktreePath, w.Branch)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n## Directives\n\n")
	b.WriteString("Steer workers by printing a directive alone on one line: a literal\n")
	b.WriteString("prefix followed by a compact JSON object.\n\n")
	fmt.Fprintf(&b, "    %s{\"target\":\"all\",\"text\":\"...\"}\n", interpret.DispatchPrefix)
	fmt.Fprintf(&b, "    %s{\"target\":\"worker-1\",\"task\":\"...\",\"initialize\":true}\n", interpret.SendTaskPrefix)
	fmt.Fprintf(&b, "    %s{\"attentionId\":123,\"optionId\":\"allow\"}\n", interpret.AnswerQuestionPrefix)
	b.WriteString("\nTargets are `all`, `worker-<n>`, a worker name, or a session id.\n")
	b.WriteString("Sync digests summarizing worker progress arrive as input when the\n")
	b.WriteString("sync policy delivers them.\n")

	return s.write(filepath.Join(o.ProjectPath, ".agents", "orchestration.md"), b.String())
}

func (s *FileScaffolder) write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scaffold mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("scaffold write %s: %w", path, err)
	}
	s.logger.Debug("wrote scaffold doc", zap.String("path", path))
	return nil
}
