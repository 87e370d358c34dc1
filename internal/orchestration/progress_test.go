package orchestration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProgress(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProbeProgress_CandidatePriority(t *testing.T) {
	dir := t.TempDir()
	writeProgress(t, dir, "PROGRESS.md", "# fallback")
	writeProgress(t, dir, ".agents/tasks/worker-1-backend.md", "# worker card\n- [x] step one\n- [ ] step two")

	p := probeProgress(dir, 0, "backend")
	require.NotNil(t, p)
	assert.Equal(t, ".agents/tasks/worker-1-backend.md", p.RelPath)
	assert.Equal(t, 1, p.ChecklistDone)
	assert.Equal(t, 2, p.ChecklistTotal)
	assert.Contains(t, p.Preview, "# worker card")
}

func TestProbeProgress_NoFile(t *testing.T) {
	assert.Nil(t, probeProgress(t.TempDir(), 0, "backend"))
	assert.Nil(t, probeProgress("", 0, "backend"))
}

func TestSummarizeProgress(t *testing.T) {
	text := "# Title\n\nIntro line.\n\n```sh\nignored in fence\n```\n\n- [x] done one\n- [X] done two\n* [ ] open one\n"
	p := summarizeProgress(text)
	assert.Equal(t, 2, p.ChecklistDone)
	assert.Equal(t, 3, p.ChecklistTotal)
	assert.Equal(t, "# Title\nIntro line.\n- [x] done one", p.Preview)
	assert.NotContains(t, p.Excerpt, "ignored in fence")
}

func TestIsPlaceholderPreview(t *testing.T) {
	assert.True(t, isPlaceholderPreview("# Worker 3 Task Card"))
	assert.True(t, isPlaceholderPreview("BOOTSTRAP-ACK received"))
	assert.True(t, isPlaceholderPreview("# Session 2026-08-24T10:15 start"))
	assert.False(t, isPlaceholderPreview("# Worker notes"))
	assert.False(t, isPlaceholderPreview("Implementing the parser"))
}

func TestSelectPreview(t *testing.T) {
	now := time.Now()

	// No progress file: live wins.
	preview, source := selectPreview(nil, "compiling", now)
	assert.Equal(t, "compiling", preview)
	assert.Equal(t, "live", source)

	// Real progress beats live regardless of recency.
	p := &WorkerProgress{Preview: "Implementing the parser", UpdatedAt: now.Add(-time.Hour)}
	preview, source = selectPreview(p, "compiling", now)
	assert.Equal(t, "Implementing the parser", preview)
	assert.Equal(t, "progress", source)

	// Placeholder progress loses to a meaningfully newer live preview.
	ph := &WorkerProgress{Preview: "# Worker 1 Task Card", UpdatedAt: now.Add(-time.Second)}
	preview, source = selectPreview(ph, "compiling", now)
	assert.Equal(t, "compiling", preview)
	assert.Equal(t, "live", source)

	// Inside the tiebreak window the placeholder still wins.
	ph.UpdatedAt = now
	preview, source = selectPreview(ph, "compiling", now.Add(100*time.Millisecond))
	assert.Equal(t, "# Worker 1 Task Card", preview)
	assert.Equal(t, "progress", source)
}

func TestDeriveWorktreePath(t *testing.T) {
	got := deriveWorktreePath("/work/My Project", "Sprint One", "Backend Dev")
	assert.Equal(t, "/work/.fyp-worktrees/My Project/sprint-one-backend-dev", got)
}

func TestSlugifyAndCanonicalize(t *testing.T) {
	assert.Equal(t, "backend-dev-2", slugify("Backend Dev #2"))
	assert.Equal(t, "", slugify("!!!"))
	assert.Equal(t, "backenddev2", canonicalize("Backend Dev #2"))
}
