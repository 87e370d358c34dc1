package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 40; attempt++ {
		d := linkDelay(attempt)
		shift := attempt
		if shift > 4 {
			shift = 4
		}
		base := linkBaseDelay * (1 << shift)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+linkJitterStep)
	}
}

func TestPickToolSession(t *testing.T) {
	spawn := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fresh := spawn.Add(time.Second)
	stale := spawn.Add(-time.Hour)

	sessions := []ToolSession{
		{ID: "old", Cwd: "/work", CreatedAt: stale, UpdatedAt: stale},
		{ID: "pre-existing", Cwd: "/work", CreatedAt: fresh, UpdatedAt: fresh},
		{ID: "claimed", Cwd: "/work", CreatedAt: fresh, UpdatedAt: fresh},
		{ID: "other-dir", Cwd: "/elsewhere", CreatedAt: fresh, UpdatedAt: fresh},
		{ID: "older-match", Cwd: "/work", CreatedAt: spawn.Add(-2 * time.Second), UpdatedAt: spawn.Add(-2 * time.Second)},
		{ID: "newest-match", Cwd: "/work", CreatedAt: fresh, UpdatedAt: fresh.Add(time.Second)},
	}
	snapshot := map[string]bool{"pre-existing": true}
	claimed := map[string]bool{"claimed": true}

	pick := pickToolSession(sessions, "/work", spawn, snapshot, claimed)
	require.NotNil(t, pick)
	assert.Equal(t, "newest-match", pick.ID)
}

func TestPickToolSession_SpawnSlack(t *testing.T) {
	spawn := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// A journal stamped slightly before spawn is still a candidate.
	inSlack := []ToolSession{{ID: "a", Cwd: "/work", UpdatedAt: spawn.Add(-linkSpawnSlack + time.Second)}}
	require.NotNil(t, pickToolSession(inSlack, "/work", spawn, nil, nil))

	beyond := []ToolSession{{ID: "b", Cwd: "/work", UpdatedAt: spawn.Add(-linkSpawnSlack - time.Second)}}
	assert.Nil(t, pickToolSession(beyond, "/work", spawn, nil, nil))
}

func TestPickToolSession_UnknownCwdAccepted(t *testing.T) {
	spawn := time.Now().UTC()
	sessions := []ToolSession{{ID: "a", Cwd: "", UpdatedAt: spawn}}

	// Journals without a cwd record cannot be excluded on directory.
	pick := pickToolSession(sessions, "/work", spawn, nil, nil)
	require.NotNil(t, pick)
	assert.Equal(t, "a", pick.ID)
}

func TestCodexIndex_Sessions(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "2026", "08", "24")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// Flat metadata record.
	writeFile(t, filepath.Join(sub, "rollout-a.jsonl"),
		`{"id":"flat-id","cwd":"/work/app","timestamp":"2026-08-24T10:00:00Z"}`+"\n")

	// Payload-wrapped record.
	writeFile(t, filepath.Join(sub, "rollout-b.jsonl"),
		`{"type":"session_meta","payload":{"id":"wrapped-id","cwd":"/work/lib"}}`+"\n")

	// No parseable metadata; the id comes from the filename.
	writeFile(t, filepath.Join(sub, "rollout-2026-08-24T10-00-00-0199a213-810d-7833-82dd-dd8ca7e00a0b.jsonl"),
		"not json\n")

	// Non-journal files are skipped.
	writeFile(t, filepath.Join(sub, "notes.txt"), "ignore\n")

	index := NewCodexIndex(dir)
	sessions, err := index.Sessions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	byID := map[string]ToolSession{}
	for _, ts := range sessions {
		byID[ts.ID] = ts
	}
	assert.Equal(t, "/work/app", byID["flat-id"].Cwd)
	assert.Equal(t, "2026-08-24T10:00:00Z", byID["flat-id"].CreatedAt.Format(time.RFC3339))
	assert.Equal(t, "/work/lib", byID["wrapped-id"].Cwd)
	assert.Contains(t, byID, "0199a213-810d-7833-82dd-dd8ca7e00a0b")
}

func TestCodexIndex_MissingDir(t *testing.T) {
	index := NewCodexIndex(filepath.Join(t.TempDir(), "nope"))
	sessions, err := index.Sessions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRolloutIDFromName(t *testing.T) {
	assert.Equal(t, "0199a213-810d-7833-82dd-dd8ca7e00a0b",
		rolloutIDFromName("rollout-2026-08-24T10-00-00-0199a213-810d-7833-82dd-dd8ca7e00a0b.jsonl"))
	assert.Empty(t, rolloutIDFromName("short.jsonl"))
	assert.Empty(t, rolloutIDFromName("rollout-2026-08-24T10-00-00-not-a-uuid-but-36-chars-long-xx.jsonl"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
