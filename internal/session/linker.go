package session

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ToolSession is one entry of an agent's native session index.
type ToolSession struct {
	ID        string
	Cwd       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolIndex reads an agent's native session log index. Codex and Claude both
// journal sessions to disk; the supervisor scans the index after spawn to
// link the native id.
type ToolIndex interface {
	Sessions(ctx context.Context, cwd string) ([]ToolSession, error)
}

// Linking scan bounds.
const (
	linkMaxAttempts = 30
	linkBaseDelay   = 250 * time.Millisecond
	linkJitterStep  = 650 * time.Millisecond
	// A session journal may carry a timestamp slightly before our spawn time.
	linkSpawnSlack = 12 * time.Second
)

// linkDelay computes the backoff before the given attempt: a growing base
// plus a random slice of the jitter step.
func linkDelay(attempt int) time.Duration {
	shift := attempt
	if shift > 4 {
		shift = 4
	}
	return linkBaseDelay*(1<<shift) + time.Duration(rand.Int63n(int64(linkJitterStep)))
}

// pickToolSession selects the newest candidate under cwd that is recent
// enough, not claimed by another session, and not in the pre-spawn snapshot.
func pickToolSession(sessions []ToolSession, cwd string, spawnTime time.Time, snapshot, claimed map[string]bool) *ToolSession {
	cutoff := spawnTime.Add(-linkSpawnSlack)

	var candidates []ToolSession
	for _, ts := range sessions {
		if ts.ID == "" || snapshot[ts.ID] || claimed[ts.ID] {
			continue
		}
		if cwd != "" && ts.Cwd != "" && filepath.Clean(ts.Cwd) != filepath.Clean(cwd) {
			continue
		}
		newest := ts.UpdatedAt
		if ts.CreatedAt.After(newest) {
			newest = ts.CreatedAt
		}
		if newest.Before(cutoff) {
			continue
		}
		candidates = append(candidates, ts)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := candidates[i].UpdatedAt, candidates[j].UpdatedAt
		if candidates[i].CreatedAt.After(ni) {
			ni = candidates[i].CreatedAt
		}
		if candidates[j].CreatedAt.After(nj) {
			nj = candidates[j].CreatedAt
		}
		return ni.After(nj)
	})
	return &candidates[0]
}

// codexIndex scans Codex rollout journals under sessionsDir (defaults to
// ~/.codex/sessions). Each journal is a jsonl file whose first record carries
// the session metadata.
type codexIndex struct {
	sessionsDir string
}

// NewCodexIndex builds a ToolIndex over the Codex session journal directory.
// An empty dir resolves to ~/.codex/sessions.
func NewCodexIndex(dir string) ToolIndex {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".codex", "sessions")
		}
	}
	return &codexIndex{sessionsDir: dir}
}

func (x *codexIndex) Sessions(ctx context.Context, _ string) ([]ToolSession, error) {
	var sessions []ToolSession
	err := filepath.WalkDir(x.sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep scanning
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		meta := readRolloutMeta(path)
		if meta.ID == "" {
			meta.ID = rolloutIDFromName(d.Name())
		}
		if meta.ID == "" {
			return nil
		}
		created := meta.CreatedAt
		if created.IsZero() {
			created = info.ModTime()
		}
		sessions = append(sessions, ToolSession{
			ID:        meta.ID,
			Cwd:       meta.Cwd,
			CreatedAt: created,
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return sessions, err
	}
	return sessions, nil
}

type rolloutMeta struct {
	ID        string
	Cwd       string
	CreatedAt time.Time
}

// readRolloutMeta parses the first journal record for the session id and cwd.
// Both flat and payload-wrapped shapes occur across Codex versions.
func readRolloutMeta(path string) rolloutMeta {
	f, err := os.Open(path)
	if err != nil {
		return rolloutMeta{}
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	if !scanner.Scan() {
		return rolloutMeta{}
	}

	var record struct {
		ID        string    `json:"id"`
		Cwd       string    `json:"cwd"`
		Timestamp time.Time `json:"timestamp"`
		Payload   struct {
			ID  string `json:"id"`
			Cwd string `json:"cwd"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		return rolloutMeta{}
	}

	meta := rolloutMeta{ID: record.ID, Cwd: record.Cwd, CreatedAt: record.Timestamp}
	if meta.ID == "" {
		meta.ID = record.Payload.ID
	}
	if meta.Cwd == "" {
		meta.Cwd = record.Payload.Cwd
	}
	return meta
}

// rolloutIDFromName extracts the trailing uuid from names like
// rollout-2026-01-02T03-04-05-<uuid>.jsonl.
func rolloutIDFromName(name string) string {
	name = strings.TrimSuffix(name, ".jsonl")
	// uuid: 8-4-4-4-12 hex, 36 chars
	if len(name) < 36 {
		return ""
	}
	tail := name[len(name)-36:]
	for i, r := range tail {
		switch {
		case i == 8 || i == 13 || i == 18 || i == 23:
			if r != '-' {
				return ""
			}
		case (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F'):
			return ""
		}
	}
	return tail
}
