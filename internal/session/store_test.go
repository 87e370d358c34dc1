package session

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := &Meta{
		ID:        "s1",
		Tool:      ToolCodex,
		Transport: TransportPTY,
		Cwd:       "/work/app",
		Label:     "worker 1",
		TaskID:    "t1",
	}
	require.NoError(t, store.Create(ctx, meta))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ToolCodex, got.Tool)
	assert.Equal(t, "worker 1", got.Label)
	assert.Empty(t, got.ToolSessionID)
	assert.Nil(t, got.ExitCode)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
}

func TestStore_ToolSessionUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Meta{ID: "s1", Tool: ToolCodex, Transport: TransportPTY, ToolSessionID: "tool-a"}))

	err := store.Create(ctx, &Meta{ID: "s2", Tool: ToolCodex, Transport: TransportPTY, ToolSessionID: "tool-a"})
	assert.True(t, apperr.Is(err, apperr.CodeBadID))

	// Empty tool session ids never collide.
	require.NoError(t, store.Create(ctx, &Meta{ID: "s3", Tool: ToolCodex, Transport: TransportPTY}))
	require.NoError(t, store.Create(ctx, &Meta{ID: "s4", Tool: ToolCodex, Transport: TransportPTY}))
}

func TestStore_LinkToolSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Meta{ID: "s1", Tool: ToolCodex, Transport: TransportPTY}))
	require.NoError(t, store.Create(ctx, &Meta{ID: "s2", Tool: ToolCodex, Transport: TransportPTY}))

	require.NoError(t, store.LinkToolSession(ctx, "s1", "tool-a"))

	err := store.LinkToolSession(ctx, "s2", "tool-a")
	assert.True(t, apperr.Is(err, apperr.CodeBadID))

	linked, err := store.LinkedToolSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tool-a": "s1"}, linked)
}

func TestStore_PinnedSlotEviction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Meta{ID: "s1", Tool: ToolCodex, Transport: TransportPTY}))
	require.NoError(t, store.Create(ctx, &Meta{ID: "s2", Tool: ToolCodex, Transport: TransportPTY}))

	require.NoError(t, store.SetPinnedSlot(ctx, "s1", 3))
	require.NoError(t, store.SetPinnedSlot(ctx, "s2", 3))

	s1, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	s2, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 0, s1.PinnedSlot)
	assert.Equal(t, 3, s2.PinnedSlot)

	assert.Error(t, store.SetPinnedSlot(ctx, "s2", 7))
}

func TestStore_SetExit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Meta{ID: "s1", Tool: ToolClaude, Transport: TransportPTY}))
	require.NoError(t, store.SetExit(ctx, "s1", 137, "SIGKILL"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
	assert.Equal(t, "SIGKILL", got.Signal)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Meta{ID: "s1", Tool: ToolOpencode, Transport: TransportPTY}))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
}

func TestResolveWorkspace(t *testing.T) {
	roots := []string{"/home/dev/projects/app", "/srv/repos"}

	key, root := ResolveWorkspace(roots, "/home/dev/projects/app/src/internal")
	assert.Equal(t, "app", key)
	assert.Equal(t, "/home/dev/projects/app", root)

	key, root = ResolveWorkspace(roots, "/srv/repos")
	assert.Equal(t, "repos", key)
	assert.Equal(t, "/srv/repos", root)

	// Prefix match is path-aware, not string-aware.
	key, _ = ResolveWorkspace(roots, "/home/dev/projects/app-other")
	assert.Empty(t, key)

	key, _ = ResolveWorkspace(roots, "/tmp/elsewhere")
	assert.Empty(t, key)
}

func TestClampDims(t *testing.T) {
	c, r := clampDims(0, 0)
	assert.Equal(t, uint16(MinCols), c)
	assert.Equal(t, uint16(MinRows), r)

	c, r = clampDims(10000, 10000)
	assert.Equal(t, uint16(MaxCols), c)
	assert.Equal(t, uint16(MaxRows), r)

	c, r = clampDims(120, 40)
	assert.Equal(t, uint16(120), c)
	assert.Equal(t, uint16(40), r)
}
