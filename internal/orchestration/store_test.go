package orchestration

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/apperr"
)

func newTestOrchStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)
	return store
}

func sampleOrchestration(id string) *Orchestration {
	return &Orchestration{
		ID:                    id,
		Name:                  "demo",
		ProjectPath:           "/work/project",
		OrchestratorSessionID: "orch-" + id,
		Status:                StatusActive,
		SyncPolicy:            DefaultSyncPolicy(),
		AutomationPolicy:      DefaultAutomationPolicy(),
		Workers: []Worker{
			{WorkerIndex: 0, Name: "backend", SessionID: "w0-" + id, Tool: "codex", ProjectPath: "/work/project", TaskPrompt: "api"},
			{WorkerIndex: 1, Name: "frontend", SessionID: "w1-" + id, Tool: "claude", ProjectPath: "/work/project", Branch: "fyp/demo-frontend"},
		},
	}
}

func TestOrchStore_CreateAndGet(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, SyncModeManual, got.SyncPolicy.Mode)
	require.Len(t, got.Workers, 2)
	assert.Equal(t, "backend", got.Workers[0].Name)
	assert.Equal(t, "fyp/demo-frontend", got.Workers[1].Branch)
	assert.Nil(t, got.CleanedAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestOrchStore_GetNotFound(t *testing.T) {
	store := newTestOrchStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))
}

func TestOrchStore_GetByOrchestratorSession(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	got, err := store.GetByOrchestratorSession(ctx, "orch-o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)
	require.Len(t, got.Workers, 2)

	_, err = store.GetByOrchestratorSession(ctx, "w0-o1")
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))
}

func TestOrchStore_ListAndIDs(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))
	require.NoError(t, store.Create(ctx, sampleOrchestration("o2")))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, ids)
}

func TestOrchStore_StatusTransitions(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	require.NoError(t, store.SetStatus(ctx, "o1", StatusError, "worktree busy"))
	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "worktree busy", got.LastError)

	require.NoError(t, store.SetCleaned(ctx, "o1"))
	got, err = store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusCleaned, got.Status)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.CleanedAt)
}

func TestOrchStore_PolicyRoundtrip(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	sp := SyncPolicy{Mode: SyncModeInterval, IntervalMs: 60000, DeliverToOrchestrator: false, MinDeliveryGapMs: 20000}
	require.NoError(t, store.SetSyncPolicy(ctx, "o1", sp))

	ap := AutomationPolicy{QuestionMode: "orchestrator", SteeringMode: "active_steering",
		QuestionTimeoutMs: 45000, ReviewIntervalMs: 90000, YoloMode: true}
	require.NoError(t, store.SetAutomationPolicy(ctx, "o1", ap))

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, sp, got.SyncPolicy)
	assert.Equal(t, ap, got.AutomationPolicy)

	// Updates against a missing id report not found.
	err = store.SetSyncPolicy(ctx, "ghost", sp)
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))
}

func TestOrchStore_Delete(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	require.NoError(t, store.Delete(ctx, "o1"))
	_, err := store.Get(ctx, "o1")
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))

	var count int
	require.NoError(t, store.db.QueryRow(
		`SELECT COUNT(*) FROM orchestration_workers WHERE orchestration_id = 'o1'`).Scan(&count))
	assert.Zero(t, count)
}

func TestOrchStore_DuplicateOrchestratorSessionRejected(t *testing.T) {
	store := newTestOrchStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrchestration("o1")))

	dup := sampleOrchestration("o2")
	dup.OrchestratorSessionID = "orch-o1"
	assert.Error(t, store.Create(ctx, dup))
}
