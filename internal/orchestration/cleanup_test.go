package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/apperr"
)

func isolatedCreateRequest(te *testEngine) CreateRequest {
	te.worktrees.gitRepos["/work/project"] = true
	req := basicCreateRequest()
	req.Workers[0].Isolated = true
	req.Workers[1].Isolated = true
	return req
}

func TestCleanup_Full(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, isolatedCreateRequest(te))
	require.NoError(t, err)
	require.Len(t, te.worktrees.created, 2)

	cleaned, err := te.engine.Cleanup(ctx, o.ID, CleanupRequest{
		StopSessions:    true,
		RemoveWorktrees: true,
	})
	require.NoError(t, err)
	require.NotNil(t, cleaned)
	assert.Equal(t, StatusCleaned, cleaned.Status)
	assert.NotNil(t, cleaned.CleanedAt)
	assert.Empty(t, cleaned.LastError)

	for _, w := range o.Workers {
		assert.True(t, te.sessions.closed[w.SessionID], "worker %s not closed", w.Name)
	}
	assert.True(t, te.sessions.closed[o.OrchestratorSessionID])
	assert.ElementsMatch(t, te.worktrees.created, te.worktrees.removed)
}

func TestCleanup_KeepCoordinator(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)

	_, err = te.engine.Cleanup(ctx, o.ID, CleanupRequest{StopSessions: true, KeepCoordinator: true})
	require.NoError(t, err)

	assert.False(t, te.sessions.closed[o.OrchestratorSessionID])
	assert.True(t, te.sessions.Running(o.OrchestratorSessionID))
}

func TestCleanup_WorktreeRetryWithPrune(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, isolatedCreateRequest(te))
	require.NoError(t, err)

	// First two attempts fail; the third succeeds after prunes.
	te.worktrees.mu.Lock()
	te.worktrees.removeErr[o.Workers[0].WorktreePath] = 2
	te.worktrees.mu.Unlock()

	cleaned, err := te.engine.Cleanup(ctx, o.ID, CleanupRequest{StopSessions: true, RemoveWorktrees: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCleaned, cleaned.Status)
	assert.GreaterOrEqual(t, te.worktrees.pruned, 2)
}

func TestCleanup_WorktreeFailureRecordsError(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, isolatedCreateRequest(te))
	require.NoError(t, err)

	// Exhausts all attempts.
	te.worktrees.mu.Lock()
	te.worktrees.removeErr[o.Workers[0].WorktreePath] = worktreeRemoveAttempts
	te.worktrees.mu.Unlock()

	_, err = te.engine.Cleanup(ctx, o.ID, CleanupRequest{StopSessions: true, RemoveWorktrees: true})
	require.Error(t, err)

	got, err := te.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.LastError, "worktree")

	// A retry after the underlying problem clears succeeds.
	cleaned, err := te.engine.Cleanup(ctx, o.ID, CleanupRequest{StopSessions: true, RemoveWorktrees: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCleaned, cleaned.Status)
}

func TestCleanup_RemoveRecord(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)

	// Seed some runtime state to prove it is dropped.
	te.engine.syncStateFor(o.ID)
	te.engine.autoStateFor(o.ID)

	res, err := te.engine.Cleanup(ctx, o.ID, CleanupRequest{
		StopSessions:   true,
		DeleteSessions: true,
		RemoveRecord:   true,
	})
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = te.engine.Get(ctx, o.ID)
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))

	for _, w := range o.Workers {
		assert.True(t, te.sessions.deleted[w.SessionID])
	}
	te.engine.mu.Lock()
	_, hasSync := te.engine.syncStates[o.ID]
	_, hasAuto := te.engine.autoStates[o.ID]
	te.engine.mu.Unlock()
	assert.False(t, hasSync)
	assert.False(t, hasAuto)
}

func TestCleanup_LockedRefused(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)

	ok, _ := te.engine.locks.Acquire(o.ID, "someone-else")
	require.True(t, ok)

	_, err = te.engine.Cleanup(ctx, o.ID, CleanupRequest{StopSessions: true})
	assert.Equal(t, apperr.CodeOrchestrationLocked, apperr.CodeOf(err))
}

func TestCleanup_NotFound(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.engine.Cleanup(context.Background(), "missing", CleanupRequest{})
	assert.Equal(t, apperr.CodeOrchestrationNotFound, apperr.CodeOf(err))
}
