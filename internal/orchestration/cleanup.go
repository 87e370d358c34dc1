package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/events"
)

// Cleanup tears down an orchestration under its advisory lock: sessions
// first, then worktrees, then optionally the record itself. Partial failure
// leaves the record in status error with lastError set so cleanup can be
// retried.
func (e *Engine) Cleanup(ctx context.Context, id string, req CleanupRequest) (*Orchestration, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ok, holder := e.locks.Acquire(id, "cleanup")
	if !ok {
		return nil, apperr.Newf(apperr.CodeOrchestrationLocked,
			"orchestration %s locked by %s", id, holder.Owner)
	}
	defer e.locks.Release(id, "cleanup")

	if err := e.store.SetStatus(ctx, id, StatusCleaning, ""); err != nil {
		return nil, err
	}
	e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})

	var failures []string

	if req.StopSessions || req.DeleteSessions {
		// Workers close in parallel; each close waits out its grace period.
		var mu sync.Mutex
		var g errgroup.Group
		for _, w := range o.Workers {
			w := w
			g.Go(func() error {
				if err := e.teardownSession(ctx, w.SessionID, req.DeleteSessions); err != nil {
					mu.Lock()
					failures = append(failures, fmt.Sprintf("worker %s: %v", w.Name, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if !req.KeepCoordinator {
			if err := e.teardownSession(ctx, o.OrchestratorSessionID, req.DeleteSessions); err != nil {
				failures = append(failures, fmt.Sprintf("orchestrator: %v", err))
			}
		}
	}

	if req.RemoveWorktrees {
		for _, w := range o.Workers {
			if w.WorktreePath == "" {
				continue
			}
			if err := e.removeWorktree(ctx, w.ProjectPath, w.WorktreePath); err != nil {
				failures = append(failures, fmt.Sprintf("worktree %s: %v", w.WorktreePath, err))
			}
		}
	}

	if len(failures) > 0 {
		lastError := strings.Join(failures, "; ")
		if err := e.store.SetStatus(ctx, id, StatusError, lastError); err != nil {
			e.logger.Error("failed to record cleanup error", zap.String("orchestration_id", id), zap.Error(err))
		}
		e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})
		return nil, apperr.Newf(apperr.CodeOrchestrationFailed, "cleanup failed: %s", lastError)
	}

	if req.RemoveRecord {
		if err := e.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		e.dropState(id)
		e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})
		return nil, nil
	}

	if err := e.store.SetCleaned(ctx, id); err != nil {
		return nil, err
	}
	e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})
	return e.store.Get(ctx, id)
}

// teardownSession force-closes a session and optionally deletes its record
// and transcripts. A session that is already gone is not a failure.
func (e *Engine) teardownSession(ctx context.Context, sessionID string, deleteRecord bool) error {
	if e.sessions.Running(sessionID) {
		if err := e.sessions.Close(ctx, sessionID, true, e.cfg.CloseGrace); err != nil &&
			!apperr.Is(err, apperr.CodeSessionNotFound) {
			return err
		}
	}
	if !deleteRecord {
		return nil
	}
	if err := e.sessions.Delete(ctx, sessionID, true); err != nil &&
		!apperr.Is(err, apperr.CodeSessionNotFound) {
		return err
	}
	return nil
}

// removeWorktree retries removal with a prune between attempts; a freshly
// exited worker can hold the tree busy for a moment.
func (e *Engine) removeWorktree(ctx context.Context, repoPath, worktreePath string) error {
	var lastErr error
	for attempt := 1; attempt <= worktreeRemoveAttempts; attempt++ {
		lastErr = e.worktrees.Remove(ctx, repoPath, worktreePath)
		if lastErr == nil {
			return nil
		}
		e.logger.Warn("worktree remove failed",
			zap.String("worktree", worktreePath),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < worktreeRemoveAttempts {
			if err := e.worktrees.Prune(ctx, repoPath); err != nil {
				e.logger.Debug("worktree prune failed", zap.String("repo", repoPath), zap.Error(err))
			}
		}
	}
	return lastErr
}
