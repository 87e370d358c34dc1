package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/transcript"
)

// Sync refusal reasons. Callers branch on these; keep the set closed.
const (
	SyncReasonInFlight          = "in_flight"
	SyncReasonLocked            = "locked"
	SyncReasonUnchanged         = "unchanged"
	SyncReasonCollectOnly       = "collect_only"
	SyncReasonCooldown          = "cooldown"
	SyncReasonPendingAttention  = "orchestrator_pending_attention"
	SyncReasonDeliverFailed     = "deliver_failed"
	SyncReasonCoordinatorClosed = "orchestrator_not_running"
)

// syncState is the per-orchestration sync runtime. Guarded by Engine.mu for
// lookup; its own fields are only touched by the single in-flight sync.
type syncState struct {
	inFlight        bool
	lastDigestHash  string
	lastWorkerHash  map[string]string // worker sessionId -> last snapshot hash
	lastRunAt       time.Time
	lastDeliveredAt time.Time
	idleSignaled    map[string]bool // worker sessionId -> idle signal fired
}

func (e *Engine) syncStateFor(id string) *syncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.syncStates[id]
	if !ok {
		st = &syncState{
			lastWorkerHash: make(map[string]string),
			idleSignaled:   make(map[string]bool),
		}
		e.syncStates[id] = st
	}
	return st
}

// dropState removes all runtime state for an orchestration. Cleanup calls
// this after removing the record.
func (e *Engine) dropState(id string) {
	e.mu.Lock()
	if st, ok := e.autoStates[id]; ok {
		st.stopTimers()
	}
	delete(e.syncStates, id)
	delete(e.autoStates, id)
	e.mu.Unlock()
	e.locks.Drop(id)
}

// RunSync collects the per-worker digest and, unless refused, delivers it to
// the coordinator session. Every refusal path reports its reason; collection
// still happens so the digest hash stays current.
func (e *Engine) RunSync(ctx context.Context, id string, req SyncRequest) (*SyncResult, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	st := e.syncStateFor(id)
	e.mu.Lock()
	if st.inFlight {
		e.mu.Unlock()
		return &SyncResult{Reason: SyncReasonInFlight}, nil
	}
	st.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		st.inFlight = false
		e.mu.Unlock()
	}()

	ok, holder := e.locks.Acquire(id, "sync:"+req.Trigger)
	if !ok {
		return &SyncResult{Reason: fmt.Sprintf("%s:%s", SyncReasonLocked, holder.Owner)}, nil
	}
	defer e.locks.Release(id, "sync:"+req.Trigger)

	statuses, err := e.Progress(ctx, id)
	if err != nil {
		return nil, err
	}
	digest := buildDigest(o, statuses)
	hash := digestHash(statuses)
	changed := 0
	workerHashes := make(map[string]string, len(statuses))
	e.mu.Lock()
	for _, ws := range statuses {
		wh := workerHash(ws)
		workerHashes[ws.Worker.SessionID] = wh
		if st.lastWorkerHash[ws.Worker.SessionID] != wh {
			changed++
		}
	}
	st.lastRunAt = time.Now()
	lastDelivered := st.lastDeliveredAt
	e.mu.Unlock()

	result := &SyncResult{Digest: digest, Changed: changed}

	commit := func() {
		e.mu.Lock()
		st.lastDigestHash = hash
		st.lastWorkerHash = workerHashes
		e.mu.Unlock()
	}

	deliver := o.SyncPolicy.DeliverToOrchestrator
	if req.DeliverToOrchestrator != nil {
		deliver = *req.DeliverToOrchestrator
	}
	// The delivery gap and pending-attention gates throttle the background
	// interval loop only; explicit triggers deliver.
	interval := req.Trigger == "interval"
	switch {
	case !deliver:
		commit()
		result.Reason = SyncReasonCollectOnly
		return result, nil
	case changed == 0 && !req.Force:
		result.Reason = SyncReasonUnchanged
		return result, nil
	case interval && !req.Force && time.Since(lastDelivered) < o.SyncPolicy.MinDeliveryGap():
		result.Reason = SyncReasonCooldown
		return result, nil
	case !e.sessions.Running(o.OrchestratorSessionID):
		result.Reason = SyncReasonCoordinatorClosed
		return result, nil
	}

	if interval && !req.Force {
		if counts, err := e.inbox.OpenCounts(ctx); err == nil && counts[o.OrchestratorSessionID] > 0 {
			result.Reason = SyncReasonPendingAttention
			return result, nil
		}
	}

	if _, err := e.sessions.Input(ctx, o.OrchestratorSessionID, digest); err != nil {
		result.Reason = SyncReasonDeliverFailed
		e.logger.Warn("sync delivery failed", zap.String("orchestration_id", id), zap.Error(err))
		return result, nil
	}

	commit()
	e.mu.Lock()
	st.lastDeliveredAt = time.Now()
	e.mu.Unlock()
	result.Sent = true

	if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventOrchestrationSync, map[string]any{
		"orchestrationId": id,
		"trigger":         req.Trigger,
		"workers":         len(statuses),
		"digestHash":      hash,
	}); err != nil {
		e.logger.Warn("failed to append sync event", zap.String("orchestration_id", id), zap.Error(err))
	}
	return result, nil
}

// buildDigest renders the worker digest delivered to the coordinator.
func buildDigest(o *Orchestration, statuses []WorkerStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "WORKER STATUS DIGEST (%s)\n", o.Name)
	for _, ws := range statuses {
		fmt.Fprintf(&b, "\n[%d] %s", ws.Worker.WorkerIndex+1, ws.Worker.Name)
		if ws.Worker.Branch != "" {
			fmt.Fprintf(&b, " (branch %s)", ws.Worker.Branch)
		}
		fmt.Fprintf(&b, "\nstate: %s", ws.Activity)
		if ws.Attention > 0 {
			fmt.Fprintf(&b, ", %d open question(s)", ws.Attention)
		}
		if p := ws.Progress; p != nil {
			if p.ChecklistTotal > 0 {
				fmt.Fprintf(&b, "\nchecklist: %d/%d", p.ChecklistDone, p.ChecklistTotal)
			}
			fmt.Fprintf(&b, "\nprogress (%s):\n%s", p.RelPath, p.Excerpt)
		} else if ws.Preview != "" {
			fmt.Fprintf(&b, "\nlast output:\n%s", ws.Preview)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReply with FYP_DISPATCH_JSON directives to steer workers, or no directive if all is on track.")
	return b.String()
}

// workerHash is a stable fingerprint over one worker's non-volatile snapshot
// fields. Timestamps and sequence numbers are excluded so an unchanged worker
// hashes identically across runs.
func workerHash(ws WorkerStatus) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%t|%d|%s|%s|", ws.Worker.SessionID, ws.Running, ws.Attention, ws.Activity, ws.PreviewSource)
	if p := ws.Progress; p != nil {
		fmt.Fprintf(h, "%s|%d|%d|%s|", p.RelPath, p.ChecklistDone, p.ChecklistTotal, p.Excerpt)
	} else {
		fmt.Fprintf(h, "%s|", ws.Preview)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// digestHash fingerprints the whole digest from per-worker hashes.
func digestHash(statuses []WorkerStatus) string {
	h := sha256.New()
	for _, ws := range statuses {
		h.Write([]byte(workerHash(ws)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// StartTicker runs the periodic loop: interval-mode syncs when due, idle
// crossing detection, and steering reviews. Returns when ctx is done or
// Shutdown is called.
func (e *Engine) StartTicker(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Shutdown stops the ticker loop and pending automation timers.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.mu.Lock()
	for _, st := range e.autoStates {
		st.stopTimers()
	}
	e.mu.Unlock()
}

func (e *Engine) tick(ctx context.Context) {
	ids, err := e.store.IDs(ctx)
	if err != nil {
		e.logger.Warn("ticker failed to list orchestrations", zap.Error(err))
		return
	}
	for _, id := range ids {
		o, err := e.store.Get(ctx, id)
		if err != nil || o.Status != StatusActive {
			continue
		}
		e.tickIdleSignals(ctx, o)
		e.tickIntervalSync(ctx, o)
		e.tickSteeringReview(ctx, o)
		e.tickQuestionTimeouts(ctx, o)
	}
}

func (e *Engine) tickIntervalSync(ctx context.Context, o *Orchestration) {
	if o.SyncPolicy.Mode != SyncModeInterval {
		return
	}
	st := e.syncStateFor(o.ID)
	e.mu.Lock()
	due := time.Since(st.lastRunAt) >= o.SyncPolicy.Interval()
	e.mu.Unlock()
	if !due {
		return
	}
	if _, err := e.RunSync(ctx, o.ID, SyncRequest{Trigger: "interval"}); err != nil {
		e.logger.Warn("interval sync failed", zap.String("orchestration_id", o.ID), zap.Error(err))
	}
}

// tickIdleSignals fires a collect-only sync once per idle stretch when a
// worker crosses the idle threshold.
func (e *Engine) tickIdleSignals(ctx context.Context, o *Orchestration) {
	st := e.syncStateFor(o.ID)
	collect := false
	for _, w := range o.Workers {
		if !e.sessions.Running(w.SessionID) {
			continue
		}
		idle := time.Since(e.lastSeen(w.SessionID)) >= e.cfg.IdleThreshold
		e.mu.Lock()
		fired := st.idleSignaled[w.SessionID]
		switch {
		case idle && !fired:
			st.idleSignaled[w.SessionID] = true
			collect = true
		case !idle && fired:
			delete(st.idleSignaled, w.SessionID)
		}
		e.mu.Unlock()
	}
	if !collect {
		return
	}
	deliver := false
	if _, err := e.RunSync(ctx, o.ID, SyncRequest{Trigger: "worker.idle", DeliverToOrchestrator: &deliver}); err != nil {
		e.logger.Warn("idle-signal sync failed", zap.String("orchestration_id", o.ID), zap.Error(err))
	}
}
