package orchestration

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/events"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/inbox"
	"github.com/fyp/fyp/internal/transcript"
)

// maxBatchOptions caps the options listed per question in a batch prompt.
const maxBatchOptions = 8

// autoQuestionKind reports whether an attention kind is eligible for
// orchestrator question forwarding.
func autoQuestionKind(kind string) bool {
	switch kind {
	case "claude.permission", "codex.approval", "codex.native.user_input":
		return true
	}
	return strings.HasPrefix(kind, "codex.native.approval.")
}

// autoState is the per-orchestration automation runtime: the question batch,
// open-question deadlines, steering review clock, worker-signal coalescers,
// and done latches.
type autoState struct {
	mu           sync.Mutex
	queued       []int64             // attention ids awaiting the next batch
	batchTimer   *time.Timer
	deadlines    map[int64]time.Time // attention id -> timeout deadline
	lastReviewAt time.Time
	coalescers   map[string]*time.Timer // sessionId|trigger -> pending one-shot
	lastSignalAt map[string]time.Time   // sessionId|trigger -> last fire
	doneLatch    map[string]bool        // worker sessionId -> completion latched
}

func (st *autoState) stopTimers() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.batchTimer != nil {
		st.batchTimer.Stop()
		st.batchTimer = nil
	}
	for _, t := range st.coalescers {
		t.Stop()
	}
	st.coalescers = make(map[string]*time.Timer)
}

func (e *Engine) autoStateFor(id string) *autoState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.autoStates[id]
	if !ok {
		st = &autoState{
			deadlines:    make(map[int64]time.Time),
			coalescers:   make(map[string]*time.Timer),
			lastSignalAt: make(map[string]time.Time),
			doneLatch:    make(map[string]bool),
		}
		e.autoStates[id] = st
	}
	return st
}

// WireBus subscribes the engine to the inbox and preview subjects that drive
// question forwarding and worker-signal coalescing.
func (e *Engine) WireBus() error {
	if e.bus == nil {
		return nil
	}
	if _, err := e.bus.Subscribe(events.InboxChanged, func(ctx context.Context, event *bus.Event) error {
		e.onInboxChanged(ctx, event)
		return nil
	}); err != nil {
		return err
	}
	_, err := e.bus.Subscribe(events.SessionPreview, func(ctx context.Context, event *bus.Event) error {
		e.onSessionPreview(event)
		return nil
	})
	return err
}

func (e *Engine) onInboxChanged(ctx context.Context, event *bus.Event) {
	sessionID, _ := event.Data["sessionId"].(string)
	if sessionID == "" {
		return
	}
	var itemID int64
	switch v := event.Data["id"].(type) {
	case int64:
		itemID = v
	case float64:
		itemID = int64(v)
	}
	if itemID == 0 {
		return
	}
	status, _ := event.Data["status"].(string)

	o, workerOK := e.findWorkerOrchestration(ctx, sessionID)
	if !workerOK {
		return
	}

	if status != string(inbox.StatusOpen) {
		e.resolveQuestion(o.ID, itemID)
		return
	}
	if o.Status != StatusActive || o.AutomationPolicy.QuestionMode != "orchestrator" {
		return
	}
	item, err := e.inbox.Get(ctx, itemID)
	if err != nil || !autoQuestionKind(item.Kind) {
		return
	}
	e.enqueueQuestion(ctx, o, item)
}

// findWorkerOrchestration locates the active orchestration owning a worker
// session.
func (e *Engine) findWorkerOrchestration(ctx context.Context, sessionID string) (*Orchestration, bool) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, false
	}
	for _, o := range all {
		for _, w := range o.Workers {
			if w.SessionID == sessionID {
				return o, true
			}
		}
	}
	return nil, false
}

// enqueueQuestion adds an open question to the batch and arms the batch timer.
func (e *Engine) enqueueQuestion(ctx context.Context, o *Orchestration, item *inbox.Item) {
	st := e.autoStateFor(o.ID)
	st.mu.Lock()
	for _, id := range st.queued {
		if id == item.ID {
			st.mu.Unlock()
			return
		}
	}
	st.queued = append(st.queued, item.ID)
	st.deadlines[item.ID] = time.Now().Add(o.AutomationPolicy.QuestionTimeout())
	if st.batchTimer == nil {
		orchID := o.ID
		st.batchTimer = time.AfterFunc(e.cfg.QuestionBatch, func() { e.flushQuestionBatch(orchID) })
	}
	st.mu.Unlock()

	if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventQuestionOpen, map[string]any{
		"orchestrationId": o.ID,
		"attentionId":     item.ID,
		"sessionId":       item.SessionID,
		"kind":            item.Kind,
	}); err != nil {
		e.logger.Warn("failed to append question.open", zap.String("orchestration_id", o.ID), zap.Error(err))
	}
}

// resolveQuestion drops a question from the batch and deadline tracking.
// Called when the item leaves open, including via coordinator directive.
func (e *Engine) resolveQuestion(orchID string, attentionID int64) {
	st := e.autoStateFor(orchID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, tracked := st.deadlines[attentionID]; !tracked {
		return
	}
	delete(st.deadlines, attentionID)
	for i, id := range st.queued {
		if id == attentionID {
			st.queued = append(st.queued[:i], st.queued[i+1:]...)
			break
		}
	}
}

// flushQuestionBatch delivers all queued open questions to the coordinator in
// one prompt.
func (e *Engine) flushQuestionBatch(orchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st := e.autoStateFor(orchID)
	st.mu.Lock()
	st.batchTimer = nil
	ids := st.queued
	st.queued = nil
	st.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	o, err := e.store.Get(ctx, orchID)
	if err != nil || o.Status != StatusActive {
		return
	}

	var items []*inbox.Item
	for _, id := range ids {
		item, err := e.inbox.Get(ctx, id)
		if err != nil || item.Status != inbox.StatusOpen {
			e.resolveQuestion(orchID, id)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return
	}

	prompt := buildQuestionBatch(o, items)
	if _, err := e.sessions.Input(ctx, o.OrchestratorSessionID, prompt); err != nil {
		// Requeue so the next batch or timeout handles them.
		st.mu.Lock()
		st.queued = append(st.queued, ids...)
		if st.batchTimer == nil {
			st.batchTimer = time.AfterFunc(e.cfg.QuestionBatch, func() { e.flushQuestionBatch(orchID) })
		}
		st.mu.Unlock()
		if _, aerr := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventQuestionDispatchFailed, map[string]any{
			"orchestrationId": orchID,
			"attentionIds":    ids,
			"error":           err.Error(),
		}); aerr != nil {
			e.logger.Warn("failed to append question.dispatch_failed", zap.Error(aerr))
		}
		return
	}

	batched := make([]int64, 0, len(items))
	for _, item := range items {
		batched = append(batched, item.ID)
	}
	if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventQuestionBatchDispatched, map[string]any{
		"orchestrationId": orchID,
		"attentionIds":    batched,
		"count":           len(batched),
	}); err != nil {
		e.logger.Warn("failed to append question.batch_dispatched", zap.Error(err))
	}
}

// buildQuestionBatch renders the batched question prompt for the coordinator.
func buildQuestionBatch(o *Orchestration, items []*inbox.Item) string {
	workerName := make(map[string]string, len(o.Workers))
	for _, w := range o.Workers {
		workerName[w.SessionID] = w.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WORKER QUESTIONS (%d pending)\n", len(items))
	for _, item := range items {
		name := workerName[item.SessionID]
		if name == "" {
			name = item.SessionID
		}
		fmt.Fprintf(&b, "\nquestion %d from %s (%s): %s\n", item.ID, name, item.Kind, item.Title)
		if item.Body != "" {
			fmt.Fprintf(&b, "%s\n", item.Body)
		}
		for i, opt := range item.Options {
			if i >= maxBatchOptions {
				fmt.Fprintf(&b, "  ... %d more options\n", len(item.Options)-maxBatchOptions)
				break
			}
			fmt.Fprintf(&b, "  - %s: %s\n", opt.ID, opt.Label)
		}
	}
	b.WriteString("\nAnswer each with a line:\n")
	b.WriteString(`FYP_ANSWER_QUESTION_JSON:{"attentionId":<id>,"optionId":"<option>"}`)
	b.WriteString("\n")
	return b.String()
}

// tickQuestionTimeouts expires questions the coordinator never answered.
func (e *Engine) tickQuestionTimeouts(ctx context.Context, o *Orchestration) {
	st := e.autoStateFor(o.ID)
	now := time.Now()

	st.mu.Lock()
	var expired []int64
	for id, deadline := range st.deadlines {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	st.mu.Unlock()

	for _, id := range expired {
		e.resolveQuestion(o.ID, id)
		if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventQuestionTimeout, map[string]any{
			"orchestrationId": o.ID,
			"attentionId":     id,
		}); err != nil {
			e.logger.Warn("failed to append question.timeout", zap.Error(err))
		}
	}
}

// RunSteeringReview delivers a review prompt to the coordinator. Refused when
// the coordinator is not running or has its own open attention, unless forced.
func (e *Engine) RunSteeringReview(ctx context.Context, id string, force bool) error {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != StatusActive {
		return apperr.Newf(apperr.CodeNotActive, "orchestration %s is %s", id, o.Status)
	}
	if !force && o.AutomationPolicy.SteeringMode == "off" {
		return nil
	}
	if !e.sessions.Running(o.OrchestratorSessionID) {
		return apperr.New(apperr.CodeOrchestratorNotRunning, "orchestrator session not running")
	}
	if !force {
		if counts, err := e.inbox.OpenCounts(ctx); err == nil && counts[o.OrchestratorSessionID] > 0 {
			return nil
		}
	}

	statuses, err := e.Progress(ctx, id)
	if err != nil {
		return err
	}
	prompt := buildReviewPrompt(o, statuses)
	if _, err := e.sessions.Input(ctx, o.OrchestratorSessionID, prompt); err != nil {
		if _, aerr := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventSteeringReviewFailed, map[string]any{
			"orchestrationId": id,
			"error":           err.Error(),
		}); aerr != nil {
			e.logger.Warn("failed to append review_failed", zap.Error(aerr))
		}
		return err
	}

	st := e.autoStateFor(id)
	st.mu.Lock()
	st.lastReviewAt = time.Now()
	st.mu.Unlock()

	if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID, transcript.EventSteeringReviewDispatched, map[string]any{
		"orchestrationId": id,
		"mode":            o.AutomationPolicy.SteeringMode,
	}); err != nil {
		e.logger.Warn("failed to append review_dispatched", zap.Error(err))
	}
	return nil
}

// buildReviewPrompt renders the periodic steering prompt. Passive review asks
// for assessment only; active steering invites dispatch directives.
func buildReviewPrompt(o *Orchestration, statuses []WorkerStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STEERING REVIEW (%s)\n\n%s", o.Name, buildDigest(o, statuses))
	if o.AutomationPolicy.SteeringMode == "active_steering" {
		b.WriteString("\nRedirect stalled or misaligned workers now with FYP_DISPATCH_JSON directives.")
	} else {
		b.WriteString("\nAssess each worker's trajectory. Do not send directives unless a worker is blocked.")
	}
	return b.String()
}

func (e *Engine) tickSteeringReview(ctx context.Context, o *Orchestration) {
	if o.AutomationPolicy.SteeringMode == "off" {
		return
	}
	st := e.autoStateFor(o.ID)
	st.mu.Lock()
	due := time.Since(st.lastReviewAt) >= o.AutomationPolicy.ReviewInterval()
	if due && st.lastReviewAt.IsZero() {
		// First review waits one full interval from engine start.
		st.lastReviewAt = time.Now()
		due = false
	}
	st.mu.Unlock()
	if !due {
		return
	}
	if err := e.RunSteeringReview(ctx, o.ID, false); err != nil {
		e.logger.Warn("steering review failed", zap.String("orchestration_id", o.ID), zap.Error(err))
	}
}

// onSessionPreview feeds worker-signal coalescing from preview broadcasts.
func (e *Engine) onSessionPreview(event *bus.Event) {
	sessionID, _ := event.Data["sessionId"].(string)
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	o, ok := e.findWorkerOrchestration(ctx, sessionID)
	cancel()
	if !ok || o.Status != StatusActive {
		return
	}

	switch {
	case e.sessions.HasQuestionCue(sessionID):
		e.coalesceSignal(o, sessionID, "question")
	case e.sessions.HasCompletionCue(sessionID):
		e.coalesceSignal(o, sessionID, "completion")
	}
}

// coalesceSignal schedules one delayed evaluation per (session, trigger);
// bursts within the window collapse into a single fire.
func (e *Engine) coalesceSignal(o *Orchestration, sessionID, trigger string) {
	st := e.autoStateFor(o.ID)
	key := sessionID + "|" + trigger

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, pending := st.coalescers[key]; pending {
		return
	}
	minGap := e.cfg.SignalMinGap
	if trigger == "completion" {
		minGap = e.cfg.StaleSignalGap
	}
	if time.Since(st.lastSignalAt[key]) < minGap {
		return
	}
	delay := e.cfg.CoalesceMin
	if spread := e.cfg.CoalesceMax - e.cfg.CoalesceMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	orchID := o.ID
	st.coalescers[key] = time.AfterFunc(delay, func() {
		st.mu.Lock()
		delete(st.coalescers, key)
		st.lastSignalAt[key] = time.Now()
		st.mu.Unlock()
		e.fireWorkerSignal(orchID, sessionID, trigger)
	})
}

// fireWorkerSignal evaluates a coalesced worker signal: completion sets the
// done latch and collects a digest; a question cue clears the latch.
func (e *Engine) fireWorkerSignal(orchID, sessionID, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := e.autoStateFor(orchID)
	switch trigger {
	case "completion":
		if !e.sessions.HasCompletionCue(sessionID) {
			return
		}
		st.mu.Lock()
		st.doneLatch[sessionID] = true
		st.mu.Unlock()
		deliver := false
		if _, err := e.RunSync(ctx, orchID, SyncRequest{Trigger: "worker.completion", DeliverToOrchestrator: &deliver}); err != nil {
			e.logger.Warn("completion-signal sync failed", zap.String("orchestration_id", orchID), zap.Error(err))
		}
	case "question":
		st.mu.Lock()
		delete(st.doneLatch, sessionID)
		st.mu.Unlock()
	}
}

// doneLatchHeld reports whether the worker has latched completion. The latch
// is sticky; only a question cue or a successful dispatch clears it.
func (e *Engine) doneLatchHeld(orchID, sessionID string) bool {
	st := e.autoStateFor(orchID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doneLatch[sessionID]
}

func (e *Engine) clearDoneLatch(orchID, sessionID string) {
	st := e.autoStateFor(orchID)
	st.mu.Lock()
	delete(st.doneLatch, sessionID)
	st.mu.Unlock()
}
