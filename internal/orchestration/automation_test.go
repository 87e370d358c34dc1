package orchestration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/transcript"
)

func TestAutoQuestionKind(t *testing.T) {
	assert.True(t, autoQuestionKind("claude.permission"))
	assert.True(t, autoQuestionKind("codex.approval"))
	assert.True(t, autoQuestionKind("codex.native.user_input"))
	assert.True(t, autoQuestionKind("codex.native.approval.exec"))
	assert.True(t, autoQuestionKind("codex.native.approval.patch"))
	assert.False(t, autoQuestionKind("assist"))
	assert.False(t, autoQuestionKind(""))
}

func questionModeOrchestrator(t *testing.T, te *testEngine) *Orchestration {
	t.Helper()
	o, err := te.engine.Create(context.Background(), basicCreateRequest())
	require.NoError(t, err)
	o, err = te.engine.SetAutomationPolicy(context.Background(), o.ID, AutomationPolicy{
		QuestionMode: "orchestrator",
	}, false)
	require.NoError(t, err)
	return o
}

func inboxEvent(sessionID string, id int64, status string) *bus.Event {
	return bus.NewEvent("inbox.changed", "test", map[string]any{
		"sessionId": sessionID,
		"id":        id,
		"status":    status,
	})
}

func TestQuestionBatch_Dispatched(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o := questionModeOrchestrator(t, te)
	sid := o.Workers[0].SessionID

	id1 := te.attention.add(sid, "codex.approval", "Run tests?")
	id2 := te.attention.add(o.Workers[1].SessionID, "claude.permission", "Edit file?")
	te.engine.onInboxChanged(ctx, inboxEvent(sid, id1, "open"))
	te.engine.onInboxChanged(ctx, inboxEvent(o.Workers[1].SessionID, id2, "open"))

	require.Eventually(t, func() bool {
		for _, text := range te.sessions.inputsFor(o.OrchestratorSessionID) {
			if strings.Contains(text, "WORKER QUESTIONS") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	inputs := te.sessions.inputsFor(o.OrchestratorSessionID)
	batch := inputs[len(inputs)-1]
	assert.Contains(t, batch, "Run tests?")
	assert.Contains(t, batch, "Edit file?")
	assert.Contains(t, batch, "FYP_ANSWER_QUESTION_JSON")
	assert.Contains(t, batch, fmt.Sprintf("question %d from backend", id1))

	evts, _, err := te.transcripts.Events(ctx, o.OrchestratorSessionID, 100, "")
	require.NoError(t, err)
	var opened, batched int
	for _, evt := range evts {
		switch evt.Kind {
		case transcript.EventQuestionOpen:
			opened++
		case transcript.EventQuestionBatchDispatched:
			batched++
		}
	}
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, batched)
}

func TestQuestionBatch_SkipsResolvedItems(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o := questionModeOrchestrator(t, te)
	sid := o.Workers[0].SessionID

	id := te.attention.add(sid, "codex.approval", "Run tests?")
	te.engine.onInboxChanged(ctx, inboxEvent(sid, id, "open"))

	// Resolved before the batch fires.
	_, err := te.attention.Respond(ctx, id, "yes", "user", nil)
	require.NoError(t, err)
	te.engine.onInboxChanged(ctx, inboxEvent(sid, id, "sent"))

	before := len(te.sessions.inputsFor(o.OrchestratorSessionID))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, te.sessions.inputsFor(o.OrchestratorSessionID), before)
}

func TestQuestionBatch_OffModeIgnores(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)
	sid := o.Workers[0].SessionID

	id := te.attention.add(sid, "codex.approval", "Run tests?")
	te.engine.onInboxChanged(ctx, inboxEvent(sid, id, "open"))

	st := te.engine.autoStateFor(o.ID)
	st.mu.Lock()
	queued := len(st.queued)
	st.mu.Unlock()
	assert.Zero(t, queued)
}

func TestQuestionTimeout(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o := questionModeOrchestrator(t, te)
	sid := o.Workers[0].SessionID

	id := te.attention.add(sid, "codex.approval", "Run tests?")
	te.engine.onInboxChanged(ctx, inboxEvent(sid, id, "open"))

	// Force the deadline into the past, then tick.
	st := te.engine.autoStateFor(o.ID)
	st.mu.Lock()
	st.deadlines[id] = time.Now().Add(-time.Second)
	st.mu.Unlock()

	got, err := te.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	te.engine.tickQuestionTimeouts(ctx, got)

	st.mu.Lock()
	_, tracked := st.deadlines[id]
	st.mu.Unlock()
	assert.False(t, tracked)

	evts, _, err := te.transcripts.Events(ctx, o.OrchestratorSessionID, 100, "")
	require.NoError(t, err)
	var timedOut bool
	for _, evt := range evts {
		if evt.Kind == transcript.EventQuestionTimeout {
			timedOut = true
		}
	}
	assert.True(t, timedOut)
}

func TestSteeringReview_PassiveAndActive(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)
	_, err = te.engine.SetAutomationPolicy(ctx, o.ID, AutomationPolicy{SteeringMode: "passive_review"}, false)
	require.NoError(t, err)

	require.NoError(t, te.engine.RunSteeringReview(ctx, o.ID, false))
	inputs := te.sessions.inputsFor(o.OrchestratorSessionID)
	passive := inputs[len(inputs)-1]
	assert.Contains(t, passive, "STEERING REVIEW")
	assert.Contains(t, passive, "Do not send directives")

	_, err = te.engine.SetAutomationPolicy(ctx, o.ID, AutomationPolicy{SteeringMode: "active_steering"}, false)
	require.NoError(t, err)
	require.NoError(t, te.engine.RunSteeringReview(ctx, o.ID, false))
	inputs = te.sessions.inputsFor(o.OrchestratorSessionID)
	active := inputs[len(inputs)-1]
	assert.Contains(t, active, "FYP_DISPATCH_JSON")
}

func TestSteeringReview_RefusedOnPendingAttention(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)
	_, err = te.engine.SetAutomationPolicy(ctx, o.ID, AutomationPolicy{SteeringMode: "passive_review"}, false)
	require.NoError(t, err)

	te.attention.add(o.OrchestratorSessionID, "codex.approval", "Allow?")

	before := len(te.sessions.inputsFor(o.OrchestratorSessionID))
	require.NoError(t, te.engine.RunSteeringReview(ctx, o.ID, false))
	assert.Len(t, te.sessions.inputsFor(o.OrchestratorSessionID), before)

	// Forced review goes through anyway.
	require.NoError(t, te.engine.RunSteeringReview(ctx, o.ID, true))
	assert.Len(t, te.sessions.inputsFor(o.OrchestratorSessionID), before+1)
}

func TestWorkerSignals_DoneLatchLifecycle(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	o, err := te.engine.Create(ctx, basicCreateRequest())
	require.NoError(t, err)
	sid := o.Workers[0].SessionID

	te.sessions.mu.Lock()
	te.sessions.completion[sid] = true
	te.sessions.mu.Unlock()

	te.engine.onSessionPreview(bus.NewEvent("session.preview", "test", map[string]any{"sessionId": sid}))

	require.Eventually(t, func() bool {
		return te.engine.doneLatchHeld(o.ID, sid)
	}, time.Second, 5*time.Millisecond)

	// A question cue clears the latch.
	te.sessions.mu.Lock()
	te.sessions.question[sid] = true
	te.sessions.mu.Unlock()
	te.engine.onSessionPreview(bus.NewEvent("session.preview", "test", map[string]any{"sessionId": sid}))

	require.Eventually(t, func() bool {
		return !te.engine.doneLatchHeld(o.ID, sid)
	}, time.Second, 5*time.Millisecond)
}

func TestCoalesce_MinGapSuppressesRefire(t *testing.T) {
	te := newTestEngine(t)
	o, err := te.engine.Create(context.Background(), basicCreateRequest())
	require.NoError(t, err)
	sid := o.Workers[0].SessionID

	st := te.engine.autoStateFor(o.ID)
	st.mu.Lock()
	st.lastSignalAt[sid+"|completion"] = time.Now()
	st.mu.Unlock()

	te.sessions.mu.Lock()
	te.sessions.completion[sid] = true
	te.sessions.mu.Unlock()

	te.engine.coalesceSignal(o, sid, "completion")
	st.mu.Lock()
	_, pending := st.coalescers[sid+"|completion"]
	st.mu.Unlock()
	assert.False(t, pending, "signal inside the minimum gap must not schedule")
}
