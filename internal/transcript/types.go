// Package transcript persists per-session append-only output chunks and the
// typed event log, with write batching for output under load.
package transcript

import "time"

// Event kinds recorded in the per-session event log. The set is closed;
// consumers switch on these values.
const (
	EventSessionCreated  = "session.created"
	EventSessionRestart  = "session.restart"
	EventSessionExit     = "session.exit"
	EventSessionToolLink = "session.tool_link"
	EventSessionGit      = "session.git"
	EventSessionMeta     = "session.meta"
	EventInput           = "input"
	EventInterrupt       = "interrupt"
	EventStop            = "stop"
	EventKill            = "kill"
	EventProfileStartup  = "profile.startup"

	EventInboxRespond = "inbox.respond"
	EventInboxDismiss = "inbox.dismiss"

	EventOrchestrationCreated         = "orchestration.created"
	EventOrchestrationSync            = "orchestration.sync"
	EventOrchestrationDispatch        = "orchestration.dispatch"
	EventOrchestrationCommandExecuted = "orchestration.command.executed"
	EventQuestionOpen                 = "orchestration.question.open"
	EventQuestionResolved             = "orchestration.question.resolved"
	EventQuestionTimeout              = "orchestration.question.timeout"
	EventQuestionBatchDispatched      = "orchestration.question.batch_dispatched"
	EventQuestionDispatchFailed       = "orchestration.question.dispatch_failed"
	EventSteeringReviewDispatched     = "orchestration.steering.review_dispatched"
	EventSteeringReviewFailed         = "orchestration.steering.review_failed"
)

// Chunk is one contiguous slice of subprocess output.
type Chunk struct {
	SessionID string    `json:"sessionId" db:"session_id"`
	Seq       int64     `json:"id" db:"seq"`
	TS        time.Time `json:"ts" db:"ts"`
	Data      []byte    `json:"chunk" db:"chunk"`
}

// Event is one typed record of a session-relevant occurrence. Data is an
// opaque JSON object.
type Event struct {
	SessionID string    `json:"sessionId" db:"session_id"`
	Seq       int64     `json:"id" db:"seq"`
	TS        time.Time `json:"ts" db:"ts"`
	Kind      string    `json:"kind" db:"kind"`
	Data      string    `json:"data" db:"data"`
}

// Page bounds, clamped on every read.
const (
	TranscriptLimitMin = 50
	TranscriptLimitMax = 2000
	EventLimitMin      = 20
	EventLimitMax      = 500
)
