package websocket

// Per-session stream actions (server -> client). On connect the server
// replays the recent transcript and event pages as output/event messages,
// then switches to live delivery.
const (
	ActionOutput         = "output"
	ActionEvent          = "event"
	ActionAssist         = "assist"
	ActionSessionClosing = "session.closing"
	ActionSessionClosed  = "session.closed"
	ActionPong           = "pong"
)

// Global stream actions (server -> client). These mirror the bus subjects.
const (
	ActionSessionsChanged       = "sessions.changed"
	ActionWorkspacesChanged     = "workspaces.changed"
	ActionInboxChanged          = "inbox.changed"
	ActionTasksChanged          = "tasks.changed"
	ActionOrchestrationsChanged = "orchestrations.changed"
	ActionSessionPreview        = "session.preview"
	ActionOrchestrationProgress = "orchestration.create.progress"
)

// Client actions (client -> server).
const (
	ActionPing = "ping"
)

// Error codes carried in error payloads.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
