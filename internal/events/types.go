// Package events defines the bus subjects used across the control plane.
package events

// Global stream subjects fanned out to every connected UI client.
const (
	SessionsChanged       = "sessions.changed"
	WorkspacesChanged     = "workspaces.changed"
	InboxChanged          = "inbox.changed"
	TasksChanged          = "tasks.changed"
	OrchestrationsChanged = "orchestrations.changed"
	SessionPreview        = "session.preview"
	OrchestrationProgress = "orchestration.create.progress"
)

// Per-session stream subjects. The session id is appended as the last token,
// e.g. "session.output.<id>".
const (
	SessionOutput  = "session.output"
	SessionEvent   = "session.event"
	SessionAssist  = "session.assist"
	SessionClosing = "session.closing"
	SessionClosed  = "session.closed"
)

// Subject returns "<base>.<id>" for per-entity subjects.
func Subject(base, id string) string {
	return base + "." + id
}
