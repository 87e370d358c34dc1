// Package session manages the lifecycle of interactive agent subprocesses:
// spawning over pty or rpc transports, fanning out output to subscribers, and
// feeding the interpreter for attention and directive detection.
package session

import (
	"time"
)

// Tool kinds supported by the supervisor.
const (
	ToolCodex    = "codex"
	ToolClaude   = "claude"
	ToolOpencode = "opencode"
)

// Transport kinds. The transport of a session is immutable after creation.
const (
	TransportPTY = "pty"
	TransportRPC = "rpc"
)

// PTY dimension bounds; resize requests are clamped into these ranges.
const (
	MinCols = 12
	MaxCols = 400
	MinRows = 6
	MaxRows = 220
)

// CreateRequest describes a session to spawn.
type CreateRequest struct {
	ID            string            `json:"id,omitempty"`
	Tool          string            `json:"tool"`
	ProfileID     string            `json:"profileId,omitempty"`
	Transport     string            `json:"transport,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Command       []string          `json:"command,omitempty"`
	ExtraArgs     []string          `json:"extraArgs,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Label         string            `json:"label,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	TaskRole      string            `json:"taskRole,omitempty"`
	TaskTitle     string            `json:"taskTitle,omitempty"`
	ToolSessionID string            `json:"toolSessionId,omitempty"`
	ToolAction    string            `json:"toolAction,omitempty"` // resume | fork | ""
	BootstrapText string            `json:"bootstrapText,omitempty"`
	Cols          int               `json:"cols,omitempty"`
	Rows          int               `json:"rows,omitempty"`
}

// Meta is the persisted session record.
type Meta struct {
	ID            string    `json:"id" db:"id"`
	Tool          string    `json:"tool" db:"tool"`
	ProfileID     string    `json:"profileId" db:"profile_id"`
	Transport     string    `json:"transport" db:"transport"`
	Cwd           string    `json:"cwd" db:"cwd"`
	ToolSessionID string    `json:"toolSessionId" db:"tool_session_id"`
	WorkspaceKey  string    `json:"workspaceKey" db:"workspace_key"`
	WorkspaceRoot string    `json:"workspaceRoot" db:"workspace_root"`
	Label         string    `json:"label" db:"label"`
	PinnedSlot    int       `json:"pinnedSlot" db:"pinned_slot"` // 1..6, 0 = none
	TaskID        string    `json:"taskId" db:"task_id"`
	TaskRole      string    `json:"taskRole" db:"task_role"`
	TaskTitle     string    `json:"taskTitle" db:"task_title"`
	ExitCode      *int      `json:"exitCode,omitempty" db:"exit_code"`
	Signal        string    `json:"signal" db:"signal"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Status is the live view of a session combining the persisted record with
// runtime state.
type Status struct {
	Running  bool   `json:"running"`
	Closing  bool   `json:"closing"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// Info is the list/get view: metadata plus runtime status, preview, and open
// attention count.
type Info struct {
	Meta
	Status    Status    `json:"status"`
	Preview   string    `json:"preview"`
	PreviewTS time.Time `json:"previewTs"`
	Attention int       `json:"attention"`
}

// ExitStatus is reported when a subprocess terminates.
type ExitStatus struct {
	Code   int
	Signal string
}

// OutputMessage is fanned out to per-session subscribers for every chunk.
type OutputMessage struct {
	Type  string    `json:"type"`
	Chunk []byte    `json:"chunk"`
	TS    time.Time `json:"ts"`
}

// OutputHandler receives ordered output messages for one session.
type OutputHandler func(msg OutputMessage)

// ExitHandler is invoked once when the session's subprocess exits.
type ExitHandler func(status ExitStatus)

func clampDims(cols, rows int) (uint16, uint16) {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return uint16(cols), uint16(rows)
}
