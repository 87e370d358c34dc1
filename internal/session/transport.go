package session

import (
	"context"
	"encoding/json"
)

// Transport abstracts the subprocess channel. A session's transport is fixed
// at creation; pty sessions accept raw bytes, rpc sessions accept turns.
type Transport interface {
	// Start spawns the subprocess. Output begins flowing to the handler
	// registered at construction time.
	Start(ctx context.Context) error

	// Write sends raw bytes to the subprocess input. Only the pty transport
	// supports it.
	Write(data []byte) error

	// StartTurn begins a new conversational turn. Only the rpc transport
	// supports it.
	StartTurn(ctx context.Context, text string) error

	// Interrupt stops the current activity without terminating the process.
	Interrupt() error

	// Stop requests graceful termination.
	Stop() error

	// Kill terminates immediately.
	Kill() error

	// Resize adjusts the terminal dimensions. No-op for rpc.
	Resize(cols, rows uint16) error

	// Running reports whether the subprocess is alive.
	Running() bool

	// PID returns the subprocess pid, 0 when not running.
	PID() int

	// Done is closed after the subprocess has exited and its exit status is
	// available via Exit.
	Done() <-chan struct{}

	// Exit returns the final status; valid only after Done is closed.
	Exit() ExitStatus
}

// RPCTransport is the extra surface of rpc-backed sessions.
type RPCTransport interface {
	Transport

	// ThreadID identifies the remote conversation, empty until the start
	// handshake completes.
	ThreadID() string

	// Reply sends a raw response to a server-initiated request.
	Reply(ctx context.Context, payload json.RawMessage) error
}

// Per-tool interrupt bytes typed into pty sessions. Codex and Claude TUIs
// cancel on Escape; a plain Ctrl-C otherwise.
var interruptBytes = map[string][]byte{
	ToolCodex:    {0x1b},
	ToolClaude:   {0x1b},
	ToolOpencode: {0x03},
}

func interruptSequence(tool string) []byte {
	if seq, ok := interruptBytes[tool]; ok {
		return seq
	}
	return []byte{0x03}
}
