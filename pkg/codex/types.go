// Package codex speaks the Codex app-server protocol: a JSON-RPC 2.0 variant
// over stdio that omits the "jsonrpc" header field.
package codex

import "encoding/json"

// Request is a client-to-agent call. ID is omitted for notifications.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries the result or error of a call, in either direction.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a call without an id; no response is expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client-to-agent methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadFork    = "thread/fork"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Agent-to-client notifications.
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemAgentMessageDelta = "item/agentMessage/delta"
	NotifyError                 = "error"
)

// Agent-to-client requests that need a user decision.
const (
	RequestExecApproval       = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestUserInput          = "item/tool/requestUserInput"
)

// ThreadStartResult is the payload of thread/start and thread/resume.
type ThreadStartResult struct {
	ThreadID string `json:"threadId"`
}

// TurnStartParams begins a turn on a thread.
type TurnStartParams struct {
	ThreadID string `json:"threadId"`
	Input    []any  `json:"input"`
}

// TextInput is the plain-text input item of a turn.
type TextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserInputQuestion is one question of a requestUserInput request.
type UserInputQuestion struct {
	ID       string            `json:"id"`
	Header   string            `json:"header"`
	Question string            `json:"question"`
	Options  []UserInputOption `json:"options,omitempty"`
}

type UserInputOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UserInputParams is the payload of a requestUserInput request.
type UserInputParams struct {
	ItemID    string              `json:"itemId"`
	Questions []UserInputQuestion `json:"questions"`
}
