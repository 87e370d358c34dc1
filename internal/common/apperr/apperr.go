// Package apperr defines the domain error taxonomy shared across components.
// Every user-visible failure carries a stable code; callers branch on the code,
// never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

// Validation errors.
const (
	CodeBadID                 Code = "bad_id"
	CodeBadPath               Code = "bad_path"
	CodeBadTool               Code = "bad_tool"
	CodeBadMode               Code = "bad_mode"
	CodeBadSize               Code = "bad_size"
	CodeMissingText           Code = "missing_text"
	CodeMissingTask           Code = "missing_task"
	CodeMissingWorkers        Code = "missing_workers"
	CodeInvalidCommandPayload Code = "invalid_command_payload"
	CodeUnknownCommand        Code = "unknown_command"
)

// Authorization / policy errors.
const (
	CodeUnauthorized         Code = "unauthorized"
	CodeCommandPolicyBlocked Code = "command_policy_blocked"
)

// Lifecycle errors.
const (
	CodeSessionNotFound      Code = "session_not_found"
	CodeSessionNotRunning    Code = "session_not_running"
	CodeSessionClosing       Code = "session_closing"
	CodeSpawnFailed          Code = "spawn_failed"
	CodeUnsupportedTransport Code = "unsupported_transport"
	CodeNoThread             Code = "no_thread"
)

// Orchestration errors.
const (
	CodeOrchestrationLocked          Code = "orchestration_locked"
	CodeWorktreeCreateFailed         Code = "worktree_create_failed"
	CodeWorkerBranchRequiresGitRepo  Code = "worker_branch_requires_git_repo"
	CodeOrchestrationFailed          Code = "orchestration_failed"
	CodeNotActive                    Code = "not_active"
	CodeOrchestratorPendingAttention Code = "orchestrator_pending_attention"
	CodeCollectOnly                  Code = "collect_only"
	CodeCooldown                     Code = "cooldown"
	CodeOrchestrationNotFound        Code = "orchestration_not_found"
)

// Resource errors.
const (
	CodeWriteFailed           Code = "write_failed"
	CodeRPCFailed             Code = "rpc_failed"
	CodeDeliverFailed         Code = "deliver_failed"
	CodeOrchestratorNotRunning Code = "orchestrator_not_running"
)

// Error is a typed domain error carrying a stable code and an optional reason.
type Error struct {
	Code    Code
	Message string
	Reason  string
	cause   error
}

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithReason attaches a short reason string (surfaced in API responses).
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the domain code from an error chain, or empty when the error
// carries no code.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a domain code to an HTTP status for the control surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return 401
	case CodeCommandPolicyBlocked:
		return 403
	case CodeSessionNotFound, CodeOrchestrationNotFound:
		return 404
	case CodeOrchestrationLocked, CodeSessionClosing:
		return 409
	case CodeBadID, CodeBadPath, CodeBadTool, CodeBadMode, CodeBadSize,
		CodeMissingText, CodeMissingTask, CodeMissingWorkers,
		CodeInvalidCommandPayload, CodeUnknownCommand:
		return 400
	default:
		return 500
	}
}
