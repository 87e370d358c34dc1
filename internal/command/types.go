// Package command validates, authorizes, and executes orchestrator commands
// against a closed catalog, with durable idempotent replay.
package command

import (
	"encoding/json"
	"time"
)

// Mode is the execution path a catalog entry maps to. Clients address
// commands by id; the mode is derived, never supplied.
type Mode string

const (
	ModeSystemSync        Mode = "system.sync"
	ModeSystemReview      Mode = "system.review"
	ModeOrchestratorInput Mode = "orchestrator.input"
	ModeWorkerSendTask    Mode = "worker.send_task"
	ModeWorkerDispatch    Mode = "worker.dispatch"
)

// Payload field clamps. Oversized values are truncated, not rejected.
const (
	MaxTargetLen    = 160
	MaxTextLen      = 5000
	MaxTaskLen      = 5000
	MaxRawPromptLen = 8000
	MaxScopeItems   = 40
	MaxScopeItemLen = 260
)

// Priorities accepted on worker.send_task; anything else normalizes to NORMAL.
const (
	PriorityHigh   = "HIGH"
	PriorityNormal = "NORMAL"
	PriorityLow    = "LOW"
)

// Request is one command submission. Payload fields sit at the top level of
// the body next to the identifiers.
type Request struct {
	OrchestrationID string `json:"orchestrationId"`
	CommandID       string `json:"commandId"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
	Payload
}

// Payload carries the union of catalog fields; validation enforces which are
// required per command and clamps sizes.
type Payload struct {
	Target                string   `json:"target,omitempty"`
	Text                  string   `json:"text,omitempty"`
	Task                  string   `json:"task,omitempty"`
	RawPrompt             string   `json:"rawPrompt,omitempty"`
	Scope                 []string `json:"scope,omitempty"`
	Priority              string   `json:"priority,omitempty"`
	Interrupt             bool     `json:"interrupt,omitempty"`
	ForceInterrupt        bool     `json:"forceInterrupt,omitempty"`
	IncludeBootstrap      *bool    `json:"includeBootstrap,omitempty"`
	Force                 bool     `json:"force,omitempty"`
	DeliverToOrchestrator *bool    `json:"deliverToOrchestrator,omitempty"`
}

// Result is the outcome of a command. Replayed results come from the
// idempotency cache and did not re-execute.
type Result struct {
	CommandID  string          `json:"commandId"`
	Mode       Mode            `json:"mode"`
	Replayed   bool            `json:"replayed"`
	Output     json.RawMessage `json:"output,omitempty"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// PolicyDecision explains a policy tier evaluation. Blocked decisions carry
// the failed reasons and the conditions that were not met.
type PolicyDecision struct {
	Allowed bool     `json:"allowed"`
	Tier    string   `json:"tier"`
	Reasons []string `json:"reasons,omitempty"`
	Unmet   []string `json:"unmet,omitempty"`
}
