// Package interpret analyzes raw subprocess output: it strips terminal control
// sequences, extracts last-line previews, detects approval prompts and menu
// options, and parses structured directives embedded in coordinator output.
//
// Everything in this package is a pure function over bytes (plus small
// caller-owned scanner state); there are no side effects and no dependencies
// beyond the standard library.
package interpret

import "encoding/json"

// Severity classifies how urgent an attention candidate is.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityWarn   Severity = "warn"
	SeverityDanger Severity = "danger"
)

// Attention kinds produced by this package.
const (
	KindCodexApproval = "codex.approval"
	KindMenuAssist    = "menu.assist"
)

// Option is one selectable answer on an attention candidate. Exactly one of
// the effect fields is set: SendKeys (bytes typed into the session), Decision
// (structured decision posted for the hook bridge), RPCReply (raw JSON-RPC
// reply), or QuestionInput (nested user-input continuation).
type Option struct {
	ID            string          `json:"id"`
	Label         string          `json:"label"`
	SendKeys      string          `json:"sendKeys,omitempty"`
	Decision      map[string]any  `json:"decision,omitempty"`
	RPCReply      json.RawMessage `json:"rpcReply,omitempty"`
	QuestionInput *QuestionInput  `json:"questionInput,omitempty"`
}

// QuestionInput carries an answer to one question of a multi-question RPC
// user-input request.
type QuestionInput struct {
	QuestionID string   `json:"questionId"`
	Answers    []string `json:"answers"`
}

// AttentionCandidate is a detected "needs a decision" surface, ready to be
// handed to the inbox.
type AttentionCandidate struct {
	Kind      string
	Severity  Severity
	Title     string
	Body      string
	Signature string
	Options   []Option
}

// Assist is a heuristic menu extraction from the recent output window,
// broadcast to subscribers when its signature changes.
type Assist struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Options   []Option `json:"options"`
	Signature string   `json:"signature"`
}
