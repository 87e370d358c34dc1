package interpret

import (
	"encoding/json"
	"strings"
	"time"
)

// Directive prefixes the coordinator embeds in its free-form output. Each
// directive is a literal prefix followed by a compact JSON object on the same
// logical line.
const (
	DispatchPrefix       = "FYP_DISPATCH_JSON:"
	SendTaskPrefix       = "FYP_SEND_TASK_JSON:"
	AnswerQuestionPrefix = "FYP_ANSWER_QUESTION_JSON:"
)

// directiveDedupWindow suppresses re-fires of the exact same directive string.
const directiveDedupWindow = 5 * time.Minute

// maxCarryBytes bounds the partial-line carry buffer (one logical line).
const maxCarryBytes = 16 * 1024

// DirectiveKind discriminates parsed directives.
type DirectiveKind string

const (
	DirectiveDispatch       DirectiveKind = "dispatch"
	DirectiveSendTask       DirectiveKind = "send_task"
	DirectiveAnswerQuestion DirectiveKind = "answer_question"
)

// DispatchDirective forwards text to one or more workers.
type DispatchDirective struct {
	Target                    string `json:"target"`
	Text                      string `json:"text"`
	Interrupt                 bool   `json:"interrupt,omitempty"`
	ForceInterrupt            bool   `json:"forceInterrupt,omitempty"`
	IncludeBootstrapIfPresent bool   `json:"includeBootstrapIfPresent,omitempty"`
}

// SendTaskDirective assigns a task to one or more workers.
type SendTaskDirective struct {
	Target         string `json:"target"`
	Task           string `json:"task"`
	Initialize     bool   `json:"initialize,omitempty"`
	Interrupt      bool   `json:"interrupt,omitempty"`
	ForceInterrupt bool   `json:"forceInterrupt,omitempty"`
}

// AnswerQuestionDirective answers an open attention item.
type AnswerQuestionDirective struct {
	AttentionID int64          `json:"attentionId"`
	OptionID    string         `json:"optionId"`
	Source      string         `json:"source,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Directive is one parsed coordinator directive. Exactly one of the payload
// fields matching Kind is set. Raw preserves the exact directive string for
// dedup and event records.
type Directive struct {
	Kind     DirectiveKind
	Raw      string
	Dispatch *DispatchDirective
	SendTask *SendTaskDirective
	Answer   *AnswerQuestionDirective
}

// DirectiveScanner is per-session parser state: a one-line carry buffer for
// directives split across chunk boundaries, and the dedup window. It is not
// safe for concurrent use; the session output pipeline owns it.
type DirectiveScanner struct {
	carry string
	seen  map[string]time.Time
	now   func() time.Time
}

// NewDirectiveScanner creates a scanner with an empty carry and dedup window.
func NewDirectiveScanner() *DirectiveScanner {
	return &DirectiveScanner{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Feed consumes a raw output chunk and returns any directives completed by
// it, in order of appearance. Input is cleaned (ANSI stripped, CR/LF
// normalized) before matching. Exact duplicate directive strings within the
// five-minute window are suppressed.
func (s *DirectiveScanner) Feed(chunk []byte) []Directive {
	text := string(Clean(chunk))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	buf := s.carry + text
	lines := strings.Split(buf, "\n")

	// The final element is an unterminated partial line; keep it as carry.
	s.carry = lines[len(lines)-1]
	complete := lines[:len(lines)-1]

	var out []Directive
	for _, line := range complete {
		if d := s.parseLine(line); d != nil {
			out = append(out, *d)
		}
	}

	// Compact TUIs may never terminate the line; accept the carry early when
	// its JSON object already parses.
	if d := s.parseLine(s.carry); d != nil {
		out = append(out, *d)
	}

	if len(s.carry) > maxCarryBytes {
		s.carry = s.carry[len(s.carry)-maxCarryBytes:]
	}
	return out
}

// parseLine matches a single logical line against the directive prefixes.
// Lines must begin with the prefix after optional whitespace.
func (s *DirectiveScanner) parseLine(line string) *Directive {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var (
		kind DirectiveKind
		rest string
	)
	switch {
	case strings.HasPrefix(trimmed, DispatchPrefix):
		kind, rest = DirectiveDispatch, trimmed[len(DispatchPrefix):]
	case strings.HasPrefix(trimmed, SendTaskPrefix):
		kind, rest = DirectiveSendTask, trimmed[len(SendTaskPrefix):]
	case strings.HasPrefix(trimmed, AnswerQuestionPrefix):
		kind, rest = DirectiveAnswerQuestion, trimmed[len(AnswerQuestionPrefix):]
	default:
		return nil
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return nil
	}

	d := Directive{Kind: kind, Raw: trimmed}
	dec := json.NewDecoder(strings.NewReader(rest))
	switch kind {
	case DirectiveDispatch:
		var payload DispatchDirective
		if dec.Decode(&payload) != nil || payload.Target == "" {
			return nil
		}
		d.Dispatch = &payload
	case DirectiveSendTask:
		var payload SendTaskDirective
		if dec.Decode(&payload) != nil || payload.Target == "" {
			return nil
		}
		d.SendTask = &payload
	case DirectiveAnswerQuestion:
		var payload AnswerQuestionDirective
		if dec.Decode(&payload) != nil || payload.OptionID == "" {
			return nil
		}
		d.Answer = &payload
	}

	if s.isDuplicate(trimmed) {
		return nil
	}
	return &d
}

// isDuplicate records and checks the dedup window, pruning expired entries.
func (s *DirectiveScanner) isDuplicate(raw string) bool {
	now := s.now()
	for k, t := range s.seen {
		if now.Sub(t) > directiveDedupWindow {
			delete(s.seen, k)
		}
	}
	if t, ok := s.seen[raw]; ok && now.Sub(t) <= directiveDedupWindow {
		return true
	}
	s.seen[raw] = now
	return false
}
