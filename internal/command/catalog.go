package command

import (
	"fmt"
	"strings"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/orchestration"
)

// Policy tiers, weakest to strongest.
const (
	TierSystem      = "system"       // digest and review triggers
	TierCoordinator = "coordinator"  // text into the coordinator
	TierWorkerWrite = "worker_write" // text into workers
)

// Command ids. The catalog is closed; anything else is rejected before
// validation.
const (
	CmdSyncStatus        = "sync-status"
	CmdSteeringReview    = "steering-review"
	CmdOrchestratorInput = "orchestrator-input"
	CmdSendTask          = "send-task"
	CmdDispatch          = "dispatch"
)

// entry is one catalog entry: the execution mode, required payload fields,
// and the policy tier.
type entry struct {
	mode             Mode
	tier             string
	requiredNonEmpty []string
	requiredAnyOf    [][]string
}

var catalog = map[string]entry{
	CmdSyncStatus:     {mode: ModeSystemSync, tier: TierSystem},
	CmdSteeringReview: {mode: ModeSystemReview, tier: TierSystem},
	CmdOrchestratorInput: {
		mode:          ModeOrchestratorInput,
		tier:          TierCoordinator,
		requiredAnyOf: [][]string{{"text", "rawPrompt"}},
	},
	CmdSendTask: {
		mode:             ModeWorkerSendTask,
		tier:             TierWorkerWrite,
		requiredNonEmpty: []string{"target", "task"},
	},
	CmdDispatch: {
		mode:             ModeWorkerDispatch,
		tier:             TierWorkerWrite,
		requiredNonEmpty: []string{"target", "text"},
	},
}

// lookup resolves a command id or rejects it as unknown.
func lookup(commandID string) (entry, error) {
	e, ok := catalog[commandID]
	if !ok {
		return entry{}, apperr.Newf(apperr.CodeUnknownCommand, "unknown command id %q", commandID)
	}
	return e, nil
}

func payloadField(p Payload, name string) string {
	switch name {
	case "target":
		return p.Target
	case "text":
		return p.Text
	case "task":
		return p.Task
	case "rawPrompt":
		return p.RawPrompt
	}
	return ""
}

// validate enforces the entry's required fields.
func validate(s entry, p Payload) error {
	for _, field := range s.requiredNonEmpty {
		if strings.TrimSpace(payloadField(p, field)) == "" {
			return apperr.Newf(apperr.CodeInvalidCommandPayload, "field %q is required", field)
		}
	}
	for _, group := range s.requiredAnyOf {
		found := false
		for _, field := range group {
			if strings.TrimSpace(payloadField(p, field)) != "" {
				found = true
				break
			}
		}
		if !found {
			return apperr.Newf(apperr.CodeInvalidCommandPayload,
				"one of %s is required", strings.Join(group, ", "))
		}
	}
	return nil
}

// clamp truncates oversized payload fields and normalizes priority.
func clamp(p Payload) Payload {
	p.Target = truncate(p.Target, MaxTargetLen)
	p.Text = truncate(p.Text, MaxTextLen)
	p.Task = truncate(p.Task, MaxTaskLen)
	p.RawPrompt = truncate(p.RawPrompt, MaxRawPromptLen)
	if len(p.Scope) > MaxScopeItems {
		p.Scope = p.Scope[:MaxScopeItems]
	}
	for i, item := range p.Scope {
		p.Scope[i] = truncate(item, MaxScopeItemLen)
	}
	switch p.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow, "":
	default:
		p.Priority = PriorityNormal
	}
	return p
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// evaluatePolicy runs the tier check for one command against the
// orchestration's current state and automation policy.
func evaluatePolicy(s entry, p Payload, o *orchestration.Orchestration) PolicyDecision {
	d := PolicyDecision{Allowed: true, Tier: s.tier}

	block := func(reason, unmet string) {
		d.Allowed = false
		d.Reasons = append(d.Reasons, reason)
		d.Unmet = append(d.Unmet, unmet)
	}

	if s.tier != TierSystem && o.Status != orchestration.StatusActive {
		block(fmt.Sprintf("orchestration is %s", o.Status), "status == active")
	}
	if s.tier == TierWorkerWrite && p.ForceInterrupt && !o.AutomationPolicy.YoloMode {
		block("force interrupt requires yolo mode", "automationPolicy.yoloMode == true")
	}
	return d
}
