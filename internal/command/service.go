package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/orchestration"
	"github.com/fyp/fyp/internal/transcript"
)

// Orchestrations is the slice of the orchestration engine commands drive.
type Orchestrations interface {
	Get(ctx context.Context, id string) (*orchestration.Orchestration, error)
	Dispatch(ctx context.Context, id string, req orchestration.DispatchRequest) (*orchestration.DispatchResult, error)
	RunSync(ctx context.Context, id string, req orchestration.SyncRequest) (*orchestration.SyncResult, error)
	RunSteeringReview(ctx context.Context, id string, force bool) error
	SendOrchestratorInput(ctx context.Context, id, text string) (int64, error)
}

// EventAppender records executed commands on the coordinator transcript.
type EventAppender interface {
	AppendEvent(ctx context.Context, sessionID, kind string, data any) (int64, error)
}

// Service runs the command pipeline: catalog lookup, validation, policy,
// clamps, idempotent replay, execution, event record.
type Service struct {
	orchestrations Orchestrations
	events         EventAppender
	cache          *replayCache
	logger         *logger.Logger
}

func NewService(orchestrations Orchestrations, events EventAppender, db *sqlx.DB, log *logger.Logger) (*Service, error) {
	cache, err := newReplayCache(db)
	if err != nil {
		return nil, err
	}
	return &Service{
		orchestrations: orchestrations,
		events:         events,
		cache:          cache,
		logger:         log.WithFields(zap.String("component", "command")),
	}, nil
}

// Execute runs one command. Identical (orchestration, commandId,
// idempotencyKey) triples within the replay window return the original result
// with Replayed set and do not re-execute.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	cmd, err := lookup(req.CommandID)
	if err != nil {
		return nil, err
	}
	if err := validate(cmd, req.Payload); err != nil {
		return nil, err
	}

	o, err := s.orchestrations.Get(ctx, req.OrchestrationID)
	if err != nil {
		return nil, err
	}

	if decision := evaluatePolicy(cmd, req.Payload, o); !decision.Allowed {
		return nil, apperr.Newf(apperr.CodeCommandPolicyBlocked,
			"command blocked: %s", strings.Join(decision.Reasons, "; ")).
			WithReason(strings.Join(decision.Unmet, "; "))
	}

	payload := clamp(req.Payload)

	var key string
	if req.IdempotencyKey != "" {
		key = cacheKey(req.OrchestrationID, req.CommandID, req.IdempotencyKey)
		if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var result Result
			if err := json.Unmarshal(cached, &result); err == nil {
				result.Replayed = true
				return &result, nil
			}
		} else if err != nil {
			s.logger.Warn("replay cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	output, err := s.execute(ctx, o, req.CommandID, cmd.mode, payload)
	if err != nil {
		return nil, err
	}

	result := &Result{
		CommandID:  req.CommandID,
		Mode:       cmd.mode,
		Output:     output,
		ExecutedAt: time.Now().UTC(),
	}

	if key != "" {
		raw, err := json.Marshal(result)
		if err == nil {
			if err := s.cache.Put(ctx, key, raw); err != nil {
				s.logger.Warn("replay cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	if _, err := s.events.AppendEvent(ctx, o.OrchestratorSessionID,
		transcript.EventOrchestrationCommandExecuted, map[string]any{
			"orchestrationId": o.ID,
			"commandId":       req.CommandID,
			"mode":            string(cmd.mode),
		}); err != nil {
		s.logger.Warn("failed to append command event",
			zap.String("orchestration_id", o.ID), zap.Error(err))
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, o *orchestration.Orchestration, commandID string, mode Mode, p Payload) (json.RawMessage, error) {
	switch mode {
	case ModeSystemSync:
		res, err := s.orchestrations.RunSync(ctx, o.ID, orchestration.SyncRequest{
			Trigger:               "api.command." + commandID,
			Force:                 p.Force,
			DeliverToOrchestrator: p.DeliverToOrchestrator,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	case ModeSystemReview:
		if err := s.orchestrations.RunSteeringReview(ctx, o.ID, p.Force); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"dispatched": true})

	case ModeOrchestratorInput:
		text := p.Text
		if text == "" {
			text = p.RawPrompt
		}
		seq, err := s.orchestrations.SendOrchestratorInput(ctx, o.ID, text)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{"seq": seq})

	case ModeWorkerSendTask:
		includeBootstrap := true
		if p.IncludeBootstrap != nil {
			includeBootstrap = *p.IncludeBootstrap
		}
		res, err := s.orchestrations.Dispatch(ctx, o.ID, orchestration.DispatchRequest{
			Text:                      renderTask(p),
			Target:                    p.Target,
			Interrupt:                 p.Interrupt,
			ForceInterrupt:            p.ForceInterrupt,
			IncludeBootstrapIfPresent: includeBootstrap,
			Source:                    "command.send_task",
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	case ModeWorkerDispatch:
		res, err := s.orchestrations.Dispatch(ctx, o.ID, orchestration.DispatchRequest{
			Text:           p.Text,
			Target:         p.Target,
			Interrupt:      p.Interrupt,
			ForceInterrupt: p.ForceInterrupt,
			Source:         "command.dispatch",
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
	return nil, apperr.Newf(apperr.CodeUnknownCommand, "unknown command mode %q", mode)
}

// renderTask flattens the task payload into the text sent to the worker.
func renderTask(p Payload) string {
	var b strings.Builder
	if p.Priority != "" && p.Priority != PriorityNormal {
		fmt.Fprintf(&b, "Priority: %s\n\n", p.Priority)
	}
	b.WriteString(p.Task)
	if len(p.Scope) > 0 {
		b.WriteString("\n\nScope:\n")
		for _, item := range p.Scope {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return b.String()
}
