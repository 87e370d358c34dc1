package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/events"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/interpret"
	"github.com/fyp/fyp/internal/transcript"
)

// SessionWriter types raw bytes into a running session. Implemented by the
// session supervisor.
type SessionWriter interface {
	WriteSession(ctx context.Context, sessionID string, data []byte) error
}

// RPCReplier sends a raw JSON-RPC reply through a session's rpc transport.
type RPCReplier interface {
	ReplyRPC(ctx context.Context, sessionID string, payload json.RawMessage) error
}

// EventAppender records typed session events; satisfied by *transcript.Store.
type EventAppender interface {
	AppendEvent(ctx context.Context, sessionID, kind string, data any) (int64, error)
}

// UserInputQuestion is one question of a multi-question rpc user-input
// request. Each answer option maps to the answer strings sent upstream.
type UserInputQuestion struct {
	ID      string
	Prompt  string
	Body    string
	Options []UserInputOption
}

type UserInputOption struct {
	ID      string
	Label   string
	Answers []string
}

// UserInputRequest is registered by the rpc transport when the remote agent
// asks for user input. Respond is invoked once, with answers keyed by
// question id, after the final question is answered.
type UserInputRequest struct {
	RequestID string
	Questions []UserInputQuestion
	Respond   func(ctx context.Context, answers map[string][]string) error
}

type pendingInput struct {
	req     *UserInputRequest
	next    int
	answers map[string][]string
}

// Service is the attention inbox: create-or-touch with signature dedup,
// terminal transitions with audit rows, and option effect resolution.
type Service struct {
	store     *Store
	decisions *Decisions
	events    EventAppender
	bus       bus.EventBus
	logger    *logger.Logger

	writer  SessionWriter
	replier RPCReplier

	mu      sync.Mutex
	pending map[int64]*pendingInput // item id -> in-flight user-input request
}

func NewService(store *Store, eventStore EventAppender, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		decisions: NewDecisions(),
		events:    eventStore,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "inbox")),
		pending:   make(map[int64]*pendingInput),
	}
}

// SetSessionWriter wires the session supervisor after construction; the
// supervisor depends on the inbox for detections, so this side is set late.
func (s *Service) SetSessionWriter(w SessionWriter) { s.writer = w }

// SetRPCReplier wires the rpc reply path.
func (s *Service) SetRPCReplier(r RPCReplier) { s.replier = r }

// Decisions exposes the hook-bridge mailbox.
func (s *Service) Decisions() *Decisions { return s.decisions }

// Create stores a detected attention candidate. An existing open item with
// the same (sessionId, signature) is refreshed in place and its id returned.
func (s *Service) Create(ctx context.Context, sessionID string, cand interpret.AttentionCandidate) (int64, bool, error) {
	item := &Item{
		SessionID: sessionID,
		Kind:      cand.Kind,
		Severity:  cand.Severity,
		Title:     cand.Title,
		Body:      cand.Body,
		Signature: cand.Signature,
		Options:   cand.Options,
	}
	id, created, err := s.store.Upsert(ctx, item)
	if err != nil {
		return 0, false, fmt.Errorf("failed to store attention item: %w", err)
	}
	if created {
		s.logger.Info("attention item created",
			zap.Int64("id", id),
			zap.String("session_id", sessionID),
			zap.String("kind", cand.Kind),
			zap.String("signature", cand.Signature))
	}
	s.broadcast(ctx, sessionID, id, StatusOpen)
	return id, created, nil
}

// Respond resolves the chosen option's effect and transitions the item to
// sent. Responding to a non-open item is a no-op returning current status.
func (s *Service) Respond(ctx context.Context, id int64, optionID, source string, meta map[string]any) (Status, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status != StatusOpen {
		return item.Status, nil
	}

	var option *interpret.Option
	for i := range item.Options {
		if item.Options[i].ID == optionID {
			option = &item.Options[i]
			break
		}
	}
	if option == nil {
		return "", apperr.Newf(apperr.CodeInvalidCommandPayload, "unknown option %q", optionID)
	}

	// Nested continuation keeps the item open presenting the next question.
	if option.QuestionInput != nil {
		advanced, err := s.advanceUserInput(ctx, item, option)
		if err != nil {
			return "", err
		}
		if advanced {
			_ = s.store.RecordAction(ctx, id, "respond", optionID, source, meta)
			s.broadcast(ctx, item.SessionID, id, StatusOpen)
			return StatusOpen, nil
		}
	}

	if err := s.applyEffect(ctx, item, option); err != nil {
		return "", err
	}

	moved, err := s.store.Transition(ctx, id, StatusSent)
	if err != nil {
		return "", err
	}
	if !moved {
		// Lost the race to a concurrent respond/dismiss.
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}

	if err := s.store.RecordAction(ctx, id, "respond", optionID, source, meta); err != nil {
		s.logger.Warn("failed to record respond action", zap.Int64("id", id), zap.Error(err))
	}
	if _, err := s.events.AppendEvent(ctx, item.SessionID, transcript.EventInboxRespond, map[string]any{
		"attentionId": id,
		"optionId":    optionID,
		"source":      source,
	}); err != nil {
		s.logger.Warn("failed to append respond event", zap.Int64("id", id), zap.Error(err))
	}
	s.broadcast(ctx, item.SessionID, id, StatusSent)
	return StatusSent, nil
}

// Dismiss moves an open item to dismissed. Double-dismiss is a no-op.
func (s *Service) Dismiss(ctx context.Context, id int64, source string, meta map[string]any) (Status, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status != StatusOpen {
		return item.Status, nil
	}

	moved, err := s.store.Transition(ctx, id, StatusDismissed)
	if err != nil {
		return "", err
	}
	if !moved {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	if err := s.store.RecordAction(ctx, id, "dismiss", "", source, meta); err != nil {
		s.logger.Warn("failed to record dismiss action", zap.Int64("id", id), zap.Error(err))
	}
	if _, err := s.events.AppendEvent(ctx, item.SessionID, transcript.EventInboxDismiss, map[string]any{
		"attentionId": id,
		"source":      source,
	}); err != nil {
		s.logger.Warn("failed to append dismiss event", zap.Int64("id", id), zap.Error(err))
	}
	s.broadcast(ctx, item.SessionID, id, StatusDismissed)
	return StatusDismissed, nil
}

// Get returns one item by id.
func (s *Service) Get(ctx context.Context, id int64) (*Item, error) {
	return s.store.Get(ctx, id)
}

// List returns open items, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	return s.store.List(ctx, filter)
}

// OpenCounts returns open item counts per session.
func (s *Service) OpenCounts(ctx context.Context) (map[string]int, error) {
	return s.store.OpenCounts(ctx)
}

// CloseSession dismisses all open items for a session, used on session purge.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	ids, err := s.store.DismissSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if len(ids) > 0 {
		s.broadcast(ctx, sessionID, 0, StatusDismissed)
	}
	return nil
}

// RegisterUserInput opens an item presenting the first question of an rpc
// user-input request. Subsequent questions are presented under the same item
// id; only the final answer triggers req.Respond.
func (s *Service) RegisterUserInput(ctx context.Context, sessionID string, req *UserInputRequest) (int64, error) {
	if len(req.Questions) == 0 {
		return 0, apperr.New(apperr.CodeInvalidCommandPayload, "user input request has no questions")
	}
	first := req.Questions[0]
	cand := interpret.AttentionCandidate{
		Kind:      "rpc.user_input",
		Severity:  interpret.SeverityWarn,
		Title:     first.Prompt,
		Body:      first.Body,
		Signature: sessionID + "|rpc.user_input|" + req.RequestID,
		Options:   questionOptions(first),
	}
	id, _, err := s.Create(ctx, sessionID, cand)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.pending[id] = &pendingInput{req: req, answers: make(map[string][]string)}
	s.mu.Unlock()
	return id, nil
}

// advanceUserInput records the chosen answer. When more questions remain it
// mutates the item in place and reports true; on the final question it calls
// the upstream responder and reports false so the caller finishes normally.
func (s *Service) advanceUserInput(ctx context.Context, item *Item, option *interpret.Option) (bool, error) {
	s.mu.Lock()
	p, ok := s.pending[item.ID]
	if !ok {
		s.mu.Unlock()
		return false, apperr.New(apperr.CodeRPCFailed, "no pending user input request for item")
	}
	p.answers[option.QuestionInput.QuestionID] = option.QuestionInput.Answers
	p.next++
	if p.next < len(p.req.Questions) {
		next := p.req.Questions[p.next]
		s.mu.Unlock()
		if err := s.store.UpdateContent(ctx, item.ID, next.Prompt, next.Body, questionOptions(next)); err != nil {
			return false, err
		}
		return true, nil
	}
	delete(s.pending, item.ID)
	answers := p.answers
	respond := p.req.Respond
	s.mu.Unlock()

	if err := respond(ctx, answers); err != nil {
		return false, apperr.Wrap(apperr.CodeRPCFailed, "failed to deliver user input response", err)
	}
	return false, nil
}

func questionOptions(q UserInputQuestion) []interpret.Option {
	options := make([]interpret.Option, 0, len(q.Options))
	for _, o := range q.Options {
		options = append(options, interpret.Option{
			ID:    o.ID,
			Label: o.Label,
			QuestionInput: &interpret.QuestionInput{
				QuestionID: q.ID,
				Answers:    o.Answers,
			},
		})
	}
	return options
}

func (s *Service) applyEffect(ctx context.Context, item *Item, option *interpret.Option) error {
	switch {
	case option.SendKeys != "":
		if s.writer == nil {
			return apperr.New(apperr.CodeWriteFailed, "no session writer configured")
		}
		if err := s.writer.WriteSession(ctx, item.SessionID, []byte(option.SendKeys)); err != nil {
			return apperr.Wrap(apperr.CodeWriteFailed, "failed to type response", err)
		}
	case option.Decision != nil:
		s.decisions.Post(item.SessionID, item.Signature, option.Decision)
	case len(option.RPCReply) > 0:
		if s.replier == nil {
			return apperr.New(apperr.CodeRPCFailed, "no rpc replier configured")
		}
		if err := s.replier.ReplyRPC(ctx, item.SessionID, option.RPCReply); err != nil {
			return apperr.Wrap(apperr.CodeRPCFailed, "failed to send rpc reply", err)
		}
	}
	return nil
}

// CreatePermissionRequest handles a hook-bridge permission request: it opens
// (or refreshes) an item whose options post allow/deny decisions into the
// mailbox, and returns the signature the bridge polls with.
func (s *Service) CreatePermissionRequest(ctx context.Context, sessionID string, payload map[string]any) (string, int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.CodeInvalidCommandPayload, "invalid permission payload", err)
	}
	sum := sha256.Sum256(raw)
	signature := sessionID + "|permission|" + hex.EncodeToString(sum[:8])

	title := "Permission requested"
	if tool, ok := payload["tool_name"].(string); ok && tool != "" {
		title = "Permission requested: " + tool
	}
	cand := interpret.AttentionCandidate{
		Kind:      "permission.request",
		Severity:  interpret.SeverityWarn,
		Title:     title,
		Body:      string(raw),
		Signature: signature,
		Options: []interpret.Option{
			{ID: "allow", Label: "Allow", Decision: map[string]any{"behavior": "allow"}},
			{ID: "deny", Label: "Deny", Decision: map[string]any{"behavior": "deny"}},
		},
	}
	id, _, err := s.Create(ctx, sessionID, cand)
	if err != nil {
		return "", 0, err
	}
	return signature, id, nil
}

func (s *Service) broadcast(ctx context.Context, sessionID string, id int64, status Status) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.InboxChanged, "inbox", map[string]any{
		"sessionId": sessionID,
		"id":        id,
		"status":    string(status),
	})
	if err := s.bus.Publish(ctx, events.InboxChanged, event); err != nil {
		s.logger.Warn("failed to broadcast inbox change", zap.Error(err))
	}
}

// Close stops the decision mailbox GC.
func (s *Service) Close() {
	s.decisions.Close()
}
