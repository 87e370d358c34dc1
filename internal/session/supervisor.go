package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/events"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/inbox"
	"github.com/fyp/fyp/internal/interpret"
	"github.com/fyp/fyp/internal/transcript"
	"github.com/fyp/fyp/pkg/codex"
)

// Default teardown grace before escalating to SIGKILL.
const defaultCloseGrace = 1400 * time.Millisecond

// DirectiveSink receives directives parsed from coordinator session output.
type DirectiveSink func(sessionID string, d interpret.Directive)

// Supervisor owns all live sessions: spawning, input routing, the output
// pipeline, and teardown. Persisted metadata lives in Store; everything else
// is transient and purged on exit.
type Supervisor struct {
	logger      *logger.Logger
	store       *Store
	transcripts *transcript.Store
	inbox       *inbox.Service
	bus         bus.EventBus
	toolIndex   ToolIndex
	roots       []string

	mu   sync.RWMutex
	live map[string]*liveSession

	directiveSink DirectiveSink
	subSeq        int64
}

type liveSession struct {
	meta      *Meta
	transport Transport
	pipeline  *pipeline
	screen    *screenTracker
	bootstrap *bootstrapState
	spawnedAt time.Time

	mu      sync.RWMutex
	closing bool
	subs    map[int64]subscriber

	cancelLink context.CancelFunc
}

type subscriber struct {
	output OutputHandler
	exit   ExitHandler
}

// NewSupervisor wires the supervisor. toolIndex may be nil to disable
// tool-native linking.
func NewSupervisor(store *Store, transcripts *transcript.Store, inboxSvc *inbox.Service, eventBus bus.EventBus, toolIndex ToolIndex, workspaceRoots []string, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		logger:      log.WithFields(zap.String("component", "session-supervisor")),
		store:       store,
		transcripts: transcripts,
		inbox:       inboxSvc,
		bus:         eventBus,
		toolIndex:   toolIndex,
		roots:       workspaceRoots,
		live:        make(map[string]*liveSession),
	}
	inboxSvc.SetSessionWriter(s)
	inboxSvc.SetRPCReplier(s)
	return s
}

// SetDirectiveSink registers the consumer of coordinator directives.
func (s *Supervisor) SetDirectiveSink(sink DirectiveSink) {
	s.directiveSink = sink
}

// ScanDirectives marks a create request's session for directive scanning.
// Orchestrator sessions set this; plain sessions never parse directives.
type createOptions struct {
	scanDirectives bool
}

// CreateOption tunes session creation.
type CreateOption func(*createOptions)

// WithDirectiveScanning enables directive extraction on the session's output.
func WithDirectiveScanning() CreateOption {
	return func(o *createOptions) { o.scanDirectives = true }
}

// Create spawns a new session.
func (s *Supervisor) Create(ctx context.Context, req CreateRequest, opts ...CreateOption) (*Info, error) {
	var options createOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	key, root := ResolveWorkspace(s.roots, req.Cwd)
	meta := &Meta{
		ID:            req.ID,
		Tool:          req.Tool,
		ProfileID:     req.ProfileID,
		Transport:     req.Transport,
		Cwd:           req.Cwd,
		ToolSessionID: req.ToolSessionID,
		WorkspaceKey:  key,
		WorkspaceRoot: root,
		Label:         req.Label,
		TaskID:        req.TaskID,
		TaskRole:      req.TaskRole,
		TaskTitle:     req.TaskTitle,
	}

	// Snapshot the native index before spawn so the linker can exclude
	// pre-existing sessions.
	snapshot := s.snapshotToolIndex(ctx, req)

	if err := s.store.Create(ctx, meta); err != nil {
		return nil, err
	}

	ls, err := s.spawn(ctx, meta, &req, options.scanDirectives)
	if err != nil {
		_ = s.store.Delete(ctx, meta.ID)
		return nil, err
	}

	if _, err := s.transcripts.AppendEvent(ctx, meta.ID, transcript.EventSessionCreated, map[string]any{
		"tool":      meta.Tool,
		"transport": meta.Transport,
		"cwd":       meta.Cwd,
	}); err != nil {
		s.logger.Warn("failed to append created event", zap.String("session_id", meta.ID), zap.Error(err))
	}
	s.publish(events.SessionsChanged, map[string]any{"sessionId": meta.ID})
	s.publishScopeChanges(meta)

	if req.BootstrapText != "" {
		s.sendBootstrap(ls, req.BootstrapText)
	}
	if req.ToolSessionID == "" && s.toolIndex != nil && meta.Tool == ToolCodex && meta.Transport == TransportPTY {
		linkCtx, cancel := context.WithCancel(context.Background())
		ls.cancelLink = cancel
		go s.linkToolSession(linkCtx, ls, snapshot)
	}

	return s.infoFor(ctx, meta.ID)
}

func validateCreate(req *CreateRequest) error {
	switch req.Tool {
	case ToolCodex, ToolClaude, ToolOpencode:
	default:
		return apperr.Newf(apperr.CodeBadTool, "unknown tool %q", req.Tool)
	}
	if req.Transport == "" {
		req.Transport = TransportPTY
	}
	switch req.Transport {
	case TransportPTY:
	case TransportRPC:
		if req.Tool != ToolCodex {
			return apperr.Newf(apperr.CodeUnsupportedTransport, "tool %q has no rpc transport", req.Tool)
		}
	default:
		return apperr.Newf(apperr.CodeUnsupportedTransport, "unknown transport %q", req.Transport)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, meta *Meta, req *CreateRequest, scanDirectives bool) (*liveSession, error) {
	command := req.Command
	if len(command) == 0 {
		command = commandFor(meta.Tool, meta.Transport, req.ExtraArgs)
	}

	ls := &liveSession{
		meta:      meta,
		spawnedAt: time.Now().UTC(),
		subs:      make(map[int64]subscriber),
		bootstrap: newBootstrapState(req.BootstrapText),
	}

	if meta.Transport == TransportPTY {
		ls.screen = newScreenTracker(req.Cols, req.Rows)
	}
	ls.pipeline = newPipeline(meta.ID, s.sinksFor(ls), scanDirectives, ls.screen)

	onOutput := func(chunk []byte) { ls.pipeline.Ingest(chunk) }

	var transport Transport
	switch meta.Transport {
	case TransportPTY:
		transport = newPTYTransport(meta.Tool, command, meta.Cwd, req.Env, req.Cols, req.Rows, onOutput, s.logger)
	case TransportRPC:
		onRequest := func(method string, params json.RawMessage) {
			s.handleAgentRequest(meta.ID, method, params)
		}
		transport = newRPCTransport(command, meta.Cwd, req.Env, req.ToolAction, req.ToolSessionID, onOutput, onRequest, s.logger)
	}

	if err := transport.Start(ctx); err != nil {
		return nil, err
	}
	ls.transport = transport

	s.mu.Lock()
	s.live[meta.ID] = ls
	s.mu.Unlock()

	go s.watchExit(ls)

	// rpc handshakes yield the thread id immediately.
	if rpc, ok := transport.(RPCTransport); ok {
		if tid := rpc.ThreadID(); tid != "" && tid != meta.ToolSessionID {
			if err := s.recordToolLink(context.Background(), meta.ID, tid); err != nil {
				s.logger.Warn("failed to record thread id",
					zap.String("session_id", meta.ID), zap.Error(err))
			}
		}
	}

	s.logger.Info("session started",
		zap.String("session_id", meta.ID),
		zap.String("tool", meta.Tool),
		zap.String("transport", meta.Transport),
		zap.Int("pid", transport.PID()))
	return ls, nil
}

func commandFor(tool, transportKind string, extraArgs []string) []string {
	var command []string
	switch {
	case tool == ToolCodex && transportKind == TransportRPC:
		command = []string{"codex", "app-server"}
	case tool == ToolCodex:
		command = []string{"codex"}
	case tool == ToolClaude:
		command = []string{"claude"}
	case tool == ToolOpencode:
		command = []string{"opencode"}
	}
	return append(command, extraArgs...)
}

func (s *Supervisor) sinksFor(ls *liveSession) pipelineSinks {
	id := ls.meta.ID
	return pipelineSinks{
		appendOutput: func(chunk []byte) {
			s.transcripts.AppendOutput(id, chunk)
		},
		emitOutput: func(msg OutputMessage) {
			ls.mu.RLock()
			for _, sub := range ls.subs {
				if sub.output != nil {
					sub.output(msg)
				}
			}
			ls.mu.RUnlock()
		},
		emitPreview: func(line string, ts time.Time) {
			s.publish(events.SessionPreview, map[string]any{
				"sessionId": id,
				"preview":   line,
				"ts":        ts,
			})
		},
		emitAssist: func(assist *interpret.Assist) {
			s.publish(events.Subject(events.SessionAssist, id), map[string]any{
				"sessionId": id,
				"assist":    assist,
			})
		},
		onCandidate: func(cand interpret.AttentionCandidate) {
			if _, _, err := s.inbox.Create(context.Background(), id, cand); err != nil {
				s.logger.Warn("failed to store attention candidate",
					zap.String("session_id", id), zap.Error(err))
			}
		},
		onDirective: func(d interpret.Directive) {
			if s.directiveSink != nil {
				s.directiveSink(id, d)
			}
		},
	}
}

// Input delivers a user message: raw typed text on pty, a turn on rpc. The
// bootstrap fallback text is prepended when the startup prompt never took.
func (s *Supervisor) Input(ctx context.Context, id, text string) (int64, error) {
	ls, err := s.running(id)
	if err != nil {
		return 0, err
	}

	if ls.bootstrap != nil {
		if prefix := ls.bootstrap.consume(s.activitySince(ls)); prefix != "" {
			text = prefix + "\n\n" + text
		}
	}

	switch ls.meta.Transport {
	case TransportRPC:
		if err := ls.transport.StartTurn(ctx, text); err != nil {
			return 0, err
		}
	default:
		// Trailing LF-only input confuses TUIs; always submit with CR.
		if err := ls.transport.Write([]byte(strings.TrimRight(text, "\r\n") + "\r")); err != nil {
			return 0, err
		}
	}

	seq, err := s.transcripts.AppendEvent(ctx, id, transcript.EventInput, map[string]any{"text": text})
	if err != nil {
		s.logger.Warn("failed to append input event", zap.String("session_id", id), zap.Error(err))
	}
	_ = s.store.Touch(ctx, id)
	return seq, nil
}

// Write sends raw bytes to a pty session without synthesizing an event.
func (s *Supervisor) Write(_ context.Context, id string, data []byte) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	return ls.transport.Write(data)
}

// WriteSession implements the inbox option effect.
func (s *Supervisor) WriteSession(ctx context.Context, id string, data []byte) error {
	return s.Write(ctx, id, data)
}

// ReplyRPC forwards a raw reply to the session's outstanding agent request.
func (s *Supervisor) ReplyRPC(ctx context.Context, id string, payload json.RawMessage) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	rpc, ok := ls.transport.(RPCTransport)
	if !ok {
		return apperr.New(apperr.CodeUnsupportedTransport, "session has no rpc transport")
	}
	return rpc.Reply(ctx, payload)
}

// StartTurn begins an rpc turn.
func (s *Supervisor) StartTurn(ctx context.Context, id, text string) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	return ls.transport.StartTurn(ctx, text)
}

// Interrupt cancels the session's current activity.
func (s *Supervisor) Interrupt(ctx context.Context, id string) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	if err := ls.transport.Interrupt(); err != nil {
		return err
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventInterrupt, nil); err != nil {
		s.logger.Warn("failed to append interrupt event", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// Stop requests graceful termination.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventStop, nil); err != nil {
		s.logger.Warn("failed to append stop event", zap.String("session_id", id), zap.Error(err))
	}
	return ls.transport.Stop()
}

// Kill terminates immediately.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventKill, nil); err != nil {
		s.logger.Warn("failed to append kill event", zap.String("session_id", id), zap.Error(err))
	}
	return ls.transport.Kill()
}

// Close tears a session down in order: graceful stop, then SIGKILL after the
// grace period. force skips the graceful phase.
func (s *Supervisor) Close(ctx context.Context, id string, force bool, grace time.Duration) error {
	ls, ok := s.liveFor(id)
	if !ok {
		return apperr.Newf(apperr.CodeSessionNotFound, "session %s not running", id)
	}

	ls.mu.Lock()
	if ls.closing {
		ls.mu.Unlock()
		return apperr.Newf(apperr.CodeSessionClosing, "session %s already closing", id)
	}
	ls.closing = true
	ls.mu.Unlock()

	s.publish(events.Subject(events.SessionClosing, id), map[string]any{"sessionId": id})

	if grace <= 0 {
		grace = defaultCloseGrace
	}
	if force {
		return ls.transport.Kill()
	}

	if err := ls.transport.Stop(); err != nil {
		s.logger.Warn("graceful stop failed, killing", zap.String("session_id", id), zap.Error(err))
		return ls.transport.Kill()
	}

	select {
	case <-ls.transport.Done():
		return nil
	case <-time.After(grace):
		return ls.transport.Kill()
	case <-ctx.Done():
		return ls.transport.Kill()
	}
}

// Restart spawns a terminated session again with its stored metadata.
func (s *Supervisor) Restart(ctx context.Context, id string) (*Info, error) {
	if _, ok := s.liveFor(id); ok {
		return nil, apperr.Newf(apperr.CodeSessionClosing, "session %s still running", id)
	}
	meta, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	req := &CreateRequest{
		ID:            meta.ID,
		Tool:          meta.Tool,
		ProfileID:     meta.ProfileID,
		Transport:     meta.Transport,
		Cwd:           meta.Cwd,
		ToolSessionID: meta.ToolSessionID,
	}
	if meta.ToolSessionID != "" && meta.Transport == TransportRPC {
		req.ToolAction = "resume"
	}
	if _, err := s.spawn(ctx, meta, req, false); err != nil {
		return nil, err
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventSessionRestart, nil); err != nil {
		s.logger.Warn("failed to append restart event", zap.String("session_id", id), zap.Error(err))
	}
	s.publish(events.SessionsChanged, map[string]any{"sessionId": id})
	return s.infoFor(ctx, id)
}

// Resize adjusts a pty session's dimensions, clamped to the allowed range.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	ls, err := s.running(id)
	if err != nil {
		return err
	}
	if ls.meta.Transport != TransportPTY {
		return nil
	}
	c, r := clampDims(cols, rows)
	if ls.screen != nil {
		ls.screen.Resize(int(c), int(r))
	}
	return ls.transport.Resize(c, r)
}

// Delete removes a session and all its persisted data. Running sessions
// require force.
func (s *Supervisor) Delete(ctx context.Context, id string, force bool) error {
	if ls, ok := s.liveFor(id); ok {
		if !force {
			return apperr.Newf(apperr.CodeSessionNotRunning, "session %s is running; force required", id)
		}
		_ = ls.transport.Kill()
		select {
		case <-ls.transport.Done():
		case <-time.After(defaultCloseGrace):
		}
	}
	meta, _ := s.store.Get(ctx, id)
	if err := s.transcripts.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := s.inbox.CloseSession(ctx, id); err != nil {
		s.logger.Warn("failed to close inbox items", zap.String("session_id", id), zap.Error(err))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(events.SessionsChanged, map[string]any{"sessionId": id})
	s.publishScopeChanges(meta)
	return nil
}

// Subscribe attaches output and exit handlers; the returned function detaches
// them.
func (s *Supervisor) Subscribe(id string, output OutputHandler, exit ExitHandler) (func(), error) {
	ls, ok := s.liveFor(id)
	if !ok {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, "session %s not running", id)
	}

	s.mu.Lock()
	s.subSeq++
	token := s.subSeq
	s.mu.Unlock()

	ls.mu.Lock()
	ls.subs[token] = subscriber{output: output, exit: exit}
	ls.mu.Unlock()

	return func() {
		ls.mu.Lock()
		delete(ls.subs, token)
		ls.mu.Unlock()
	}, nil
}

// Running reports whether the session has a live subprocess.
func (s *Supervisor) Running(id string) bool {
	ls, ok := s.liveFor(id)
	return ok && ls.transport.Running()
}

// Status returns the runtime view of one session.
func (s *Supervisor) Status(ctx context.Context, id string) (*Status, error) {
	if ls, ok := s.liveFor(id); ok {
		ls.mu.RLock()
		closing := ls.closing
		ls.mu.RUnlock()
		return &Status{
			Running: ls.transport.Running(),
			Closing: closing,
			PID:     ls.transport.PID(),
		}, nil
	}
	meta, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{ExitCode: meta.ExitCode, Signal: meta.Signal}, nil
}

// Get returns the full info view for one session.
func (s *Supervisor) Get(ctx context.Context, id string) (*Info, error) {
	return s.infoFor(ctx, id)
}

// List returns the info view of every stored session.
func (s *Supervisor) List(ctx context.Context) ([]*Info, error) {
	metas, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.inbox.OpenCounts(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*Info, 0, len(metas))
	for _, meta := range metas {
		infos = append(infos, s.composeInfo(meta, counts[meta.ID]))
	}
	return infos, nil
}

// Preview returns the current preview line and timestamp for a live session.
func (s *Supervisor) Preview(id string) (string, time.Time) {
	if ls, ok := s.liveFor(id); ok {
		return ls.pipeline.Preview()
	}
	return "", time.Time{}
}

// Tail returns the recent output window of a live session.
func (s *Supervisor) Tail(id string) []byte {
	if ls, ok := s.liveFor(id); ok {
		return ls.pipeline.Tail()
	}
	return nil
}

// LastActivity reports when output last arrived for a live session.
func (s *Supervisor) LastActivity(id string) time.Time {
	if ls, ok := s.liveFor(id); ok {
		return ls.pipeline.LastActivity()
	}
	return time.Time{}
}

// HasCompletionCue checks the live tail for handoff markers.
func (s *Supervisor) HasCompletionCue(id string) bool {
	ls, ok := s.liveFor(id)
	return ok && ls.pipeline.HasCompletionCue()
}

// HasQuestionCue checks the live tail for a question packet.
func (s *Supervisor) HasQuestionCue(id string) bool {
	ls, ok := s.liveFor(id)
	return ok && ls.pipeline.HasQuestionCue()
}

// Store exposes the metadata repository.
func (s *Supervisor) Store() *Store { return s.store }

// Shutdown stops every live session, flushing transcripts.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Close(ctx, id, false, defaultCloseGrace); err != nil {
			s.logger.Warn("failed to close session during shutdown",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	s.transcripts.FlushAll()
}

func (s *Supervisor) infoFor(ctx context.Context, id string) (*Info, error) {
	meta, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.inbox.OpenCounts(ctx)
	if err != nil {
		return nil, err
	}
	return s.composeInfo(meta, counts[id]), nil
}

func (s *Supervisor) composeInfo(meta *Meta, attention int) *Info {
	info := &Info{Meta: *meta, Attention: attention}
	if ls, ok := s.liveFor(meta.ID); ok {
		ls.mu.RLock()
		info.Status = Status{
			Running: ls.transport.Running(),
			Closing: ls.closing,
			PID:     ls.transport.PID(),
		}
		ls.mu.RUnlock()
		info.Preview, info.PreviewTS = ls.pipeline.Preview()
	} else {
		info.Status = Status{ExitCode: meta.ExitCode, Signal: meta.Signal}
	}
	return info
}

func (s *Supervisor) liveFor(id string) (*liveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.live[id]
	return ls, ok
}

func (s *Supervisor) running(id string) (*liveSession, error) {
	ls, ok := s.liveFor(id)
	if !ok {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", id)
	}
	ls.mu.RLock()
	closing := ls.closing
	ls.mu.RUnlock()
	if closing {
		return nil, apperr.Newf(apperr.CodeSessionClosing, "session %s is closing", id)
	}
	if !ls.transport.Running() {
		return nil, apperr.Newf(apperr.CodeSessionNotRunning, "session %s not running", id)
	}
	return ls, nil
}

// watchExit waits for the subprocess to end, persists the exit, and purges
// transient state.
func (s *Supervisor) watchExit(ls *liveSession) {
	<-ls.transport.Done()
	exit := ls.transport.Exit()
	id := ls.meta.ID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.transcripts.Flush(id)
	if err := s.store.SetExit(ctx, id, exit.Code, exit.Signal); err != nil {
		s.logger.Warn("failed to persist exit", zap.String("session_id", id), zap.Error(err))
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventSessionExit, map[string]any{
		"exitCode": exit.Code,
		"signal":   exit.Signal,
	}); err != nil {
		s.logger.Warn("failed to append exit event", zap.String("session_id", id), zap.Error(err))
	}

	ls.mu.RLock()
	subs := make([]subscriber, 0, len(ls.subs))
	for _, sub := range ls.subs {
		subs = append(subs, sub)
	}
	ls.mu.RUnlock()
	for _, sub := range subs {
		if sub.exit != nil {
			sub.exit(exit)
		}
	}

	if ls.cancelLink != nil {
		ls.cancelLink()
	}
	if ls.bootstrap != nil {
		ls.bootstrap.stop()
	}
	ls.pipeline.Close()

	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	s.publish(events.Subject(events.SessionClosed, id), map[string]any{
		"sessionId": id,
		"exitCode":  exit.Code,
		"signal":    exit.Signal,
	})
	s.publish(events.SessionsChanged, map[string]any{"sessionId": id})
	s.publishScopeChanges(ls.meta)

	s.logger.Info("session exited",
		zap.String("session_id", id),
		zap.Int("exit_code", exit.Code),
		zap.String("signal", exit.Signal))
}

func (s *Supervisor) sendBootstrap(ls *liveSession, text string) {
	send := func(t string) {
		var err error
		if ls.meta.Transport == TransportRPC {
			err = ls.transport.StartTurn(context.Background(), t)
		} else {
			err = ls.transport.Write([]byte(t + "\r"))
		}
		if err != nil {
			s.logger.Warn("failed to send bootstrap prompt",
				zap.String("session_id", ls.meta.ID), zap.Error(err))
		}
	}
	send(text)
	if ls.bootstrap != nil {
		ls.bootstrap.armRetry(s.activitySince(ls), send)
	}
}

// activitySince reports whether interpreter preview activity post-dates t.
func (s *Supervisor) activitySince(ls *liveSession) func(time.Time) bool {
	return func(t time.Time) bool {
		_, ts := ls.pipeline.Preview()
		return ts.After(t)
	}
}

func (s *Supervisor) snapshotToolIndex(ctx context.Context, req CreateRequest) map[string]bool {
	snapshot := make(map[string]bool)
	if s.toolIndex == nil || req.Tool != ToolCodex || req.Transport == TransportRPC {
		return snapshot
	}
	sessions, err := s.toolIndex.Sessions(ctx, req.Cwd)
	if err != nil {
		s.logger.Debug("tool index snapshot failed", zap.Error(err))
		return snapshot
	}
	for _, ts := range sessions {
		snapshot[ts.ID] = true
	}
	return snapshot
}

// linkToolSession runs the bounded backoff scan for the native session id.
func (s *Supervisor) linkToolSession(ctx context.Context, ls *liveSession, snapshot map[string]bool) {
	id := ls.meta.ID
	for attempt := 0; attempt < linkMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(linkDelay(attempt)):
		}

		claimed, err := s.store.LinkedToolSessions(ctx)
		if err != nil {
			continue
		}
		claimedSet := make(map[string]bool, len(claimed))
		for toolID := range claimed {
			claimedSet[toolID] = true
		}

		sessions, err := s.toolIndex.Sessions(ctx, ls.meta.Cwd)
		if err != nil {
			continue
		}
		pick := pickToolSession(sessions, ls.meta.Cwd, ls.spawnedAt, snapshot, claimedSet)
		if pick == nil {
			continue
		}
		if err := s.recordToolLink(ctx, id, pick.ID); err != nil {
			// Raced with another session claiming the same id.
			continue
		}
		return
	}
	s.logger.Debug("tool session linking gave up", zap.String("session_id", id))
}

func (s *Supervisor) recordToolLink(ctx context.Context, id, toolSessionID string) error {
	if err := s.store.LinkToolSession(ctx, id, toolSessionID); err != nil {
		return err
	}
	if _, err := s.transcripts.AppendEvent(ctx, id, transcript.EventSessionToolLink, map[string]any{
		"toolSessionId": toolSessionID,
	}); err != nil {
		s.logger.Warn("failed to append tool link event", zap.String("session_id", id), zap.Error(err))
	}
	s.publish(events.SessionsChanged, map[string]any{"sessionId": id})
	s.logger.Info("linked tool session",
		zap.String("session_id", id),
		zap.String("tool_session_id", toolSessionID))
	return nil
}

// handleAgentRequest converts agent-initiated rpc requests into inbox items.
func (s *Supervisor) handleAgentRequest(sessionID, method string, params json.RawMessage) {
	ctx := context.Background()
	switch method {
	case codex.RequestExecApproval, codex.RequestFileChangeApproval:
		s.handleNativeApproval(ctx, sessionID, method, params)
	case codex.RequestUserInput:
		s.handleUserInput(ctx, sessionID, params)
	default:
		s.logger.Warn("unhandled agent request", zap.String("method", method))
	}
}

func (s *Supervisor) handleNativeApproval(ctx context.Context, sessionID, method string, params json.RawMessage) {
	var payload struct {
		ItemID  string `json:"itemId"`
		Command string `json:"command"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(params, &payload)

	kind := "codex.native.approval.exec"
	title := "Approve command execution"
	if method == codex.RequestFileChangeApproval {
		kind = "codex.native.approval.patch"
		title = "Approve file changes"
	}
	body := payload.Command
	if body == "" {
		body = payload.Reason
	}

	reply := func(decision string) json.RawMessage {
		raw, _ := json.Marshal(map[string]string{"decision": decision})
		return raw
	}
	cand := interpret.AttentionCandidate{
		Kind:      kind,
		Severity:  interpret.SeverityWarn,
		Title:     title,
		Body:      body,
		Signature: fmt.Sprintf("%s|%s|%s", sessionID, kind, payload.ItemID),
		Options: []interpret.Option{
			{ID: "accept", Label: "Accept", RPCReply: reply("accept")},
			{ID: "accept_session", Label: "Accept for session", RPCReply: reply("acceptForSession")},
			{ID: "decline", Label: "Decline", RPCReply: reply("decline")},
		},
	}
	if _, _, err := s.inbox.Create(ctx, sessionID, cand); err != nil {
		s.logger.Warn("failed to store native approval",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Supervisor) handleUserInput(ctx context.Context, sessionID string, params json.RawMessage) {
	var payload codex.UserInputParams
	if err := json.Unmarshal(params, &payload); err != nil || len(payload.Questions) == 0 {
		s.logger.Warn("invalid user input request", zap.String("session_id", sessionID))
		return
	}

	questions := make([]inbox.UserInputQuestion, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		iq := inbox.UserInputQuestion{ID: q.ID, Prompt: q.Question, Body: q.Header}
		for i, opt := range q.Options {
			iq.Options = append(iq.Options, inbox.UserInputOption{
				ID:      fmt.Sprintf("%s-%d", q.ID, i),
				Label:   opt.Label,
				Answers: []string{opt.Label},
			})
		}
		questions = append(questions, iq)
	}

	req := &inbox.UserInputRequest{
		RequestID: payload.ItemID,
		Questions: questions,
		Respond: func(ctx context.Context, answers map[string][]string) error {
			type answerEntry struct {
				QuestionID string   `json:"questionId"`
				Answers    []string `json:"answers"`
			}
			entries := make([]answerEntry, 0, len(answers))
			for qid, a := range answers {
				entries = append(entries, answerEntry{QuestionID: qid, Answers: a})
			}
			raw, err := json.Marshal(map[string]any{"answers": entries})
			if err != nil {
				return err
			}
			return s.ReplyRPC(ctx, sessionID, raw)
		},
	}
	if _, err := s.inbox.RegisterUserInput(ctx, sessionID, req); err != nil {
		s.logger.Warn("failed to register user input request",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Supervisor) publish(subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "session-supervisor", data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// publishScopeChanges notifies workspace and task listings when a session
// scoped to either appears, exits, or is removed.
func (s *Supervisor) publishScopeChanges(meta *Meta) {
	if meta == nil {
		return
	}
	if meta.WorkspaceKey != "" {
		s.publish(events.WorkspacesChanged, map[string]any{"workspaceKey": meta.WorkspaceKey})
	}
	if meta.TaskID != "" {
		s.publish(events.TasksChanged, map[string]any{"taskId": meta.TaskID})
	}
}

