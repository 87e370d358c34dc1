package orchestration

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
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
	"github.com/fyp/fyp/internal/session"
	"github.com/fyp/fyp/internal/transcript"
)

// SessionController is the slice of the session supervisor the engine drives.
type SessionController interface {
	Create(ctx context.Context, req session.CreateRequest, opts ...session.CreateOption) (*session.Info, error)
	Input(ctx context.Context, id, text string) (int64, error)
	Interrupt(ctx context.Context, id string) error
	Close(ctx context.Context, id string, force bool, grace time.Duration) error
	Delete(ctx context.Context, id string, force bool) error
	Running(id string) bool
	Preview(id string) (string, time.Time)
	LastActivity(id string) time.Time
	HasCompletionCue(id string) bool
	HasQuestionCue(id string) bool
}

// Scaffolder writes orchestration scaffold and bootstrap docs into the
// project. External collaborator; a write failure aborts creation.
type Scaffolder interface {
	WriteScaffold(ctx context.Context, o *Orchestration, req CreateRequest) error
}

// AttentionService is the slice of the inbox the engine uses.
type AttentionService interface {
	Get(ctx context.Context, id int64) (*inbox.Item, error)
	List(ctx context.Context, filter inbox.ListFilter) ([]*inbox.Item, error)
	OpenCounts(ctx context.Context) (map[string]int, error)
	Respond(ctx context.Context, id int64, optionID, source string, meta map[string]any) (inbox.Status, error)
}

// Config carries the engine's timing knobs. Tests shrink these.
type Config struct {
	Roots             []string
	APIBaseURL        string
	APIToken          string
	DefaultSync       *SyncPolicy       // applied when a create request sets none
	DefaultAutomation *AutomationPolicy // applied when a create request sets none
	ReadyWait         time.Duration
	DispatchReadyWait time.Duration
	OrchSettle        time.Duration
	WorkerSettle      time.Duration
	DispatchSettle    time.Duration
	WarmupProbe       time.Duration
	DispatchProbe     time.Duration
	IdleThreshold     time.Duration
	StaleThreshold    time.Duration
	TickInterval      time.Duration
	QuestionBatch     time.Duration
	CoalesceMin       time.Duration
	CoalesceMax       time.Duration
	SignalMinGap      time.Duration
	StaleSignalGap    time.Duration
	SendTaskBackoff   []time.Duration
	CloseGrace        time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		ReadyWait:         15 * time.Second,
		DispatchReadyWait: 30 * time.Second,
		OrchSettle:        360 * time.Millisecond,
		WorkerSettle:      260 * time.Millisecond,
		DispatchSettle:    320 * time.Millisecond,
		WarmupProbe:       9 * time.Second,
		DispatchProbe:     5200 * time.Millisecond,
		IdleThreshold:     60 * time.Second,
		StaleThreshold:    5 * time.Minute,
		TickInterval:      5 * time.Second,
		QuestionBatch:     1200 * time.Millisecond,
		CoalesceMin:       180 * time.Millisecond,
		CoalesceMax:       420 * time.Millisecond,
		SignalMinGap:      15 * time.Second,
		StaleSignalGap:    90 * time.Second,
		SendTaskBackoff:   []time.Duration{1400 * time.Millisecond, 1400 * time.Millisecond, 3200 * time.Millisecond, 7 * time.Second},
		CloseGrace:        1400 * time.Millisecond,
	}
}

// Engine owns orchestration runtime state: locks, sync state, automation
// timers, done latches. Persisted records live in Store.
type Engine struct {
	cfg         Config
	logger      *logger.Logger
	store       *Store
	sessions    SessionController
	inbox       AttentionService
	transcripts *transcript.Store
	bus         bus.EventBus
	worktrees   WorktreeManager
	scaffolder  Scaffolder
	locks       *lockTable

	mu         sync.Mutex
	syncStates map[string]*syncState
	autoStates map[string]*autoState
	bootstraps map[string]string // worker sessionId -> undelivered bootstrap text

	stop     chan struct{}
	stopOnce sync.Once
}

func NewEngine(store *Store, sessions SessionController, attention AttentionService, transcripts *transcript.Store, eventBus bus.EventBus, worktrees WorktreeManager, scaffolder Scaffolder, cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "orchestration")),
		store:       store,
		sessions:    sessions,
		inbox:       attention,
		transcripts: transcripts,
		bus:         eventBus,
		worktrees:   worktrees,
		scaffolder:  scaffolder,
		locks:       newLockTable(),
		syncStates:  make(map[string]*syncState),
		autoStates:  make(map[string]*autoState),
		bootstraps:  make(map[string]string),
		stop:        make(chan struct{}),
	}
}

// Store exposes the persisted repository.
func (e *Engine) Store() *Store { return e.store }

// Get returns one orchestration record.
func (e *Engine) Get(ctx context.Context, id string) (*Orchestration, error) {
	return e.store.Get(ctx, id)
}

// List returns all orchestration records.
func (e *Engine) List(ctx context.Context) ([]*Orchestration, error) {
	return e.store.List(ctx)
}

/// Create builds a full orchestration: worktrees, worker sessions, the
// coordinator session, scaffold docs, persisted record, bootstrap prompts,
// and optional initial task dispatch. Atomic under the projectPath create
// lock; failures before persist roll back in reverse.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Orchestration, error) {
	if req.Name == "" {
		return nil, apperr.New(apperr.CodeMissingText, "orchestration name required")
	}
	if len(req.Workers) == 0 {
		return nil, apperr.New(apperr.CodeMissingWorkers, "at least one worker required")
	}
	projectPath := filepath.Clean(req.ProjectPath)
	if !e.pathUnderRoots(projectPath) {
		return nil, apperr.Newf(apperr.CodeBadPath, "project path %s outside configured roots", projectPath)
	}
	for _, w := range req.Workers {
		if w.WorktreePath != "" && !e.pathUnderRoots(filepath.Clean(w.WorktreePath)) {
			return nil, apperr.Newf(apperr.CodeBadPath, "worktree path %s outside configured roots", w.WorktreePath)
		}
	}

	createMu := e.locks.CreateLock(projectPath)
	createMu.Lock()
	defer createMu.Unlock()

	id := uuid.New().String()
	var rollback []func()
	fail := func(err error) (*Orchestration, error) {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		return nil, err
	}

	e.progressEvent(ctx, id, "worktrees")
	workers := make([]Worker, 0, len(req.Workers))
	for i, spec := range req.Workers {
		w := Worker{
			WorkerIndex: i,
			Name:        spec.Name,
			Tool:        spec.Tool,
			ProfileID:   spec.ProfileID,
			ProjectPath: projectPath,
			TaskPrompt:  spec.TaskPrompt,
			Role:        spec.Role,
			Branch:      spec.Branch,
			BaseRef:     spec.BaseRef,
		}
		if spec.ProjectPath != "" {
			w.ProjectPath = filepath.Clean(spec.ProjectPath)
		}
		if spec.Isolated {
			if !e.worktrees.IsGitRepo(ctx, w.ProjectPath) {
				return fail(apperr.Newf(apperr.CodeWorkerBranchRequiresGitRepo,
					"worker %s requires a git repository at %s", spec.Name, w.ProjectPath))
			}
			wt := spec.WorktreePath
			if wt == "" {
				wt = deriveWorktreePath(w.ProjectPath, req.Name, spec.Name)
			}
			if w.Branch == "" {
				w.Branch = "fyp/" + slugify(req.Name) + "-" + slugify(spec.Name)
			}
			if err := e.worktrees.Create(ctx, w.ProjectPath, wt, w.Branch, spec.BaseRef); err != nil {
				return fail(err)
			}
			w.WorktreePath = wt
			repo, path := w.ProjectPath, wt
			rollback = append(rollback, func() { _ = e.worktrees.Remove(context.Background(), repo, path) })
		}
		workers = append(workers, w)
	}

	e.progressEvent(ctx, id, "worker_sessions")
	for i := range workers {
		w := &workers[i]
		cwd := w.WorktreePath
		if cwd == "" {
			cwd = w.ProjectPath
		}
		spec := req.Workers[i]
		info, err := e.sessions.Create(ctx, session.CreateRequest{
			Tool:      w.Tool,
			ProfileID: w.ProfileID,
			Cwd:       cwd,
			Env:       spec.Env,
			ExtraArgs: spec.ExtraArgs,
			Label:     req.Name + "/" + w.Name,
			TaskRole:  w.Role,
			TaskTitle: w.Name,
		})
		if err != nil {
			return fail(apperr.Wrap(apperr.CodeSpawnFailed, fmt.Sprintf("failed to spawn worker %s", w.Name), err))
		}
		w.SessionID = info.ID
		sid := info.ID
		rollback = append(rollback, func() { _ = e.sessions.Delete(context.Background(), sid, true) })
	}

	e.progressEvent(ctx, id, "orchestrator_session")
	orchEnv := map[string]string{
		"FYP_API_BASE_URL":     e.cfg.APIBaseURL,
		"FYP_API_TOKEN":        e.cfg.APIToken,
		"FYP_ORCHESTRATION_ID": id,
	}
	for k, v := range req.Orchestrator.Env {
		orchEnv[k] = v
	}
	orchInfo, err := e.sessions.Create(ctx, session.CreateRequest{
		Tool:      req.Orchestrator.Tool,
		ProfileID: req.Orchestrator.ProfileID,
		Cwd:       projectPath,
		Env:       orchEnv,
		ExtraArgs: req.Orchestrator.ExtraArgs,
		Label:     req.Name + "/orchestrator",
		TaskRole:  "orchestrator",
	}, session.WithDirectiveScanning())
	if err != nil {
		return fail(apperr.Wrap(apperr.CodeSpawnFailed, "failed to spawn orchestrator", err))
	}
	orchID := orchInfo.ID
	rollback = append(rollback, func() { _ = e.sessions.Delete(context.Background(), orchID, true) })

	o := &Orchestration{
		ID:                    id,
		Name:                  req.Name,
		ProjectPath:           projectPath,
		OrchestratorSessionID: orchID,
		Workers:               workers,
		Status:                StatusActive,
		SyncPolicy:            DefaultSyncPolicy(),
		AutomationPolicy:      DefaultAutomationPolicy(),
	}
	if e.cfg.DefaultSync != nil {
		o.SyncPolicy = e.cfg.DefaultSync.Clamp()
	}
	if e.cfg.DefaultAutomation != nil {
		o.AutomationPolicy = e.cfg.DefaultAutomation.Clamp()
	}
	if req.Sync != nil {
		o.SyncPolicy = req.Sync.Clamp()
	}
	if req.Automation != nil {
		o.AutomationPolicy = req.Automation.Clamp()
	}

	e.progressEvent(ctx, id, "scaffold")
	if e.scaffolder != nil {
		if err := e.scaffolder.WriteScaffold(ctx, o, req); err != nil {
			return fail(apperr.Wrap(apperr.CodeOrchestrationFailed, "scaffold write failed", err))
		}
	}

	e.progressEvent(ctx, id, "waiting_ready")
	for _, w := range workers {
		if err := e.waitReady(ctx, w.SessionID, e.cfg.ReadyWait); err != nil {
			return fail(err)
		}
	}
	if err := e.waitReady(ctx, orchID, e.cfg.ReadyWait); err != nil {
		return fail(err)
	}

	// Persist before any bootstrap text goes out so early directives resolve.
	if err := e.store.Create(ctx, o); err != nil {
		return fail(err)
	}
	if _, err := e.transcripts.AppendEvent(ctx, orchID, transcript.EventOrchestrationCreated, map[string]any{
		"orchestrationId": id,
		"name":            req.Name,
		"workers":         len(workers),
	}); err != nil {
		e.logger.Warn("failed to append created event", zap.String("orchestration_id", id), zap.Error(err))
	}
	e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})

	e.progressEvent(ctx, id, "bootstrap")
	if req.Orchestrator.Prompt != "" {
		e.warmup(ctx, orchID, e.cfg.OrchSettle, e.cfg.WarmupProbe)
		if _, err := e.sessions.Input(ctx, orchID, req.Orchestrator.Prompt); err != nil {
			e.logger.Warn("failed to send orchestrator bootstrap", zap.String("orchestration_id", id), zap.Error(err))
		}
	}
	for i := range workers {
		w := &workers[i]
		if w.TaskPrompt == "" {
			continue
		}
		e.warmup(ctx, w.SessionID, e.cfg.WorkerSettle, e.cfg.WarmupProbe)
	}

	autoDispatch := true
	if req.AutoDispatchInitialPrompts != nil {
		autoDispatch = *req.AutoDispatchInitialPrompts
	}
	switch {
	case !autoDispatch:
		// Task prompts stay registered; the coordinator's first send_task
		// with initialize set prepends them.
		for _, w := range workers {
			if w.TaskPrompt != "" {
				e.registerBootstrap(w.SessionID, w.TaskPrompt)
			}
		}
	case req.DispatchMode == DispatchWorkerFirst:
		for _, w := range workers {
			if w.TaskPrompt == "" {
				continue
			}
			if _, err := e.sessions.Input(ctx, w.SessionID, w.TaskPrompt); err != nil {
				e.logger.Warn("failed to send worker task prompt",
					zap.String("session_id", w.SessionID), zap.Error(err))
			}
		}
	default:
		e.dispatchInitialTasks(ctx, o)
	}

	e.progressEvent(ctx, id, "done")
	return o, nil
}

// dispatchInitialTasks pushes each worker's task prompt with bounded retries.
func (e *Engine) dispatchInitialTasks(ctx context.Context, o *Orchestration) {
	for _, w := range o.Workers {
		if w.TaskPrompt == "" {
			continue
		}
		var lastErr error
		for attempt := 0; attempt < len(e.cfg.SendTaskBackoff); attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.SendTaskBackoff[attempt-1]):
				}
			}
			res, err := e.Dispatch(ctx, o.ID, DispatchRequest{
				Text:   w.TaskPrompt,
				Target: "session:" + w.SessionID,
				Source: "creation.auto_dispatch",
			})
			switch {
			case err != nil:
				lastErr = err
			case len(res.Failed) > 0:
				lastErr = fmt.Errorf("dispatch not delivered: %s", res.Failed[0].Error)
			default:
				lastErr = nil
			}
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			e.logger.Warn("initial task dispatch failed",
				zap.String("orchestration_id", o.ID),
				zap.String("worker", w.Name),
				zap.Error(lastErr))
			if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID,
				transcript.EventOrchestrationDispatch, map[string]any{
					"orchestrationId": o.ID,
					"worker":          w.Name,
					"warning":         "initial dispatch failed",
					"error":           lastErr.Error(),
				}); err != nil {
				e.logger.Warn("failed to append dispatch warning", zap.Error(err))
			}
		}
	}
}

// Dispatch forwards text to the resolved worker targets, sequentially in
// enumeration order.
func (e *Engine) Dispatch(ctx context.Context, id string, req DispatchRequest) (*DispatchResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.New(apperr.CodeMissingText, "dispatch text required")
	}
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusActive {
		return nil, apperr.Newf(apperr.CodeNotActive, "orchestration %s is %s", id, o.Status)
	}

	targets, unresolved := resolveTargets(o.Workers, req.Target)
	result := &DispatchResult{AvailableTargets: availableTargets(o.Workers)}
	for _, miss := range unresolved {
		result.Failed = append(result.Failed, DispatchFailure{Target: miss, Error: "unknown target"})
	}

	for _, w := range targets {
		target, err := e.dispatchToWorker(ctx, o, w, req)
		if err != nil {
			result.Failed = append(result.Failed, DispatchFailure{SessionID: w.SessionID, Error: err.Error()})
			continue
		}
		result.Sent = append(result.Sent, *target)
		e.clearDoneLatch(o.ID, w.SessionID)
	}

	sent := make([]string, 0, len(result.Sent))
	for _, t := range result.Sent {
		sent = append(sent, t.SessionID)
	}
	if _, err := e.transcripts.AppendEvent(ctx, o.OrchestratorSessionID,
		transcript.EventOrchestrationDispatch, map[string]any{
			"orchestrationId": o.ID,
			"sent":            sent,
			"failed":          len(result.Failed),
			"interrupt":       req.Interrupt,
			"source":          req.Source,
		}); err != nil {
		e.logger.Warn("failed to append dispatch event", zap.String("orchestration_id", o.ID), zap.Error(err))
	}
	return result, nil
}

func (e *Engine) dispatchToWorker(ctx context.Context, o *Orchestration, w Worker, req DispatchRequest) (*DispatchTarget, error) {
	if err := e.waitReady(ctx, w.SessionID, e.cfg.DispatchReadyWait); err != nil {
		return nil, err
	}

	target := &DispatchTarget{SessionID: w.SessionID, WorkerName: w.Name}
	state, attention := e.workerActivity(ctx, w.SessionID)

	if req.Interrupt {
		switch {
		case e.doneLatchHeld(o.ID, w.SessionID):
			target.InterruptSkippedReason = "done_latch"
		case req.ForceInterrupt,
			state == ActivityNeedsInput,
			state == ActivityWaitingOrDone,
			e.isStale(w.SessionID) && attention > 0:
			if err := e.sessions.Interrupt(ctx, w.SessionID); err != nil {
				return nil, err
			}
			target.InterruptIssued = true
		default:
			target.InterruptSkippedReason = "worker_active"
		}
	}

	text := req.Text
	if req.IncludeBootstrapIfPresent {
		if bootstrap := e.takeBootstrap(w.SessionID); bootstrap != "" {
			text = bootstrap + "\n\n" + text
		}
	}

	e.warmup(ctx, w.SessionID, e.cfg.DispatchSettle, e.cfg.DispatchProbe)

	if _, err := e.sessions.Input(ctx, w.SessionID, text); err != nil {
		return nil, err
	}
	return target, nil
}

// workerActivity derives the activity state from runtime signals.
func (e *Engine) workerActivity(ctx context.Context, sessionID string) (string, int) {
	counts, err := e.inbox.OpenCounts(ctx)
	if err != nil {
		counts = map[string]int{}
	}
	attention := counts[sessionID]

	if !e.sessions.Running(sessionID) {
		return ActivityIdle, attention
	}
	last := e.lastSeen(sessionID)
	if time.Since(last) < e.cfg.IdleThreshold {
		return ActivityLive, attention
	}
	if attention > 0 {
		return ActivityNeedsInput, attention
	}
	return ActivityWaitingOrDone, attention
}

// lastSeen is the most recent of preview and raw output activity.
func (e *Engine) lastSeen(sessionID string) time.Time {
	last := e.sessions.LastActivity(sessionID)
	if _, ts := e.sessions.Preview(sessionID); ts.After(last) {
		last = ts
	}
	return last
}

func (e *Engine) isStale(sessionID string) bool {
	last := e.lastSeen(sessionID)
	return !last.IsZero() && time.Since(last) >= e.cfg.StaleThreshold
}

// resolveTargets maps a dispatch target expression onto workers.
func resolveTargets(workers []Worker, target string) (matched []Worker, unresolved []string) {
	target = strings.TrimSpace(target)
	switch {
	case target == "" || target == "all" || target == "*":
		return workers, nil
	case strings.HasPrefix(target, "session:"):
		sid := strings.TrimPrefix(target, "session:")
		for _, w := range workers {
			if w.SessionID == sid {
				return []Worker{w}, nil
			}
		}
		return nil, []string{target}
	case strings.HasPrefix(target, "worker:"):
		name := strings.TrimPrefix(target, "worker:")
		if w, ok := matchWorkerName(workers, name); ok {
			return []Worker{w}, nil
		}
		return nil, []string{target}
	}

	if n, err := strconv.Atoi(target); err == nil {
		// Decimal targets are 1-based worker indexes.
		if n >= 1 && n <= len(workers) {
			return []Worker{workers[n-1]}, nil
		}
		return nil, []string{target}
	}

	for _, w := range workers {
		if w.SessionID == target {
			return []Worker{w}, nil
		}
	}
	if w, ok := matchWorkerName(workers, target); ok {
		return []Worker{w}, nil
	}
	return nil, []string{target}
}

func matchWorkerName(workers []Worker, name string) (Worker, bool) {
	for _, w := range workers {
		if w.Name == name {
			return w, true
		}
	}
	canon := canonicalize(name)
	slug := slugify(name)
	for _, w := range workers {
		if canonicalize(w.Name) == canon || slugify(w.Name) == slug {
			return w, true
		}
	}
	return Worker{}, false
}

func availableTargets(workers []Worker) []string {
	targets := make([]string, 0, len(workers)*2+1)
	targets = append(targets, "all")
	for _, w := range workers {
		targets = append(targets, fmt.Sprintf("worker:%s", w.Name), "session:"+w.SessionID)
	}
	return targets
}

// HandleDirective consumes one parsed coordinator directive. Wired as the
// session supervisor's directive sink.
func (e *Engine) HandleDirective(sessionID string, d interpret.Directive) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	o, err := e.store.GetByOrchestratorSession(ctx, sessionID)
	if err != nil {
		e.logger.Debug("directive from unknown orchestrator session",
			zap.String("session_id", sessionID), zap.String("raw", d.Raw))
		return
	}

	switch d.Kind {
	case interpret.DirectiveDispatch:
		_, err = e.Dispatch(ctx, o.ID, DispatchRequest{
			Text:                      d.Dispatch.Text,
			Target:                    d.Dispatch.Target,
			Interrupt:                 d.Dispatch.Interrupt,
			ForceInterrupt:            d.Dispatch.ForceInterrupt,
			IncludeBootstrapIfPresent: d.Dispatch.IncludeBootstrapIfPresent,
			Source:                    "orchestrator.directive",
		})
	case interpret.DirectiveSendTask:
		_, err = e.Dispatch(ctx, o.ID, DispatchRequest{
			Text:                      d.SendTask.Task,
			Target:                    d.SendTask.Target,
			Interrupt:                 d.SendTask.Interrupt,
			ForceInterrupt:            d.SendTask.ForceInterrupt,
			IncludeBootstrapIfPresent: d.SendTask.Initialize,
			Source:                    "orchestrator.directive",
		})
	case interpret.DirectiveAnswerQuestion:
		_, err = e.inbox.Respond(ctx, d.Answer.AttentionID, d.Answer.OptionID, "orchestrator-auto", d.Answer.Meta)
		if err == nil {
			e.resolveQuestion(o.ID, d.Answer.AttentionID)
		}
	}
	if err != nil {
		e.logger.Warn("directive execution failed",
			zap.String("orchestration_id", o.ID),
			zap.String("kind", string(d.Kind)),
			zap.Error(err))
	}
}

// SendOrchestratorInput delivers text straight to the coordinator session.
func (e *Engine) SendOrchestratorInput(ctx context.Context, id, text string) (int64, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if o.Status != StatusActive {
		return 0, apperr.Newf(apperr.CodeNotActive, "orchestration %s is %s", id, o.Status)
	}
	if !e.sessions.Running(o.OrchestratorSessionID) {
		return 0, apperr.New(apperr.CodeOrchestratorNotRunning, "orchestrator session not running")
	}
	return e.sessions.Input(ctx, o.OrchestratorSessionID, text)
}

// SetSyncPolicy clamps and persists the sync policy; runNow triggers an
// immediate sync.
func (e *Engine) SetSyncPolicy(ctx context.Context, id string, p SyncPolicy, runNow bool) (*Orchestration, error) {
	clamped := p.Clamp()
	if err := e.store.SetSyncPolicy(ctx, id, clamped); err != nil {
		return nil, err
	}
	e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})
	if runNow {
		if _, err := e.RunSync(ctx, id, SyncRequest{Trigger: "policy.run_now", Force: true}); err != nil {
			e.logger.Warn("run-now sync failed", zap.String("orchestration_id", id), zap.Error(err))
		}
	}
	return e.store.Get(ctx, id)
}

// SetAutomationPolicy clamps and persists the automation policy; runNow
// triggers an immediate steering review.
func (e *Engine) SetAutomationPolicy(ctx context.Context, id string, p AutomationPolicy, runNow bool) (*Orchestration, error) {
	clamped := p.Clamp()
	if err := e.store.SetAutomationPolicy(ctx, id, clamped); err != nil {
		return nil, err
	}
	e.broadcast(events.OrchestrationsChanged, map[string]any{"orchestrationId": id})
	if runNow {
		if err := e.RunSteeringReview(ctx, id, true); err != nil {
			e.logger.Warn("run-now review failed", zap.String("orchestration_id", id), zap.Error(err))
		}
	}
	return e.store.Get(ctx, id)
}

// Progress returns the per-worker runtime view with markdown-derived
// progress and preview selection.
func (e *Engine) Progress(ctx context.Context, id string) ([]WorkerStatus, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := e.inbox.OpenCounts(ctx)
	if err != nil {
		counts = map[string]int{}
	}

	statuses := make([]WorkerStatus, 0, len(o.Workers))
	for _, w := range o.Workers {
		ws := WorkerStatus{
			Worker:    w,
			Running:   e.sessions.Running(w.SessionID),
			Attention: counts[w.SessionID],
		}
		ws.Activity, _ = e.workerActivity(ctx, w.SessionID)

		dir := w.WorktreePath
		if dir == "" {
			dir = w.ProjectPath
		}
		ws.Progress = probeProgress(dir, w.WorkerIndex, w.Name)
		live, liveTS := e.sessions.Preview(w.SessionID)
		ws.Preview, ws.PreviewSource = selectPreview(ws.Progress, live, liveTS)

		if seq, err := e.transcripts.LatestEventSeq(ctx, w.SessionID); err == nil {
			ws.LastEventSeq = seq
		}
		statuses = append(statuses, ws)
	}
	return statuses, nil
}

// waitReady polls until the session reports running.
func (e *Engine) waitReady(ctx context.Context, sessionID string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for {
		if e.sessions.Running(sessionID) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Newf(apperr.CodeSessionNotRunning, "session %s did not become ready", sessionID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// warmup sleeps the settle delay, then probes for preview activity up to the
// given limit. Best effort; sending proceeds either way.
func (e *Engine) warmup(ctx context.Context, sessionID string, settle, probe time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(settle):
	}
	deadline := time.Now().Add(probe)
	for time.Now().Before(deadline) {
		if _, ts := e.sessions.Preview(sessionID); !ts.IsZero() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *Engine) registerBootstrap(sessionID, text string) {
	e.mu.Lock()
	e.bootstraps[sessionID] = text
	e.mu.Unlock()
}

// takeBootstrap consumes the undelivered bootstrap text, once.
func (e *Engine) takeBootstrap(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := e.bootstraps[sessionID]
	delete(e.bootstraps, sessionID)
	return text
}

func (e *Engine) pathUnderRoots(path string) bool {
	if len(e.cfg.Roots) == 0 {
		return true
	}
	for _, root := range e.cfg.Roots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Engine) progressEvent(ctx context.Context, id, stage string) {
	e.broadcast(events.OrchestrationProgress, map[string]any{
		"orchestrationId": id,
		"stage":           stage,
	})
	_ = ctx
}

func (e *Engine) broadcast(subject string, data map[string]any) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestration", data)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
