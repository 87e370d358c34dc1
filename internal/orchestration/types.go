// Package orchestration runs supervising orchestrations: one coordinator
// session driving N worker sessions through dispatch, sync digests, and
// automation timers.
package orchestration

import (
	"time"
)

// Orchestration statuses.
const (
	StatusActive   = "active"
	StatusCleaning = "cleaning"
	StatusCleaned  = "cleaned"
	StatusError    = "error"
)

// Dispatch modes for creation.
const (
	DispatchOrchestratorFirst = "orchestrator-first"
	DispatchWorkerFirst       = "worker-first"
)

// Orchestration is a persisted supervising run.
type Orchestration struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	ProjectPath           string           `json:"projectPath"`
	OrchestratorSessionID string           `json:"orchestratorSessionId"`
	Workers               []Worker         `json:"workers"`
	Status                string           `json:"status"`
	LastError             string           `json:"lastError,omitempty"`
	SyncPolicy            SyncPolicy       `json:"syncPolicy"`
	AutomationPolicy      AutomationPolicy `json:"automationPolicy"`
	CleanedAt             *time.Time       `json:"cleanedAt,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// Worker is one supervised worker slot. WorkerIndex is dense [0..N).
type Worker struct {
	WorkerIndex  int    `json:"workerIndex"`
	Name         string `json:"name"`
	SessionID    string `json:"sessionId"`
	Tool         string `json:"tool"`
	ProfileID    string `json:"profileId,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BaseRef      string `json:"baseRef,omitempty"`
	ProjectPath  string `json:"projectPath"`
	TaskPrompt   string `json:"taskPrompt,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Sync modes.
const (
	SyncModeOff      = "off"
	SyncModeManual   = "manual"
	SyncModeInterval = "interval"
)

// SyncPolicy bounds.
const (
	SyncIntervalMin    = 15 * time.Second
	SyncIntervalMax    = 30 * time.Minute
	MinDeliveryGapMin  = 10 * time.Second
	MinDeliveryGapMax  = 10 * time.Minute
	defaultSyncMode    = "manual"
	defaultSyncEvery   = 120 * time.Second
	defaultDeliveryGap = 45 * time.Second
)

// SyncPolicy drives the sync digest loop for one orchestration.
type SyncPolicy struct {
	Mode                  string `json:"mode"` // off | manual | interval
	IntervalMs            int64  `json:"intervalMs"`
	DeliverToOrchestrator bool   `json:"deliverToOrchestrator"`
	MinDeliveryGapMs      int64  `json:"minDeliveryGapMs"`
}

// DefaultSyncPolicy returns {manual, 120s, deliver, 45s}.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		Mode:                  defaultSyncMode,
		IntervalMs:            defaultSyncEvery.Milliseconds(),
		DeliverToOrchestrator: true,
		MinDeliveryGapMs:      defaultDeliveryGap.Milliseconds(),
	}
}

// Clamp normalizes mode and forces intervals into their allowed ranges.
func (p SyncPolicy) Clamp() SyncPolicy {
	switch p.Mode {
	case SyncModeOff, SyncModeManual, SyncModeInterval:
	default:
		p.Mode = defaultSyncMode
	}
	p.IntervalMs = clampMs(p.IntervalMs, SyncIntervalMin, SyncIntervalMax)
	p.MinDeliveryGapMs = clampMs(p.MinDeliveryGapMs, MinDeliveryGapMin, MinDeliveryGapMax)
	return p
}

// Interval is IntervalMs as a duration.
func (p SyncPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// MinDeliveryGap is MinDeliveryGapMs as a duration.
func (p SyncPolicy) MinDeliveryGap() time.Duration {
	return time.Duration(p.MinDeliveryGapMs) * time.Millisecond
}

// AutomationPolicy bounds.
const (
	QuestionTimeoutMin = 30 * time.Second
	QuestionTimeoutMax = 20 * time.Minute
	ReviewIntervalMin  = 30 * time.Second
	ReviewIntervalMax  = 30 * time.Minute
)

// AutomationPolicy drives question forwarding and steering reviews.
type AutomationPolicy struct {
	QuestionMode      string `json:"questionMode"` // off | orchestrator
	SteeringMode      string `json:"steeringMode"` // off | passive_review | active_steering
	QuestionTimeoutMs int64  `json:"questionTimeoutMs"`
	ReviewIntervalMs  int64  `json:"reviewIntervalMs"`
	YoloMode          bool   `json:"yoloMode"`
}

// DefaultAutomationPolicy returns everything off with in-range timers.
func DefaultAutomationPolicy() AutomationPolicy {
	return AutomationPolicy{
		QuestionMode:      "off",
		SteeringMode:      "off",
		QuestionTimeoutMs: (2 * time.Minute).Milliseconds(),
		ReviewIntervalMs:  (5 * time.Minute).Milliseconds(),
	}
}

// Clamp normalizes modes and forces timers into their allowed ranges.
func (p AutomationPolicy) Clamp() AutomationPolicy {
	switch p.QuestionMode {
	case "off", "orchestrator":
	default:
		p.QuestionMode = "off"
	}
	switch p.SteeringMode {
	case "off", "passive_review", "active_steering":
	default:
		p.SteeringMode = "off"
	}
	p.QuestionTimeoutMs = clampMs(p.QuestionTimeoutMs, QuestionTimeoutMin, QuestionTimeoutMax)
	p.ReviewIntervalMs = clampMs(p.ReviewIntervalMs, ReviewIntervalMin, ReviewIntervalMax)
	return p
}

// QuestionTimeout is QuestionTimeoutMs as a duration.
func (p AutomationPolicy) QuestionTimeout() time.Duration {
	return time.Duration(p.QuestionTimeoutMs) * time.Millisecond
}

// ReviewInterval is ReviewIntervalMs as a duration.
func (p AutomationPolicy) ReviewInterval() time.Duration {
	return time.Duration(p.ReviewIntervalMs) * time.Millisecond
}

func clampMs(v int64, min, max time.Duration) int64 {
	if v < min.Milliseconds() {
		return min.Milliseconds()
	}
	if v > max.Milliseconds() {
		return max.Milliseconds()
	}
	return v
}

// CreateRequest describes a new orchestration.
type CreateRequest struct {
	Name                       string            `json:"name"`
	ProjectPath                string            `json:"projectPath"`
	Orchestrator               OrchestratorSpec  `json:"orchestrator"`
	Workers                    []WorkerSpec      `json:"workers"`
	DispatchMode               string            `json:"dispatchMode,omitempty"`
	AutoDispatchInitialPrompts *bool             `json:"autoDispatchInitialPrompts,omitempty"`
	Automation                 *AutomationPolicy `json:"automation,omitempty"`
	Sync                       *SyncPolicy       `json:"sync,omitempty"`
}

// OrchestratorSpec describes the coordinator session.
type OrchestratorSpec struct {
	Tool      string            `json:"tool"`
	ProfileID string            `json:"profileId,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ExtraArgs []string          `json:"extraArgs,omitempty"`
}

// WorkerSpec describes one worker to create.
type WorkerSpec struct {
	Name         string            `json:"name"`
	Role         string            `json:"role,omitempty"`
	Tool         string            `json:"tool"`
	ProfileID    string            `json:"profileId,omitempty"`
	TaskPrompt   string            `json:"taskPrompt,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	ExtraArgs    []string          `json:"extraArgs,omitempty"`
	Isolated     bool              `json:"isolated,omitempty"`
	ProjectPath  string            `json:"projectPath,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	BaseRef      string            `json:"baseRef,omitempty"`
	WorktreePath string            `json:"worktreePath,omitempty"`
}

// DispatchRequest forwards text to one or more workers.
type DispatchRequest struct {
	Text                      string `json:"text"`
	Target                    string `json:"target"`
	Interrupt                 bool   `json:"interrupt,omitempty"`
	ForceInterrupt            bool   `json:"forceInterrupt,omitempty"`
	IncludeBootstrapIfPresent bool   `json:"includeBootstrapIfPresent,omitempty"`
	Source                    string `json:"source,omitempty"`
}

// DispatchTarget is one successful delivery.
type DispatchTarget struct {
	SessionID              string `json:"sessionId"`
	WorkerName             string `json:"workerName,omitempty"`
	InterruptIssued        bool   `json:"interruptIssued"`
	InterruptSkippedReason string `json:"interruptSkippedReason,omitempty"`
}

// DispatchFailure is one failed delivery.
type DispatchFailure struct {
	SessionID string `json:"sessionId,omitempty"`
	Target    string `json:"target,omitempty"`
	Error     string `json:"error"`
}

// DispatchResult summarizes one dispatch call.
type DispatchResult struct {
	Sent             []DispatchTarget  `json:"sent"`
	Failed           []DispatchFailure `json:"failed"`
	AvailableTargets []string          `json:"availableTargets"`
}

// Worker activity states derived from runtime signals.
const (
	ActivityLive          = "live"
	ActivityNeedsInput    = "needs_input"
	ActivityWaitingOrDone = "waiting_or_done"
	ActivityIdle          = "idle"
)

// SyncRequest triggers a digest run.
type SyncRequest struct {
	Trigger               string `json:"trigger"`
	Force                 bool   `json:"force,omitempty"`
	DeliverToOrchestrator *bool  `json:"deliverToOrchestrator,omitempty"`
}

// SyncResult reports whether a digest was delivered and why not.
type SyncResult struct {
	Sent    bool   `json:"sent"`
	Reason  string `json:"reason,omitempty"` // in_flight | locked | unchanged | collect_only | cooldown | orchestrator_pending_attention | deliver_failed | orchestrator_not_running
	Digest  string `json:"digest,omitempty"`
	Changed int    `json:"changedWorkerCount"`
}

// CleanupRequest selects what cleanup tears down.
type CleanupRequest struct {
	StopSessions    bool `json:"stopSessions,omitempty"`
	DeleteSessions  bool `json:"deleteSessions,omitempty"`
	RemoveWorktrees bool `json:"removeWorktrees,omitempty"`
	RemoveRecord    bool `json:"removeRecord,omitempty"`
	KeepCoordinator bool `json:"keepCoordinator,omitempty"`
}

// WorkerProgress is the markdown-derived progress snapshot of one worker.
type WorkerProgress struct {
	RelPath        string    `json:"relPath"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ChecklistDone  int       `json:"checklistDone"`
	ChecklistTotal int       `json:"checklistTotal"`
	Preview        string    `json:"preview"`
	Excerpt        string    `json:"excerpt"`
}

// WorkerStatus is the per-worker view returned by Progress.
type WorkerStatus struct {
	Worker        Worker          `json:"worker"`
	Running       bool            `json:"running"`
	Attention     int             `json:"attention"`
	Preview       string          `json:"preview"`
	PreviewSource string          `json:"previewSource"` // progress | live
	LastEventSeq  int64           `json:"lastEventSeq"`
	Activity      string          `json:"activity"`
	Progress      *WorkerProgress `json:"progress,omitempty"`
}
