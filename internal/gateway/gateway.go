// Package gateway is the HTTP control surface: REST handlers for sessions,
// inbox, orchestrations and the hook bridge, plus the websocket streaming
// channels. It stays thin; all decisions live in the services it fronts.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/command"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/events/bus"
	gwws "github.com/fyp/fyp/internal/gateway/websocket"
	"github.com/fyp/fyp/internal/inbox"
	"github.com/fyp/fyp/internal/orchestration"
	"github.com/fyp/fyp/internal/session"
	"github.com/fyp/fyp/internal/transcript"
)

// Sessions is the supervisor slice the gateway drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest, opts ...session.CreateOption) (*session.Info, error)
	Get(ctx context.Context, id string) (*session.Info, error)
	List(ctx context.Context) ([]*session.Info, error)
	Input(ctx context.Context, id, text string) (int64, error)
	Interrupt(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) (*session.Info, error)
	Resize(id string, cols, rows int) error
	Delete(ctx context.Context, id string, force bool) error
	Subscribe(id string, output session.OutputHandler, exit session.ExitHandler) (func(), error)
}

// Inbox is the attention service slice the gateway drives.
type Inbox interface {
	Get(ctx context.Context, id int64) (*inbox.Item, error)
	List(ctx context.Context, filter inbox.ListFilter) ([]*inbox.Item, error)
	Respond(ctx context.Context, id int64, optionID, source string, meta map[string]any) (inbox.Status, error)
	Dismiss(ctx context.Context, id int64, source string, meta map[string]any) (inbox.Status, error)
	CreatePermissionRequest(ctx context.Context, sessionID string, payload map[string]any) (string, int64, error)
	Decisions() *inbox.Decisions
}

// Orchestrations is the engine slice the gateway drives.
type Orchestrations interface {
	Create(ctx context.Context, req orchestration.CreateRequest) (*orchestration.Orchestration, error)
	Get(ctx context.Context, id string) (*orchestration.Orchestration, error)
	List(ctx context.Context) ([]*orchestration.Orchestration, error)
	Dispatch(ctx context.Context, id string, req orchestration.DispatchRequest) (*orchestration.DispatchResult, error)
	RunSync(ctx context.Context, id string, req orchestration.SyncRequest) (*orchestration.SyncResult, error)
	SetSyncPolicy(ctx context.Context, id string, p orchestration.SyncPolicy, runNow bool) (*orchestration.Orchestration, error)
	SetAutomationPolicy(ctx context.Context, id string, p orchestration.AutomationPolicy, runNow bool) (*orchestration.Orchestration, error)
	Progress(ctx context.Context, id string) ([]orchestration.WorkerStatus, error)
	Cleanup(ctx context.Context, id string, req orchestration.CleanupRequest) (*orchestration.Orchestration, error)
}

// Commands executes catalog commands.
type Commands interface {
	Execute(ctx context.Context, req command.Request) (*command.Result, error)
}

// Transcripts is the transcript store slice used for pagination, replay and
// the batcher health counter.
type Transcripts interface {
	Transcript(ctx context.Context, sessionID string, limit int, cursor string) ([]transcript.Chunk, string, error)
	Events(ctx context.Context, sessionID string, limit int, cursor string) ([]transcript.Event, string, error)
	RecentChunks(ctx context.Context, sessionID string, n int) ([]transcript.Chunk, error)
	RecentEvents(ctx context.Context, sessionID string, n int) ([]transcript.Event, error)
	FailureCount() int64
}

// Gateway holds the handler dependencies and the websocket hub.
type Gateway struct {
	sessions       Sessions
	inbox          Inbox
	orchestrations Orchestrations
	commands       Commands
	transcripts    Transcripts
	bus            bus.EventBus
	hub            *gwws.Hub
	auth           *authState
	logger         *logger.Logger

	subs []bus.Subscription
}

// Options tunes the gateway.
type Options struct {
	Token          string // bearer token; empty disables auth (tests, local dev)
	PairingEnabled bool
}

func New(sessions Sessions, attention Inbox, orchestrations Orchestrations, commands Commands,
	transcripts Transcripts, eventBus bus.EventBus, opts Options, log *logger.Logger) *Gateway {
	return &Gateway{
		sessions:       sessions,
		inbox:          attention,
		orchestrations: orchestrations,
		commands:       commands,
		transcripts:    transcripts,
		bus:            eventBus,
		hub:            gwws.NewHub(log),
		auth:           newAuthState(opts.Token, opts.PairingEnabled),
		logger:         log.WithFields(zap.String("component", "gateway")),
	}
}

// Hub exposes the websocket hub for wiring and tests.
func (g *Gateway) Hub() *gwws.Hub { return g.hub }

// IssuePairingCode mints a short-lived single-use pairing code.
func (g *Gateway) IssuePairingCode() string { return g.auth.issuePairingCode() }

// Router builds the gin engine with all routes registered.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", g.handleHealth)
	r.POST("/api/pair", g.handlePair)

	api := r.Group("/api", g.auth.middleware())
	{
		api.POST("/sessions", g.handleSessionCreate)
		api.GET("/sessions", g.handleSessionList)
		api.GET("/sessions/:id", g.handleSessionGet)
		api.DELETE("/sessions/:id", g.handleSessionDelete)
		api.POST("/sessions/:id/input", g.handleSessionInput)
		api.POST("/sessions/:id/restart", g.handleSessionRestart)
		api.POST("/sessions/:id/interrupt", g.handleSessionInterrupt)
		api.POST("/sessions/:id/stop", g.handleSessionStop)
		api.POST("/sessions/:id/kill", g.handleSessionKill)
		api.POST("/sessions/:id/resize", g.handleSessionResize)
		api.GET("/sessions/:id/transcript", g.handleSessionTranscript)
		api.GET("/sessions/:id/events", g.handleSessionEvents)
		api.GET("/sessions/:id/stream", g.handleSessionStream)
		api.GET("/stream", g.handleGlobalStream)

		api.GET("/inbox", g.handleInboxList)
		api.POST("/inbox/:id/respond", g.handleInboxRespond)
		api.POST("/inbox/:id/dismiss", g.handleInboxDismiss)

		api.POST("/orchestrations", g.handleOrchestrationCreate)
		api.GET("/orchestrations", g.handleOrchestrationList)
		api.GET("/orchestrations/:id", g.handleOrchestrationGet)
		api.GET("/orchestrations/:id/progress", g.handleOrchestrationProgress)
		api.POST("/orchestrations/:id/dispatch", g.handleOrchestrationDispatch)
		api.POST("/orchestrations/:id/send-task", g.handleOrchestrationSendTask)
		api.POST("/orchestrations/:id/commands/execute", g.handleCommandExecute)
		api.POST("/orchestrations/:id/sync", g.handleOrchestrationSync)
		api.PATCH("/orchestrations/:id/sync-policy", g.handleSyncPolicy)
		api.PATCH("/orchestrations/:id/automation-policy", g.handleAutomationPolicy)
		api.POST("/orchestrations/:id/cleanup", g.handleOrchestrationCleanup)
	}

	// Hook-bridge routes do their own auth: bearer or per-session hook key.
	hooks := r.Group("/api/hooks")
	{
		hooks.POST("/permission-request", g.handlePermissionRequest)
		hooks.GET("/permission-decision", g.handlePermissionDecision)
	}

	return r
}

// Run starts the hub loop and subscribes the stream fan-out to the bus.
func (g *Gateway) Run() error {
	go g.hub.Run()
	return g.wireBus()
}

// Shutdown unsubscribes from the bus and disconnects all stream clients.
func (g *Gateway) Shutdown() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
	g.hub.Stop()
	g.auth.close()
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":                      true,
		"transcriptWriteFailures": g.transcripts.FailureCount(),
		"streamClients":           g.hub.ClientCount(),
		"ts":                      time.Now().UTC(),
	})
}
