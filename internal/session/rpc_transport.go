package session

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/pkg/codex"
)

// AgentRequestHandler receives agent-initiated requests (approvals, user
// input). The handler resolves them asynchronously through Reply.
type AgentRequestHandler func(method string, params json.RawMessage)

// rpcTransport runs an agent speaking the app-server protocol over stdio.
// Notifications stream as output; a threadId identifies the remote
// conversation.
type rpcTransport struct {
	logger    *logger.Logger
	command   []string
	dir       string
	env       map[string]string
	action    string // "" | resume | fork
	resumeID  string
	onOutput  func([]byte)
	onRequest AgentRequestHandler

	mu         sync.Mutex
	cmd        *exec.Cmd
	client     *codex.Client
	stdin      io.WriteCloser
	threadID   string
	turnActive bool
	// Approvals block the agent, so at most one request is outstanding.
	pendingRequestID any

	done chan struct{}
	exit ExitStatus
}

func newRPCTransport(command []string, dir string, env map[string]string, action, resumeID string, onOutput func([]byte), onRequest AgentRequestHandler, log *logger.Logger) *rpcTransport {
	return &rpcTransport{
		logger:    log.WithFields(zap.String("component", "rpc-transport")),
		command:   command,
		dir:       dir,
		env:       env,
		action:    action,
		resumeID:  resumeID,
		onOutput:  onOutput,
		onRequest: onRequest,
		done:      make(chan struct{}),
	}
}

func (t *rpcTransport) Start(ctx context.Context) error {
	if len(t.command) == 0 {
		return apperr.New(apperr.CodeSpawnFailed, "empty command")
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	if t.dir != "" {
		cmd.Dir = t.dir
	}
	cmd.Env = mergeEnv(t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "failed to open stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "failed to open stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "failed to start agent", err)
	}

	client := codex.NewClient(stdin, stdout, t.logger)
	client.SetNotificationHandler(t.handleNotification)
	client.SetRequestHandler(t.handleRequest)
	client.Start(context.Background())

	t.mu.Lock()
	t.cmd = cmd
	t.client = client
	t.stdin = stdin
	t.mu.Unlock()

	go t.wait()

	if err := t.handshake(ctx); err != nil {
		_ = t.Kill()
		return err
	}
	return nil
}

func (t *rpcTransport) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := t.client.Call(ctx, codex.MethodInitialize, map[string]any{}); err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "initialize failed", err)
	}
	if err := t.client.Notify(codex.MethodInitialized, nil); err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "initialized notify failed", err)
	}

	method := codex.MethodThreadStart
	params := map[string]any{"cwd": t.dir}
	switch t.action {
	case "resume":
		method = codex.MethodThreadResume
		params["threadId"] = t.resumeID
	case "fork":
		method = codex.MethodThreadFork
		params["threadId"] = t.resumeID
	}
	resp, err := t.client.Call(ctx, method, params)
	if err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "thread start failed", err)
	}
	if resp.Error != nil {
		return apperr.Newf(apperr.CodeSpawnFailed, "thread start rejected: %s", resp.Error.Message)
	}

	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.ThreadID == "" {
		return apperr.New(apperr.CodeNoThread, "thread start returned no thread id")
	}
	t.mu.Lock()
	t.threadID = result.ThreadID
	t.mu.Unlock()
	return nil
}

func (t *rpcTransport) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyTurnStarted:
		t.mu.Lock()
		t.turnActive = true
		t.mu.Unlock()
	case codex.NotifyTurnCompleted:
		t.mu.Lock()
		t.turnActive = false
		t.mu.Unlock()
	case codex.NotifyItemAgentMessageDelta:
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(params, &delta); err == nil && delta.Delta != "" && t.onOutput != nil {
			t.onOutput([]byte(delta.Delta))
		}
		return
	}

	// Forward every notification as a rendered output line so the transcript
	// captures the full protocol activity.
	if t.onOutput != nil {
		line := method
		if len(params) > 0 {
			line += " " + string(params)
		}
		t.onOutput([]byte(line + "\n"))
	}
}

func (t *rpcTransport) handleRequest(id any, method string, params json.RawMessage) {
	t.mu.Lock()
	t.pendingRequestID = id
	t.mu.Unlock()
	if t.onRequest != nil {
		t.onRequest(method, params)
	}
}

func (t *rpcTransport) Write([]byte) error {
	return apperr.New(apperr.CodeUnsupportedTransport, "rpc sessions take turns, not raw input")
}

func (t *rpcTransport) StartTurn(ctx context.Context, text string) error {
	t.mu.Lock()
	client := t.client
	threadID := t.threadID
	t.mu.Unlock()
	if client == nil {
		return apperr.New(apperr.CodeSessionNotRunning, "agent not started")
	}
	if threadID == "" {
		return apperr.New(apperr.CodeNoThread, "no active thread")
	}

	params := codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []any{codex.TextInput{Type: "text", Text: text}},
	}
	resp, err := client.Call(ctx, codex.MethodTurnStart, params)
	if err != nil {
		return apperr.Wrap(apperr.CodeRPCFailed, "turn start failed", err)
	}
	if resp.Error != nil {
		return apperr.Newf(apperr.CodeRPCFailed, "turn start rejected: %s", resp.Error.Message)
	}
	return nil
}

// Interrupt cancels the active turn; with no turn in flight it is a no-op.
func (t *rpcTransport) Interrupt() error {
	t.mu.Lock()
	client := t.client
	threadID := t.threadID
	active := t.turnActive
	t.mu.Unlock()
	if client == nil || !active {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, codex.MethodTurnInterrupt, map[string]any{"threadId": threadID})
	if err != nil {
		return apperr.Wrap(apperr.CodeRPCFailed, "turn interrupt failed", err)
	}
	return nil
}

// Stop closes stdin so the agent drains and exits.
func (t *rpcTransport) Stop() error {
	t.mu.Lock()
	stdin := t.stdin
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	if stdin != nil {
		return stdin.Close()
	}
	return nil
}

func (t *rpcTransport) Kill() error {
	t.mu.Lock()
	cmd := t.cmd
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (t *rpcTransport) Resize(uint16, uint16) error { return nil }

func (t *rpcTransport) Running() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil && t.cmd.Process != nil
}

func (t *rpcTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

func (t *rpcTransport) Done() <-chan struct{} { return t.done }
func (t *rpcTransport) Exit() ExitStatus      { return t.exit }

func (t *rpcTransport) ThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// Reply answers the outstanding agent request with a raw payload.
func (t *rpcTransport) Reply(_ context.Context, payload json.RawMessage) error {
	t.mu.Lock()
	client := t.client
	id := t.pendingRequestID
	t.pendingRequestID = nil
	t.mu.Unlock()
	if client == nil {
		return apperr.New(apperr.CodeSessionNotRunning, "agent not started")
	}
	if id == nil {
		return apperr.New(apperr.CodeRPCFailed, "no outstanding agent request")
	}
	if err := client.SendRawResponse(id, payload); err != nil {
		return apperr.Wrap(apperr.CodeRPCFailed, "failed to send reply", err)
	}
	return nil
}

func (t *rpcTransport) wait() {
	defer close(t.done)

	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	code, signal := waitExit(cmd)
	t.exit = ExitStatus{Code: code, Signal: signal}
}

var (
	_ Transport    = (*rpcTransport)(nil)
	_ RPCTransport = (*rpcTransport)(nil)
)
