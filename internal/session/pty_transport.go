package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
)

// ptyTransport runs the agent CLI inside a pseudoterminal. All input is raw
// bytes; interrupt types the tool's cancel sequence.
type ptyTransport struct {
	logger   *logger.Logger
	command  []string
	dir      string
	env      map[string]string
	tool     string
	cols     uint16
	rows     uint16
	onOutput func([]byte)

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
	exit     ExitStatus
}

func newPTYTransport(tool string, command []string, dir string, env map[string]string, cols, rows int, onOutput func([]byte), log *logger.Logger) *ptyTransport {
	c, r := clampDims(cols, rows)
	return &ptyTransport{
		logger:   log.WithFields(zap.String("component", "pty-transport")),
		command:  command,
		dir:      dir,
		env:      env,
		tool:     tool,
		cols:     c,
		rows:     r,
		onOutput: onOutput,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *ptyTransport) Start(_ context.Context) error {
	if len(t.command) == 0 {
		return apperr.New(apperr.CodeSpawnFailed, "empty command")
	}

	// Background lifetime: the process outlives the create request and is
	// torn down via Stop/Kill, not context cancellation.
	cmd := exec.Command(t.command[0], t.command[1:]...)
	if t.dir != "" {
		cmd.Dir = t.dir
	}
	cmd.Env = mergeEnv(t.env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: t.cols, Rows: t.rows})
	if err != nil {
		return apperr.Wrap(apperr.CodeSpawnFailed, "failed to start pty", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.mu.Unlock()

	go t.readLoop()
	go t.wait()
	return nil
}

func (t *ptyTransport) readLoop() {
	buf := make([]byte, 32768)
	for {
		select {
		case <-t.stopped:
			return
		default:
		}

		t.mu.Lock()
		ptmx := t.ptmx
		t.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 && t.onOutput != nil {
			t.onOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (t *ptyTransport) wait() {
	defer close(t.done)

	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	code, signal := waitExit(cmd)
	t.exit = ExitStatus{Code: code, Signal: signal}

	t.mu.Lock()
	if t.ptmx != nil {
		_ = t.ptmx.Close()
		t.ptmx = nil
	}
	t.mu.Unlock()
}

func waitExit(cmd *exec.Cmd) (int, string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, ""
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, ""
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String()
	}
	return waitStatus.ExitStatus(), ""
}

func (t *ptyTransport) Write(data []byte) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return apperr.New(apperr.CodeSessionNotRunning, "pty not available")
	}
	if _, err := ptmx.Write(data); err != nil {
		return apperr.Wrap(apperr.CodeWriteFailed, "failed to write to pty", err)
	}
	return nil
}

func (t *ptyTransport) StartTurn(context.Context, string) error {
	return apperr.New(apperr.CodeUnsupportedTransport, "pty sessions take raw input")
}

func (t *ptyTransport) Interrupt() error {
	return t.Write(interruptSequence(t.tool))
}

// Stop sends SIGTERM and closes the pty; the hangup is delivered to the
// foreground process group.
func (t *ptyTransport) Stop() error {
	t.stopOnce.Do(func() { close(t.stopped) })

	t.mu.Lock()
	cmd := t.cmd
	ptmx := t.ptmx
	t.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

func (t *ptyTransport) Kill() error {
	t.stopOnce.Do(func() { close(t.stopped) })

	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (t *ptyTransport) Resize(cols, rows uint16) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return apperr.New(apperr.CodeSessionNotRunning, "pty not available")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (t *ptyTransport) Running() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil && t.cmd.Process != nil
}

func (t *ptyTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

func (t *ptyTransport) Done() <-chan struct{} { return t.done }
func (t *ptyTransport) Exit() ExitStatus      { return t.exit }

var _ Transport = (*ptyTransport)(nil)

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
