package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/inbox"
	"github.com/fyp/fyp/internal/transcript"
)

func newTestSupervisor(t *testing.T, roots []string) *Supervisor {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)
	transcripts, err := transcript.New(db, db, logger.Default())
	require.NoError(t, err)
	t.Cleanup(transcripts.Close)
	inboxStore, err := inbox.NewStore(db, db)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	inboxSvc := inbox.NewService(inboxStore, transcripts, eventBus, logger.Default())
	t.Cleanup(inboxSvc.Close)

	sup := NewSupervisor(store, transcripts, inboxSvc, eventBus, nil, roots, logger.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup
}

// catSession spawns a real pty running cat, which echoes whatever it reads.
func catSession(t *testing.T, sup *Supervisor, cwd string) *Info {
	t.Helper()
	info, err := sup.Create(context.Background(), CreateRequest{
		Tool:    ToolCodex,
		Cwd:     cwd,
		Command: []string{"cat"},
	})
	require.NoError(t, err)
	return info
}

func TestSupervisor_LifecycleEcho(t *testing.T) {
	root := t.TempDir()
	sup := newTestSupervisor(t, []string{root})
	ctx := context.Background()

	info := catSession(t, sup, root)
	assert.True(t, sup.Running(info.ID))

	var mu sync.Mutex
	var out strings.Builder
	unsubscribe, err := sup.Subscribe(info.ID, func(msg OutputMessage) {
		mu.Lock()
		out.WriteString(string(msg.Chunk))
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsubscribe()

	seq, err := sup.Input(ctx, info.ID, "hello there")
	require.NoError(t, err)
	assert.Positive(t, seq)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "hello there")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Kill(ctx, info.ID))
	require.Eventually(t, func() bool {
		return !sup.Running(info.ID)
	}, 5*time.Second, 20*time.Millisecond)

	// The exit is durable: the event log records it and the record keeps
	// the session, now with exit status.
	events, _, err := sup.transcripts.Events(ctx, info.ID, 100, "")
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, transcript.EventSessionCreated)
	assert.Contains(t, kinds, transcript.EventInput)
	assert.Contains(t, kinds, transcript.EventSessionExit)
}

func TestSupervisor_WorkspaceResolution(t *testing.T) {
	root := t.TempDir()
	sup := newTestSupervisor(t, []string{root})

	info := catSession(t, sup, root)
	assert.NotEmpty(t, info.WorkspaceKey)
	assert.Equal(t, root, info.WorkspaceRoot)
}

func TestSupervisor_CreateValidation(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := sup.Create(ctx, CreateRequest{Tool: "vim"})
	assert.True(t, apperr.Is(err, apperr.CodeBadTool))

	_, err = sup.Create(ctx, CreateRequest{Tool: ToolClaude, Transport: TransportRPC})
	assert.True(t, apperr.Is(err, apperr.CodeUnsupportedTransport))
}

func TestSupervisor_DeleteRequiresForce(t *testing.T) {
	root := t.TempDir()
	sup := newTestSupervisor(t, []string{root})
	ctx := context.Background()

	info := catSession(t, sup, root)

	err := sup.Delete(ctx, info.ID, false)
	require.Error(t, err)
	assert.True(t, sup.Running(info.ID))

	require.NoError(t, sup.Delete(ctx, info.ID, true))
	_, err = sup.Get(ctx, info.ID)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
}

func TestSupervisor_ResizeUnknownSession(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	err := sup.Resize("ghost", 80, 24)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
}

func TestSupervisor_OperationsOnMissingSession(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := sup.Input(ctx, "ghost", "hi")
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
	assert.True(t, apperr.Is(sup.Interrupt(ctx, "ghost"), apperr.CodeSessionNotFound))
	assert.True(t, apperr.Is(sup.Stop(ctx, "ghost"), apperr.CodeSessionNotFound))
	assert.True(t, apperr.Is(sup.Kill(ctx, "ghost"), apperr.CodeSessionNotFound))
}
