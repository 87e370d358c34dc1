package inbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/interpret"
)

type fakeWriter struct {
	sessionID string
	data      []byte
}

func (f *fakeWriter) WriteSession(_ context.Context, sessionID string, data []byte) error {
	f.sessionID = sessionID
	f.data = append(f.data, data...)
	return nil
}

type fakeAppender struct {
	kinds []string
}

func (f *fakeAppender) AppendEvent(_ context.Context, _ string, kind string, _ any) (int64, error) {
	f.kinds = append(f.kinds, kind)
	return int64(len(f.kinds)), nil
}

func newTestService(t *testing.T) (*Service, *fakeWriter, *fakeAppender) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)

	appender := &fakeAppender{}
	svc := NewService(store, appender, bus.NewMemoryEventBus(logger.Default()), logger.Default())
	t.Cleanup(svc.Close)

	writer := &fakeWriter{}
	svc.SetSessionWriter(writer)
	return svc, writer, appender
}

func TestService_RespondTypesKeys(t *testing.T) {
	svc, writer, appender := newTestService(t)
	ctx := context.Background()

	id, created, err := svc.Create(ctx, "s1", interpret.AttentionCandidate{
		Kind:      interpret.KindCodexApproval,
		Severity:  interpret.SeverityDanger,
		Title:     "Approve access",
		Signature: "s1|codex.approval|net|example.com",
		Options:   []interpret.Option{{ID: "y", Label: "Yes", SendKeys: "y"}},
	})
	require.NoError(t, err)
	assert.True(t, created)

	status, err := svc.Respond(ctx, id, "y", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)
	assert.Equal(t, "s1", writer.sessionID)
	assert.Equal(t, "y", string(writer.data))
	assert.Contains(t, appender.kinds, "inbox.respond")

	// Double respond is a no-op reporting current status.
	status, err = svc.Respond(ctx, id, "y", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)
	assert.Equal(t, "y", string(writer.data))
}

func TestService_RespondUnknownOption(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	id, _, err := svc.Create(ctx, "s1", interpret.AttentionCandidate{
		Kind:      "x",
		Severity:  interpret.SeverityInfo,
		Title:     "t",
		Signature: "sig",
		Options:   []interpret.Option{{ID: "a", Label: "A", SendKeys: "a"}},
	})
	require.NoError(t, err)

	_, err = svc.Respond(ctx, id, "nope", "user", nil)
	assert.Error(t, err)
}

func TestService_CreateDedup(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cand := interpret.AttentionCandidate{
		Kind:      interpret.KindCodexApproval,
		Severity:  interpret.SeverityDanger,
		Title:     "Approve access",
		Signature: "s1|codex.approval|net|example.com",
		Options:   []interpret.Option{{ID: "y", Label: "Yes", SendKeys: "y"}},
	}
	id1, created, err := svc.Create(ctx, "s1", cand)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := svc.Create(ctx, "s1", cand)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	items, err := svc.List(ctx, ListFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestService_Dismiss(t *testing.T) {
	svc, writer, appender := newTestService(t)
	ctx := context.Background()

	id, _, err := svc.Create(ctx, "s1", interpret.AttentionCandidate{
		Kind:      "x",
		Severity:  interpret.SeverityInfo,
		Title:     "t",
		Signature: "sig",
	})
	require.NoError(t, err)

	status, err := svc.Dismiss(ctx, id, "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, status)
	assert.Empty(t, writer.data)
	assert.Contains(t, appender.kinds, "inbox.dismiss")

	status, err = svc.Dismiss(ctx, id, "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, status)
}

func TestService_DecisionEffect(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	signature, id, err := svc.CreatePermissionRequest(ctx, "s1", map[string]any{
		"tool_name": "Bash",
		"input":     map[string]any{"command": "rm -rf build"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, signature)

	status, err := svc.Respond(ctx, id, "allow", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)

	decision := svc.Decisions().Poll(ctx, "s1", signature)
	require.NotNil(t, decision)
	assert.Equal(t, "allow", decision["behavior"])

	// Unknown signature yields nothing.
	assert.Nil(t, svc.Decisions().Poll(ctx, "s1", "other"))
}

func TestService_UserInputContinuation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var got map[string][]string
	req := &UserInputRequest{
		RequestID: "req-1",
		Questions: []UserInputQuestion{
			{
				ID:     "q1",
				Prompt: "Pick a language",
				Options: []UserInputOption{
					{ID: "go", Label: "Go", Answers: []string{"go"}},
					{ID: "rust", Label: "Rust", Answers: []string{"rust"}},
				},
			},
			{
				ID:     "q2",
				Prompt: "Pick a license",
				Options: []UserInputOption{
					{ID: "mit", Label: "MIT", Answers: []string{"mit"}},
				},
			},
		},
		Respond: func(_ context.Context, answers map[string][]string) error {
			got = answers
			return nil
		},
	}

	id, err := svc.RegisterUserInput(ctx, "s1", req)
	require.NoError(t, err)

	// First answer keeps the item open, now presenting the next question.
	status, err := svc.Respond(ctx, id, "go", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, status)
	assert.Nil(t, got)

	item, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Pick a license", item.Title)
	require.Len(t, item.Options, 1)
	assert.Equal(t, "mit", item.Options[0].ID)

	// Final answer delivers the collected answers and resolves the item.
	status, err = svc.Respond(ctx, id, "mit", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)
	assert.Equal(t, map[string][]string{"q1": {"go"}, "q2": {"mit"}}, got)
}

func TestService_RPCReplyEffect(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var sent json.RawMessage
	svc.SetRPCReplier(rpcReplierFunc(func(_ context.Context, _ string, payload json.RawMessage) error {
		sent = payload
		return nil
	}))

	id, _, err := svc.Create(ctx, "s1", interpret.AttentionCandidate{
		Kind:      "rpc.request",
		Severity:  interpret.SeverityWarn,
		Title:     "t",
		Signature: "sig",
		Options: []interpret.Option{
			{ID: "ok", Label: "OK", RPCReply: json.RawMessage(`{"result":"accepted"}`)},
		},
	})
	require.NoError(t, err)

	_, err = svc.Respond(ctx, id, "ok", "user", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"accepted"}`, string(sent))
}

type rpcReplierFunc func(ctx context.Context, sessionID string, payload json.RawMessage) error

func (f rpcReplierFunc) ReplyRPC(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return f(ctx, sessionID, payload)
}

func TestDecisions_GC(t *testing.T) {
	d := NewDecisions()
	defer d.Close()

	d.Post("s1", "sig", map[string]any{"behavior": "allow"})
	require.NotNil(t, d.Poll(context.Background(), "s1", "sig"))

	// Still available within the retention window.
	require.NotNil(t, d.Poll(context.Background(), "s1", "sig"))

	// Force expiry well past the retention window.
	d.gc(time.Now().Add(decisionRetention + time.Second))
	assert.Nil(t, d.Poll(context.Background(), "s1", "sig"))
}
