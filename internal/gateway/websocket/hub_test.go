package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyp/fyp/internal/common/logger"
	ws "github.com/fyp/fyp/pkg/websocket"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.Default())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func register(t *testing.T, hub *Hub, sessionID string) *Client {
	t.Helper()
	client := NewClient(hub, nil, sessionID, logger.Default())
	client.Register()
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.clients[client]
	}, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, client *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-client.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastGlobalReachesGlobalClientsOnly(t *testing.T) {
	hub := newTestHub(t)
	global := register(t, hub, "")
	perSession := register(t, hub, "s1")

	msg, err := ws.NewNotification(ws.ActionSessionsChanged, map[string]any{"sessionId": "s1"})
	require.NoError(t, err)
	hub.BroadcastGlobal(msg)

	got := receive(t, global)
	assert.Equal(t, ws.ActionSessionsChanged, got.Action)
	assert.Empty(t, perSession.send)
}

func TestBroadcastToSessionRoutesBySubscription(t *testing.T) {
	hub := newTestHub(t)
	s1 := register(t, hub, "s1")
	s2 := register(t, hub, "s2")

	msg, err := ws.NewNotification(ws.ActionOutput, map[string]any{"chunk": "aGk="})
	require.NoError(t, err)
	hub.BroadcastToSession("s1", msg)

	got := receive(t, s1)
	assert.Equal(t, ws.ActionOutput, got.Action)
	assert.Empty(t, s2.send)

	assert.Equal(t, 1, hub.SessionSubscriberCount("s1"))
	assert.Equal(t, 0, hub.SessionSubscriberCount("ghost"))
}

func TestUnregisterDropsSubscription(t *testing.T) {
	hub := newTestHub(t)
	client := register(t, hub, "s1")

	hub.unregister <- client
	require.Eventually(t, func() bool {
		return hub.SessionSubscriberCount("s1") == 0
	}, time.Second, 5*time.Millisecond)

	// The send channel is closed so pumps exit.
	_, open := <-client.send
	assert.False(t, open)
}

func TestStopDisconnectsEveryone(t *testing.T) {
	hub := newTestHub(t)
	client := register(t, hub, "")

	hub.Stop()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-client.send
	assert.False(t, open)
}
