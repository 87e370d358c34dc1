package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/events"
	"github.com/fyp/fyp/internal/events/bus"
	gwws "github.com/fyp/fyp/internal/gateway/websocket"
	"github.com/fyp/fyp/internal/session"
	ws "github.com/fyp/fyp/pkg/websocket"
)

// Replay depth on per-session stream connect.
const (
	replayChunks = 400
	replayEvents = 120
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSessionStream serves the per-session channel: a replay of recent
// transcript chunks and events, then live output until the client leaves or
// the session goes away.
func (g *Gateway) handleSessionStream(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	_, getErr := g.sessions.Get(ctx, id)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	client := gwws.NewClient(g.hub, conn, id, g.logger)

	if getErr != nil && apperr.Is(getErr, apperr.CodeSessionNotFound) {
		g.writeDirect(conn, mustNotification(ws.ActionSessionClosed, map[string]any{"sessionId": id}))
		_ = conn.Close()
		return
	}

	g.replay(ctx, conn, id)

	// Live output comes straight from the supervisor fan-out; events, assist
	// and lifecycle frames arrive via the hub from the bus.
	unsubscribe, err := g.sessions.Subscribe(id,
		func(msg session.OutputMessage) {
			n, err := ws.NewNotification(ws.ActionOutput, map[string]any{
				"chunk": msg.Chunk,
				"ts":    msg.TS,
			})
			if err != nil {
				return
			}
			client.SendMessage(n)
		},
		func(session.ExitStatus) {})
	if err != nil {
		// Session exists but is not running; the stream still serves replayed
		// history and bus-driven frames.
		unsubscribe = func() {}
	}
	client.SetOnClose(unsubscribe)

	client.Register()
	go client.WritePump()
	go client.ReadPump()
}

// handleGlobalStream serves the global change-notification channel.
func (g *Gateway) handleGlobalStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := gwws.NewClient(g.hub, conn, "", g.logger)
	client.Register()
	go client.WritePump()
	go client.ReadPump()
}

// replay writes the recent history directly on the connection, before the
// write pump takes over.
func (g *Gateway) replay(ctx context.Context, conn *gorilla.Conn, id string) {
	chunks, err := g.transcripts.RecentChunks(ctx, id, replayChunks)
	if err != nil {
		g.logger.Warn("transcript replay failed", zap.String("session_id", id), zap.Error(err))
	}
	for _, chunk := range chunks {
		g.writeDirect(conn, mustNotification(ws.ActionOutput, chunk))
	}

	evts, err := g.transcripts.RecentEvents(ctx, id, replayEvents)
	if err != nil {
		g.logger.Warn("event replay failed", zap.String("session_id", id), zap.Error(err))
	}
	for _, e := range evts {
		g.writeDirect(conn, mustNotification(ws.ActionEvent, e))
	}
}

func (g *Gateway) writeDirect(conn *gorilla.Conn, msg *ws.Message) {
	if msg == nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteMessage(gorilla.TextMessage, data)
}

func mustNotification(action string, payload any) *ws.Message {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		return nil
	}
	return msg
}

// wireBus fans bus subjects out to stream clients: global subjects to every
// global client, per-session subjects to that session's subscribers.
func (g *Gateway) wireBus() error {
	globals := []string{
		events.SessionsChanged,
		events.WorkspacesChanged,
		events.InboxChanged,
		events.TasksChanged,
		events.OrchestrationsChanged,
		events.SessionPreview,
		events.OrchestrationProgress,
	}
	for _, subject := range globals {
		action := subject
		sub, err := g.bus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			if msg := mustNotification(action, event.Data); msg != nil {
				g.hub.BroadcastGlobal(msg)
			}
			return nil
		})
		if err != nil {
			return err
		}
		g.subs = append(g.subs, sub)
	}

	perSession := map[string]string{
		events.SessionEvent + ".*":   ws.ActionEvent,
		events.SessionAssist + ".*":  ws.ActionAssist,
		events.SessionClosing + ".*": ws.ActionSessionClosing,
		events.SessionClosed + ".*":  ws.ActionSessionClosed,
	}
	for subject, action := range perSession {
		action := action
		sub, err := g.bus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			sessionID, _ := event.Data["sessionId"].(string)
			if sessionID == "" {
				return nil
			}
			if msg := mustNotification(action, event.Data); msg != nil {
				g.hub.BroadcastToSession(sessionID, msg)
			}
			return nil
		})
		if err != nil {
			return err
		}
		g.subs = append(g.subs, sub)
	}
	return nil
}
