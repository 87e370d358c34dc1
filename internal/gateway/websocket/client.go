package websocket

import (
	"bytes"
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/logger"
	ws "github.com/fyp/fyp/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is one websocket connection. Global-channel clients have an empty
// sessionID; per-session clients carry the session they watch.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	sessionID  string
	dispatcher *ws.Dispatcher
	logger     *logger.Logger

	// onClose runs once when the read pump exits, before unregistering.
	onClose func()
}

// NewClient wires a connection into the hub. The caller starts the pumps.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string, log *logger.Logger) *Client {
	c := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		sessionID:  sessionID,
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "ws-client")),
	}
	c.dispatcher.RegisterFunc(ws.ActionPing, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, ws.ActionPong, map[string]any{"ok": true})
	})
	return c
}

// SetOnClose registers a teardown hook invoked once when the connection drops.
func (c *Client) SetOnClose(fn func()) { c.onClose = fn }

// Register adds the client to the hub.
func (c *Client) Register() { c.hub.register <- c }

// Send queues an already-marshaled frame, dropping it when the client is slow.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// SendMessage marshals and queues a message.
func (c *Client) SendMessage(msg *ws.Message) {
	data, err := msg.Marshal()
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.Send(data)
}

// ReadPump reads client frames until the connection drops. Inbound messages
// go through the dispatcher; currently only ping is meaningful.
func (c *Client) ReadPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose()
		}
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		raw = bytes.TrimSpace(bytes.ReplaceAll(raw, newline, space))
		if len(raw) == 0 {
			continue
		}

		var msg ws.Message
		if err := msg.Unmarshal(raw); err != nil {
			if reply, err := ws.NewError("", "", ws.ErrorCodeBadRequest, "malformed message", nil); err == nil {
				c.SendMessage(reply)
			}
			continue
		}
		reply, err := c.dispatcher.Dispatch(context.Background(), &msg)
		if err != nil {
			reply, _ = ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		if reply != nil {
			c.SendMessage(reply)
		}
	}
}

// WritePump drains the send channel onto the wire, batching queued frames
// behind newlines, and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
