// Package websocket fans stream messages out to connected UI clients: one
// global channel for change notifications and one channel per session for
// output, events and assist surfaces.
package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/logger"
	ws "github.com/fyp/fyp/pkg/websocket"
)

// Hub tracks connected clients and routes broadcasts. All membership changes
// go through the register/unregister channels owned by Run.
type Hub struct {
	logger *logger.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// sessionSubs maps session id -> subscribed clients.
	sessionSubs map[string]map[*Client]bool
	mu          sync.RWMutex

	done chan struct{}
	once sync.Once
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:      log.WithFields(zap.String("component", "ws-hub")),
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan []byte, 256),
		sessionSubs: make(map[string]map[*Client]bool),
		done:        make(chan struct{}),
	}
}

// Run processes client registration and global broadcasts until Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.sessionID != "" {
				subs := h.sessionSubs[client.sessionID]
				if subs == nil {
					subs = make(map[*Client]bool)
					h.sessionSubs[client.sessionID] = subs
				}
				subs[client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("session_id", client.sessionID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			if client.sessionID != "" {
				if subs, ok := h.sessionSubs[client.sessionID]; ok {
					delete(subs, client)
					if len(subs) == 0 {
						delete(h.sessionSubs, client.sessionID)
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.sessionID != "" {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow consumer, drop the message rather than block.
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.sessionSubs = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// BroadcastGlobal sends a message to every global-channel client.
func (h *Hub) BroadcastGlobal(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// BroadcastToSession sends a message to every client on one session channel.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal session broadcast",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubs[sessionID] {
		select {
		case client.send <- data:
		default:
		}
	}
}

// SessionSubscriberCount reports how many clients watch a session.
func (h *Hub) SessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionSubs[sessionID])
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
