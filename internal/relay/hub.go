package relay

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"heartline/internal/metrics"
	"heartline/internal/wire"
)

// client is one live push connection with its own write lock.
type client struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *client) send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks the live push connections, one per identity. A new
// connection for an identity that is already connected replaces the old
// one. Connect and disconnect fan out presence frames to everyone else.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[string]*client)}
}

// Register adds a connection for userID, replacing any previous one, and
// announces the identity as online. The newcomer receives a presence
// snapshot of everyone already connected.
func (h *Hub) Register(userID string, conn *websocket.Conn) *client {
	c := &client{userID: userID, conn: conn}

	h.mu.Lock()
	old := h.clients[userID]
	h.clients[userID] = c
	var online []string
	for id := range h.clients {
		if id != userID {
			online = append(online, id)
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	metrics.OnlineUsers.Set(int64(count))
	h.logger.Info("client connected", "user", userID, "online", count)

	for _, id := range online {
		if err := c.send(wire.Frame{Type: wire.TypePresence, UserID: id, Online: true}); err != nil {
			break
		}
	}
	h.broadcastExcept(userID, wire.Frame{Type: wire.TypePresence, UserID: userID, Online: true})
	return c
}

// Unregister removes the connection if it is still the identity's
// current one, and announces the identity as offline.
func (h *Hub) Unregister(userID string, c *client) {
	h.mu.Lock()
	if h.clients[userID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, userID)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.OnlineUsers.Set(int64(count))
	h.logger.Info("client disconnected", "user", userID, "online", count)
	h.broadcastExcept(userID, wire.Frame{Type: wire.TypePresence, UserID: userID, Online: false})
}

// SendTo delivers a frame to one identity. A miss is not an error; the
// identity is simply offline.
func (h *Hub) SendTo(userID string, f wire.Frame) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.send(f); err != nil {
		h.logger.Warn("push delivery failed", "user", userID, "type", f.Type, "err", err)
	}
}

func (h *Hub) broadcastExcept(userID string, f wire.Frame) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(f); err != nil {
			h.logger.Warn("push delivery failed", "user", c.userID, "type", f.Type, "err", err)
		}
	}
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
	metrics.OnlineUsers.Set(0)
}
