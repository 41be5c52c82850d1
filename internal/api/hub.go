package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridsight/gridsight/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // served on localhost; the UI origin varies by setup
	},
}

// client is one connected websocket consumer. Outbound messages go through
// a buffered channel; a client that cannot keep up is dropped rather than
// allowed to stall the broadcast path.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine updates out to websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast marshals v and queues it to every connected client.
func (h *Hub) Broadcast(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("[ws] marshal broadcast: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// slow consumer; close its pump and forget it
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[ws] upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.add(c)
	monitoring.Debugf("[ws] client connected (%d total)", h.ClientCount())

	go c.writePump()
	go c.readPump(h)
}

// writePump drains the send channel onto the wire. Exits when the channel
// closes (hub removal) or a write fails.
func (c *client) writePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readPump discards inbound messages and detects disconnects. The
// websocket is one-way; control flows through the HTTP API.
func (c *client) readPump(h *Hub) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				monitoring.Debugf("[ws] read error: %v", err)
			}
			return
		}
	}
}
