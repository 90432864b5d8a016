package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/0xc0re/eaze/internal/logger"
)

const (
	writeTimeout = 2 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub tracks connected websocket clients and fans messages out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string

	// onMessage receives every inbound client frame.
	onMessage func(raw []byte)
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]string),
	}
}

// SetMessageHandler installs the inbound frame handler. Must be called
// before the first connection is accepted.
func (h *Hub) SetMessageHandler(fn func(raw []byte)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Run pings clients periodically so half-open connections get reaped.
func (h *Hub) Run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(h.clients))
		for conn := range h.clients {
			conns = append(conns, conn)
		}
		h.mu.Unlock()

		for _, conn := range conns {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.removeClient(conn)
			}
		}
	}
}

// HandleConnection upgrades the request and runs the client's read loop.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[WS] upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.clients[conn] = id
	count := len(h.clients)
	onMessage := h.onMessage
	h.mu.Unlock()
	logger.Info("[WS] client %s connected (%d total)", id, count)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if onMessage != nil {
			onMessage(raw)
		}
	}

	h.removeClient(conn)
	logger.Info("[WS] client %s disconnected", id)
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast sends one typed message to every connected client. Slow or
// dead clients are dropped rather than allowed to block the rest.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	msg := WSMessage{Type: msgType, Payload: payload}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	var failed []*websocket.Conn
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		h.removeClient(conn)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
