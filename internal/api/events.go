package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jackela/impetus/internal/intervention"
)

// ActionEvent is the feedback payload pushed to event subscribers when
// an intervention is generated. Content is deliberately omitted; the
// stream reports that pressure happened, not what was written.
type ActionEvent struct {
	ActionID string              `json:"action_id"`
	Action   intervention.Action `json:"action"`
	Source   intervention.Mode   `json:"source"`
	LockID   string              `json:"lock_id,omitempty"`
	IssuedAt time.Time           `json:"issued_at"`
}

const eventWriteTimeout = 10 * time.Second

// Hub fans ActionEvents out to websocket subscribers. Slow or dead
// subscribers are dropped rather than allowed to stall the broadcast.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	closed  bool
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is same-origin or reverse-proxied; the editor UI
			// handles its own auth in front of this.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// handleSubscribe upgrades GET /api/v1/events to a websocket and holds
// it open until the peer disconnects or the hub closes.
func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = &sync.Mutex{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("event subscriber connected", "subscribers", n)

	// Drain reads to observe close frames; we never expect inbound data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// Broadcast sends an event to every subscriber. Concurrent broadcasts
// serialize on a per-connection mutex: gorilla/websocket permits at
// most one writer on a connection at a time.
func (h *Hub) Broadcast(ev ActionEvent) {
	type target struct {
		conn *websocket.Conn
		wmu  *sync.Mutex
	}
	h.mu.Lock()
	targets := make([]target, 0, len(h.clients))
	for c, wmu := range h.clients {
		targets = append(targets, target{conn: c, wmu: wmu})
	}
	h.mu.Unlock()

	for _, tg := range targets {
		tg.wmu.Lock()
		tg.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		err := tg.conn.WriteJSON(ev)
		tg.wmu.Unlock()
		if err != nil {
			h.logger.Debug("dropping event subscriber", "error", err)
			h.drop(tg.conn)
		}
	}
}

// Close disconnects all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}
