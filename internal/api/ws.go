package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/market-sync/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface is already open CORS; the socket matches it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes market snapshots to connected websocket clients whenever the
// live feed changes.
type Hub struct {
	market MarketServiceInterface
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a push hub
func NewHub(market MarketServiceInterface, logger *logging.Logger) *Hub {
	return &Hub{
		market:  market,
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// Run broadcasts a fresh snapshot on every feed change until ctx is done
func (h *Hub) Run(ctx context.Context) {
	changes := h.market.Watch()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-changes:
			h.broadcast(h.snapshotMessage())
		}
	}
}

// snapshotMessage encodes the current market snapshot for the wire
func (h *Hub) snapshotMessage() []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"type": "snapshot",
		"data": h.market.Snapshot(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode snapshot for push")
		return nil
	}
	return payload
}

// broadcast fans a message out to every client. A client whose send buffer
// is full is dropped rather than allowed to stall the fanout.
func (h *Hub) broadcast(message []byte) {
	if message == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and streams snapshots.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	s.hub.register(c)

	// New clients get the current snapshot immediately.
	if msg := s.hub.snapshotMessage(); msg != nil {
		select {
		case c.send <- msg:
		default:
		}
	}

	go c.writePump(s.hub)
	go c.readPump(s.hub)
}

// writePump drains the send channel onto the socket with ping keepalive
func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
