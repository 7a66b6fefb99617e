// Package websocket provides the real-time fan-out transport for dashboard
// clients. Clients join named channels (one per conversation) and receive
// only events for conversations they joined.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/metrics"
)

const (
	clientBufferSize = 64

	// WebSocket timeouts
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// HealthReporter is the slice of the connection monitor the hub needs.
type HealthReporter interface {
	Report(sub domain.Subsystem, err error)
}

// Hub manages WebSocket clients and their conversation-channel memberships.
// Delivery is at-most-once and best-effort: a disconnected client misses
// events and must re-fetch conversation state on reconnect; a slow client
// gets events dropped rather than blocking the hub.
type Hub struct {
	mu sync.RWMutex

	// conversation id -> clients joined to it
	channels map[int64]map[*Client]struct{}
	clients  map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	secretKey string
	monitor   HealthReporter
	upgrader  websocket.Upgrader
}

// Client represents one connected dashboard client.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	joined map[int64]struct{}
}

// controlFrame is the JSON a client sends to manage channel membership.
type controlFrame struct {
	Action         string `json:"action"` // "subscribe" | "unsubscribe"
	ConversationID int64  `json:"conversation_id"`
}

// NewHub creates the fan-out hub. secretKey guards the upgrade endpoint.
func NewHub(secretKey string, monitor HealthReporter) *Hub {
	return &Hub{
		channels:   make(map[int64]map[*Client]struct{}),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		secretKey:  secretKey,
		monitor:    monitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origin is enforced by the secret key, not Origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run is the hub's main event loop (call as goroutine). It owns client
// registration and teardown; channel membership is mutated under h.mu by the
// read pumps.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(total))
			h.monitor.Report(domain.SubsystemRealtime, nil)
			slog.Info("Realtime client connected", "client_id", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for convID := range client.joined {
					h.leaveLocked(client, convID)
				}
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(total))
			slog.Info("Realtime client disconnected", "client_id", client.id, "total", total)
		}
	}
}

// Publish delivers an event to every client joined to the conversation's
// channel. Non-blocking per client: a full buffer drops the event for that
// client only.
func (h *Hub) Publish(conversationID int64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channels[conversationID] {
		select {
		case client.send <- payload:
		default:
			// Slow client: drop rather than block the ingestion path.
			metrics.RealtimeEventsDropped.Inc()
		}
	}
}

// Subscribe joins a client to a conversation channel.
func (h *Hub) Subscribe(client *Client, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[conversationID]; !ok {
		h.channels[conversationID] = make(map[*Client]struct{})
	}
	h.channels[conversationID][client] = struct{}{}
	client.joined[conversationID] = struct{}{}

	slog.Debug("Client joined conversation channel",
		"client_id", client.id,
		"conversation_id", conversationID,
	)
}

// Unsubscribe removes a client from a conversation channel.
func (h *Hub) Unsubscribe(client *Client, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, conversationID)
}

// leaveLocked removes membership; caller holds h.mu.
func (h *Hub) leaveLocked(client *Client, conversationID int64) {
	if members, ok := h.channels[conversationID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.channels, conversationID)
		}
	}
	delete(client.joined, conversationID)
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles WebSocket upgrade requests.
// Route: /ws/chat?secret_key=...
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	queryKey := r.URL.Query().Get("secret_key")
	if queryKey == "" || queryKey != h.secretKey {
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		slog.Warn("Unauthorized WebSocket attempt", "remote", r.RemoteAddr)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.monitor.Report(domain.SubsystemRealtime, err)
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBufferSize),
		joined: make(map[int64]struct{}),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes control frames (subscribe/unsubscribe) and pong
// responses from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("Realtime read error", "client_id", c.id, "error", err)
			}
			break
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("Ignoring unparseable control frame", "client_id", c.id)
			continue
		}

		switch frame.Action {
		case "subscribe":
			c.hub.Subscribe(c, frame.ConversationID)
		case "unsubscribe":
			c.hub.Unsubscribe(c, frame.ConversationID)
		}
	}
}

// writePump sends events from the hub to the client, batching what is
// already queued, and keeps the connection alive with pings.
func (c *Client) writePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.hub.monitor.Report(domain.SubsystemRealtime, err)
				return
			}
			w.Write(message)

			// Batch pending messages for efficiency
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.hub.monitor.Report(domain.SubsystemRealtime, err)
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
