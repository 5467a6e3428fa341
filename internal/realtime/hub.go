// Package realtime streams a user's notifications over WebSocket.
//
// Each connection belongs to one authenticated user and only ever receives
// that user's notifications. Clients may narrow the stream by sending a
// Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/metrics"
	"github.com/castline/escrowd/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ErrHubBusy is returned by Deliver when the broadcast queue is full.
var ErrHubBusy = errors.New("realtime hub queue full")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Frame is what clients receive.
type Frame struct {
	Type         string               `json:"type"`
	Timestamp    time.Time            `json:"timestamp"`
	Notification *notify.Notification `json:"notification"`
}

// Subscription filters a client's stream. Empty lists match everything.
type Subscription struct {
	Kinds     []string `json:"kinds"`
	EscrowIDs []string `json:"escrowIds"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// MaxClientsPerUser bounds the tabs/devices a single user may hold open.
const MaxClientsPerUser = 10

// Hub fans notifications out to the connections of their recipient.
// Connections are indexed by user so delivery touches only the recipient's
// sockets.
type Hub struct {
	users      map[string]map[*Client]struct{}
	count      int
	broadcast  chan *notify.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	dropped      atomic.Int64 // clients evicted for falling behind
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		users:      make(map[string]map[*Client]struct{}),
		broadcast:  make(chan *notify.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns connection bookkeeping until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.users {
				for client := range conns {
					close(client.send) // writePump sends a close frame
				}
			}
			h.users = make(map[string]map[*Client]struct{})
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			conns := h.users[client.userID]
			if conns == nil {
				conns = make(map[*Client]struct{})
				h.users[client.userID] = conns
			}
			conns[client] = struct{}{}
			h.count++
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case note := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(note)
		}
	}
}

func (h *Hub) fanOut(note *notify.Notification) {
	payload := serialize(note)

	var slow []*Client
	h.mu.RLock()
	for client := range h.users[note.UserID] {
		if !shouldSend(client, note) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.remove(client)
	}
	n := h.count
	h.mu.Unlock()
	h.dropped.Add(int64(len(slow)))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("evicted slow websocket clients", "user_id", note.UserID, "count", len(slow))
}

// remove must be called with h.mu held.
func (h *Hub) remove(client *Client) {
	conns, ok := h.users[client.userID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	close(client.send)
	h.count--
	if len(conns) == 0 {
		delete(h.users, client.userID)
	}
}

// shouldSend checks the recipient and the client's filters.
func shouldSend(client *Client, n *notify.Notification) bool {
	if client.userID != n.UserID {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.Kinds) > 0 && !contains(sub.Kinds, n.Kind) {
		return false
	}
	if len(sub.EscrowIDs) > 0 && !contains(sub.EscrowIDs, n.Data["escrowId"]) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func serialize(n *notify.Notification) []byte {
	data, _ := json.Marshal(Frame{Type: "notification", Timestamp: time.Now().UTC(), Notification: n})
	return data
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver queues n for the recipient's open connections. It never blocks.
func (h *Hub) Deliver(_ context.Context, n *notify.Notification) error {
	select {
	case h.broadcast <- n:
		return nil
	default:
		return ErrHubBusy
	}
}

// Stats returns connection and delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedUsers":   len(h.users),
		"totalEvents":      h.totalEvents.Load(),
		"droppedClients":   h.dropped.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket handles GET /v1/ws. The caller must be authenticated.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}

	h.mu.RLock()
	n, mine := h.count, len(h.users[userID])
	h.mu.RUnlock()
	if n >= h.maxClients || mine >= MaxClientsPerUser {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

var _ notify.Sink = (*Hub)(nil)
