// Package realtime streams committed escrow events to admin consoles over
// WebSocket.
//
// A console connects to /v1/admin/stream and receives every event by
// default. It may narrow the stream by sending a Subscription as JSON:
//
//	{"types": ["escrow.disputed"], "purposes": ["session"]}
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/metrics"
)

// normalCloseCodes are close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription narrows what a console receives. Empty fields match all.
type Subscription struct {
	Types    []string         `json:"types"`
	Purposes []ledger.Purpose `json:"purposes"`
	Refs     []string         `json:"refs"`
}

// Matches reports whether event passes the subscription's filters.
func (s Subscription) Matches(event escrow.Event) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, event.Type) {
		return false
	}
	if event.Escrow == nil {
		return len(s.Purposes) == 0 && len(s.Refs) == 0
	}
	if len(s.Purposes) > 0 && !slices.Contains(s.Purposes, event.Escrow.Purpose) {
		return false
	}
	if len(s.Refs) > 0 && !slices.Contains(s.Refs, event.Escrow.Ref) {
		return false
	}
	return true
}

// Client is one connected console.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients bounds concurrent console connections.
const MaxClients = 256

// Hub fans events out to connected consoles.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan escrow.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan escrow.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run dispatches events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("admin stream stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("admin stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event escrow.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal escrow event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(event) {
			continue
		}
		select {
		case client.send <- data:
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
		if h.clients[client] {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow admin stream clients", "count", len(slow))
}

// Publish queues event for delivery. It never blocks; a full queue drops
// the event.
func (h *Hub) Publish(_ context.Context, event escrow.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case h.broadcast <- event:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("admin stream queue full, dropping event", "type", event.Type)
	}
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]int64{
		"connectedClients": int64(n),
		"publishedEvents":  h.published.Load(),
		"droppedEvents":    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades an authenticated admin request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("admin stream read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
