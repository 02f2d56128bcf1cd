// Package realtime pushes order and withdrawal events to connected users
// over WebSocket. A connection belongs to one authenticated user and only
// receives events addressed to that user; admins may watch everything.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
)

// Connection limits.
const (
	MaxClients            = 10000
	MaxConnectionsPerUser = 5
)

const (
	sendBuffer   = 64
	readLimit    = 16 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var (
	errHubClosed   = errors.New("hub closed")
	errHubFull     = errors.New("too many connections")
	errUserAtLimit = errors.New("too many connections for user")
)

// Subscription narrows what a connection receives. Empty lists match
// everything addressed to the user.
type Subscription struct {
	EventTypes []notify.EventType `json:"eventTypes,omitempty"`
	// OrderIDs limits delivery to events about these orders or withdrawals.
	OrderIDs []string `json:"orderIds,omitempty"`
	// All delivers every event regardless of recipient. Admins only;
	// ignored for everyone else.
	All bool `json:"all,omitempty"`
}

func (s Subscription) matches(ev *notify.Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.OrderIDs) > 0 && !slices.Contains(s.OrderIDs, ev.CorrelationID) {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	admin  bool

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub routes events to the connections of their recipients.
type Hub struct {
	logger    *slog.Logger
	origins   []string
	broadcast chan *notify.Event
	done      chan struct{}

	mu       sync.RWMutex
	closed   bool
	byUser   map[string]map[*Client]struct{}
	watchers map[*Client]struct{}
	count    int

	maxClients int
	maxPerUser int

	delivered atomic.Int64
	evicted   atomic.Int64
	accepted  atomic.Int64
}

// NewHub creates a hub. Run must be started for events to flow.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan *notify.Event, 256),
		done:       make(chan struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		watchers:   make(map[*Client]struct{}),
		maxClients: MaxClients,
		maxPerUser: MaxConnectionsPerUser,
	}
}

// WithOrigins sets which browser origins may connect. Without it only
// same-host pages may; "*" allows any.
func (h *Hub) WithOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

// Run delivers queued events until ctx is done, then drops every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return errHubClosed
	case h.count >= h.maxClients:
		return errHubFull
	case len(h.byUser[c.userID]) >= h.maxPerUser:
		return errUserAtLimit
	}

	conns := h.byUser[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.byUser[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.count++
	h.accepted.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(h.count))
	return nil
}

// unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	conns, ok := h.byUser[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byUser, c.userID)
	}
	delete(h.watchers, c)
	close(c.send)
	h.count--
	metrics.ActiveWebSocketClients.Set(float64(h.count))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, conns := range h.byUser {
		for c := range conns {
			h.removeLocked(c)
		}
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// subscribe replaces c's filter. A non-admin asking for All keeps
// receiving only its own events.
func (h *Hub) subscribe(c *Client, sub Subscription) Subscription {
	if !c.admin {
		sub.All = false
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	h.mu.Lock()
	if _, live := h.byUser[c.userID][c]; live {
		if sub.All {
			h.watchers[c] = struct{}{}
		} else {
			delete(h.watchers, c)
		}
	}
	h.mu.Unlock()
	return sub
}

// targets returns the connections an event should reach.
func (h *Hub) targets(ev *notify.Event) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	var out []*Client
	add := func(c *Client) {
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		if c.subscription().matches(ev) {
			out = append(out, c)
		}
	}
	for _, userID := range ev.Recipients {
		for c := range h.byUser[userID] {
			add(c)
		}
	}
	for c := range h.watchers {
		add(c)
	}
	return out
}

func (h *Hub) deliver(ev *notify.Event) {
	targets := h.targets(ev)
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range targets {
		if _, live := h.byUser[c.userID][c]; !live {
			continue
		}
		select {
		case c.send <- payload:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Add(1)
		h.logger.Debug("dropping slow websocket client", "userId", c.userID)
		h.unregister(c)
	}
}

func (h *Hub) Name() string { return "inapp" }

// Notify queues ev for delivery. After the hub has stopped events are
// dropped silently.
func (h *Hub) Notify(ctx context.Context, ev *notify.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": h.count,
		"connectedUsers":   len(h.byUser),
		"watchers":         len(h.watchers),
		"delivered":        h.delivered.Load(),
		"evicted":          h.evicted.Load(),
		"totalClients":     h.accepted.Load(),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// HandleWebSocket handles GET /ws behind auth.RequireAuth.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	client := &Client{
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		userID: caller.UserID,
		admin:  caller.Role == auth.RoleAdmin,
	}

	// Reserve the slot first so a refused client gets a plain HTTP error.
	if err := h.register(client); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, errUserAtLimit) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": "unavailable", "message": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.unregister(client)
		h.logger.Warn("websocket upgrade failed", "userId", caller.UserID, "error", err)
		return
	}
	client.conn = conn

	go client.writePump()
	go client.readPump()
}

type subscribedMessage struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

// readPump applies subscription updates and acknowledges each one.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("websocket read error", "userId", c.userID, "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		applied := c.hub.subscribe(c, sub)
		ack, _ := json.Marshal(subscribedMessage{Type: "subscribed", Subscription: applied})
		c.hub.mu.RLock()
		if _, live := c.hub.byUser[c.userID][c]; live {
			select {
			case c.send <- ack:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "userId", c.userID, "error", err)
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
