// Package realtime streams a user's notifications over WebSocket.
//
// The hub is a notify.Sink: every message the dispatcher delivers is pushed
// to the open connections of its recipient. Operators connected with an
// admin token also receive messages addressed to notify.Admin.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000

	sendBuffer   = 64
	inboxBuffer  = 256
	maxFrameSize = 16 * 1024
	pongWait     = 60 * time.Second
	pingEvery    = pongWait / 2
	writeWait    = 10 * time.Second
)

// Subscription narrows which events a client receives. An empty list means
// every event addressed to the client.
type Subscription struct {
	Events []notify.Event `json:"events"`
}

func (s Subscription) wants(e notify.Event) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, e)
}

// Client is one open connection.
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

func (c *Client) subscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Users     int   `json:"users"`
	Accepted  int64 `json:"accepted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Sessions  int64 `json:"sessions"`
	Peak      int64 `json:"peak"`
}

// Hub routes notifications to connections. Connections are indexed by user
// so a message touches only its recipient's sockets.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  []string

	inbox      chan notify.Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu         sync.RWMutex
	byUser     map[string]map[*Client]struct{}
	admins     map[*Client]struct{}
	connected  int
	maxClients int

	accepted  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	sessions  atomic.Int64
	peak      atomic.Int64
}

var _ notify.Sink = (*Hub)(nil)

// NewHub creates a hub that accepts same-host and non-browser origins.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		inbox:      make(chan notify.Message, inboxBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		admins:     make(map[*Client]struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins admits browser connections from the listed origins.
// "*" admits any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run owns the connection index until ctx is cancelled, then closes every
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
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.inbox:
			h.route(msg)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	if c.admin {
		h.admins[c] = struct{}{}
	}
	h.connected++
	n := h.connected
	h.mu.Unlock()

	h.sessions.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "user", c.userID, "connected", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	removed := h.detach(c)
	n := h.connected
	h.mu.Unlock()
	if removed {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Debug("client disconnected", "user", c.userID, "connected", n)
	}
}

// detach drops c from the index and closes its send channel. Callers hold mu.
func (h *Hub) detach(c *Client) bool {
	set, ok := h.byUser[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.userID)
	}
	delete(h.admins, c)
	h.connected--
	close(c.send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, set := range h.byUser {
		for c := range set {
			close(c.send)
		}
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.admins = make(map[*Client]struct{})
	h.connected = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// recipients returns the connections msg is addressed to.
func (h *Hub) recipients(msg notify.Message) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byUser[msg.Recipient]
	if msg.Recipient == notify.Admin {
		set = h.admins
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) route(msg notify.Message) {
	targets := h.recipients(msg)
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode notification", "event", msg.Event, "error", err)
		return
	}

	var slow []*Client
	for _, c := range targets {
		if !h.shouldSend(c, msg) {
			continue
		}
		select {
		case c.send <- data:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	if len(slow) == 0 {
		return
	}
	// A client that cannot keep up is disconnected; it reconnects and
	// reloads state over REST.
	h.mu.Lock()
	for _, c := range slow {
		if h.detach(c) {
			h.dropped.Add(1)
			h.logger.Warn("disconnecting slow client", "user", c.userID)
		}
	}
	n := h.connected
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// shouldSend checks that msg is addressed to client and matches its filter.
func (h *Hub) shouldSend(client *Client, msg notify.Message) bool {
	addressed := msg.Recipient == client.userID || (client.admin && msg.Recipient == notify.Admin)
	return addressed && client.subscription().wants(msg.Event)
}

func (h *Hub) Name() string { return "websocket" }

// Send queues msg for routing. It never blocks; when the inbox is full the
// message is dropped and counted.
func (h *Hub) Send(_ context.Context, msg notify.Message) error {
	select {
	case h.inbox <- msg:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime inbox full, dropping event", "event", msg.Event, "recipient", msg.Recipient)
	}
	return nil
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connected, users := h.connected, len(h.byUser)
	h.mu.RUnlock()
	return Stats{
		Connected: connected,
		Users:     users,
		Accepted:  h.accepted.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Sessions:  h.sessions.Load(),
		Peak:      h.peak.Load(),
	}
}

func unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable", "message": message})
}

// HandleWebSocket handles GET /v1/ws. Browsers that cannot set headers pass
// the token as ?access_token=.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token or access_token query parameter required.",
		})
		return
	}
	select {
	case <-h.done:
		unavailable(c, "server shutting down")
		return
	default:
	}
	if h.Stats().Connected >= h.maxClients {
		unavailable(c, "too many connections")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", actor.ID, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: actor.ID,
		admin:  actor.IsAdmin(),
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

// readPump applies subscription frames until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("websocket read error", "user", c.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription frame", "user", c.userID)
			continue
		}
		c.subscribe(sub)
	}
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
