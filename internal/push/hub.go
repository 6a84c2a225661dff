// Package push delivers notifications to open AquaGuide tabs over websockets.
// Each tab shows them with its own notification API and reports back its
// permission and the actions the user pressed.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/metrics"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 32
)

// Message types exchanged with tabs.
const (
	TypeWelcome           = "welcome"
	TypeNotification      = "notification"
	TypePermissionRequest = "permission_request"
	TypeHello             = "hello"
	TypePermission        = "permission"
	TypeAction            = "action"
)

// ErrNoTabs means no granted tab was connected to receive a notification.
var ErrNoTabs = fmt.Errorf("no connected tabs: %w", notify.ErrNoAudience)

// Message is the websocket envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PermissionPayload is sent by a tab on connect and when it answers a prompt.
type PermissionPayload struct {
	Permission notify.Permission `json:"permission"`
	RequestID  string            `json:"request_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu         sync.RWMutex
	permission notify.Permission
}

func (c *client) Permission() notify.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

func (c *client) setPermission(p notify.Permission) {
	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
}

// Hub tracks connected tabs and is a notify.Platform over them.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	pending map[string]chan notify.Permission
	handler notify.ActionHandler
	onPerm  func()
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		pending: make(map[string]chan notify.Permission),
	}
}

// SetActionHandler installs the callback for notification actions reported by tabs.
func (h *Hub) SetActionHandler(handler notify.ActionHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// SetPermissionListener installs a callback run after a tab reports its
// permission or disconnects.
func (h *Hub) SetPermissionListener(fn func()) {
	h.mu.Lock()
	h.onPerm = fn
	h.mu.Unlock()
}

func (h *Hub) permissionChanged() {
	h.mu.RLock()
	fn := h.onPerm
	h.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (h *Hub) Name() string { return "websocket" }

// Supported reports whether at least one tab is connected.
func (h *Hub) Supported() bool {
	return h.Clients() > 0
}

// Clients returns the number of connected tabs.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Permission is granted when any tab has granted, denied when every tab has
// denied, and default otherwise.
func (h *Hub) Permission() notify.Permission {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return notify.PermissionDefault
	}
	denied := 0
	for c := range h.clients {
		switch c.Permission() {
		case notify.PermissionGranted:
			return notify.PermissionGranted
		case notify.PermissionDenied:
			denied++
		}
	}
	if denied == len(h.clients) {
		return notify.PermissionDenied
	}
	return notify.PermissionDefault
}

// RequestPermission asks every tab to prompt the user and returns the first
// answer. It blocks until a tab answers or ctx is done.
func (h *Hub) RequestPermission(ctx context.Context) (notify.Permission, error) {
	if p := h.Permission(); p == notify.PermissionGranted {
		return p, nil
	}

	id := uuid.NewString()
	reply := make(chan notify.Permission, 1)
	h.mu.Lock()
	h.pending[id] = reply
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if n := h.broadcast(TypePermissionRequest, PermissionPayload{RequestID: id}); n == 0 {
		return notify.PermissionDefault, ErrNoTabs
	}

	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return h.Permission(), fmt.Errorf("waiting for permission answer: %w", ctx.Err())
	}
}

// Display sends the notification to every tab that has granted permission.
func (h *Hub) Display(ctx context.Context, opts notify.Options) error {
	n := h.broadcastTo(TypeNotification, opts, func(c *client) bool {
		return c.Permission() == notify.PermissionGranted
	})
	if n == 0 {
		return ErrNoTabs
	}

	h.logger.Debug("notification pushed to tabs",
		zap.String("tag", opts.Tag),
		zap.Int("tabs", n),
	)
	return nil
}

func (h *Hub) broadcast(msgType string, payload any) int {
	return h.broadcastTo(msgType, payload, func(*client) bool { return true })
}

// broadcastTo queues a message for every matching client. Clients whose send
// buffer is full are dropped.
func (h *Hub) broadcastTo(msgType string, payload any, match func(*client) bool) int {
	data, err := encode(msgType, payload)
	if err != nil {
		h.logger.Error("failed to encode websocket message", zap.String("type", msgType), zap.Error(err))
		return 0
	}

	sent := 0
	var stale []*client
	h.mu.RLock()
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("tab send buffer full, disconnecting", zap.String("client_id", c.id))
		h.unregister(c)
	}
	return sent
}

func encode(msgType string, payload any) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetPushClients(count)
	h.logger.Info("tab connected", zap.String("client_id", c.id), zap.Int("tabs", count))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.SetPushClients(count)
		h.logger.Info("tab disconnected", zap.String("client_id", c.id), zap.Int("tabs", count))
		h.permissionChanged()
	}
}

// HandleWebSocket upgrades the request and serves one tab.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		id:         uuid.NewString(),
		permission: notify.PermissionDefault,
	}

	welcome, _ := encode(TypeWelcome, map[string]string{"client_id": c.id})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		h.logger.Warn("failed to greet tab", zap.Error(err))
		conn.Close()
		return
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// Close disconnects every tab.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("tab read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("ignoring malformed tab message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		c.hub.handleMessage(c, msg)
	}
}

func (h *Hub) handleMessage(c *client, msg Message) {
	switch msg.Type {
	case TypeHello, TypePermission:
		var p PermissionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || !p.Permission.Valid() {
			h.logger.Debug("ignoring invalid permission report", zap.String("client_id", c.id))
			return
		}
		c.setPermission(p.Permission)
		h.permissionChanged()

		if p.RequestID != "" {
			h.mu.RLock()
			reply, ok := h.pending[p.RequestID]
			h.mu.RUnlock()
			if ok {
				select {
				case reply <- p.Permission:
				default:
				}
			}
		}

	case TypeAction:
		var ev notify.ActionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			h.logger.Debug("ignoring invalid action", zap.String("client_id", c.id))
			return
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			return
		}
		if err := handler(context.Background(), ev); err != nil {
			h.logger.Error("notification action failed",
				zap.String("action", ev.Action),
				zap.String("reminder_id", ev.Data.ReminderID),
				zap.Error(err),
			)
		}

	default:
		h.logger.Debug("unknown tab message type", zap.String("type", msg.Type))
	}
}

func (c *client) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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
