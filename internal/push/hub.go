// Package push keeps websocket connections to editor sessions and broadcasts
// bus events to them.
package push

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flowdeck/internal/api"
	"flowdeck/internal/eventbus"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 60 * time.Second
	sendBuffer          = 16
)

var errMissingPushRef = errors.New(`the query parameter "pushRef" is missing`)

// Message is the JSON frame sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type Config struct {
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin defaults to same-origin only.
	CheckOrigin func(*http.Request) bool
}

type client struct {
	pushRef string
	conn    *websocket.Conn
	send    chan Message
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub tracks one connection per push reference.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(cfg Config) *Hub {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logging.WithComponent(logging.OrDefault(cfg.Logger), "push"),
		metrics:      recorder,
		clients:      make(map[string]*client),
	}
}

// ServeHTTP upgrades GET /{rest}/push?pushRef=... to a websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pushRef := strings.TrimSpace(r.URL.Query().Get("pushRef"))
	if pushRef == "" {
		api.WriteError(w, http.StatusBadRequest, errMissingPushRef)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.FromRequest(r, h.logger).Debug("push upgrade failed", "error", err)
		return
	}

	c := &client{pushRef: pushRef, conn: conn, send: make(chan Message, sendBuffer), done: make(chan struct{})}
	h.add(c)
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	previous := h.clients[c.pushRef]
	h.clients[c.pushRef] = c
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	} else {
		h.metrics.PushConnected()
	}
	h.logger.Debug("push client connected", "push_ref", c.pushRef)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.pushRef]
	if ok && current == c {
		delete(h.clients, c.pushRef)
	}
	h.mu.Unlock()
	if ok && current == c {
		h.metrics.PushDisconnected()
		h.logger.Debug("push client disconnected", "push_ref", c.pushRef)
	}
	c.close()
}

// readLoop drains client frames until the connection fails; clients only
// send control frames.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) enqueue(c *client, msg Message) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		h.logger.Warn("push client too slow, dropping message", "push_ref", c.pushRef, "type", msg.Type)
		return false
	}
}

// Send delivers msg to one session.
func (h *Hub) Send(pushRef string, msg Message) bool {
	h.mu.RLock()
	c, ok := h.clients[pushRef]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.enqueue(c, msg)
}

// Broadcast delivers msg to every session and reports how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.enqueue(c, msg) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Relay broadcasts bus events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Relay(ctx context.Context, bus *eventbus.Bus) error {
	events, cancel := bus.Subscribe()
	defer cancel()
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(Message{Type: ev.Name, Data: ev.Payload})
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.remove(c)
	}
}
