// Package events pushes artifact state changes to websocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeCreated = "artifact.created"
	TypeReady   = "artifact.ready"
	TypeFailed  = "artifact.failed"
	TypeDeleted = "artifact.deleted"
)

// Event is one state change of an artifact.
type Event struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, id int64, status string) Event {
	return Event{Type: typ, ID: id, Status: status, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

const writeWait = 5 * time.Second


// Hub fans events out to every connected websocket client. Publish never
// blocks; events are dropped when the buffer is full.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	eventCh chan Event
	logger  *zap.Logger

	allowedOrigin string
	upgrader      websocket.Upgrader
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigin lets browsers on origin subscribe in addition to pages
// served by this host. "*" and "" keep the same-origin rule.
func WithAllowedOrigin(origin string) HubOption {
	return func(h *Hub) {
		h.allowedOrigin = strings.TrimRight(origin, "/")
	}
}

// NewHub creates a hub with a buffer of size events.
func NewHub(size int, logger *zap.Logger, opts ...HubOption) *Hub {
	if size <= 0 {
		size = 256
	}
	h := &Hub{
		clients: make(map[*websocket.Conn]bool),
		eventCh: make(chan Event, size),
		logger:  logger.With(zap.String("component", "events")),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin pages and the configured origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigin != "" && h.allowedOrigin != "*" && strings.EqualFold(origin, h.allowedOrigin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Publish queues an event for broadcast.
func (h *Hub) Publish(ev Event) {
	select {
	case h.eventCh <- ev:
	default:
		h.logger.Warn("event dropped", zap.String("type", ev.Type), zap.Int64("id", ev.ID))
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run broadcasts queued events until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.eventCh:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Clients do not send commands; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
