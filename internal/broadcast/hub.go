// Package broadcast fans investigation progress events out to websocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Authorizer decides whether userID may watch investigationID.
type Authorizer func(ctx context.Context, investigationID, userID string) error

// Hub tracks websocket subscribers and delivers progress events to those watching the
// matching investigation. Publish never blocks the caller.
type Hub struct {
	logger    *slog.Logger
	authorize Authorizer
	upgrader  websocket.Upgrader

	events     chan models.ProgressEvent
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}

	dropped atomic.Int64
}

// NewHub creates a hub. authorize may be nil, in which case any caller may subscribe.
func NewHub(logger *slog.Logger, authorize Authorizer) *Hub {
	return &Hub{
		logger:    utils.Component(logger, "broadcast"),
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		events:     make(chan models.ProgressEvent, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run delivers events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// Publish queues ev for delivery. Events are dropped when the hub is saturated.
func (h *Hub) Publish(ev models.ProgressEvent) {
	select {
	case h.events <- ev:
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("progress event dropped", slog.String("investigation_id", ev.InvestigationID), slog.Int64("dropped_total", n))
	}
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(ev models.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode progress event", slog.Any("error", err))
		return
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.investigationID != "" && c.investigationID != ev.InvestigationID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warn("disconnecting slow subscriber", slog.String("client_id", c.id))
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and subscribes it to the investigation named by the
// investigation_id query parameter. The caller is identified by the X-User-ID header.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	investigationID := r.URL.Query().Get("investigation_id")
	if h.authorize != nil {
		if investigationID == "" {
			http.Error(w, "investigation_id is required", http.StatusBadRequest)
			return
		}
		if err := h.authorize(r.Context(), investigationID, r.Header.Get("X-User-ID")); err != nil {
			status := http.StatusInternalServerError
			switch utils.KindOf(err) {
			case utils.KindAuthorization:
				status = http.StatusForbidden
			case utils.KindNotFound:
				status = http.StatusNotFound
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		id:              uuid.NewString(),
		investigationID: investigationID,
		conn:            conn,
		send:            make(chan []byte, sendBuffer),
		hub:             h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
	h.logger.Debug("subscriber connected", slog.String("client_id", c.id), slog.String("investigation_id", investigationID))
}

type client struct {
	id              string
	investigationID string
	conn            *websocket.Conn
	send            chan []byte
	hub             *Hub
}

// readPump only drains control frames; subscribers never send data.
func (c *client) readPump() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("subscriber read error", slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
