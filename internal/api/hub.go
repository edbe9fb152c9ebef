package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/novachat/backend/internal/api/middleware"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
	"github.com/kimhsiao/novachat/backend/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Event types sent to listeners.
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventSyncSkipped   = "sync.skipped"
	EventSyncReset     = "sync.reset"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return middleware.IsLocalHost(hostOf(origin))
	},
}

func hostOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}

// Envelope wraps every event sent to listeners.
type Envelope struct {
	Type      string                 `json:"type"`
	Tenant    string                 `json:"tenant"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type client struct {
	id     string
	tenant string // empty receives every tenant
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// Hub fans sync events out to websocket listeners. It implements
// sync.SyncEventHandler and never blocks the syncing goroutine: a
// listener whose buffer is full is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

var _ syncpkg.SyncEventHandler = (*Hub)(nil)

// OnSyncEvent broadcasts event to the listeners of its tenant.
func (h *Hub) OnSyncEvent(event syncpkg.SyncEvent) {
	env := Envelope{
		Type:      eventType(event.Type),
		Tenant:    event.Tenant,
		Timestamp: event.Timestamp.UnixMilli(),
		Data:      map[string]interface{}{},
	}
	if event.Message != "" {
		env.Data["message"] = event.Message
	}
	if event.Result != nil {
		env.Data["result"] = event.Result
	}
	if event.Err != nil {
		env.Data["error"] = event.Err.Error()
	}
	h.Broadcast(env)
}

func eventType(t syncpkg.SyncEventType) string {
	switch t {
	case syncpkg.SyncEventStarted:
		return EventSyncStarted
	case syncpkg.SyncEventCompleted:
		return EventSyncCompleted
	case syncpkg.SyncEventFailed:
		return EventSyncFailed
	case syncpkg.SyncEventSkipped:
		return EventSyncSkipped
	case syncpkg.SyncEventReset:
		return EventSyncReset
	}
	return "sync." + string(t)
}

// Broadcast sends env to every listener subscribed to its tenant.
func (h *Hub) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": env.Type})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.tenant != "" && c.tenant != env.Tenant {
			continue
		}
		select {
		case c.send <- data:
		default:
			logging.Warn("Event listener too slow, disconnecting", map[string]interface{}{"client_id": id})
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected listeners.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	metrics.EventClients.Set(float64(len(h.clients)))
	logging.Debug("Event listener connected",
		map[string]interface{}{"client_id": c.id, "tenant": c.tenant, "total": len(h.clients)})
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	metrics.EventClients.Set(float64(len(h.clients)))
}

// ServeHTTP upgrades the request and registers a listener. The optional
// "tenant" query parameter limits the events received.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:     uuid.NewV4(),
		tenant: r.URL.Query().Get("tenant"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump answers pings and detects disconnects. Listeners send nothing
// else.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("Event listener read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			c.hub.mu.RLock()
			_, live := c.hub.clients[c.id]
			if live {
				pong, _ := json.Marshal(map[string]interface{}{"action": "pong", "timestamp": time.Now().UnixMilli()})
				select {
				case c.send <- pong:
				default:
				}
			}
			c.hub.mu.RUnlock()
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
