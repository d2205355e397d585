package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 512

	defaultDebounce  = 1500 * time.Millisecond
	defaultHeartbeat = 15 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the route is JWT protected
	CheckOrigin: func(r *http.Request) bool { return true },
}

// refreshMessage tells dashboards to reload. Types lists the event types
// coalesced into this refresh.
type refreshMessage struct {
	Type   string    `json:"type"`
	Events []string  `json:"events,omitempty"`
	At     time.Time `json:"at"`
}

// Hub keeps the connected dashboard sockets and sends them debounced
// refresh messages.
type Hub struct {
	debounce  time.Duration
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	pending map[string]struct{}

	notifyCh chan struct{}
}

func NewHub(debounce, heartbeat time.Duration) *Hub {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Hub{
		debounce:  debounce,
		heartbeat: heartbeat,
		clients:   make(map[*wsClient]struct{}),
		pending:   make(map[string]struct{}),
		notifyCh:  make(chan struct{}, 1),
	}
}

// Run waits for a quiet period after the last Notify before broadcasting,
// so a burst of Worker pushes yields one refresh. A heartbeat refresh is
// sent regardless. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			h.closeAll()
			return
		case <-h.notifyCh:
			debounce.Reset(h.debounce)
		case <-debounce.C:
			h.broadcast()
		case <-heartbeat.C:
			h.broadcast()
		}
	}
}

// Notify records an event type and schedules a refresh. It never blocks.
func (h *Hub) Notify(eventType string) {
	h.mu.Lock()
	h.pending[eventType] = struct{}{}
	h.mu.Unlock()

	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := refreshMessage{Type: "refresh", At: time.Now().UTC()}
	for t := range h.pending {
		msg.Events = append(msg.Events, t)
	}
	h.pending = make(map[string]struct{})
	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow client, skip
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and attaches the socket to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// writePump writes queued messages and pings for keepalive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes pongs and detects closed connections.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Debug("websocket closed unexpectedly")
			}
			break
		}
	}
}
