package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 16
)

// client owns one connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans recorded power events out to WebSocket clients. Publish never
// blocks on a client: one that falls sendBufferSize messages behind is
// disconnected.
type Hub struct {
	clients  map[*client]struct{}
	mutex    sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	limit    int
	upgrader websocket.Upgrader
	logger   *logrus.Entry
}

// NewHub returns a Hub accepting at most limit concurrent clients.
func NewHub(limit int, logger *logging.Logger) *Hub {
	if limit < 1 {
		limit = 10
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		limit:   limit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Component("ws"),
	}
}

// addClient registers conn and starts its write pump. It reports false
// when the hub is full or closed.
func (h *Hub) addClient(conn *websocket.Conn) (*client, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil, false
	}
	if len(h.clients) >= h.limit {
		h.logger.Warnf("Max connections reached (%d)", h.limit)
		return nil, false
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	go h.writePump(c)
	h.logger.Infof("Added WebSocket connection %s (total: %d)", conn.RemoteAddr(), len(h.clients))
	return c, true
}

func (h *Hub) removeClient(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.dropLocked(c)
}

// dropLocked unregisters c and ends its write pump. h.mutex must be held.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Infof("Removed WebSocket connection %s (remaining: %d)", c.conn.RemoteAddr(), len(h.clients))
}

// writePump drains c.send until it is closed, then says goodbye and closes
// the connection.
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Errorf("Failed to send WebSocket message to %s: %v", c.conn.RemoteAddr(), err)
			h.removeClient(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(writeWait))
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Publish queues e for every client and disconnects the ones whose buffer
// is full.
func (h *Hub) Publish(e models.PowerEvent) {
	message, err := json.Marshal(e)
	if err != nil {
		h.logger.Errorf("Failed to encode event %s: %v", e, err)
		return
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.logger.Warnf("WebSocket client %s too slow, disconnecting", c.conn.RemoteAddr())
			h.dropLocked(c)
			// Unblocks a pump stuck writing to the stalled peer.
			c.conn.Close()
		}
	}
}

// Close disconnects every client and waits for their write pumps.
func (h *Hub) Close() {
	h.mutex.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mutex.Unlock()
	h.wg.Wait()
}

// Serve upgrades the request and keeps the client registered until it
// disconnects. Inbound messages are ignored.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	cl, ok := h.addClient(conn)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer h.removeClient(cl)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
