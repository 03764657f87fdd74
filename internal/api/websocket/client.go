package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The operator API has no fixed origin; access is guarded by auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeRequest narrows the feed to a set of devices. An empty list
// subscribes to everything again.
type subscribeRequest struct {
	Type    string           `json:"type"`
	Devices []types.DeviceID `json:"devices"`
}

// Client represents a dashboard connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	filterMu sync.RWMutex
	filter   map[types.DeviceID]bool
}

// wants reports whether a message about device passes the client's filter.
func (c *Client) wants(device *types.DeviceID) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if device == nil || len(c.filter) == 0 {
		return true
	}
	return c.filter[*device]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.doneChan():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req subscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("Dashboard read error",
					zap.Error(err),
					zap.String("client_id", c.id))
			}
			break
		}

		c.handleMessage(req)
	}
}

func (c *Client) handleMessage(req subscribeRequest) {
	if req.Type != "subscribe" {
		c.logger.Debug("Ignoring dashboard message",
			zap.String("client_id", c.id),
			zap.String("type", req.Type))
		return
	}

	filter := make(map[types.DeviceID]bool, len(req.Devices))
	for _, id := range req.Devices {
		filter[id] = true
	}

	c.filterMu.Lock()
	c.filter = filter
	c.filterMu.Unlock()

	c.logger.Debug("Dashboard subscription updated",
		zap.String("client_id", c.id),
		zap.Int("devices", len(filter)))
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame.
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if !hub.Running() {
		http.Error(w, "dashboard feed is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	select {
	case hub.register <- client:
	case <-hub.doneChan():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
