package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/types"
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

	// Maximum frame size accepted from a device
	maxMessageSize = 4096

	// Outbound command queue per connection
	sendBufferSize = 64
)

var (
	ErrSessionClosed  = registry.ErrSessionClosed
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Session is one device connection. It implements registry.Session.
type Session struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan string
	remote   string
	openedAt time.Time
	logger   *zap.Logger

	live atomic.Bool

	mu         sync.RWMutex
	closed     bool
	device     types.DeviceID
	identified bool
}

// SessionInfo describes an open connection.
type SessionInfo struct {
	ID         string          `json:"id"`
	RemoteAddr string          `json:"remote_addr"`
	Device     *types.DeviceID `json:"device_id,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) IsLive() bool {
	return s.live.Load()
}

// Device returns the identity of the last frame received on s.
func (s *Session) Device() (types.DeviceID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device, s.identified
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{ID: s.id, RemoteAddr: s.remote, OpenedAt: s.openedAt}
	if id, ok := s.Device(); ok {
		info.Device = &id
	}
	return info
}

// Send queues payload as one text frame. It never blocks.
func (s *Session) Send(payload string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.send <- payload:
		return nil
	default:
		s.logger.Warn("Session send buffer full, command dropped",
			zap.String("connection_id", s.id))
		return ErrSendBufferFull
	}
}

// OnMessage handles one inbound text frame. Malformed frames are dropped
// without touching any state.
func (s *Session) OnMessage(raw string) error {
	if !s.IsLive() {
		metrics.FramesDropped.WithLabelValues("closed").Inc()
		return ErrSessionClosed
	}

	frame, err := ParseFrame(raw, s.hub.arity)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("Dropping malformed frame",
			zap.String("connection_id", s.id),
			zap.String("frame", raw),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.device = frame.Device
	s.identified = true
	s.mu.Unlock()

	return s.hub.registry.Submit(frame, s)
}

// Close marks the session dead and asks the write pump to send a close
// frame. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.live.Store(false)
	close(s.send)
}

func (s *Session) readPump() {
	defer func() {
		s.Close()
		s.hub.remove(s)
		s.conn.Close()
		s.hub.wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				s.logger.Warn("Device connection read error",
					zap.String("connection_id", s.id),
					zap.Error(err))
			}
			return
		}

		// Errors are logged and counted in OnMessage; the connection stays up.
		_ = s.OnMessage(string(message))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}

			// Commands are never coalesced: one payload per frame.
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				s.logger.Debug("Device connection write failed",
					zap.String("connection_id", s.id),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
