package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry is the part of the device registry the gateway feeds.
type Registry interface {
	Open(s registry.Session)
	Detach(s registry.Session)
	Submit(frame types.Frame, s registry.Session) error
}

// Hub accepts device connections and tracks them by connection id.
type Hub struct {
	registry Registry
	arity    ArityFunc
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// wg counts running read pumps.
	wg sync.WaitGroup
}

func NewHub(reg Registry, arity ArityFunc, logger *zap.Logger) *Hub {
	return &Hub{
		registry: reg,
		arity:    arity,
		logger:   logger,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices do not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWs upgrades a device connection and starts its pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Device connection upgrade failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	s := &Session{
		id:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		send:     make(chan string, sendBufferSize),
		remote:   r.RemoteAddr,
		openedAt: time.Now(),
		logger:   h.logger,
	}
	s.live.Store(true)

	if !h.add(s) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server closing"))
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (h *Hub) add(s *Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	total := len(h.sessions)
	h.mu.Unlock()

	h.registry.Open(s)
	metrics.ActiveSessions.Inc()
	metrics.TotalSessions.Inc()
	h.logger.Info("Device connection opened",
		zap.String("connection_id", s.id),
		zap.String("remote_addr", s.remote),
		zap.Int("total_connections", total))
	return true
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	total := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}

	h.registry.Detach(s)
	metrics.ActiveSessions.Dec()
	fields := []zap.Field{
		zap.String("connection_id", s.id),
		zap.Int("total_connections", total),
	}
	if id, ok := s.Device(); ok {
		fields = append(fields, zap.Int("device_id", int(id)))
	}
	h.logger.Info("Device connection closed", fields...)
}

// Get returns the open session with the given connection id.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions lists open connections ordered by opening time.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, s.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].OpenedAt.Equal(infos[j].OpenedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// Reopen lets a hub that was shut down accept connections again.
func (h *Hub) Reopen() {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
}

// Shutdown stops accepting connections, closes every open session and
// waits until no read pump can submit another frame. When ctx expires first
// the remaining sockets are closed hard and ctx's error is returned, still
// only after every read pump has exited.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All device connections closed", zap.Int("closed", len(sessions)))
		return nil
	case <-ctx.Done():
	}

	// Devices that never answered the close frame are cut off. Once the
	// sockets are gone every read pump returns, so waiting is bounded.
	h.mu.RLock()
	remaining := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		remaining = append(remaining, s)
	}
	h.mu.RUnlock()

	for _, s := range remaining {
		s.conn.Close()
	}
	<-done

	h.logger.Warn("Device connections closed forcibly",
		zap.Int("closed", len(sessions)),
		zap.Int("forced", len(remaining)))
	return ctx.Err()
}
