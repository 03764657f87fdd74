package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
	"go.uber.org/zap"
)

// StatusProvider returns the current system status for new clients.
type StatusProvider interface {
	Status() any
}

// Hub maintains dashboard clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for thread-safe operations
	mu sync.RWMutex

	logger *zap.Logger

	statusProvider StatusProvider

	// done is closed while Run is not executing.
	done chan struct{}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		done:       closedChan(),
	}
}

// SetStatusProvider sets the source of the greeting status message.
func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusProvider = provider
}

// Run is the hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("Dashboard hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			close(h.done)
			h.mu.Unlock()
			h.logger.Info("Dashboard hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard client registered",
				zap.String("client_id", client.id),
				zap.Int("total_clients", total))
			h.greet(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Dashboard client unregistered",
					zap.String("client_id", client.id),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.device) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow or dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) greet(client *Client) {
	if h.statusProvider == nil {
		return
	}
	data, err := json.Marshal(NewMessage(MessageTypeSystemStatus, h.statusProvider.Status()))
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Running reports whether the event loop is active.
func (h *Hub) Running() bool {
	select {
	case <-h.doneChan():
		return false
	default:
		return true
	}
}

func (h *Hub) doneChan() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// FlushRetrying implements persistence.Notifier.
func (h *Hub) FlushRetrying(device types.DeviceID, attempt int, err error, next time.Duration) {
	h.Broadcast(NewFlushRetryMessage(device, attempt, err, next))
}

// FlushFailed implements persistence.Notifier.
func (h *Hub) FlushFailed(device types.DeviceID, err error) {
	h.Broadcast(NewFlushFailedMessage(device, err))
}
