package command

import (
	"errors"

	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/types"
	"go.uber.org/zap"
)

// Status is the routing outcome of a command.
type Status string

const (
	StatusDelivered      Status = "delivered"
	StatusConnectionLost Status = "connection_lost"
	StatusNotConnected   Status = "not_connected"
	// StatusDropped means the session is live but could not take the
	// payload, e.g. its outbound queue is full.
	StatusDropped        Status = "dropped"
)

// Result reports where a command went. Delivered counts the sessions the
// payload was handed to.
type Result struct {
	Address   Address `json:"address"`
	Status    Status  `json:"status"`
	Delivered int     `json:"delivered"`
}

// Directory is the part of the registry the router needs.
type Directory interface {
	ResolveSession(id types.DeviceID) (registry.Session, bool)
	AllLiveSessions() []registry.Session
}

// Router delivers operator commands to device sessions. Delivery is fire
// and forget; the router only decides where a payload goes.
type Router struct {
	directory Directory
	logger    *zap.Logger
}

func NewRouter(directory Directory, logger *zap.Logger) *Router {
	return &Router{
		directory: directory,
		logger:    logger,
	}
}

// Send routes payload to addr.
func (r *Router) Send(addr Address, payload string) Result {
	if addr.IsBroadcast() {
		return r.broadcast(payload)
	}

	id := addr.Device()
	session, ok := r.directory.ResolveSession(id)
	if !ok {
		r.logger.Info("Device is not connected, command not sent",
			zap.Int("device_id", int(id)))
		return r.result(addr, StatusNotConnected, 0)
	}

	if !session.IsLive() {
		r.logger.Info("Connection to device lost, command not sent",
			zap.Int("device_id", int(id)),
			zap.String("connection_id", session.ID()))
		return r.result(addr, StatusConnectionLost, 0)
	}

	if err := session.Send(payload); err != nil {
		if errors.Is(err, registry.ErrSessionClosed) {
			// The session went away between the liveness check and the send.
			r.logger.Info("Connection to device lost during send",
				zap.Int("device_id", int(id)),
				zap.Error(err))
			return r.result(addr, StatusConnectionLost, 0)
		}
		r.logger.Warn("Command dropped",
			zap.Int("device_id", int(id)),
			zap.String("connection_id", session.ID()),
			zap.Error(err))
		return r.result(addr, StatusDropped, 0)
	}

	r.logger.Debug("Command sent",
		zap.Int("device_id", int(id)),
		zap.String("payload", payload))
	return r.result(addr, StatusDelivered, 1)
}

func (r *Router) broadcast(payload string) Result {
	delivered := 0
	for _, session := range r.directory.AllLiveSessions() {
		if err := session.Send(payload); err != nil {
			r.logger.Debug("Broadcast skipped closed session",
				zap.String("connection_id", session.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	r.logger.Debug("Command broadcast",
		zap.Int("sessions", delivered),
		zap.String("payload", payload))
	return r.result(Broadcast, StatusDelivered, delivered)
}

func (r *Router) result(addr Address, status Status, delivered int) Result {
	metrics.Commands.WithLabelValues(string(status)).Inc()
	return Result{Address: addr, Status: status, Delivered: delivered}
}
