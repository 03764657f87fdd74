package registry

import (
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
)

type EventType string

const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventSessionAttached  EventType = "session_attached"
	EventSessionDetached  EventType = "session_detached"
)

// Event describes a change in the identity to session mapping.
type Event struct {
	Type         EventType
	Device       types.DeviceID
	ConnectionID string
	At           time.Time
}

// RecordHandler is called synchronously after every append. Handlers must
// return quickly; they run on the connection's read path.
type RecordHandler func(device types.DeviceID, record types.Record)

// EventHandler is called synchronously for every Event.
type EventHandler func(Event)

// OnRecord registers a record handler.
func (r *Registry) OnRecord(h RecordHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.recordHandlers = append(r.recordHandlers, h)
}

// OnEvent registers an event handler.
func (r *Registry) OnEvent(h EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.eventHandlers = append(r.eventHandlers, h)
}

func (r *Registry) notifyRecord(device types.DeviceID, record types.Record) {
	r.handlersMu.RLock()
	handlers := r.recordHandlers
	r.handlersMu.RUnlock()

	for _, h := range handlers {
		h(device, record)
	}
}

func (r *Registry) emit(ev Event) {
	r.handlersMu.RLock()
	handlers := r.eventHandlers
	r.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
