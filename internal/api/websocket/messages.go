package websocket

import (
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Telemetry
	MessageTypeRecord MessageType = "record"

	// Device connection messages
	MessageTypeDeviceConnected    MessageType = "device_connected"
	MessageTypeDeviceDisconnected MessageType = "device_disconnected"

	// Persistence notices
	MessageTypeFlushRetry  MessageType = "flush_retry"
	MessageTypeFlushFailed MessageType = "flush_failed"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	// device scopes the message for subscription filtering.
	device *types.DeviceID
}

// RecordData is one received record with its profile labels.
type RecordData struct {
	DeviceID   types.DeviceID `json:"device_id"`
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Values     []float64      `json:"values"`
	Fields     []string       `json:"fields,omitempty"`
	OutOfRange bool           `json:"out_of_range,omitempty"`
}

// DeviceConnectionData reports a device session change
type DeviceConnectionData struct {
	DeviceID     types.DeviceID `json:"device_id"`
	ConnectionID string         `json:"connection_id"`
}

// FlushData describes a retried or failed log file write
type FlushData struct {
	DeviceID    types.DeviceID `json:"device_id"`
	Attempt     int            `json:"attempt,omitempty"`
	NextAttempt string         `json:"next_attempt,omitempty"`
	Error       string         `json:"error"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func newDeviceMessage(msgType MessageType, id types.DeviceID, data interface{}) Message {
	msg := NewMessage(msgType, data)
	msg.device = &id
	return msg
}

// Helper functions for creating specific message types

func NewRecordMessage(data RecordData) Message {
	return newDeviceMessage(MessageTypeRecord, data.DeviceID, data)
}

func NewDeviceConnectionMessage(connected bool, id types.DeviceID, connectionID string) Message {
	msgType := MessageTypeDeviceDisconnected
	if connected {
		msgType = MessageTypeDeviceConnected
	}
	return newDeviceMessage(msgType, id, DeviceConnectionData{
		DeviceID:     id,
		ConnectionID: connectionID,
	})
}

func NewFlushRetryMessage(id types.DeviceID, attempt int, err error, next time.Duration) Message {
	return newDeviceMessage(MessageTypeFlushRetry, id, FlushData{
		DeviceID:    id,
		Attempt:     attempt,
		NextAttempt: next.String(),
		Error:       err.Error(),
	})
}

func NewFlushFailedMessage(id types.DeviceID, err error) Message {
	return newDeviceMessage(MessageTypeFlushFailed, id, FlushData{
		DeviceID: id,
		Error:    err.Error(),
	})
}
