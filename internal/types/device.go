package types

import (
	"fmt"
	"time"
)

// DeviceID is the identity a device reports in the first field of every
// frame. It is chosen by the device and survives reconnects.
type DeviceID int

func (id DeviceID) String() string {
	return fmt.Sprintf("IoTD%03d", int(id))
}

// Frame is a parsed inbound telemetry message.
type Frame struct {
	Device DeviceID
	Values []float64
}

// Record is one stored sample: the receive time plus the telemetry values
// of the frame. The identity field is not part of the record.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// DeviceState is the identity lifecycle. There is no transition back to
// DeviceUnknown once a device has sent its first record.
type DeviceState string

const (
	DeviceUnknown DeviceState = "unknown"
	DeviceActive  DeviceState = "active"
)

// DeviceInfo is a point-in-time view of one registry entry.
type DeviceInfo struct {
	ID            DeviceID    `json:"id"`
	Name          string      `json:"name,omitempty"`
	State         DeviceState `json:"state"`
	Connected     bool        `json:"connected"`
	ConnectionID  string      `json:"connection_id,omitempty"`
	Records       int         `json:"records"`
	Persisted     int         `json:"persisted"`
	LastFlushDate string      `json:"last_flush_date"`
	LastRecord    *Record     `json:"last_record,omitempty"`
}
