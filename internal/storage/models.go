package storage

import (
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
)

// CatalogDevice is one row of the device catalog.
type CatalogDevice struct {
	DeviceID     types.DeviceID `json:"device_id" db:"device_id"`
	FirstSeen    time.Time      `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time      `json:"last_seen" db:"last_seen"`
	Connected    bool           `json:"connected" db:"connected"`
	ConnectionID *string        `json:"connection_id,omitempty" db:"connection_id"`
	Records      int64          `json:"records" db:"records"`
}

// Activity is the record count and latest receive time of one device since
// the last catalog write.
type Activity struct {
	Records  int64
	LastSeen time.Time
}

// ConnectionChange is a session attach or detach.
type ConnectionChange struct {
	Device       types.DeviceID
	Connected    bool
	ConnectionID string
	At           time.Time
}
