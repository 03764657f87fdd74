package interfaces

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/config"
	"github.com/KevinKickass/iotdserver/internal/gateway"
	"github.com/KevinKickass/iotdserver/internal/storage"
	"github.com/KevinKickass/iotdserver/internal/types"
)

// ErrCatalogDisabled is returned by CatalogDevices when no database is configured.
var ErrCatalogDisabled = errors.New("device catalog is disabled")

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string     `json:"state"`
	Error             string     `json:"error,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	Timestamp         int64      `json:"timestamp"`
	Sessions          int        `json:"sessions"`
	KnownDevices      int        `json:"known_devices"`
	ConnectedDevices  int        `json:"connected_devices"`
	PendingRecords    int        `json:"pending_records"`
	DashboardClients  int        `json:"dashboard_clients"`
	StreamSubscribers int        `json:"stream_subscribers"`
	DataDirectory     string     `json:"data_directory"`
}

// LifecycleManager is what the operator API needs from the running server.
type LifecycleManager interface {
	Config() *config.Config
	GetCurrentStatus() SystemStatus

	Devices() []types.DeviceInfo
	Device(id types.DeviceID) (types.DeviceInfo, bool)
	Sessions() []gateway.SessionInfo
	CatalogDevices(ctx context.Context) ([]storage.CatalogDevice, error)

	SendCommand(addr command.Address, payload string) command.Result
	FlushDevice(id types.DeviceID) (int, error)
	FlushAll() error
	ReloadProfiles() error

	ServeDevice(w http.ResponseWriter, r *http.Request)
	ServeDashboard(w http.ResponseWriter, r *http.Request)

	RequestShutdown()
}
