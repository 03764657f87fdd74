package storage

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/types"
	"go.uber.org/zap"
)

const (
	defaultRecorderInterval = time.Second
	connectionQueueSize     = 256
)

// CatalogWriter is what the recorder writes to.
type CatalogWriter interface {
	RecordActivity(ctx context.Context, activity map[types.DeviceID]Activity) error
	SetConnection(ctx context.Context, change ConnectionChange) error
}

// Recorder feeds the catalog from registry callbacks without blocking the
// receive path. Record counts are aggregated and written once per
// interval; connection changes are written in order.
type Recorder struct {
	catalog  CatalogWriter
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	activity map[types.DeviceID]Activity

	changes chan ConnectionChange
}

func NewRecorder(catalog CatalogWriter, interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = defaultRecorderInterval
	}
	return &Recorder{
		catalog:  catalog,
		interval: interval,
		logger:   logger,
		activity: make(map[types.DeviceID]Activity),
		changes:  make(chan ConnectionChange, connectionQueueSize),
	}
}

// HandleRecord is a registry.RecordHandler.
func (r *Recorder) HandleRecord(id types.DeviceID, rec types.Record) {
	r.mu.Lock()
	a := r.activity[id]
	a.Records++
	if rec.Timestamp.After(a.LastSeen) {
		a.LastSeen = rec.Timestamp
	}
	r.activity[id] = a
	r.mu.Unlock()
}

// HandleEvent is a registry.EventHandler.
func (r *Recorder) HandleEvent(ev registry.Event) {
	var change ConnectionChange
	switch ev.Type {
	case registry.EventSessionAttached:
		change = ConnectionChange{Device: ev.Device, Connected: true, ConnectionID: ev.ConnectionID, At: ev.At}
	case registry.EventSessionDetached:
		change = ConnectionChange{Device: ev.Device, Connected: false, ConnectionID: ev.ConnectionID, At: ev.At}
	default:
		return
	}

	select {
	case r.changes <- change:
	default:
		r.logger.Warn("Catalog queue full, connection change dropped",
			zap.Int("device_id", int(ev.Device)),
			zap.String("event", string(ev.Type)))
	}
}

// Run writes to the catalog until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case change := <-r.changes:
			r.writeChange(ctx, change)

		case <-ticker.C:
			r.writeActivity(ctx)

		case <-ctx.Done():
			// The run context is gone; give the final writes their own deadline.
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.drain(final)
			r.writeActivity(final)
			cancel()
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case change := <-r.changes:
			r.writeChange(ctx, change)
		default:
			return
		}
	}
}

func (r *Recorder) writeChange(ctx context.Context, change ConnectionChange) {
	if err := r.catalog.SetConnection(ctx, change); err != nil {
		r.logger.Warn("Failed to update device catalog",
			zap.Int("device_id", int(change.Device)),
			zap.Error(err))
	}
}

func (r *Recorder) writeActivity(ctx context.Context) {
	r.mu.Lock()
	if len(r.activity) == 0 {
		r.mu.Unlock()
		return
	}
	pending := r.activity
	r.activity = make(map[types.DeviceID]Activity)
	r.mu.Unlock()

	if err := r.catalog.RecordActivity(ctx, pending); err != nil {
		r.logger.Warn("Failed to write device activity, retrying next interval",
			zap.Int("devices", len(pending)),
			zap.Error(err))
		r.restore(pending)
	}
}

// restore merges unwritten activity back into the pending set.
func (r *Recorder) restore(pending map[types.DeviceID]Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, old := range pending {
		a := r.activity[id]
		a.Records += old.Records
		if old.LastSeen.After(a.LastSeen) {
			a.LastSeen = old.LastSeen
		}
		r.activity[id] = a
	}
}
