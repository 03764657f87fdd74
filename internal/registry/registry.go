package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/KevinKickass/iotdserver/internal/persistence"
	"github.com/KevinKickass/iotdserver/internal/timeseries"
	"github.com/KevinKickass/iotdserver/internal/types"
	"go.uber.org/zap"
)

const defaultSaveThreshold = 100

// ErrSessionClosed is returned by Session.Send once the connection is gone.
var ErrSessionClosed = errors.New("session closed")

// Session is a transport connection as seen by the registry.
type Session interface {
	ID() string
	Send(payload string) error
	IsLive() bool
}

// Flusher persists the pending records of a device. limit bounds the
// absolute record index to flush up to; a negative limit flushes everything.
type Flusher interface {
	Flush(device types.DeviceID, src persistence.Source, limit int) (int, error)
}

type Options struct {
	SaveThreshold int
	FlushWorkers  int
	// Clock returns the receive time of records. Defaults to time.Now.
	Clock func() time.Time
}

// device is one identity's buffer and its current transport handle.
type device struct {
	id types.DeviceID

	mu      sync.Mutex
	buf     *timeseries.Buffer
	session Session

	// flushMu keeps a single writer per buffer.
	flushMu sync.Mutex
}

func (d *device) Snapshot(limit int) []types.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit < 0 {
		return d.buf.PendingSince(d.buf.Cursor())
	}
	return d.buf.Range(d.buf.Cursor(), limit)
}

func (d *device) Commit(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.AdvanceCursor(d.buf.Cursor() + n)
}

// Registry maps device identities to their buffers and live sessions. It is
// shared by every connection for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	devices  map[types.DeviceID]*device
	sessions map[string]Session

	flusher   Flusher
	threshold int
	now       func() time.Time
	logger    *zap.Logger

	handlersMu     sync.RWMutex
	recordHandlers []RecordHandler
	eventHandlers  []EventHandler

	pool *flushPool
}

func New(flusher Flusher, opts Options, logger *zap.Logger) *Registry {
	if opts.SaveThreshold <= 0 {
		opts.SaveThreshold = defaultSaveThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	r := &Registry{
		devices:   make(map[types.DeviceID]*device),
		sessions:  make(map[string]Session),
		flusher:   flusher,
		threshold: opts.SaveThreshold,
		now:       opts.Clock,
		logger:    logger,
	}
	r.pool = newFlushPool(opts.FlushWorkers, r.runFlush, logger)
	return r
}

// Start launches the background flush workers.
func (r *Registry) Start() {
	r.pool.start()
}

// Close stops the flush workers after they finish queued work. Buffers and
// identities stay in memory.
func (r *Registry) Close() {
	r.pool.stop()
}

// Open adds a freshly connected session to the session list. The session
// has no identity until its first record arrives.
func (r *Registry) Open(s Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Detach removes a closed session from the session list. Identities it
// represented keep their buffers and their (now dead) handle.
func (r *Registry) Detach(s Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	devices := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	for _, d := range devices {
		d.mu.Lock()
		current := d.session
		d.mu.Unlock()

		if current != nil && current.ID() == s.ID() {
			r.emit(Event{Type: EventSessionDetached, Device: d.id, ConnectionID: s.ID(), At: r.now()})
		}
	}
}

// Submit appends a frame received on session to its device's buffer.
func (r *Registry) Submit(frame types.Frame, session Session) error {
	if session == nil {
		return errors.New("submit without session")
	}

	d, created := r.getOrCreate(frame.Device)

	d.mu.Lock()
	// Stamped under the device lock so timestamps follow append order.
	now := r.now()
	today := timeseries.DateOf(now)
	record := types.Record{Timestamp: now, Values: frame.Values}

	rollover := -1
	if d.buf.LastFlushDate() != today {
		// Everything already buffered belongs to an earlier day.
		rollover = d.buf.Len()
		d.buf.SetLastFlushDate(today)
	}

	previous := d.session
	d.session = session

	d.buf.Append(record)
	length := d.buf.Len()
	overThreshold := d.buf.Pending() > r.threshold
	d.mu.Unlock()

	if rollover > 0 {
		r.logger.Info("Date changed, flushing previous day",
			zap.Int("device_id", int(frame.Device)),
			zap.String("date", today))
		r.pool.enqueue(d, rollover)
	}

	if created {
		metrics.KnownDevices.Inc()
		r.logger.Info("New device registered", zap.Int("device_id", int(frame.Device)))
		r.emit(Event{Type: EventDeviceDiscovered, Device: frame.Device, ConnectionID: session.ID(), At: now})
	}
	if previous == nil || previous.ID() != session.ID() {
		r.emit(Event{Type: EventSessionAttached, Device: frame.Device, ConnectionID: session.ID(), At: now})
	}

	metrics.RecordsReceived.Inc()
	r.notifyRecord(frame.Device, record)

	if overThreshold {
		r.logger.Debug("Save threshold exceeded",
			zap.Int("device_id", int(frame.Device)),
			zap.Int("records", length))
		r.pool.enqueue(d, -1)
	}

	return nil
}

func (r *Registry) getOrCreate(id types.DeviceID) (*device, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return d, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d, false
	}
	d = &device{id: id, buf: timeseries.NewBuffer(r.now())}
	r.devices[id] = d
	return d, true
}

func (r *Registry) lookup(id types.DeviceID) (*device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// ResolveSession returns the most recent session that carried id.
func (r *Registry) ResolveSession(id types.DeviceID) (Session, bool) {
	d, ok := r.lookup(id)
	if !ok {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session, d.session != nil
}

// IsConnected reports whether id currently has a live session.
func (r *Registry) IsConnected(id types.DeviceID) bool {
	s, ok := r.ResolveSession(id)
	return ok && s.IsLive()
}

// AllLiveSessions returns every open session, with or without an identity.
func (r *Registry) AllLiveSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsLive() {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID() < live[j].ID() })
	return live
}

// Flush synchronously persists every pending record of id.
func (r *Registry) Flush(id types.DeviceID) (int, error) {
	d, ok := r.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrUnknownDevice, id)
	}
	return r.flushDevice(d, -1)
}

// FlushAll synchronously persists every buffer. Errors from individual
// devices are joined; a failed device does not stop the others.
func (r *Registry) FlushAll() error {
	var errs []error
	for _, d := range r.snapshotDevices() {
		if _, err := r.flushDevice(d, -1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) flushDevice(d *device, limit int) (int, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	return r.flusher.Flush(d.id, d, limit)
}

func (r *Registry) runFlush(req flushRequest) {
	if _, err := r.flushDevice(req.device, req.limit); err != nil {
		r.logger.Error("Background flush failed",
			zap.Int("device_id", int(req.device.id)),
			zap.Error(err))
	}
}

func (r *Registry) snapshotDevices() []*device {
	r.mu.RLock()
	devices := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].id < devices[j].id })
	return devices
}

// Device returns a view of one registry entry.
func (r *Registry) Device(id types.DeviceID) (types.DeviceInfo, bool) {
	d, ok := r.lookup(id)
	if !ok {
		return types.DeviceInfo{ID: id, State: types.DeviceUnknown}, false
	}
	return d.info(), true
}

// Devices returns a view of every known identity ordered by id.
func (r *Registry) Devices() []types.DeviceInfo {
	devices := r.snapshotDevices()
	infos := make([]types.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.info())
	}
	return infos
}

func (d *device) info() types.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := types.DeviceInfo{
		ID:            d.id,
		State:         types.DeviceActive,
		Records:       d.buf.Len(),
		Persisted:     d.buf.Cursor(),
		LastFlushDate: d.buf.LastFlushDate(),
	}
	if d.session != nil {
		info.ConnectionID = d.session.ID()
		info.Connected = d.session.IsLive()
	}
	if last, ok := d.buf.Latest(); ok {
		info.LastRecord = &last
	}
	return info
}
