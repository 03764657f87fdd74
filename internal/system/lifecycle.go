package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/api/rest"
	dashboard "github.com/KevinKickass/iotdserver/internal/api/websocket"
	"github.com/KevinKickass/iotdserver/internal/auth"
	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/config"
	"github.com/KevinKickass/iotdserver/internal/devices"
	"github.com/KevinKickass/iotdserver/internal/gateway"
	"github.com/KevinKickass/iotdserver/internal/interfaces"
	"github.com/KevinKickass/iotdserver/internal/persistence"
	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/storage"
	"github.com/KevinKickass/iotdserver/internal/streaming"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const catalogResetTimeout = 5 * time.Second

// ErrUnknownConnection is returned by SubmitRaw for connection ids with no
// open session.
var ErrUnknownConnection = errors.New("unknown connection")

// Catalog is the device catalog the lifecycle manager keeps in sync.
type Catalog interface {
	storage.CatalogWriter
	ResetConnections(ctx context.Context) error
	ListDevices(ctx context.Context) ([]storage.CatalogDevice, error)
}

// Options carries the collaborators that differ between production and tests.
type Options struct {
	// Fs is the filesystem log files are written to. Defaults to the OS.
	Fs afero.Fs
	// Clock stamps received records. Defaults to time.Now.
	Clock func() time.Time
	// Catalog is optional; nil disables the device catalog.
	Catalog Catalog
	// HTTPAddr and GRPCAddr override the configured ports.
	HTTPAddr string
	GRPCAddr string
}

// LifecycleManager owns every component of the server and the order in
// which they start and stop.
type LifecycleManager struct {
	config *config.Config
	opts   Options
	logger *zap.Logger

	fs            afero.Fs
	writer        *persistence.Writer
	registry      *registry.Registry
	router        *command.Router
	profiles      *devices.Manager
	gateway       *gateway.Hub
	dashboard     *dashboard.Hub
	streamer      *streaming.EventStreamer
	recordService *streaming.RecordService
	authenticator *auth.Authenticator
	catalog       Catalog
	recorder      *storage.Recorder

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex
	restServer  *rest.Server
	grpcServer  *grpc.Server
	grpcAddr    string
	cancel      context.CancelFunc
	background  sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
	startedAt    time.Time

	shutdownMu        sync.Mutex
	shutdownChan      chan struct{}
	shutdownRequested bool
}

func NewLifecycleManager(cfg *config.Config, opts Options, logger *zap.Logger) (*LifecycleManager, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	profiles, err := devices.NewManager(opts.Fs, cfg.Devices.ProfilesPath, cfg.Devices.MaxValuesPerRecord, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load device profiles: %w", err)
	}

	writer := persistence.NewWriter(opts.Fs, persistence.Options{
		Directory:            cfg.Storage.DataDirectory,
		RetryInitialInterval: cfg.Storage.RetryInitialInterval,
		RetryMaxInterval:     cfg.Storage.RetryMaxInterval,
	}, logger)

	dashboardHub := dashboard.NewHub(logger)
	writer.SetNotifier(dashboardHub)

	reg := registry.New(writer, registry.Options{
		SaveThreshold: cfg.Storage.SaveThreshold,
		FlushWorkers:  cfg.Storage.FlushWorkers,
		Clock:         opts.Clock,
	}, logger)

	lm := &LifecycleManager{
		config:        cfg,
		opts:          opts,
		logger:        logger,
		fs:            opts.Fs,
		writer:        writer,
		registry:      reg,
		router:        command.NewRouter(reg, logger),
		profiles:      profiles,
		gateway:       gateway.NewHub(reg, profiles.Arity, logger),
		dashboard:     dashboardHub,
		streamer:      streaming.NewEventStreamer(),
		authenticator: auth.NewAuthenticator(cfg.Auth, logger),
		catalog:       opts.Catalog,
		currentState:  StateStopped,
		shutdownChan:  make(chan struct{}),
	}
	lm.recordService = streaming.NewRecordService(lm.streamer, lm, logger)
	if lm.catalog != nil {
		lm.recorder = storage.NewRecorder(lm.catalog, 0, logger)
	}

	dashboardHub.SetStatusProvider(lm)
	reg.OnRecord(lm.handleRecord)
	reg.OnEvent(lm.handleEvent)

	return lm, nil
}

// Start brings up the flush workers, the listeners and the background
// services. A stopped or failed manager can be started again.
func (lm *LifecycleManager) Start() error {
	lm.lifecycleMu.Lock()
	defer lm.lifecycleMu.Unlock()

	if err := lm.transition(StateInitializing); err != nil {
		return err
	}
	lm.logger.Info("Starting IoTD server",
		zap.String("data_directory", lm.writer.Directory()),
		zap.Int("save_threshold", lm.config.Storage.SaveThreshold))

	if err := lm.fs.MkdirAll(lm.writer.Directory(), 0o755); err != nil {
		return lm.fail(fmt.Errorf("failed to create data directory: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.registry.Start()
	lm.gateway.Reopen()
	lm.streamer.Reopen()
	lm.resetShutdownRequest()

	lm.background.Add(1)
	go func() {
		defer lm.background.Done()
		lm.dashboard.Run(ctx)
	}()

	if lm.catalog != nil {
		resetCtx, cancelReset := context.WithTimeout(ctx, catalogResetTimeout)
		if err := lm.catalog.ResetConnections(resetCtx); err != nil {
			lm.logger.Warn("Failed to reset catalog connection state", zap.Error(err))
		}
		cancelReset()

		lm.background.Add(1)
		go func() {
			defer lm.background.Done()
			lm.recorder.Run(ctx)
		}()
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.teardown(context.Background())
		return lm.fail(fmt.Errorf("failed to start gRPC: %w", err))
	}

	if err := lm.startRESTServer(); err != nil {
		lm.teardown(context.Background())
		return lm.fail(fmt.Errorf("failed to start REST API: %w", err))
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.lastErr = nil
	lm.stateMu.Unlock()

	if err := lm.transition(StateRunning); err != nil {
		return err
	}
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.String("http_address", lm.restServer.Addr()),
		zap.String("grpc_address", lm.grpcAddr),
		zap.Bool("catalog_enabled", lm.catalog != nil))

	return nil
}

// Stop closes the listeners and every device session, writes every
// buffered record, then stops the background services. Records submitted
// before Stop returns are on disk unless the returned error says otherwise.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.lifecycleMu.Lock()
	defer lm.lifecycleMu.Unlock()

	if lm.State() == StateStopped {
		return nil
	}
	if err := lm.transition(StateStopping); err != nil {
		return err
	}
	lm.logger.Info("Shutting down system")
	lm.broadcastStatus()

	err := lm.teardown(ctx)

	lm.stateMu.Lock()
	lm.currentState = StateStopped
	lm.startedAt = time.Time{}
	lm.lastErr = err
	lm.stateMu.Unlock()

	if err != nil {
		lm.logger.Error("Shutdown completed with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

// teardown stops whatever Start brought up. Callers hold lifecycleMu.
func (lm *LifecycleManager) teardown(ctx context.Context) error {
	var errs []error

	// Ends gRPC subscriptions so GracefulStop does not wait on them.
	lm.streamer.Close()
	if lm.grpcServer != nil {
		lm.stopGRPCServer(ctx)
		lm.grpcServer = nil
		lm.grpcAddr = ""
	}

	// Returns only once no read pump can submit, even past the deadline.
	if err := lm.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("device sessions did not close: %w", err))
	}

	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		lm.restServer = nil
	}

	lm.registry.Close()
	if err := lm.registry.FlushAll(); err != nil {
		errs = append(errs, fmt.Errorf("final flush failed: %w", err))
	}

	if lm.cancel != nil {
		lm.cancel()
		lm.cancel = nil
	}
	lm.background.Wait()

	return errors.Join(errs...)
}

func (lm *LifecycleManager) startGRPCServer() error {
	addr := lm.opts.GRPCAddr
	if addr == "" {
		if lm.config.Server.GRPCPort == 0 {
			lm.logger.Info("gRPC server disabled")
			return nil
		}
		addr = fmt.Sprintf(":%d", lm.config.Server.GRPCPort)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(streaming.UnaryAuthInterceptor(lm.authenticator)),
		grpc.StreamInterceptor(streaming.StreamAuthInterceptor(lm.authenticator)),
	)
	streaming.RegisterRecordStreamServer(srv, lm.recordService)

	lm.grpcServer = srv
	lm.grpcAddr = lis.Addr().String()

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "RecordStream"))
		if err := srv.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) stopGRPCServer(ctx context.Context) {
	lm.logger.Info("Stopping gRPC server")

	done := make(chan struct{})
	go func() {
		lm.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("gRPC graceful stop timed out, forcing stop")
		lm.grpcServer.Stop()
		<-done
	}
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.authenticator, lm.logger, lm.opts.HTTPAddr)
	if err := lm.restServer.Start(); err != nil {
		lm.restServer = nil
		return err
	}
	return nil
}

// SubmitRaw feeds one inbound text frame as if it had arrived on the
// given device connection.
func (lm *LifecycleManager) SubmitRaw(connectionID, raw string) error {
	session, ok := lm.gateway.Get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return session.OnMessage(raw)
}

// SendCommand routes payload to a device or, for the broadcast address,
// to every live session.
func (lm *LifecycleManager) SendCommand(addr command.Address, payload string) command.Result {
	return lm.router.Send(addr, payload)
}

// OnRecord registers an observer called after every record is buffered.
func (lm *LifecycleManager) OnRecord(h registry.RecordHandler) {
	lm.registry.OnRecord(h)
}

// OnEvent registers an observer for device session changes.
func (lm *LifecycleManager) OnEvent(h registry.EventHandler) {
	lm.registry.OnEvent(h)
}

func (lm *LifecycleManager) handleRecord(id types.DeviceID, rec types.Record) {
	lm.streamer.Publish(id, rec)

	profile, _ := lm.profiles.Profile(id)
	_, inRange := profile.Check(rec.Values)
	lm.dashboard.Broadcast(dashboard.NewRecordMessage(dashboard.RecordData{
		DeviceID:   id,
		Name:       lm.profiles.Name(id),
		Timestamp:  rec.Timestamp,
		Values:     rec.Values,
		Fields:     profile.Fields,
		OutOfRange: !inRange,
	}))

	if lm.recorder != nil {
		lm.recorder.HandleRecord(id, rec)
	}
}

func (lm *LifecycleManager) handleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventSessionAttached:
		lm.dashboard.Broadcast(dashboard.NewDeviceConnectionMessage(true, ev.Device, ev.ConnectionID))
	case registry.EventSessionDetached:
		lm.dashboard.Broadcast(dashboard.NewDeviceConnectionMessage(false, ev.Device, ev.ConnectionID))
	}

	if lm.recorder != nil {
		lm.recorder.HandleEvent(ev)
	}
}

// RequestShutdown asks the process to stop. It does not block; main
// watches ShutdownRequested and calls Stop.
func (lm *LifecycleManager) RequestShutdown() {
	lm.shutdownMu.Lock()
	defer lm.shutdownMu.Unlock()

	if lm.shutdownRequested {
		return
	}
	lm.shutdownRequested = true
	lm.logger.Info("Shutdown requested")
	close(lm.shutdownChan)
}

// ShutdownRequested is closed once RequestShutdown was called in the
// current run.
func (lm *LifecycleManager) ShutdownRequested() <-chan struct{} {
	lm.shutdownMu.Lock()
	defer lm.shutdownMu.Unlock()
	return lm.shutdownChan
}

func (lm *LifecycleManager) resetShutdownRequest() {
	lm.shutdownMu.Lock()
	defer lm.shutdownMu.Unlock()

	if lm.shutdownRequested {
		lm.shutdownChan = make(chan struct{})
		lm.shutdownRequested = false
	}
}

func (lm *LifecycleManager) transition(to SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, to); err != nil {
		return err
	}
	lm.currentState = to
	return nil
}

func (lm *LifecycleManager) fail(err error) error {
	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastErr = err
	lm.stateMu.Unlock()

	lm.logger.Error("System start failed", zap.Error(err))
	return err
}

// State returns the current lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, lastErr, startedAt := lm.currentState, lm.lastErr, lm.startedAt
	lm.stateMu.RUnlock()

	known := lm.registry.Devices()
	connected, pending := 0, 0
	for _, d := range known {
		if d.Connected {
			connected++
		}
		pending += d.Records - d.Persisted
	}

	status := interfaces.SystemStatus{
		State:             state.String(),
		Timestamp:         time.Now().Unix(),
		Sessions:          lm.gateway.Count(),
		KnownDevices:      len(known),
		ConnectedDevices:  connected,
		PendingRecords:    pending,
		DashboardClients:  lm.dashboard.ClientCount(),
		StreamSubscribers: lm.streamer.SubscriberCount(),
		DataDirectory:     lm.writer.Directory(),
	}
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	if !startedAt.IsZero() {
		status.StartedAt = &startedAt
	}
	return status
}

// Status feeds the greeting message of new dashboard clients.
func (lm *LifecycleManager) Status() any {
	return lm.GetCurrentStatus()
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.dashboard.Broadcast(dashboard.NewMessage(dashboard.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Devices() []types.DeviceInfo {
	infos := lm.registry.Devices()
	for i := range infos {
		infos[i] = lm.profiles.Describe(infos[i])
	}
	return infos
}

func (lm *LifecycleManager) Device(id types.DeviceID) (types.DeviceInfo, bool) {
	info, ok := lm.registry.Device(id)
	if !ok {
		return info, false
	}
	return lm.profiles.Describe(info), true
}

func (lm *LifecycleManager) Sessions() []gateway.SessionInfo {
	return lm.gateway.Sessions()
}

func (lm *LifecycleManager) CatalogDevices(ctx context.Context) ([]storage.CatalogDevice, error) {
	if lm.catalog == nil {
		return nil, interfaces.ErrCatalogDisabled
	}
	return lm.catalog.ListDevices(ctx)
}

// FlushDevice synchronously writes the pending records of one device.
func (lm *LifecycleManager) FlushDevice(id types.DeviceID) (int, error) {
	return lm.registry.Flush(id)
}

// FlushAll synchronously writes every buffer.
func (lm *LifecycleManager) FlushAll() error {
	return lm.registry.FlushAll()
}

// ReloadProfiles re-reads the device profile file. Connected devices pick
// up the new layout with their next frame.
func (lm *LifecycleManager) ReloadProfiles() error {
	return lm.profiles.Reload()
}

func (lm *LifecycleManager) ServeDevice(w http.ResponseWriter, r *http.Request) {
	lm.gateway.ServeWs(w, r)
}

func (lm *LifecycleManager) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard.ServeWs(lm.dashboard, w, r)
}

// HTTPAddr returns the bound REST address while running.
func (lm *LifecycleManager) HTTPAddr() string {
	lm.lifecycleMu.Lock()
	defer lm.lifecycleMu.Unlock()

	if lm.restServer == nil {
		return ""
	}
	return lm.restServer.Addr()
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled.
func (lm *LifecycleManager) GRPCAddr() string {
	lm.lifecycleMu.Lock()
	defer lm.lifecycleMu.Unlock()
	return lm.grpcAddr
}
