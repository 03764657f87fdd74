package devices

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Manager resolves device profiles. Devices without a profile use the
// default layout, whose arity comes from max_values_per_record.
type Manager struct {
	loader       *ProfileLoader
	path         string
	defaultArity int

	mu       sync.RWMutex
	defaults Profile
	profiles map[types.DeviceID]Profile
	logger   *zap.Logger
}

func NewManager(fsys afero.Fs, path string, defaultArity int, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	m := &Manager{
		loader:       loader,
		path:         path,
		defaultArity: defaultArity,
		profiles:     make(map[types.DeviceID]Profile),
		logger:       logger,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the profile file. On error the previous profiles stay.
func (m *Manager) Reload() error {
	file, err := m.loader.Load(m.path)
	if err != nil {
		return fmt.Errorf("failed to load device profiles: %w", err)
	}

	defaults := Profile{}
	if file.Defaults != nil {
		defaults = *file.Defaults
	}
	if len(defaults.Fields) == 0 {
		defaults.Fields = defaultFields(m.defaultArity)
	}

	profiles := make(map[types.DeviceID]Profile, len(file.Devices))
	for _, p := range file.Devices {
		if len(p.Fields) == 0 {
			p.Fields = defaults.Fields
		}
		if p.Range == nil {
			p.Range = defaults.Range
		}
		profiles[p.ID] = p
	}

	m.mu.Lock()
	m.defaults = defaults
	m.profiles = profiles
	m.mu.Unlock()

	m.logger.Info("Device profiles loaded",
		zap.String("path", m.path),
		zap.Int("profiles", len(profiles)),
		zap.Int("default_arity", defaults.Arity()))
	return nil
}

// Profile returns the layout for id. ok is false when the default layout
// was used.
func (m *Manager) Profile(id types.DeviceID) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.profiles[id]; ok {
		return p, true
	}
	p := m.defaults
	p.ID = id
	return p, false
}

// Arity returns the expected field count of frames from id.
func (m *Manager) Arity(id types.DeviceID) int {
	p, _ := m.Profile(id)
	return p.Arity()
}

// Name returns the configured display name of id, or its log file prefix.
func (m *Manager) Name(id types.DeviceID) string {
	if p, ok := m.Profile(id); ok && p.Name != "" {
		return p.Name
	}
	return id.String()
}

// Describe fills in profile data on a registry view.
func (m *Manager) Describe(info types.DeviceInfo) types.DeviceInfo {
	info.Name = m.Name(info.ID)
	return info
}

// defaultFields names the fields of an unprofiled device: a send counter
// followed by numbered values.
func defaultFields(arity int) []string {
	if arity < 2 {
		arity = 2
	}
	fields := make([]string, arity-1)
	fields[0] = "send_counter"
	for i := 1; i < len(fields); i++ {
		fields[i] = fmt.Sprintf("value_%d", i)
	}
	return fields
}
