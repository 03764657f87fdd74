package devices

import (
	"testing"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleProfiles = `
version: "1"
defaults:
  fields: [send_counter, temperature]
  range: {min: -10, max: 45}
devices:
  - id: 1
    name: Boiler room
  - id: 7
    name: Greenhouse
    fields: [send_counter, temperature, humidity]
    range: {field: humidity, min: 20, max: 90}
`

func newManager(t *testing.T, content string) *Manager {
	t.Helper()

	fsys := afero.NewMemMapFs()
	if content != "" {
		require.NoError(t, afero.WriteFile(fsys, "/etc/iotd/devices.yaml", []byte(content), 0o644))
	}

	m, err := NewManager(fsys, "/etc/iotd/devices.yaml", 3, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestManagerProfiles(t *testing.T) {
	m := newManager(t, sampleProfiles)

	assert.Equal(t, 3, m.Arity(1))
	assert.Equal(t, 4, m.Arity(7))
	assert.Equal(t, 3, m.Arity(99))

	assert.Equal(t, "Boiler room", m.Name(1))
	assert.Equal(t, "IoTD099", m.Name(99))

	p, ok := m.Profile(1)
	require.True(t, ok)
	assert.Equal(t, []string{"send_counter", "temperature"}, p.Fields)
	require.NotNil(t, p.Range)
	assert.Equal(t, 45.0, p.Range.Max)

	info := m.Describe(types.DeviceInfo{ID: 7})
	assert.Equal(t, "Greenhouse", info.Name)
}

func TestManagerWithoutFile(t *testing.T) {
	m := newManager(t, "")

	assert.Equal(t, 3, m.Arity(5))
	p, ok := m.Profile(5)
	assert.False(t, ok)
	assert.Equal(t, types.DeviceID(5), p.ID)
	assert.Equal(t, []string{"send_counter", "value_1"}, p.Fields)
}

func TestProfileCheck(t *testing.T) {
	m := newManager(t, sampleProfiles)

	boiler, _ := m.Profile(1)
	v, ok := boiler.Check([]float64{12, 50})
	assert.False(t, ok)
	assert.Equal(t, 50.0, v)

	_, ok = boiler.Check([]float64{12, 21})
	assert.True(t, ok)

	greenhouse, _ := m.Profile(7)
	v, ok = greenhouse.Check([]float64{1, 100, 55})
	assert.True(t, ok)
	assert.Equal(t, 55.0, v)
	assert.Equal(t, "humidity", greenhouse.Label(2))
	assert.Empty(t, greenhouse.Label(3))
}

func TestProfileValidation(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "missing version", content: "devices: []\n"},
		{name: "wrong version", content: "version: \"2\"\n"},
		{name: "negative id", content: "version: \"1\"\ndevices:\n  - id: -1\n"},
		{name: "device without id", content: "version: \"1\"\ndevices:\n  - name: x\n"},
		{name: "bad field name", content: "version: \"1\"\ndefaults:\n  fields: [\"Temp C\"]\n"},
		{name: "unknown key", content: "version: \"1\"\nthreshold: 3\n"},
		{name: "range without max", content: "version: \"1\"\ndefaults:\n  range: {min: 1}\n"},
		{name: "duplicate id", content: "version: \"1\"\ndevices:\n  - id: 1\n  - id: 1\n"},
		{name: "not yaml", content: "version: [\n"},
	}

	loader, err := NewProfileLoader(afero.NewMemMapFs())
	require.NoError(t, err)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tc.content))
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsProfilesOnError(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := "/devices.yaml"
	require.NoError(t, afero.WriteFile(fsys, path, []byte(sampleProfiles), 0o644))

	m, err := NewManager(fsys, path, 3, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fsys, path, []byte("version: \"9\"\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 4, m.Arity(7))
}
