package devices

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

type ProfileLoader struct {
	fs        afero.Fs
	validator *Validator
}

func NewProfileLoader(fsys afero.Fs) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		fs:        fsys,
		validator: validator,
	}, nil
}

// Load reads and validates the profile file at path. A missing file yields
// an empty document.
func (l *ProfileLoader) Load(path string) (*ProfileFile, error) {
	if path == "" {
		return &ProfileFile{Version: "1"}, nil
	}

	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ProfileFile{Version: "1"}, nil
		}
		return nil, fmt.Errorf("failed to read profiles %s: %w", path, err)
	}

	return l.Parse(data)
}

func (l *ProfileLoader) Parse(data []byte) (*ProfileFile, error) {
	if err := l.validator.ValidateYAML(data); err != nil {
		return nil, err
	}

	var file ProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profiles: %w", err)
	}

	seen := make(map[types.DeviceID]bool, len(file.Devices))
	for _, p := range file.Devices {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate profile for %s", p.ID)
		}
		seen[p.ID] = true
	}

	return &file, nil
}
