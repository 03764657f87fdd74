package devices

import "github.com/KevinKickass/iotdserver/internal/types"

// Range is the expected interval of one telemetry field, used by operator
// displays to flag readings.
type Range struct {
	// Field names the checked field; empty means the last one.
	Field string  `yaml:"field,omitempty" json:"field,omitempty"`
	Min   float64 `yaml:"min" json:"min"`
	Max   float64 `yaml:"max" json:"max"`
}

// Profile describes the frame layout of one device. Fields lists the
// telemetry values after the identity field.
type Profile struct {
	ID     types.DeviceID `yaml:"id" json:"id"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Fields []string       `yaml:"fields,omitempty" json:"fields,omitempty"`
	Range  *Range         `yaml:"range,omitempty" json:"range,omitempty"`
}

// Arity is the number of comma separated fields a frame carries,
// identity included.
func (p Profile) Arity() int {
	return len(p.Fields) + 1
}

// Label returns the field name at value index i.
func (p Profile) Label(i int) string {
	if i >= 0 && i < len(p.Fields) {
		return p.Fields[i]
	}
	return ""
}

// Check reports whether values fall inside the display range.
func (p Profile) Check(values []float64) (float64, bool) {
	if p.Range == nil || len(values) == 0 {
		return 0, true
	}

	idx := len(values) - 1
	if p.Range.Field != "" {
		idx = -1
		for i, name := range p.Fields {
			if name == p.Range.Field && i < len(values) {
				idx = i
			}
		}
		if idx < 0 {
			return 0, true
		}
	}

	v := values[idx]
	return v, v >= p.Range.Min && v <= p.Range.Max
}

// ProfileFile is the on-disk profile document.
type ProfileFile struct {
	Version  string    `yaml:"version" json:"version"`
	Defaults *Profile  `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Devices  []Profile `yaml:"devices,omitempty" json:"devices,omitempty"`
}
