package gateway

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/iotdserver/internal/types"
)

// ArityFunc returns the number of comma separated fields, identity
// included, that frames from a device must carry.
type ArityFunc func(types.DeviceID) int

// FixedArity returns an ArityFunc that expects n fields from every device.
func FixedArity(n int) ArityFunc {
	return func(types.DeviceID) int { return n }
}

// ParseFrame parses "id,v1,...,vN-1". The identity must be a non-negative
// integer and every value a finite number.
func ParseFrame(raw string, arity ArityFunc) (types.Frame, error) {
	fields := strings.Split(strings.TrimSpace(raw), ",")
	if len(fields) < 2 {
		return types.Frame{}, fmt.Errorf("%w: expected identity and values, got %d field(s)", types.ErrMalformedFrame, len(fields))
	}

	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return types.Frame{}, fmt.Errorf("%w: identity %q is not an integer", types.ErrMalformedFrame, fields[0])
	}
	if id < 0 {
		return types.Frame{}, fmt.Errorf("%w: identity %d is negative", types.ErrMalformedFrame, id)
	}
	device := types.DeviceID(id)

	if arity != nil {
		if want := arity(device); len(fields) != want {
			return types.Frame{}, fmt.Errorf("%w: %s sent %d fields, expected %d", types.ErrMalformedFrame, device, len(fields), want)
		}
	}

	values := make([]float64, len(fields)-1)
	for i, field := range fields[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Frame{}, fmt.Errorf("%w: field %d value %q is not a number", types.ErrMalformedFrame, i+1, field)
		}
		values[i] = v
	}

	return types.Frame{Device: device, Values: values}, nil
}
