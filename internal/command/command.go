package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/iotdserver/internal/types"
)

// Address selects the recipients of a command: one device or Broadcast.
type Address int

// Broadcast addresses every live session.
const Broadcast Address = -1

// ForDevice addresses a single device.
func ForDevice(id types.DeviceID) Address {
	return Address(id)
}

func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// Device returns the addressed identity. It is meaningless for Broadcast.
func (a Address) Device() types.DeviceID {
	return types.DeviceID(a)
}

func (a Address) String() string {
	if a.IsBroadcast() {
		return "all"
	}
	return a.Device().String()
}

// ParseAddress accepts "all" (any case), "-1" or a non-negative device id.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return Broadcast, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if n == int(Broadcast) {
		return Broadcast, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid address %q: device ids are non-negative", s)
	}
	return Address(n), nil
}

// FormatTyped renders a typed device command as "{variableCode},{value}".
func FormatTyped(variableCode int, value float64) string {
	return strconv.Itoa(variableCode) + "," + strconv.FormatFloat(value, 'f', -1, 64)
}

// MarshalJSON encodes Broadcast as "all" and devices as numbers.
func (a Address) MarshalJSON() ([]byte, error) {
	if a.IsBroadcast() {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.Itoa(int(a))), nil
}

// UnmarshalJSON accepts a number or any string ParseAddress accepts.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("address must be a number or \"all\"")
		}
		s = n.String()
	}

	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Request is an operator command: a raw payload, or a variable code and
// value rendered with FormatTyped.
type Request struct {
	Address Address  `json:"address"`
	Payload string   `json:"payload,omitempty"`
	Code    *int     `json:"code,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

// Text returns the string sent to devices.
func (r Request) Text() (string, error) {
	typed := r.Code != nil || r.Value != nil
	switch {
	case typed && r.Payload != "":
		return "", errors.New("payload and code/value are mutually exclusive")
	case typed && (r.Code == nil || r.Value == nil):
		return "", errors.New("typed commands need both code and value")
	case typed:
		return FormatTyped(*r.Code, *r.Value), nil
	case r.Payload == "":
		return "", errors.New("empty command")
	default:
		return r.Payload, nil
	}
}
