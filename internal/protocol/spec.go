package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidParameterSet is returned when wire indexes are duplicated or
// leave gaps.
var ErrInvalidParameterSet = errors.New("invalid parameter set")

// TrialNumberParam is the controller parameter that carries the trial
// number. Rigs that do not consume it can leave it out of the packed
// start-trial payload.
const TrialNumberParam = "trialNumber"

// ParameterSpec is one controller parameter sent at the start of a trial.
// Index is 1-based and defines transmission order.
type ParameterSpec struct {
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Format Format `json:"format"`
	Width  int    `json:"width,omitempty"`
	Value  any    `json:"value"`
}

// ParameterSet is the full set of controller parameters for one trial.
type ParameterSet []ParameterSpec

// Validate checks that indexes are unique and contiguous from 1.
func (ps ParameterSet) Validate() error {
	seen := make(map[int]string, len(ps))
	for _, p := range ps {
		if p.Index < 1 || p.Index > len(ps) {
			return fmt.Errorf("%w: %q has index %d outside 1..%d", ErrInvalidParameterSet, p.Name, p.Index, len(ps))
		}
		if other, ok := seen[p.Index]; ok {
			return fmt.Errorf("%w: %q and %q share index %d", ErrInvalidParameterSet, other, p.Name, p.Index)
		}
		seen[p.Index] = p.Name
	}
	return nil
}

// Ordered returns a copy sorted by wire index.
func (ps ParameterSet) Ordered() ParameterSet {
	out := make(ParameterSet, len(ps))
	copy(out, ps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Values returns the parameters as a name => value map.
func (ps ParameterSet) Values() map[string]any {
	out := make(map[string]any, len(ps))
	for _, p := range ps {
		out[p.Name] = p.Value
	}
	return out
}

// Fields returns the name/index/format layout of the set without values.
func (ps ParameterSet) Fields() []FieldSpec {
	out := make([]FieldSpec, 0, len(ps))
	for _, p := range ps.Ordered() {
		out = append(out, FieldSpec{Name: p.Name, Index: p.Index, Format: p.Format})
	}
	return out
}

// FieldSpec describes one comma-separated field of a parameter echo or
// event line. Index counts from 1, after the handshake code.
type FieldSpec struct {
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Format Format `json:"format"`
}

// DeviceType is the integer type the firmware uses for a stream channel.
type DeviceType int

const (
	DeviceInt16 DeviceType = iota
	DeviceUint16
	DeviceInt32
	DeviceUint32
)

// Width returns the byte width of one sample.
func (d DeviceType) Width() int {
	switch d {
	case DeviceInt16, DeviceUint16:
		return 2
	case DeviceInt32, DeviceUint32:
		return 4
	}
	return 0
}

func (d DeviceType) String() string {
	switch d {
	case DeviceInt16:
		return "int16"
	case DeviceUint16:
		return "uint16"
	case DeviceInt32:
		return "int32"
	case DeviceUint32:
		return "uint32"
	}
	return fmt.Sprintf("device_type(%d)", int(d))
}

// ParseDeviceType accepts both Go names and the firmware's C names.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int16", "int":
		return DeviceInt16, nil
	case "uint16", "unsigned int":
		return DeviceUint16, nil
	case "int32", "long":
		return DeviceInt32, nil
	case "uint32", "unsigned long":
		return DeviceUint32, nil
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// StorageType is how a decoded stream channel is exposed.
type StorageType int

const (
	StorageScalar StorageType = iota
	StorageInt16Array
	StorageInt32Array
	StorageFloat32Array
)

func (s StorageType) String() string {
	switch s {
	case StorageScalar:
		return "scalar"
	case StorageInt16Array:
		return "int16_array"
	case StorageInt32Array:
		return "int32_array"
	case StorageFloat32Array:
		return "float32_array"
	}
	return fmt.Sprintf("storage_type(%d)", int(s))
}

// IsArray reports whether the channel keeps the full sample sequence.
func (s StorageType) IsArray() bool { return s != StorageScalar }

// ParseStorageType accepts the names returned by StorageType.String.
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scalar", "int":
		return StorageScalar, nil
	case "int16_array":
		return StorageInt16Array, nil
	case "int32_array", "int_array":
		return StorageInt32Array, nil
	case "float32_array", "float_array":
		return StorageFloat32Array, nil
	}
	return 0, fmt.Errorf("unknown storage type %q", s)
}

// StreamChannelSpec describes one channel of a stream frame.
type StreamChannelSpec struct {
	Name        string      `json:"name"`
	Index       int         `json:"index"`
	DeviceType  DeviceType  `json:"device_type"`
	StorageType StorageType `json:"storage_type"`
}

// Definition is the decode layout for one request: the ASCII fields used by
// parameter echo and event lines and the channels used by stream frames.
type Definition struct {
	Fields   []FieldSpec
	Channels []StreamChannelSpec
}
