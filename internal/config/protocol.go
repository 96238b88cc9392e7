package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/trialrig/internal/protocol"
)

// DefaultInterTrialInterval applies when a protocol sets none.
const DefaultInterTrialInterval = 5 * time.Second

// FieldConfig describes one controller parameter, protocol parameter or
// event field.
type FieldConfig struct {
	Name   string `json:"name" toml:"name"`
	Index  int    `json:"index" toml:"index"`
	Format string `json:"format" toml:"format"`
	Width  int    `json:"width,omitempty" toml:"width"`
}

// ChannelConfig describes one stream channel.
type ChannelConfig struct {
	Name        string `json:"name" toml:"name"`
	Index       int    `json:"index" toml:"index"`
	DeviceType  string `json:"device_type" toml:"device_type"`
	StorageType string `json:"storage_type" toml:"storage_type"`
}

// TrialConfig holds the values for one entry of a fixed trial sequence.
type TrialConfig struct {
	Protocol   map[string]any `json:"protocol,omitempty" toml:"protocol"`
	Controller map[string]any `json:"controller" toml:"controller"`
}

// ProtocolConfig describes the wire layout of a protocol and a fixed
// sequence of trials that is cycled through.
type ProtocolConfig struct {
	Name               string          `json:"name" toml:"name"`
	InterTrialInterval string          `json:"inter_trial_interval,omitempty" toml:"inter_trial_interval"`
	MaxTrials          int             `json:"max_trials,omitempty" toml:"max_trials"`
	Controller         []FieldConfig   `json:"controller" toml:"controller"`
	ProtocolParams     []FieldConfig   `json:"protocol_params,omitempty" toml:"protocol_params"`
	Events             []FieldConfig   `json:"events" toml:"events"`
	StreamFields       []FieldConfig   `json:"stream_fields,omitempty" toml:"stream_fields"`
	Channels           []ChannelConfig `json:"channels" toml:"channels"`
	Trials             []TrialConfig   `json:"trials" toml:"trials"`
}

// DefaultProtocol is the demo protocol used when the config has none. It
// matches the simulated device's defaults.
func DefaultProtocol() *ProtocolConfig {
	return &ProtocolConfig{
		Name:               "PassiveOdorPresentation",
		InterTrialInterval: "5s",
		Controller: []FieldConfig{
			{Name: protocol.TrialNumberParam, Index: 1, Format: "int32"},
			{Name: "odorValve", Index: 2, Format: "int16"},
			{Name: "duration", Index: 3, Format: "int32"},
		},
		ProtocolParams: []FieldConfig{
			{Name: "odor", Index: 1, Format: "string"},
		},
		Events: []FieldConfig{
			{Name: "result", Index: 1, Format: "int16"},
			{Name: "first_lick", Index: 2, Format: "int32"},
		},
		Channels: []ChannelConfig{
			{Name: "sniff", Index: 1, DeviceType: "int16", StorageType: "int16_array"},
			{Name: "packet_sent_time", Index: 2, DeviceType: "uint32", StorageType: "scalar"},
		},
		Trials: []TrialConfig{
			{Protocol: map[string]any{"odor": "pinene"}, Controller: map[string]any{"odorValve": 1, "duration": 2000}},
			{Protocol: map[string]any{"odor": "limonene"}, Controller: map[string]any{"odorValve": 2, "duration": 2000}},
			{Protocol: map[string]any{"odor": "blank"}, Controller: map[string]any{"odorValve": 0, "duration": 2000}},
		},
	}
}

// Validate checks every layout and that each trial can be encoded.
func (p *ProtocolConfig) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if _, err := time.ParseDuration(p.itiString()); err != nil {
		return fmt.Errorf("invalid inter_trial_interval '%s': %w", p.InterTrialInterval, err)
	}
	if p.MaxTrials < 0 {
		return fmt.Errorf("max_trials must be non-negative, got %d", p.MaxTrials)
	}
	if _, err := p.ProtocolFieldSpecs(); err != nil {
		return err
	}
	if _, err := p.EventFieldSpecs(); err != nil {
		return err
	}
	if _, err := p.StreamFieldSpecs(); err != nil {
		return err
	}
	if _, err := p.ChannelSpecs(); err != nil {
		return err
	}
	if len(p.Trials) == 0 {
		return errors.New("at least one trial is required")
	}
	for i := range p.Trials {
		ps, err := p.TrialParameters(i, i+1)
		if err != nil {
			return err
		}
		if _, err := protocol.EncodeStartTrial(ps, true); err != nil {
			return fmt.Errorf("trial %d: %w", i+1, err)
		}
	}
	return nil
}

// GetInterTrialInterval returns inter_trial_interval or the default.
func (p *ProtocolConfig) GetInterTrialInterval() time.Duration {
	return parseDuration(&p.InterTrialInterval, DefaultInterTrialInterval)
}

func (p *ProtocolConfig) itiString() string {
	if p.InterTrialInterval == "" {
		return DefaultInterTrialInterval.String()
	}
	return p.InterTrialInterval
}

// ControllerLayout returns the start-trial layout without values.
func (p *ProtocolConfig) ControllerLayout() (protocol.ParameterSet, error) {
	ps := make(protocol.ParameterSet, 0, len(p.Controller))
	for _, f := range p.Controller {
		format, err := protocol.ParseFormat(f.Format)
		if err != nil {
			return nil, fmt.Errorf("controller parameter %q: %w", f.Name, err)
		}
		ps = append(ps, protocol.ParameterSpec{Name: f.Name, Index: f.Index, Format: format, Width: f.Width})
	}
	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("controller parameters: %w", err)
	}
	return ps, nil
}

// TrialParameters returns the controller parameters of entry i of the trial
// sequence, with the trial number set to n.
func (p *ProtocolConfig) TrialParameters(i, n int) (protocol.ParameterSet, error) {
	ps, err := p.ControllerLayout()
	if err != nil {
		return nil, err
	}
	trial := p.Trials[i%len(p.Trials)]
	for j := range ps {
		if ps[j].Name == protocol.TrialNumberParam {
			ps[j].Value = n
			continue
		}
		v, ok := trial.Controller[ps[j].Name]
		if !ok {
			return nil, fmt.Errorf("trial %d: missing controller value %q", i%len(p.Trials)+1, ps[j].Name)
		}
		ps[j].Value = v
	}
	return ps, nil
}

// ProtocolFieldSpecs returns the host-side parameter layout.
func (p *ProtocolConfig) ProtocolFieldSpecs() ([]protocol.FieldSpec, error) {
	return fieldSpecs("protocol parameter", p.ProtocolParams)
}

// EventFieldSpecs returns the event line layout.
func (p *ProtocolConfig) EventFieldSpecs() ([]protocol.FieldSpec, error) {
	return fieldSpecs("event field", p.Events)
}

// StreamFieldSpecs returns the ASCII stream field layout.
func (p *ProtocolConfig) StreamFieldSpecs() ([]protocol.FieldSpec, error) {
	return fieldSpecs("stream field", p.StreamFields)
}

// ChannelSpecs returns the stream frame layout.
func (p *ProtocolConfig) ChannelSpecs() ([]protocol.StreamChannelSpec, error) {
	out := make([]protocol.StreamChannelSpec, 0, len(p.Channels))
	seen := make(map[int]bool, len(p.Channels))
	for _, c := range p.Channels {
		dt, err := protocol.ParseDeviceType(c.DeviceType)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", c.Name, err)
		}
		st, err := protocol.ParseStorageType(c.StorageType)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", c.Name, err)
		}
		if c.Index < 1 || c.Index > len(p.Channels) || seen[c.Index] {
			return nil, fmt.Errorf("channel %q: index %d is duplicated or outside 1..%d", c.Name, c.Index, len(p.Channels))
		}
		seen[c.Index] = true
		out = append(out, protocol.StreamChannelSpec{Name: c.Name, Index: c.Index, DeviceType: dt, StorageType: st})
	}
	return out, nil
}

func fieldSpecs(what string, fields []FieldConfig) ([]protocol.FieldSpec, error) {
	out := make([]protocol.FieldSpec, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		format, err := protocol.ParseFormat(f.Format)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", what, f.Name, err)
		}
		if f.Index < 1 || seen[f.Index] {
			return nil, fmt.Errorf("%s %q: index %d is duplicated or below 1", what, f.Name, f.Index)
		}
		seen[f.Index] = true
		out = append(out, protocol.FieldSpec{Name: f.Name, Index: f.Index, Format: format})
	}
	return out, nil
}
