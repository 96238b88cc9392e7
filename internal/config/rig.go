package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/trialrig/internal/serialmux"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for values left out of the config file.
const (
	DefaultDatabasePath     = "trials.db"
	DefaultListen           = "localhost:8080"
	DefaultMaxTrialDuration = 100 * time.Second
	DefaultResyncDelay      = time.Second
	DefaultCommandRetries   = 10
)

// RigConfig is the rig's startup configuration. Unset fields fall back to
// the defaults returned by the Get* methods, so partial configs are safe.
type RigConfig struct {
	Port     *string `json:"port,omitempty" toml:"port"`
	BaudRate *int    `json:"baud_rate,omitempty" toml:"baud_rate"`
	DataBits *int    `json:"data_bits,omitempty" toml:"data_bits"`
	StopBits *int    `json:"stop_bits,omitempty" toml:"stop_bits"`
	Parity   *string `json:"parity,omitempty" toml:"parity"`

	// Link timing, as duration strings like "1s".
	LineTimeout     *string `json:"line_timeout,omitempty" toml:"line_timeout"`
	ReadAttempts    *int    `json:"read_attempts,omitempty" toml:"read_attempts"`
	NoLossThreshold *string `json:"no_loss_threshold,omitempty" toml:"no_loss_threshold"`

	CommandRetries   *int    `json:"command_retries,omitempty" toml:"command_retries"`
	MaxTrialDuration *string `json:"max_trial_duration,omitempty" toml:"max_trial_duration"`
	ResyncDelay      *string `json:"resync_delay,omitempty" toml:"resync_delay"`
	SendTrialNumber  *bool   `json:"send_trial_number,omitempty" toml:"send_trial_number"`

	DatabasePath *string `json:"database_path,omitempty" toml:"database_path"`
	Listen       *string `json:"listen,omitempty" toml:"listen"`
	Rig          *string `json:"rig,omitempty" toml:"rig"`
	Operator     *string `json:"operator,omitempty" toml:"operator"`

	Protocol *ProtocolConfig `json:"protocol,omitempty" toml:"protocol"`
}

// LoadRigConfig loads a RigConfig from a .json or .toml file and validates
// it. Unknown keys are rejected.
func LoadRigConfig(path string) (*RigConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RigConfig{}
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RigConfig) Validate() error {
	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}
	durations := []struct {
		key string
		val *string
	}{
		{"line_timeout", c.LineTimeout},
		{"no_loss_threshold", c.NoLossThreshold},
		{"max_trial_duration", c.MaxTrialDuration},
		{"resync_delay", c.ResyncDelay},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.key, *d.val, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, *d.val)
		}
	}
	if c.ReadAttempts != nil && *c.ReadAttempts < 1 {
		return fmt.Errorf("read_attempts must be at least 1, got %d", *c.ReadAttempts)
	}
	if c.CommandRetries != nil && *c.CommandRetries < 1 {
		return fmt.Errorf("command_retries must be at least 1, got %d", *c.CommandRetries)
	}
	if c.Protocol != nil {
		if err := c.Protocol.Validate(); err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
	}
	return nil
}

// PortOptions returns the serial settings. Unset values are left zero for
// serialmux.PortOptions.Normalize to fill in.
func (c *RigConfig) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// LinkConfig returns the link timing. Unset values are left zero for the
// link defaults.
func (c *RigConfig) LinkConfig() serialmux.LinkConfig {
	var lc serialmux.LinkConfig
	lc.LineTimeout = parseDuration(c.LineTimeout, 0)
	lc.NoLossThreshold = parseDuration(c.NoLossThreshold, 0)
	if c.ReadAttempts != nil {
		lc.ReadAttempts = *c.ReadAttempts
	}
	return lc
}

// GetPort returns the serial device path or "".
func (c *RigConfig) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

// GetCommandRetries returns command_retries or the default.
func (c *RigConfig) GetCommandRetries() int {
	if c.CommandRetries == nil {
		return DefaultCommandRetries
	}
	return *c.CommandRetries
}

// GetMaxTrialDuration returns max_trial_duration or the default.
func (c *RigConfig) GetMaxTrialDuration() time.Duration {
	return parseDuration(c.MaxTrialDuration, DefaultMaxTrialDuration)
}

// GetResyncDelay returns resync_delay or the default.
func (c *RigConfig) GetResyncDelay() time.Duration {
	return parseDuration(c.ResyncDelay, DefaultResyncDelay)
}

// GetSendTrialNumber returns send_trial_number, true by default.
func (c *RigConfig) GetSendTrialNumber() bool {
	if c.SendTrialNumber == nil {
		return true
	}
	return *c.SendTrialNumber
}

// GetDatabasePath returns database_path or the default.
func (c *RigConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return DefaultDatabasePath
	}
	return *c.DatabasePath
}

// GetListen returns the HTTP listen address or the default.
func (c *RigConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetRig returns the rig name, defaulting to the host name.
func (c *RigConfig) GetRig() string {
	if c.Rig != nil && *c.Rig != "" {
		return *c.Rig
	}
	host, err := os.Hostname()
	if err != nil {
		return "rig"
	}
	return host
}

// GetOperator returns the operator name or "".
func (c *RigConfig) GetOperator() string {
	if c.Operator == nil {
		return ""
	}
	return *c.Operator
}

// GetProtocol returns the protocol section or the built-in demo protocol.
func (c *RigConfig) GetProtocol() *ProtocolConfig {
	if c.Protocol == nil {
		return DefaultProtocol()
	}
	return c.Protocol
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
