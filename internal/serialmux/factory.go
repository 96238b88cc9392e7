package serialmux

import (
	"errors"
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/trialrig/internal/timeutil"
)

// ErrPortSetup wraps every failure to open or configure the serial port.
// It is fatal at startup and never retried.
var ErrPortSetup = errors.New("serial port setup failed")

// RealPortFactory opens hardware ports with go.bug.st/serial.
type RealPortFactory struct{}

// Open opens the device at path.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// OpenLink opens path through factory and wraps the port in a Link. Stale
// input left over from before the open is discarded.
func OpenLink(factory SerialPortFactory, path string, opts PortOptions, cfg LinkConfig, clock timeutil.Clock) (*Link, error) {
	if factory == nil {
		factory = RealPortFactory{}
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPortSetup, path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: flush %s: %w", ErrPortSetup, path, err)
	}
	return NewLink(port, cfg, clock), nil
}
