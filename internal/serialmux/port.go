package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// go.bug.st/serial's Port satisfies it; tests use TestableSerialPort.
//
// Read must return (0, nil) when the read timeout elapses without data.
type SerialPorter interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds how long a single Read waits for data. A
	// negative timeout blocks until data arrives.
	SetReadTimeout(timeout time.Duration) error
	// ResetInputBuffer discards anything received but not yet read.
	ResetInputBuffer() error
}

// SerialPortFactory defines an interface for creating serial ports.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

// Open calls f.
func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
