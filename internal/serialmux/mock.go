package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// Responder produces the device's reply to one host write. A nil or empty
// reply means the device stays silent.
type Responder func(written []byte) []byte

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads honour the read timeout the way go.bug.st/serial does:
// when no data arrives in time Read returns (0, nil).
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Responder, if set, is called after every successful write and its
	// reply is appended to ReadBuffer.
	Responder Responder

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than given.
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls, WriteCalls and ResetCalls count method calls
	ReadCalls  int
	WriteCalls int
	ResetCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	dataReady chan struct{}
	closed    chan struct{}
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		ReadTimeout: -1,
		dataReady:   make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Read returns buffered data, waiting up to ReadTimeout for some to arrive.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}
	if t.ReadBuffer.Len() > 0 {
		defer t.mu.Unlock()
		return t.ReadBuffer.Read(p)
	}
	timeout := t.ReadTimeout
	t.mu.Unlock()

	if timeout == 0 {
		return 0, nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-t.dataReady:
		case <-t.closed:
			return 0, errPortClosed
		case <-expired:
			return 0, nil
		}
		t.mu.Lock()
		if t.ReadBuffer.Len() > 0 {
			defer t.mu.Unlock()
			return t.ReadBuffer.Read(p)
		}
		t.mu.Unlock()
	}
}

// Write records p and feeds the responder's reply back to the read side.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	latency := t.WriteLatency
	t.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	t.mu.Lock()
	n, _ := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		t.ShortWrite = false
		n--
	}
	respond := t.Responder
	t.mu.Unlock()

	if respond != nil {
		written := append([]byte(nil), p...)
		if reply := respond(written); len(reply) > 0 {
			t.AddReadData(reply)
		}
	}
	return n, nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Closed {
		t.Closed = true
		close(t.closed)
	}
	return t.CloseError
}

// SetReadTimeout sets how long Read waits for data.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer drops unread data.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ResetCalls++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	t.ReadBuffer.Write(data)
	t.mu.Unlock()
	select {
	case t.dataReady <- struct{}{}:
	default:
	}
}

// SetResponder replaces the responder.
func (t *TestableSerialPort) SetResponder(r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Responder = r
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Unread returns the number of bytes buffered for reading.
func (t *TestableSerialPort) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadBuffer.Len()
}

// Resets returns how many times ResetInputBuffer was called.
func (t *TestableSerialPort) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ResetCalls
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
