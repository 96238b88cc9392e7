// Package serialmux owns the serial connection to the rig controller: the
// line and block reads the wire protocol needs, transmission statistics,
// and the single-slot serializer that gives one operation at a time
// exclusive use of the link.
package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/timeutil"
)

var (
	// ErrWriteFailed is returned when the port accepts fewer bytes than
	// requested or reports a write error.
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrShortRead is returned by ReadExactly when the requested block did
	// not arrive within the retry budget. The input buffer has been flushed.
	ErrShortRead = errors.New("short read from serial port")
)

// Link defaults.
const (
	DefaultLineTimeout     = time.Second
	DefaultReadAttempts    = 8
	DefaultBackoffAttempts = 8
	DefaultPollTimeout     = 5 * time.Millisecond
	DefaultNoLossThreshold = 700 * time.Millisecond
)

// LinkConfig tunes link timing. Zero values take the defaults above.
type LinkConfig struct {
	// LineTimeout bounds ReadLine.
	LineTimeout time.Duration
	// ReadAttempts is how many times ReadExactly re-checks for a block.
	ReadAttempts int
	// BackoffAttempts is how many of those attempts use the growing
	// 10ms+10ms*attempt^2 backoff; later attempts wait a flat 10ms.
	BackoffAttempts int
	// PollTimeout bounds each non-blocking drain of the port.
	PollTimeout time.Duration
	// NoLossThreshold is the largest gap between stream reads that is not
	// counted as an overflow.
	NoLossThreshold time.Duration
	// GapWindow is how many recent gaps feed the gap mean and deviation.
	GapWindow int
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.LineTimeout <= 0 {
		c.LineTimeout = DefaultLineTimeout
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = DefaultReadAttempts
	}
	if c.BackoffAttempts <= 0 {
		c.BackoffAttempts = DefaultBackoffAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.NoLossThreshold <= 0 {
		c.NoLossThreshold = DefaultNoLossThreshold
	}
	if c.GapWindow <= 0 {
		c.GapWindow = DefaultGapWindow
	}
	return c
}

// Backoff returns the wait before re-checking for a block on attempt
// (counted from zero).
func (c LinkConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt >= c.BackoffAttempts {
		return 10 * time.Millisecond
	}
	return 10*time.Millisecond + 10*time.Millisecond*time.Duration(attempt*attempt)
}

// Link is a framed view of one serial port. It is not safe for concurrent
// use; a Serializer hands it to one operation at a time. Stats may be read
// from any goroutine.
type Link struct {
	port    SerialPorter
	cfg     LinkConfig
	clock   timeutil.Clock
	stats   *TransmissionStats
	logf    monitoring.LogFunc
	pending []byte
	buf     []byte
	timeout time.Duration
}

// NewLink wraps port. A nil clock uses the wall clock.
func NewLink(port SerialPorter, cfg LinkConfig, clock timeutil.Clock) *Link {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Link{
		port:  port,
		cfg:   cfg,
		clock: clock,
		stats: newTransmissionStats(cfg.NoLossThreshold, cfg.GapWindow),
		logf:  monitoring.Prefixed("[serial] "),
		buf:   make([]byte, 4096),
	}
}

// Config returns the effective link configuration.
func (l *Link) Config() LinkConfig { return l.cfg }

// Stats returns the link's transmission statistics.
func (l *Link) Stats() *TransmissionStats { return l.stats }

// Close closes the underlying port.
func (l *Link) Close() error { return l.port.Close() }

// Write sends b in one blocking write. It is not retried.
func (l *Link) Write(b []byte) error {
	n, err := l.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(b))
	}
	return nil
}

// ReadLine returns the next line with its terminator stripped. On timeout or
// I/O error it returns "" and any partial line is discarded; errors are
// logged, not returned.
func (l *Link) ReadLine() string {
	deadline := time.Now().Add(l.cfg.LineTimeout)
	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line := bytes.TrimRight(l.pending[:i], "\r")
			out := string(line)
			l.pending = l.pending[i+1:]
			return out
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.dropPartialLine()
			return ""
		}
		n, err := l.readChunk(remaining)
		if err != nil {
			l.logf("read line: %v", err)
			l.dropPartialLine()
			return ""
		}
		if n == 0 {
			l.dropPartialLine()
			return ""
		}
	}
}

func (l *Link) dropPartialLine() {
	if len(l.pending) > 0 {
		l.logf("discarding %d bytes of partial line", len(l.pending))
	}
	l.pending = l.pending[:0]
	l.stats.emptyReads.Inc()
}

// ReadExactly returns exactly n bytes, waiting with backoff for them to
// arrive. Bytes beyond n stay buffered for the next read. When the budget
// runs out the input is flushed and ErrShortRead returned.
func (l *Link) ReadExactly(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	for attempt := 0; ; attempt++ {
		if err := l.drain(n); err != nil {
			l.logf("read block: %v", err)
			break
		}
		if len(l.pending) >= n {
			out := make([]byte, n)
			copy(out, l.pending)
			l.pending = l.pending[n:]
			return out, nil
		}
		if attempt >= l.cfg.ReadAttempts {
			break
		}
		l.clock.Sleep(l.cfg.Backoff(attempt))
	}

	have := len(l.pending)
	l.Flush()
	l.stats.shortReads.Inc()
	l.logf("not enough bytes transmitted by device: wanted %d, have %d", n, have)
	return nil, fmt.Errorf("%w: wanted %d bytes, have %d", ErrShortRead, n, have)
}

// Flush discards buffered and unread input.
func (l *Link) Flush() {
	l.pending = l.pending[:0]
	if err := l.port.ResetInputBuffer(); err != nil {
		l.logf("reset input buffer: %v", err)
	}
}

// MarkStreamRead records a successfully read stream frame for overflow
// accounting.
func (l *Link) MarkStreamRead() {
	l.stats.markStream(l.clock.Now())
}

// drain reads whatever the port has ready, without waiting longer than the
// poll timeout for each chunk, until want bytes are pending or the port
// goes quiet.
func (l *Link) drain(want int) error {
	for len(l.pending) < want {
		n, err := l.readChunk(l.cfg.PollTimeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (l *Link) readChunk(timeout time.Duration) (int, error) {
	if timeout != l.timeout {
		if err := l.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}
		l.timeout = timeout
	}
	n, err := l.port.Read(l.buf)
	if n > 0 {
		l.pending = append(l.pending, l.buf[:n]...)
	}
	return n, err
}
