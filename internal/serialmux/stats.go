package serialmux

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"gonum.org/v1/gonum/stat"
)

// DefaultGapWindow is the number of recent inter-stream gaps kept for the
// mean and standard deviation in StatsSnapshot.
const DefaultGapWindow = 256

// TransmissionStats tracks stream timing for one link. Counters are written
// from the link read path and may be read from any goroutine.
type TransmissionStats struct {
	threshold time.Duration

	lastStream atomic.Time
	maxGap     atomic.Duration
	overflows  atomic.Int64
	streams    atomic.Int64
	shortReads atomic.Int64
	emptyReads atomic.Int64

	mu     sync.Mutex
	gaps   []float64
	next   int
	filled bool
}

// StatsSnapshot is a point-in-time copy of TransmissionStats.
type StatsSnapshot struct {
	LastStream    time.Time     `json:"last_stream"`
	MaxGap        time.Duration `json:"max_gap"`
	Overflows     int64         `json:"overflows"`
	Streams       int64         `json:"streams"`
	ShortReads    int64         `json:"short_reads"`
	EmptyReads    int64         `json:"empty_reads"`
	MeanGapMillis float64       `json:"mean_gap_ms"`
	StdGapMillis  float64       `json:"std_gap_ms"`
}

func newTransmissionStats(threshold time.Duration, window int) *TransmissionStats {
	if window <= 0 {
		window = DefaultGapWindow
	}
	return &TransmissionStats{
		threshold: threshold,
		gaps:      make([]float64, window),
	}
}

// markStream records a successful stream read at now. The first call after
// creation only sets the reference time.
func (s *TransmissionStats) markStream(now time.Time) {
	s.streams.Inc()
	prev := s.lastStream.Load()
	s.lastStream.Store(now)
	if prev.IsZero() {
		return
	}
	// Single writer: only the link read path records streams.
	gap := now.Sub(prev)
	if gap > s.maxGap.Load() {
		s.maxGap.Store(gap)
	}
	if gap > s.threshold {
		s.overflows.Inc()
	}

	s.mu.Lock()
	s.gaps[s.next] = float64(gap) / float64(time.Millisecond)
	s.next = (s.next + 1) % len(s.gaps)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
}

// Snapshot returns the current counters and the gap distribution.
func (s *TransmissionStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		LastStream: s.lastStream.Load(),
		MaxGap:     s.maxGap.Load(),
		Overflows:  s.overflows.Load(),
		Streams:    s.streams.Load(),
		ShortReads: s.shortReads.Load(),
		EmptyReads: s.emptyReads.Load(),
	}

	s.mu.Lock()
	n := s.next
	if s.filled {
		n = len(s.gaps)
	}
	window := append([]float64(nil), s.gaps[:n]...)
	s.mu.Unlock()

	switch len(window) {
	case 0:
	case 1:
		snap.MeanGapMillis = window[0]
	default:
		snap.MeanGapMillis, snap.StdGapMillis = stat.MeanStdDev(window, nil)
	}
	return snap
}
