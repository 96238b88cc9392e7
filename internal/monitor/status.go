package monitor

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/banshee-data/trialrig/internal/serialmux"
)

// State is the controller's lifecycle state.
type State int32

const (
	Idle State = iota
	Armed
	EndingTrial
	InterTrialInterval
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case EndingTrial:
		return "ending_trial"
	case InterTrialInterval:
		return "inter_trial_interval"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Paused; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

type counters struct {
	trialsStarted    atomic.Int64
	streamsAcquired  atomic.Int64
	streamsProcessed atomic.Int64
	eventsProcessed  atomic.Int64
	desyncs          atomic.Int64
	droppedFrames    atomic.Int64
	emptyReads       atomic.Int64
	startFailures    atomic.Int64
	decodeFaults     atomic.Int64
}

// Counters are the monitor's running totals.
type Counters struct {
	TrialsStarted    int64 `json:"trials_started"`
	StreamsAcquired  int64 `json:"streams_acquired"`
	StreamsProcessed int64 `json:"streams_processed"`
	EventsProcessed  int64 `json:"events_processed"`
	Desyncs          int64 `json:"desyncs"`
	DroppedFrames    int64 `json:"dropped_frames"`
	EmptyReads       int64 `json:"empty_reads"`
	StartFailures    int64 `json:"start_failures"`
	DecodeFaults     int64 `json:"decode_faults"`
}

// Status is a point-in-time view of the monitor, safe to take from any
// goroutine.
type Status struct {
	State     State                   `json:"state"`
	Recording bool                    `json:"recording"`
	Trial     int                     `json:"trial"`
	NextTrial int                     `json:"next_trial"`
	Counters  Counters                `json:"counters"`
	Link      serialmux.StatsSnapshot `json:"link"`
}

// Status reports the published state and counters.
func (m *Monitor) Status() Status {
	return Status{
		State:     State(m.stateV.Load()),
		Recording: m.recordingV.Load(),
		Trial:     int(m.trialV.Load()),
		NextTrial: int(m.nextTrialV.Load()),
		Counters: Counters{
			TrialsStarted:    m.counters.trialsStarted.Load(),
			StreamsAcquired:  m.counters.streamsAcquired.Load(),
			StreamsProcessed: m.counters.streamsProcessed.Load(),
			EventsProcessed:  m.counters.eventsProcessed.Load(),
			Desyncs:          m.counters.desyncs.Load(),
			DroppedFrames:    m.counters.droppedFrames.Load(),
			EmptyReads:       m.counters.emptyReads.Load(),
			StartFailures:    m.counters.startFailures.Load(),
			DecodeFaults:     m.counters.decodeFaults.Load(),
		},
		Link: m.ser.Link().Stats().Snapshot(),
	}
}
