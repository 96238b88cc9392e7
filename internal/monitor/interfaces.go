package monitor

import (
	"time"

	"github.com/banshee-data/trialrig/internal/protocol"
)

// TrialHandle identifies a trial inside a PersistenceSink. Its concrete type
// belongs to the sink.
type TrialHandle any

// PersistenceSink stores a session's trials, events and stream frames.
// Calls are made from the monitor's controller goroutine only.
type PersistenceSink interface {
	// CreateSchema is called once, before the first trial.
	CreateSchema(protocolParams, controllerParams, events []protocol.FieldSpec) error
	AppendTrial(trialNumber int, protocolParams map[string]any, controllerParams protocol.ParameterSet) (TrialHandle, error)
	AppendEvent(h TrialHandle, event map[string]any) error
	AppendStream(h TrialHandle, frame map[string]any) error
	Close() error
}

// Definitions describes everything the monitor needs to decode a protocol's
// traffic and lay out its storage.
type Definitions struct {
	// ProtocolParams are host-side per-trial values that are stored but
	// never sent to the device.
	ProtocolParams []protocol.FieldSpec
	// ControllerParams is the start-trial layout. Values are ignored.
	ControllerParams protocol.ParameterSet
	// Events is the layout of the end-of-trial event line.
	Events []protocol.FieldSpec
	// StreamFields are ASCII values that may precede an end-of-trial marker
	// on a stream line.
	StreamFields []protocol.FieldSpec
	// Channels is the stream frame layout.
	Channels []protocol.StreamChannelSpec
}

// EventDefinition is the decode layout for request-event replies.
func (d Definitions) EventDefinition() protocol.Definition {
	return protocol.Definition{Fields: d.Events}
}

// StreamDefinition is the decode layout for request-stream replies.
func (d Definitions) StreamDefinition() protocol.Definition {
	return protocol.Definition{Fields: d.StreamFields, Channels: d.Channels}
}

// TrialParameters are the values for one trial.
type TrialParameters struct {
	Protocol   map[string]any
	Controller protocol.ParameterSet
}

// ProtocolCallback is the experiment logic driving the rig. All methods are
// called from the monitor's controller goroutine.
type ProtocolCallback interface {
	Definitions() Definitions
	// NextTrialParameters returns the parameters for trial n.
	NextTrialParameters(n int) (TrialParameters, error)
	OnTrialStart(n int)
	// OnEvent receives the trial's event record and returns the
	// inter-trial interval before the next trial.
	OnEvent(event map[string]any) time.Duration
	OnStream(frame map[string]any)
	OnTrialEnd()
}
