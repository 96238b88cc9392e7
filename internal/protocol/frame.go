package protocol

import "fmt"

// Handshake codes that lead every device line.
const (
	HandshakeParameterEcho = 1
	HandshakeAck           = 2
	HandshakeEndTrialAck   = 3
	HandshakeEvent         = 4
	HandshakeEndOfTrial    = 5
	HandshakeStream        = 6
	// HandshakeProtocolName shares its code with stream headers; it is only
	// ever read in reply to a protocol-name request.
	HandshakeProtocolName = 6
)

// FrameKind classifies a decoded line.
type FrameKind int

const (
	KindEmpty FrameKind = iota
	KindAck
	KindParameterEcho
	KindEvent
	KindStream
	KindEndOfTrial
)

func (k FrameKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindAck:
		return "ack"
	case KindParameterEcho:
		return "parameter_echo"
	case KindEvent:
		return "event"
	case KindStream:
		return "stream"
	case KindEndOfTrial:
		return "end_of_trial"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FieldFault records one field that could not be decoded. The field is left
// out of Frame.Values.
type FieldFault struct {
	Field string
	Raw   string
	Err   error
}

func (f FieldFault) Error() string {
	return fmt.Sprintf("field %q (%q): %v", f.Field, f.Raw, f.Err)
}

// Frame is the result of decoding one device line. For KindEndOfTrial,
// Values holds whatever was parsed earlier on the same line.
type Frame struct {
	Kind        FrameKind
	Code        int
	Values      map[string]any
	Faults      []FieldFault
	PayloadLost bool
}
