// Package device implements the host side of the rig controller's command
// set. Every method runs on a link the caller already holds exclusively,
// normally from inside a serialmux.Op.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/serialmux"
)

// ErrNoAck is returned when the device never answers a command with the
// expected handshake code.
var ErrNoAck = errors.New("device did not acknowledge command")

// DefaultRetries is how many times an acknowledged command is sent before
// giving up.
const DefaultRetries = 10

// Driver issues commands and decodes replies. The zero value is usable.
type Driver struct {
	// Retries bounds acknowledged commands. Zero means DefaultRetries.
	Retries int
	// SendTrialNumber controls whether the trialNumber parameter is packed
	// into start-trial commands.
	SendTrialNumber bool
}

var logf = monitoring.Prefixed("[device] ")

func (d *Driver) retries() int {
	if d.Retries <= 0 {
		return DefaultRetries
	}
	return d.Retries
}

// RequestStream asks for one stream frame and decodes it against def. A
// line that never arrives yields an empty frame. The link's overflow
// accounting is updated for every stream frame whose payload arrived intact.
func (d *Driver) RequestStream(l *serialmux.Link, def protocol.Definition) (protocol.Frame, error) {
	if err := l.Write([]byte{protocol.CmdRequestStream}); err != nil {
		return protocol.Frame{}, err
	}
	frame, err := d.readFrame(l, def)
	if err == nil && frame.Kind == protocol.KindStream && !frame.PayloadLost {
		l.MarkStreamRead()
	}
	return frame, err
}

// RequestEvent asks for the trial's event record.
func (d *Driver) RequestEvent(l *serialmux.Link, def protocol.Definition) (protocol.Frame, error) {
	if err := l.Write([]byte{protocol.CmdRequestEvent}); err != nil {
		return protocol.Frame{}, err
	}
	return d.readFrame(l, def)
}

func (d *Driver) readFrame(l *serialmux.Link, def protocol.Definition) (protocol.Frame, error) {
	line := l.ReadLine()
	frame, err := protocol.DecodeLine(line, def, l)
	if err != nil {
		return frame, fmt.Errorf("decode %q: %w", line, err)
	}
	for _, fault := range frame.Faults {
		logf("%s frame: %v", frame.Kind, fault)
	}
	return frame, nil
}

// StartTrial sends the packed trial parameters and waits for ack 2.
func (d *Driver) StartTrial(l *serialmux.Link, params protocol.ParameterSet) error {
	cmd, err := protocol.EncodeStartTrial(params, d.SendTrialNumber)
	if err != nil {
		return fmt.Errorf("encode start-trial: %w", err)
	}
	return d.sendAcked(l, "start-trial", cmd, protocol.HandshakeAck)
}

// EndTrial tells the device to stop the current trial and waits for ack 3.
// The link's transmission diagnostics are logged for the operator.
func (d *Driver) EndTrial(l *serialmux.Link) error {
	err := d.sendAcked(l, "end-trial", []byte{protocol.CmdEndTrial}, protocol.HandshakeEndTrialAck)
	snap := l.Stats().Snapshot()
	logf("maximum inter-transmission gap %v, %d transmissions slower than %v",
		snap.MaxGap, snap.Overflows, l.Config().NoLossThreshold)
	return err
}

// UserCommand sends free text to the firmware's command handler and waits
// for ack 2.
func (d *Driver) UserCommand(l *serialmux.Link, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty user command")
	}
	return d.sendAcked(l, "user command", protocol.EncodeUserCommand(text), protocol.HandshakeAck)
}

// ProtocolName asks the firmware which protocol it is running.
func (d *Driver) ProtocolName(l *serialmux.Link) (string, error) {
	var last string
	for i := 0; i < d.retries(); i++ {
		if err := l.Write([]byte{protocol.CmdRequestProtocol}); err != nil {
			return "", err
		}
		last = l.ReadLine()
		if name, ok := protocol.ParseProtocolName(last); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: protocol name request, last reply %q", ErrNoAck, last)
}

func (d *Driver) sendAcked(l *serialmux.Link, what string, cmd []byte, want int) error {
	var last string
	for i := 0; i < d.retries(); i++ {
		if err := l.Write(cmd); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		last = l.ReadLine()
		if code, ok := protocol.ParseAck(last); ok && code == want {
			return nil
		}
		if last != "" {
			logf("%s: unexpected reply %q (attempt %d)", what, last, i+1)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts, last reply %q", ErrNoAck, what, d.retries(), last)
}
