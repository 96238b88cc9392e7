// Package sim is a scripted stand-in for the rig controller firmware. It
// speaks the same wire protocol over a serialmux.TestableSerialPort and is
// used by dev mode and by end-to-end tests.
package sim

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/serialmux"
)

// Config scripts the simulated device.
type Config struct {
	// ProtocolName is returned for protocol-name requests.
	ProtocolName string
	// Layout describes the packed start-trial payload. Values are ignored.
	Layout protocol.ParameterSet
	// SendTrialNumber must match the host's setting.
	SendTrialNumber bool
	// Channels describes the stream frame.
	Channels []protocol.StreamChannelSpec
	// Samples returns the raw samples for one channel of the seq'th stream
	// frame of a trial. Nil sends one sample holding seq.
	Samples func(ch protocol.StreamChannelSpec, trial, seq int) []int64
	// StreamsPerTrial is how many stream frames precede the end-of-trial
	// marker. Zero streams forever.
	StreamsPerTrial int
	// Event returns the comma fields of the trial's event line.
	Event func(trial int) []string
	// RejectStarts answers that many start-trial commands with a bad code.
	RejectStarts int
	// TruncateEvery sends only half of every n'th stream payload.
	TruncateEvery int
	// StreamInterval delays each stream reply to pace the acquisition loop.
	StreamInterval time.Duration
}

// Device is the simulated firmware state.
type Device struct {
	cfg  Config
	logf monitoring.LogFunc

	mu           sync.Mutex
	trial        int
	running      bool
	eventPending bool
	seq          int
	streams      int
	rejects      int
	starts       []map[string]any
	commands     []string
	endTrials    int
}

// New returns a device scripted by cfg.
func New(cfg Config) *Device {
	if cfg.ProtocolName == "" {
		cfg.ProtocolName = "Simulated"
	}
	return &Device{cfg: cfg, rejects: cfg.RejectStarts, logf: monitoring.Prefixed("[sim] ")}
}

// Port returns a serial port wired to the device.
func (d *Device) Port() *serialmux.TestableSerialPort {
	port := serialmux.NewTestableSerialPort()
	port.SetResponder(d.Respond)
	return port
}

// Factory returns a port factory that always opens a port wired to the
// device.
func (d *Device) Factory() serialmux.SerialPortFactory {
	return serialmux.SerialPortOpener(func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
		return d.Port(), nil
	})
}

// Respond answers one host command. It satisfies serialmux.Responder.
func (d *Device) Respond(written []byte) []byte {
	if len(written) == 0 {
		return nil
	}
	switch written[0] {
	case protocol.CmdRequestStream:
		if d.cfg.StreamInterval > 0 {
			time.Sleep(d.cfg.StreamInterval)
		}
		return d.stream()
	case protocol.CmdRequestEvent:
		return d.event()
	case protocol.CmdStartTrial:
		return d.startTrial(written)
	case protocol.CmdEndTrial:
		d.mu.Lock()
		d.running = false
		d.endTrials++
		d.mu.Unlock()
		return line(protocol.HandshakeEndTrialAck)
	case protocol.CmdUserCommand:
		text := strings.TrimSuffix(string(written[1:]), "\r")
		d.mu.Lock()
		d.commands = append(d.commands, text)
		d.mu.Unlock()
		return line(protocol.HandshakeAck)
	case protocol.CmdRequestProtocol:
		return line(protocol.HandshakeProtocolName, d.cfg.ProtocolName)
	}
	d.logf("ignoring unknown command byte %q", written[0])
	return nil
}

func (d *Device) startTrial(written []byte) []byte {
	params, err := protocol.DecodeStartTrial(written, d.cfg.Layout, d.cfg.SendTrialNumber)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.logf("bad start-trial payload: %v", err)
		return line(9, "format")
	}
	if d.rejects > 0 {
		d.rejects--
		return line(9, "busy")
	}
	d.trial++
	d.running = true
	d.eventPending = false
	d.seq = 0
	d.starts = append(d.starts, params)
	return line(protocol.HandshakeAck)
}

func (d *Device) stream() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return d.emptyStream()
	}
	if d.cfg.StreamsPerTrial > 0 && d.seq >= d.cfg.StreamsPerTrial {
		d.running = false
		d.eventPending = true
		return line(protocol.HandshakeEndOfTrial)
	}
	d.seq++
	d.streams++

	lengths := make([]string, len(d.cfg.Channels))
	var payload []byte
	for i, ch := range d.orderedChannels() {
		var samples []int64
		if d.cfg.Samples != nil {
			samples = d.cfg.Samples(ch, d.trial, d.seq)
		} else {
			samples = []int64{int64(d.seq)}
		}
		packed := pack(ch.DeviceType, samples)
		lengths[i] = strconv.Itoa(len(packed))
		payload = append(payload, packed...)
	}
	if d.cfg.TruncateEvery > 0 && d.streams%d.cfg.TruncateEvery == 0 {
		payload = payload[:len(payload)/2]
	}
	header := fmt.Sprintf("%d,%d,%s\r\n", protocol.HandshakeStream, len(lengths), strings.Join(lengths, ","))
	return append([]byte(header), payload...)
}

func (d *Device) emptyStream() []byte {
	fields := []string{strconv.Itoa(protocol.HandshakeStream), strconv.Itoa(len(d.cfg.Channels))}
	for range d.cfg.Channels {
		fields = append(fields, "0")
	}
	return []byte(strings.Join(fields, ",") + "\r\n")
}

func (d *Device) orderedChannels() []protocol.StreamChannelSpec {
	out := make([]protocol.StreamChannelSpec, len(d.cfg.Channels))
	for _, ch := range d.cfg.Channels {
		if ch.Index >= 1 && ch.Index <= len(out) {
			out[ch.Index-1] = ch
		}
	}
	return out
}

func (d *Device) event() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.eventPending {
		return nil
	}
	d.eventPending = false
	var fields []string
	if d.cfg.Event != nil {
		fields = d.cfg.Event(d.trial)
	}
	return line(protocol.HandshakeEvent, fields...)
}

// Starts returns the decoded parameters of every accepted start-trial.
func (d *Device) Starts() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[string]any(nil), d.starts...)
}

// Commands returns the user commands received so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// EndTrials returns how many end-trial commands were received.
func (d *Device) EndTrials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endTrials
}

// Streams returns how many data-carrying stream frames were sent.
func (d *Device) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams
}

func line(code int, fields ...string) []byte {
	return []byte(strings.Join(append([]string{strconv.Itoa(code)}, fields...), ",") + "\r\n")
}

func pack(t protocol.DeviceType, samples []int64) []byte {
	out := make([]byte, 0, len(samples)*t.Width())
	for _, s := range samples {
		switch t.Width() {
		case 2:
			out = binary.LittleEndian.AppendUint16(out, uint16(s))
		case 4:
			out = binary.LittleEndian.AppendUint32(out, uint32(s))
		}
	}
	return out
}
