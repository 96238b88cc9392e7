package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Host to device command bytes.
const (
	CmdUserCommand      byte = 'V'
	CmdRequestStream    byte = 'W'
	CmdRequestEvent     byte = 'X'
	CmdEndTrial         byte = 'Y'
	CmdStartTrial       byte = 'Z'
	CmdRequestProtocol  byte = '['
	userCommandTerminus byte = '\r'
)

// EncodeStartTrial packs ps in wire order behind the start-trial byte. When
// includeTrialNumber is false the TrialNumberParam entry is skipped.
func EncodeStartTrial(ps ParameterSet, includeTrialNumber bool) ([]byte, error) {
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	out := []byte{CmdStartTrial}
	for _, p := range ps.Ordered() {
		if !includeTrialNumber && p.Name == TrialNumberParam {
			continue
		}
		b, err := EncodeValue(p.Format, p.Value, p.Width)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeStartTrial is the inverse of EncodeStartTrial against a layout. It
// is used by the device simulator.
func DecodeStartTrial(b []byte, layout ParameterSet, includeTrialNumber bool) (map[string]any, error) {
	if len(b) == 0 || b[0] != CmdStartTrial {
		return nil, fmt.Errorf("not a start-trial command")
	}
	b = b[1:]
	out := make(map[string]any, len(layout))
	for _, p := range layout.Ordered() {
		if !includeTrialNumber && p.Name == TrialNumberParam {
			continue
		}
		w := p.Format.Width(p.Width)
		if len(b) < w {
			return nil, fmt.Errorf("parameter %q: need %d bytes, have %d", p.Name, w, len(b))
		}
		v, err := DecodeValue(p.Format, b[:w])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		out[p.Name] = v
		b = b[w:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(b))
	}
	return out, nil
}

// EncodeUserCommand frames free text for the firmware's command handler.
func EncodeUserCommand(text string) []byte {
	out := make([]byte, 0, len(text)+2)
	out = append(out, CmdUserCommand)
	out = append(out, text...)
	return append(out, userCommandTerminus)
}

// ParseAck returns the handshake code of a reply line.
func ParseAck(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}
	head, _, _ := strings.Cut(line, ",")
	code, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, false
	}
	return code, true
}

// ParseProtocolName extracts the name from a "6,<name>" reply.
func ParseProtocolName(line string) (string, bool) {
	code, ok := ParseAck(line)
	if !ok || code != HandshakeProtocolName {
		return "", false
	}
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return "", false
	}
	return strings.TrimSpace(fields[1]), true
}
