package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedHeader means the handshake code or stream header could not
	// be parsed. It is fatal to the read, not to the link.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrEmptyField is recorded as a fault for empty event fields.
	ErrEmptyField = errors.New("empty field")
	// ErrMissingField is recorded when a line has fewer fields than the
	// definition expects.
	ErrMissingField = errors.New("missing field")
)

// MaxStreamPayload bounds the binary block a single stream header may
// declare. Larger headers are treated as corrupt.
const MaxStreamPayload = 1 << 20

// PayloadReader supplies the binary block that follows a stream header.
type PayloadReader interface {
	ReadExactly(n int) ([]byte, error)
}

// DecodeLine decodes one device line. Stream payloads are pulled from r.
// An empty line yields a KindEmpty frame and no error.
func DecodeLine(line string, def Definition, r PayloadReader) (Frame, error) {
	frame := Frame{Kind: KindEmpty}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return frame, nil
	}
	frame.Values = make(map[string]any)

	for _, packet := range strings.Split(line, "*") {
		packet = strings.TrimSpace(packet)
		if packet == "" {
			continue
		}
		payload := strings.Split(packet, ",")
		code, err := strconv.Atoi(strings.TrimSpace(payload[0]))
		if err != nil {
			return frame, fmt.Errorf("%w: handshake %q", ErrMalformedHeader, payload[0])
		}
		frame.Code = code

		switch code {
		case HandshakeParameterEcho:
			decodeFields(&frame, payload, def.Fields, true)
			frame.Kind = KindParameterEcho
		case HandshakeEvent:
			decodeFields(&frame, payload, def.Fields, false)
			frame.Kind = KindEvent
		case HandshakeEndOfTrial:
			frame.Kind = KindEndOfTrial
			return frame, nil
		case HandshakeStream:
			if err := decodeStream(&frame, payload, def.Channels, r); err != nil {
				return frame, err
			}
			frame.Kind = KindStream
		default:
			if frame.Kind == KindEmpty {
				frame.Kind = KindAck
			}
		}
	}
	return frame, nil
}

func decodeFields(frame *Frame, payload []string, fields []FieldSpec, allowEmpty bool) {
	for _, spec := range fields {
		if spec.Index < 1 || spec.Index >= len(payload) {
			frame.Faults = append(frame.Faults, FieldFault{Field: spec.Name, Err: ErrMissingField})
			continue
		}
		raw := payload[spec.Index]
		if strings.TrimSpace(raw) == "" {
			if allowEmpty {
				frame.Values[spec.Name] = nil
			} else {
				frame.Faults = append(frame.Faults, FieldFault{Field: spec.Name, Raw: raw, Err: ErrEmptyField})
			}
			continue
		}
		v, err := ParseField(spec.Format, raw)
		if err != nil {
			frame.Faults = append(frame.Faults, FieldFault{Field: spec.Name, Raw: raw, Err: err})
			continue
		}
		frame.Values[spec.Name] = v
	}
}

// ParseStreamHeader returns the per-channel byte lengths declared by a
// "6,N,len1,...,lenN" header. The lengths must sum to at most
// MaxStreamPayload.
func ParseStreamHeader(payload []string) ([]int, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: stream header without channel count", ErrMalformedHeader)
	}
	n, err := strconv.Atoi(strings.TrimSpace(payload[1]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: channel count %q", ErrMalformedHeader, payload[1])
	}
	if n > len(payload)-2 {
		return nil, fmt.Errorf("%w: %d channels declared, %d lengths given", ErrMalformedHeader, n, len(payload)-2)
	}
	lengths := make([]int, n)
	total := 0
	for i := range lengths {
		l, err := strconv.Atoi(strings.TrimSpace(payload[i+2]))
		if err != nil || l < 0 || l > MaxStreamPayload-total {
			return nil, fmt.Errorf("%w: channel %d length %q", ErrMalformedHeader, i+1, payload[i+2])
		}
		lengths[i] = l
		total += l
	}
	return lengths, nil
}

func decodeStream(frame *Frame, payload []string, channels []StreamChannelSpec, r PayloadReader) error {
	lengths, err := ParseStreamHeader(payload)
	if err != nil {
		return err
	}
	offsets := make([]int, len(lengths)+1)
	for i, l := range lengths {
		offsets[i+1] = offsets[i] + l
	}
	total := offsets[len(lengths)]

	var block []byte
	if total > 0 {
		if r == nil {
			err = errors.New("no payload reader")
		} else {
			block, err = r.ReadExactly(total)
		}
		if err == nil && len(block) != total {
			err = fmt.Errorf("payload reader returned %d of %d bytes", len(block), total)
		}
		if err != nil {
			frame.PayloadLost = true
			for _, ch := range channels {
				frame.Values[ch.Name] = nil
			}
			return nil
		}
	}

	for _, ch := range channels {
		if ch.Index < 1 || ch.Index > len(lengths) {
			frame.Values[ch.Name] = nil
			frame.Faults = append(frame.Faults, FieldFault{Field: ch.Name, Err: ErrMissingField})
			continue
		}
		if lengths[ch.Index-1] == 0 {
			frame.Values[ch.Name] = nil
			continue
		}
		slice := block[offsets[ch.Index-1]:offsets[ch.Index]]
		raw, err := UnpackSamples(ch.DeviceType, slice)
		if err != nil {
			frame.Values[ch.Name] = nil
			frame.Faults = append(frame.Faults, FieldFault{Field: ch.Name, Err: err})
			continue
		}
		frame.Values[ch.Name] = Coerce(ch.StorageType, raw)
	}
	return nil
}

// UnpackSamples decodes a little-endian block of device integers.
func UnpackSamples(t DeviceType, b []byte) ([]int64, error) {
	w := t.Width()
	if w == 0 {
		return nil, fmt.Errorf("unsupported device type %v", t)
	}
	if len(b)%w != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of %v width %d", len(b), t, w)
	}
	out := make([]int64, 0, len(b)/w)
	for i := 0; i < len(b); i += w {
		switch t {
		case DeviceInt16:
			out = append(out, int64(int16(binary.LittleEndian.Uint16(b[i:]))))
		case DeviceUint16:
			out = append(out, int64(binary.LittleEndian.Uint16(b[i:])))
		case DeviceInt32:
			out = append(out, int64(int32(binary.LittleEndian.Uint32(b[i:]))))
		case DeviceUint32:
			out = append(out, int64(binary.LittleEndian.Uint32(b[i:])))
		}
	}
	return out, nil
}

// Coerce converts raw samples to the Go type for s. A scalar channel with a
// single sample collapses to int64; any other scalar keeps []int64.
func Coerce(s StorageType, raw []int64) any {
	switch s {
	case StorageInt16Array:
		out := make([]int16, len(raw))
		for i, v := range raw {
			out[i] = int16(v)
		}
		return out
	case StorageInt32Array:
		out := make([]int32, len(raw))
		for i, v := range raw {
			out[i] = int32(v)
		}
		return out
	case StorageFloat32Array:
		out := make([]float32, len(raw))
		for i, v := range raw {
			out[i] = float32(v)
		}
		return out
	}
	if len(raw) == 1 {
		return raw[0]
	}
	return raw
}
