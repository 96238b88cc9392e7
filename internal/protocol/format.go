package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Format identifies the numeric (or fixed string) encoding of a trial
// parameter or event field.
type Format int

const (
	FormatInt32 Format = iota
	FormatInt16
	FormatFloat32
	FormatString
	FormatTime64
)

// DefaultStringWidth is the byte width of a fixed string when a spec does
// not set one.
const DefaultStringWidth = 32

func (f Format) String() string {
	switch f {
	case FormatInt32:
		return "int32"
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	case FormatString:
		return "string"
	case FormatTime64:
		return "time64"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat accepts the names returned by Format.String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int32", "int":
		return FormatInt32, nil
	case "int16":
		return FormatInt16, nil
	case "float32", "float":
		return FormatFloat32, nil
	case "string":
		return FormatString, nil
	case "time64", "time":
		return FormatTime64, nil
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

// formatCodec holds the encode/decode/parse functions for one Format.
// width is the wire width in bytes; fixed strings pass their own width.
type formatCodec struct {
	width  func(strWidth int) int
	encode func(v any, strWidth int) ([]byte, error)
	decode func(b []byte) (any, error)
	parse  func(field string) (any, error)
}

func fixedWidth(n int) func(int) int { return func(int) int { return n } }

var formatTable = map[Format]formatCodec{
	FormatInt32: {
		width: fixedWidth(4),
		encode: func(v any, _ int) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("value %d overflows int32", n)
			}
			return binary.LittleEndian.AppendUint32(nil, uint32(int32(n))), nil
		},
		decode: func(b []byte) (any, error) {
			return int32(binary.LittleEndian.Uint32(b)), nil
		},
		parse: func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return nil, err
			}
			return int32(n), nil
		},
	},
	FormatInt16: {
		width: fixedWidth(2),
		encode: func(v any, _ int) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			if n < math.MinInt16 || n > math.MaxInt16 {
				return nil, fmt.Errorf("value %d overflows int16", n)
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(int16(n))), nil
		},
		decode: func(b []byte) (any, error) {
			return int16(binary.LittleEndian.Uint16(b)), nil
		},
		parse: func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 16)
			if err != nil {
				return nil, err
			}
			return int16(n), nil
		},
	},
	FormatFloat32: {
		width: fixedWidth(4),
		encode: func(v any, _ int) ([]byte, error) {
			f, err := toFloat64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
		},
		decode: func(b []byte) (any, error) {
			return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
		},
		parse: func(s string) (any, error) {
			f, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return nil, err
			}
			return float32(f), nil
		},
	},
	FormatTime64: {
		width: fixedWidth(8),
		encode: func(v any, _ int) ([]byte, error) {
			f, err := toFloat64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
		},
		decode: func(b []byte) (any, error) {
			return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
		},
		parse: func(s string) (any, error) {
			return strconv.ParseFloat(s, 64)
		},
	},
	FormatString: {
		width: func(w int) int {
			if w <= 0 {
				return DefaultStringWidth
			}
			return w
		},
		encode: func(v any, w int) ([]byte, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", v)
			}
			if w <= 0 {
				w = DefaultStringWidth
			}
			out := make([]byte, w)
			copy(out, s)
			return out, nil
		},
		decode: func(b []byte) (any, error) {
			return string(bytes.TrimRight(b, "\x00")), nil
		},
		parse: func(s string) (any, error) {
			return s, nil
		},
	},
}

func codecFor(f Format) (formatCodec, error) {
	c, ok := formatTable[f]
	if !ok {
		return formatCodec{}, fmt.Errorf("unsupported format %v", f)
	}
	return c, nil
}

// Width returns the packed size of a value in format f.
func (f Format) Width(strWidth int) int {
	c, err := codecFor(f)
	if err != nil {
		return 0
	}
	return c.width(strWidth)
}

// EncodeValue packs v little-endian according to f.
func EncodeValue(f Format, v any, strWidth int) ([]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.encode(v, strWidth)
}

// DecodeValue unpacks b, which must be exactly f.Width(len) bytes long.
func DecodeValue(f Format, b []byte) (any, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	if f != FormatString && len(b) != c.width(0) {
		return nil, fmt.Errorf("%v needs %d bytes, got %d", f, c.width(0), len(b))
	}
	return c.decode(b)
}

// ParseField converts one ASCII field of a device line.
func ParseField(f Format, field string) (any, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.parse(strings.TrimSpace(field))
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
