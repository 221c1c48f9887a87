package objstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Key type tags. The tag order defines the order between key types:
// number < date < string < binary < array.
const (
	ktArrayEnd = 0x00
	ktNumber   = 0x10
	ktDate     = 0x20
	ktString   = 0x30
	ktBinary   = 0x40
	ktArray    = 0x50
)

const (
	escByte    = 0xFF // 0x00 inside strings is written as 0x00 0xFF
	termByte   = 0x01 // strings are terminated by 0x00 0x01
	maxKeyNest = 32
)

var (
	minKeyTime = time.Unix(0, math.MinInt64)
	maxKeyTime = time.Unix(0, math.MaxInt64)
)

// normalizeKey converts v into its canonical key form: float64, time.Time
// (UTC), string, []byte or []any of canonical keys. Returns an error wrapping
// ErrData when v is not a valid key.
func normalizeKey(v any) (any, error) {
	return normalizeKeyDepth(v, 0)
}

func normalizeKeyDepth(v any, depth int) (any, error) {
	if depth > maxKeyNest {
		return nil, wrapf(ErrData, "key nested too deeply")
	}
	switch v := v.(type) {
	case nil:
		return nil, wrapf(ErrData, "nil is not a valid key")
	case float64:
		return normalizeNumber(v)
	case float32:
		return normalizeNumber(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return v, nil
	case []byte:
		return bytes.Clone(v), nil
	case time.Time:
		if v.Before(minKeyTime) || v.After(maxKeyTime) {
			return nil, wrapf(ErrData, "date %v is out of the supported key range", v)
		}
		return v.UTC(), nil
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			nk, err := normalizeKeyDepth(el, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nk
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			nk, err := normalizeKeyDepth(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nk
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return normalizeNumber(rv.Float())
	}
	return nil, wrapf(ErrData, "%T is not a valid key type", v)
}

func normalizeNumber(f float64) (any, error) {
	if math.IsNaN(f) {
		return nil, wrapf(ErrData, "NaN is not a valid key")
	}
	if f == 0 {
		f = 0 // -0 and +0 are the same key
	}
	return f, nil
}

// IsValidKey reports whether v can be used as a key.
func IsValidKey(v any) bool {
	_, err := normalizeKey(v)
	return err == nil
}

// EncodeKey returns the order-preserving binary encoding of a key.
func EncodeKey(v any) ([]byte, error) {
	nk, err := normalizeKey(v)
	if err != nil {
		return nil, err
	}
	return encodeKey(nil, nk), nil
}

// encodeKey appends the encoding of a normalized key to buf.
func encodeKey(buf []byte, k any) []byte {
	switch k := k.(type) {
	case float64:
		buf = append(buf, ktNumber)
		return binary.BigEndian.AppendUint64(buf, encodeFloat(k))
	case time.Time:
		buf = append(buf, ktDate)
		return binary.BigEndian.AppendUint64(buf, uint64(k.UnixNano())^(1<<63))
	case string:
		buf = append(buf, ktString)
		return appendEscaped(buf, unsafeBytesFromString(k))
	case []byte:
		buf = append(buf, ktBinary)
		return appendEscaped(buf, k)
	case []any:
		buf = append(buf, ktArray)
		for _, el := range k {
			buf = encodeKey(buf, el)
		}
		return append(buf, ktArrayEnd)
	default:
		panic(fmt.Errorf("encodeKey: unnormalized key %T", k))
	}
}

func encodeFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		return bits ^ (1 << 63)
	}
	return ^bits
}

func decodeFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u ^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func appendEscaped(buf []byte, data []byte) []byte {
	for _, b := range data {
		if b == 0 {
			buf = append(buf, 0, escByte)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0, termByte)
}

func decodeEscaped(orig, raw []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != 0 {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case escByte:
			out = append(out, 0)
			i++
		case termByte:
			if out == nil {
				out = []byte{}
			}
			return out, raw[i+2:], nil
		default:
			return nil, nil, dataErrf(orig, len(orig)-len(raw)+i, nil, "invalid escape sequence in key")
		}
	}
	return nil, nil, dataErrf(orig, len(orig), nil, "unterminated string in key")
}

// decodeKey decodes one key from the start of raw and returns the rest.
func decodeKey(raw []byte) (any, []byte, error) {
	return decodeKeyFrom(raw, raw, 0)
}

func decodeKeyFrom(orig, raw []byte, depth int) (any, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, dataErrf(orig, len(orig), nil, "missing key")
	}
	if depth > maxKeyNest {
		return nil, nil, dataErrf(orig, len(orig)-len(raw), nil, "key nested too deeply")
	}
	tag, raw := raw[0], raw[1:]
	switch tag {
	case ktNumber, ktDate:
		if len(raw) < 8 {
			return nil, nil, dataErrf(orig, len(orig)-len(raw), nil, "truncated key")
		}
		u := binary.BigEndian.Uint64(raw)
		if tag == ktNumber {
			return decodeFloat(u), raw[8:], nil
		}
		return time.Unix(0, int64(u^(1<<63))).UTC(), raw[8:], nil
	case ktString:
		b, rest, err := decodeEscaped(orig, raw)
		if err != nil {
			return nil, nil, err
		}
		return string(b), rest, nil
	case ktBinary:
		return decodeEscaped(orig, raw)
	case ktArray:
		arr := []any{}
		for {
			if len(raw) == 0 {
				return nil, nil, dataErrf(orig, len(orig), nil, "unterminated array in key")
			}
			if raw[0] == ktArrayEnd {
				return arr, raw[1:], nil
			}
			var el any
			var err error
			el, raw, err = decodeKeyFrom(orig, raw, depth+1)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
		}
	default:
		return nil, nil, dataErrf(orig, len(orig)-len(raw)-1, nil, "invalid key tag 0x%02x", tag)
	}
}

// decodeFullKey decodes a key that must span all of raw.
func decodeFullKey(raw []byte) (any, error) {
	k, rest, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, dataErrf(raw, len(raw)-len(rest), nil, "trailing bytes after key")
	}
	return k, nil
}

// keyLen returns the length of the encoded key at the start of raw,
// or -1 if raw does not start with a complete key.
func keyLen(raw []byte) int {
	_, rest, err := decodeKey(raw)
	if err != nil {
		return -1
	}
	return len(raw) - len(rest)
}

// CompareKeys compares two keys, returning -1, 0 or +1. Both must be valid keys.
func CompareKeys(a, b any) (int, error) {
	ea, err := EncodeKey(a)
	if err != nil {
		return 0, err
	}
	eb, err := EncodeKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}

// FormatKey renders a key for logs and error messages. Invalid keys are
// formatted with %v.
func FormatKey(v any) string {
	nk, err := normalizeKey(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var buf strings.Builder
	formatKey(&buf, nk)
	return buf.String()
}

func formatKey(buf *strings.Builder, k any) {
	switch k := k.(type) {
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1e21 {
			buf.WriteString(strconv.FormatFloat(k, 'f', -1, 64))
		} else {
			buf.WriteString(strconv.FormatFloat(k, 'g', -1, 64))
		}
	case time.Time:
		buf.WriteString(k.Format(time.RFC3339Nano))
	case string:
		buf.WriteString(strconv.Quote(k))
	case []byte:
		buf.WriteString("0x")
		buf.WriteString(hex.EncodeToString(k))
	case []any:
		buf.WriteByte('[')
		for i, el := range k {
			if i > 0 {
				buf.WriteByte(',')
			}
			formatKey(buf, el)
		}
		buf.WriteByte(']')
	}
}
