package objstore

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Record is a stored value: a mapping from field names to values.
type Record = map[string]any

const maxCloneDepth = 100

// cloneRecord produces the stored form of rec. Integer kinds become int64,
// unsigned kinds uint64, floats float64, times UTC, nested slices []any and
// nested maps map[string]any. Other values fail with ErrDataClone.
func cloneRecord(rec Record) (Record, error) {
	if rec == nil {
		return nil, wrapf(ErrDataClone, "nil record")
	}
	v, err := cloneValue(rec, 0)
	if err != nil {
		return nil, err
	}
	return v.(Record), nil
}

func cloneValue(v any, depth int) (any, error) {
	if depth > maxCloneDepth {
		return nil, wrapf(ErrDataClone, "value nested too deeply")
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, uint64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return bytes.Clone(v), nil
	case time.Time:
		// Monotonic clock readings and locations do not survive storage.
		return v.Round(0).UTC(), nil
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			c, err := cloneValue(el, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			c, err := cloneValue(el, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			c, err := cloneValue(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, wrapf(ErrDataClone, "map with %v keys", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			c, err := cloneValue(it.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[it.Key().String()] = c
		}
		return out, nil
	}
	return nil, wrapf(ErrDataClone, "%T cannot be stored", v)
}

// normalizeDecoded converts a freshly decoded msgpack value into the same
// shape cloneValue produces.
func normalizeDecoded(v any) any {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint:
		return uint64(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC()
	case []any:
		for i, el := range v {
			v[i] = normalizeDecoded(el)
		}
		return v
	case map[string]any:
		for k, el := range v {
			v[k] = normalizeDecoded(el)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			out[fmt.Sprint(k)] = normalizeDecoded(el)
		}
		return out
	default:
		return v
	}
}

// evalKeyPath extracts the value at a dotted key path. Reports false if any
// path component is missing.
func evalKeyPath(rec Record, path string) (any, bool) {
	var cur any = rec
	for {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		head, rest, more := strings.Cut(path, ".")
		cur, ok = m[head]
		if !ok {
			return nil, false
		}
		if !more {
			return cur, true
		}
		path = rest
	}
}

// injectKeyPath stores key at a dotted key path, creating intermediate maps.
func injectKeyPath(rec Record, path string, key any) error {
	m := rec
	for {
		head, rest, more := strings.Cut(path, ".")
		if !more {
			m[head] = key
			return nil
		}
		next, ok := m[head]
		if !ok {
			child := make(map[string]any)
			m[head] = child
			m = child
		} else if child, ok := next.(map[string]any); ok {
			m = child
		} else {
			return wrapf(ErrData, "cannot inject key at %q: %s is not an object", path, head)
		}
		path = rest
	}
}

func validateKeyPath(path string) error {
	if path == "" {
		return nil
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return wrapf(ErrInvalidArgument, "invalid key path %q", path)
		}
	}
	return nil
}

// keyForRecordField converts a number key back to an integer when it is one,
// so generated keys injected into records look like the rest of the data.
func keyForRecordField(k float64) any {
	if k == math.Trunc(k) && math.Abs(k) <= maxGeneratedKey {
		return int64(k)
	}
	return k
}

// loggableRecord renders a record with sorted field names.
func loggableRecord(rec Record) string {
	if rec == nil {
		return "<nil>"
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf strings.Builder
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %v", k, rec[k])
	}
	buf.WriteByte('}')
	return buf.String()
}
