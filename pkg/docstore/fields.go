package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Fields holds the JSON-compatible attributes of a document.
type Fields map[string]any

// String returns the string value of key, or "" when absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns the bool value of key.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Int returns the integral value of key. Numbers decoded from JSON arrive as
// float64.
func (f Fields) Int(key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Time parses a timestamp stored with FormatTime. ok is false when the field
// is absent; err is set when present but malformed.
func (f Fields) Time(key string) (t time.Time, ok bool, err error) {
	raw, present := f[key]
	if !present || raw == nil {
		return time.Time{}, false, nil
	}
	switch v := raw.(type) {
	case string:
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("field %s: %w", key, err)
		}
		return t.UTC(), true, nil
	case time.Time:
		return v.UTC(), true, nil
	}
	return time.Time{}, true, fmt.Errorf("field %s: unexpected type %T", key, raw)
}

// normalize round-trips fields through JSON so stored values never alias the
// caller's maps and carry the same types a remote store would return.
func normalize(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	out := Fields{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// compareValues orders two normalized JSON values. Missing values sort first.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0
		}
		return -1
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	if b == nil {
		return 1
	}
	return 0
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0 && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}
