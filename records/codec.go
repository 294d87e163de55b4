package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var jsonNull = []byte("null")

// Flag is a boolean that also decodes from null, from a missing field and
// from the strings "true"/"false". It always encodes as a JSON boolean.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		*f = false
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag: unsupported value %s", data)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = false
		return nil
	}
	parsed, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("flag: unsupported value %q", s)
	}
	*f = Flag(parsed)
	return nil
}

// FlexInt is an integer that also decodes from a numeric string.
type FlexInt int64

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		*n = 0
		return nil
	}

	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("flexint: %w", err)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*n = 0
			return nil
		}
	}

	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*n = FlexInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flexint: unsupported value %s", data)
	}
	*n = FlexInt(f)
	return nil
}

// Timestamp decodes from epoch milliseconds, RFC 3339 strings, or null.
// The zero Timestamp encodes as null.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds, the API's resolution.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return jsonNull, nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		ts.Time = time.Time{}
		return nil
	}

	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("timestamp: unsupported value %s", data)
		}
		ts.Time = time.UnixMilli(int64(ms)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		ts.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp: unsupported value %q", s)
	}
	ts.Time = t.UTC()
	return nil
}
