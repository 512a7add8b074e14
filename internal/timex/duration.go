// Package timex contains small time helpers shared by client-facing layers:
// a JSON-friendly Duration and microsecond truncation, which is the
// resolution of every timestamp on the wire.
package timex

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration wraps time.Duration so that JSON config files can express
// intervals either as strings ("1m30s") or as integer nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration")
	}
}

// TruncateMicroseconds drops sub-microsecond precision. Timestamps are
// compared for strict equality between certificates, so every instant that
// crosses a process boundary must be truncated first.
func TruncateMicroseconds(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}
