package entry

import (
	"fmt"
	"time"
)

// Layout is the ISO-8601 wire format with microsecond resolution and no
// zone designator, e.g. 2024-08-29T10:15:23.456789.
const Layout = "2006-01-02T15:04:05.000000"

// Timestamp is a wall-clock instant serialized in the wire layout.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to microseconds.
func Now() Timestamp {
	return Timestamp{Time: time.Now().Truncate(time.Microsecond)}
}

// At wraps a time.Time, truncating to microseconds.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.Truncate(time.Microsecond)}
}

// ParseTimestamp parses the wire layout, falling back to RFC 3339 for
// devices that report zoned timestamps.
func ParseTimestamp(s string) (Timestamp, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return Timestamp{Time: t}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	return Timestamp{Time: t.Truncate(time.Microsecond)}, nil
}

func (t Timestamp) String() string {
	return t.Time.Format(Layout)
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string: %s", data)
	}

	parsed, err := ParseTimestamp(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}
