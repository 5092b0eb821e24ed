package types

import (
	"fmt"
	"time"

	"github.com/sosodev/duration"
)

// timestampLayout is the oneM2M basic-format timestamp, e.g.
// "20260824T101530,123456". Fractions are carried but not required.
const (
	timestampLayout         = "20060102T150405"
	timestampFractionLayout = "20060102T150405,000000"
)

// Timestamp renders t as a oneM2M basic-format timestamp in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampFractionLayout)
}

// Now returns the current time as a oneM2M timestamp.
func Now() string {
	return Timestamp(time.Now())
}

// TimestampAfter returns now+offset as a oneM2M timestamp.
func TimestampAfter(offset time.Duration) string {
	return Timestamp(time.Now().Add(offset))
}

// ParseTimestamp parses a oneM2M basic-format timestamp, with or without
// a fractional part.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampFractionLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseDuration parses an ISO 8601 duration such as "PT5S". Plain Go
// duration strings ("5s") are accepted as a convenience for configuration
// values.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := duration.Parse(s); err == nil {
		return d.ToTimeDuration(), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
