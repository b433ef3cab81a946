package envelope

import (
	"time"
)

// TimeFormat is the wire timestamp format (RFC3339, UTC).
const TimeFormat = time.RFC3339

// ParseTime parses a wire timestamp. RFC3339 with or without sub-second
// precision is accepted; a few laxer layouts cover producers that predate the
// envelope contract.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}

	formats := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, &time.ParseError{
		Layout:  TimeFormat,
		Value:   s,
		Message: "cannot parse as envelope timestamp",
	}
}

// FormatTime formats a timestamp for the wire.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// Now returns the current UTC time truncated to wire precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
