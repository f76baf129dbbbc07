package common

import (
	"time"

	"github.com/pkg/errors"
)

// TimestampFormat is the layout of timestamps sent to hub clients.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp formats a timestamp in UTC with millisecond precision.
func FormatTimestamp(timestamp time.Time) string {
	return timestamp.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a timestamp in either TimestampFormat or RFC 3339 with any precision.
func ParseTimestamp(timestamp string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unable to parse timestamp %q", timestamp)
	}
	return t.UTC(), nil
}
