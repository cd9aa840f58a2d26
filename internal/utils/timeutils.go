package utils

import "time"

// FromUnixNanos converts a nanosecond epoch timestamp, the wire format used
// by the telemetry probes, into a time.Time.
func FromUnixNanos(ns int64) time.Time {
	return time.Unix(0, ns)
}
