// Package timeutil provides the clock used for stored timestamps.
package timeutil

import "time"

// Now returns the current time in UTC, truncated to the microsecond precision
// PostgreSQL stores, so records read back compare equal to what was written.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
