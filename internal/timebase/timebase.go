// Package timebase provides the wall-clock readings used to timestamp
// probe events. Every engine timestamps sends and receives through Now
// rather than calling time.Now directly, so a single failure mode ("clock
// unreadable") is defined for the whole library.
package timebase

import "time"

// Now returns the current wall time as a nonnegative number of seconds
// since the Unix epoch, with microsecond precision. It returns 0.0 only if
// the underlying clock cannot be read, which does not happen on any
// platform Go supports today — the zero case exists so callers have a
// well-defined sentinel to check.
func Now() float64 {
	now := time.Now()
	if now.IsZero() {
		return 0.0
	}
	sec := now.Unix()
	usec := now.Nanosecond() / 1000
	return float64(sec) + float64(usec)/1e6
}
