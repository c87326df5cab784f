// Package clock abstracts wall time so components that stamp records or
// schedule retries can be driven deterministically in tests.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is the production clock.
//
// Times are UTC and truncated to milliseconds, the resolution every store
// persists, so a record read back compares equal to the one written.
type Real struct{}

// Now returns the current UTC time at millisecond resolution.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Func adapts a function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }
