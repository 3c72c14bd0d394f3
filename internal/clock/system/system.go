// Package system provides the wall clock used to stamp fetched records.
package system

import "time"

// Clock implements quote.Clock using time.Now. Timestamps are UTC and truncated to microseconds,
// the resolution Postgres keeps, so archived copies match the stored rows.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
