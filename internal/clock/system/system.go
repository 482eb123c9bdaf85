// Package system provides the wall clock the scheduler runs against.
package system

import "time"

// Clock reads the host clock. Schedules are stored in UTC, so Now is too.
type Clock struct{}

// New returns the host clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current instant with the monotonic reading stripped, so
// values round-trip through the schedule store unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Round(0)
}
