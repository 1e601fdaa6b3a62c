package scheduler

import (
	"time"

	"NewsDigest/internal/ports"
)

// SystemClock is the wall clock backed by time.AfterFunc.
type SystemClock struct {
	loc *time.Location
}

var _ ports.Clock = (*SystemClock)(nil)

// NewSystemClock reports time in loc (UTC when nil).
func NewSystemClock(loc *time.Location) *SystemClock {
	if loc == nil {
		loc = time.UTC
	}
	return &SystemClock{loc: loc}
}

// Now returns the current time in the configured location.
func (c *SystemClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// AfterFunc schedules f on its own goroutine after d.
func (c *SystemClock) AfterFunc(d time.Duration, f func()) ports.Timer {
	return time.AfterFunc(d, f)
}
