// Package clock abstracts wall time so timers can be driven by tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock tells the time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped the timer before it fired.
	Stop() bool
}

var wall = clockwork.NewRealClock()

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return wall.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return wall.AfterFunc(d, f)
}
