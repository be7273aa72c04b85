// Package clock provides the timer service used by staged tasks.
// Timers are addressed by cancellation tokens and can be grouped per task
// so every outstanding callback is released in one step.
package clock

import (
	"errors"
	"time"
)

// ErrInvalidInterval is returned when a repeating timer is requested with a
// non-positive interval.
var ErrInvalidInterval = errors.New("interval must be positive")

// Clock is the time source timers are scheduled against.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending callback returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Timers is the scheduling surface handed to task components.
// Both Service and Group implement it.
type Timers interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Token
	ScheduleRepeating(interval time.Duration, fn func()) (Token, error)
	Cancel(tok Token) bool
}

type realClock struct{}

// Real returns a Clock backed by the runtime timer heap.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
