// Package deadline implements the two-phase per-SOF deadline timer that
// decides when the next frame's sensor setting may be dispatched.
package deadline

import "time"

// Clock is the time source the timer schedules on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a scheduled callback. Stop reports whether the callback
// was prevented from running.
type Stopper interface {
	Stop() bool
}

// SystemClock schedules on the runtime timers.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
