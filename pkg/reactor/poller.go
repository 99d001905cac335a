// Package reactor declares the poller/timer collaborator this daemon runs
// on. Per spec, the poller is out of core scope: it is an external
// single-threaded event loop that drives all socket I/O and timers. This
// package only names the interface; internal/reactor provides the one
// concrete implementation main wires up.
package reactor

import "time"

// Listener is returned by AddFDIn. Stop is idempotent and safe to call more
// than once, including from within the listener's own callback.
type Listener interface {
	Stop()
}

// Timer is returned by AddTimer and AddTimerRepeat. Cancel is idempotent and
// safe to call after the timer has already fired, including from within the
// timer's own callback.
type Timer interface {
	Cancel()
}

// Poller is the single-threaded event loop every component schedules work
// on. No component may block inside a callback; deferred work goes through
// AddTimer.
type Poller interface {
	// AddFDIn registers cb to run whenever fd is readable. cb receives the
	// fd so one callback can serve several registrations if useful.
	AddFDIn(fd int, cb func(fd int)) (Listener, error)

	// AddTimer schedules cb to run once after d elapses.
	AddTimer(d time.Duration, cb func()) Timer

	// AddTimerRepeat schedules cb to run every d until canceled.
	AddTimerRepeat(d time.Duration, cb func()) Timer
}
