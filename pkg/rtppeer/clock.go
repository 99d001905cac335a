package rtppeer

import "time"

// Clock produces the 100-microsecond-tick monotonic timestamps the AppleMIDI
// clock-sync exchange carries on the wire (spec.md §4.2). Each peer chooses
// its own clock origin at peer start, so only deltas within one exchange are
// meaningful across peers.
type Clock struct {
	start time.Time
}

// NewClock starts a clock whose epoch is now.
func NewClock() Clock {
	return Clock{start: time.Now()}
}

// Now returns the number of 100-microsecond ticks elapsed since the clock
// started.
func (c Clock) Now() uint64 {
	return uint64(time.Since(c.start) / (100 * time.Microsecond))
}

// ticksToDuration converts a tick delta back to a time.Duration, used to
// turn a raw (T3-T1)/2 latency estimate into Session.LatencyEstimate.
func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * 100 * time.Microsecond
}
