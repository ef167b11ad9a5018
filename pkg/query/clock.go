package query

import "time"

// Clock is the time source used for staleness and garbage collection. It exists
// so tests and embedders can control time; SystemClock is used by default.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback armed by a Clock.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TimeUntilStale reports how long data produced at updatedAt stays fresh. It
// never returns a negative duration.
func TimeUntilStale(updatedAt time.Time, staleTime time.Duration, now time.Time) time.Duration {
	if staleTime == Forever {
		return Forever
	}
	remaining := staleTime - now.Sub(updatedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
