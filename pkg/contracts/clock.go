package contracts

import "time"

// Clock supplies decision and execution time. Components take a Clock so
// tests can pin time at freshness boundaries.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns the system clock.
func WallClock() Clock { return wallClock{} }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
