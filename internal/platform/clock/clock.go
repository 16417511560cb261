package clock

import "time"

// Clock allows deterministic time behavior in tests and replay flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed pins the clock to a single instant so cooldown and adjudication
// window math is exact in tests.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time {
	return f.At.UTC()
}
