package stepper

import "time"

// Clock is the engine's time base, in microseconds.
type Clock interface {
	Micros() int64
}

// monotonicClock counts microseconds since it was created, using the
// runtime's monotonic clock so wall-clock adjustments never reach the
// scheduler.
type monotonicClock struct {
	start time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Micros() int64 {
	return time.Since(c.start).Microseconds()
}
