package transport

import (
	"math/rand"
	"time"
)

// retrySchedule spaces socket open attempts: the delay doubles from Min on
// every attempt up to Max, with ±25% jitter, and never leaves [Min, Max].
type retrySchedule struct {
	Min time.Duration
	Max time.Duration
}

const retryJitter = 0.25

// delay returns the wait after the given failed attempt (1-based).
func (s retrySchedule) delay(attempt int) time.Duration {
	d := s.Min
	for i := 1; i < attempt && d < s.Max; i++ {
		d *= 2
	}
	if d > s.Max {
		d = s.Max
	}
	d += time.Duration(float64(d) * retryJitter * (2*rand.Float64() - 1))
	return min(max(d, s.Min), s.Max)
}
