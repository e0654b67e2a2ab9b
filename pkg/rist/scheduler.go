package rist

import (
	"time"
)

// IntervalScheduler decides when a periodic RTCP message is due. The first
// call is always due.
type IntervalScheduler struct {
	interval time.Duration
	lastSent time.Time
}

// NewIntervalScheduler creates a scheduler firing every interval. A
// non-positive interval never fires.
func NewIntervalScheduler(interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{interval: interval}
}

// Due reports whether the interval has elapsed since the last Mark.
func (s *IntervalScheduler) Due(now time.Time) bool {
	if s.interval <= 0 {
		return false
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.interval
}

// Mark records a send at now.
func (s *IntervalScheduler) Mark(now time.Time) {
	s.lastSent = now
}

// Reset forgets the last send so the next Due fires.
func (s *IntervalScheduler) Reset() {
	s.lastSent = time.Time{}
}
