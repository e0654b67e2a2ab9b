package rist

import (
	"time"

	"github.com/gammazero/deque"
)

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the duration of the sliding window. Default: 1 second.
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns a one second window.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{WindowSize: time.Second}
}

type rateSample struct {
	timestamp time.Time
	bytes     int64
}

// RateStats measures a bitrate over a sliding time window. The sender feeds
// it every original and retransmitted datagram.
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(len(datagram), now)
//	if bps, ok := r.Rate(now); ok {
//	    log.Infof("sending at %d bps", bps)
//	}
type RateStats struct {
	windowSize time.Duration
	samples    *deque.Deque[rateSample]
	totalBytes int64
}

// NewRateStats creates a rate tracker. A non-positive window falls back to
// one second.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &RateStats{
		windowSize: windowSize,
		samples:    deque.New[rateSample](64),
	}
}

// Update records bytes sent at now.
func (r *RateStats) Update(bytes int, now time.Time) {
	r.removeExpired(now)
	r.samples.PushBack(rateSample{timestamp: now, bytes: int64(bytes)})
	r.totalBytes += int64(bytes)
}

// Rate returns the bitrate in bits per second over the window. It needs at
// least two samples spanning one millisecond.
func (r *RateStats) Rate(now time.Time) (bitsPerSec int64, ok bool) {
	r.removeExpired(now)
	if r.samples.Len() < 2 {
		return 0, false
	}
	elapsed := r.samples.Back().timestamp.Sub(r.samples.Front().timestamp)
	if elapsed < time.Millisecond {
		return 0, false
	}
	return int64(float64(r.totalBytes*8) / elapsed.Seconds()), true
}

// Reset clears all samples.
func (r *RateStats) Reset() {
	r.samples.Clear()
	r.totalBytes = 0
}

func (r *RateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)
	for r.samples.Len() > 0 && r.samples.Front().timestamp.Before(cutoff) {
		r.totalBytes -= r.samples.PopFront().bytes
	}
}
