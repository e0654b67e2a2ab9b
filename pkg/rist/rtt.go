package rist

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// RTTEstimatorConfig configures an RTTEstimator.
type RTTEstimatorConfig struct {
	// Timeout is how long a request waits for its response. Later
	// responses are unmatched.
	Timeout time.Duration

	// MaxPending bounds the outstanding request table. Sending beyond it
	// drops the oldest request.
	MaxPending int
}

// DefaultRTTEstimatorConfig returns a two second timeout with room for 16
// outstanding requests.
func DefaultRTTEstimatorConfig() RTTEstimatorConfig {
	return RTTEstimatorConfig{
		Timeout:    2 * time.Second,
		MaxPending: 16,
	}
}

// Validate reports configuration errors.
func (c RTTEstimatorConfig) Validate() error {
	if c.Timeout <= 0 {
		return invalidConfig("rtt timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxPending <= 0 {
		return invalidConfig("rtt max pending must be positive, got %d", c.MaxPending)
	}
	return nil
}

type pendingEcho struct {
	ssrc      uint32
	timestamp uint64
	sentAt    time.Time
}

// RTTStats summarises the measurements taken so far.
type RTTStats struct {
	Last     time.Duration
	Smoothed time.Duration
	Min      time.Duration
	Samples  uint64
	Pending  int
	TimedOut uint64
	Dropped  uint64
}

// RTTEstimator issues RTT echo requests and turns matching responses into
// round-trip samples. Requests are correlated by their timestamp field.
//
// It is not safe for concurrent use.
type RTTEstimator struct {
	config   RTTEstimatorConfig
	pending  *deque.Deque[pendingEcho]
	last     time.Duration
	smoothed time.Duration
	min      time.Duration
	samples  uint64
	timedOut uint64
	dropped  uint64
}

// NewRTTEstimator creates an estimator with no samples.
func NewRTTEstimator(config RTTEstimatorConfig) (*RTTEstimator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RTTEstimator{
		config:  config,
		pending: deque.New[pendingEcho](config.MaxPending),
	}, nil
}

// SendEchoRequest builds a request stamped with now and remembers it. The
// caller transmits the packet.
func (e *RTTEstimator) SendEchoRequest(ssrc uint32, paddingWords uint32, now time.Time) (*packet.RttEcho, error) {
	if paddingWords > packet.MaxEchoPaddingWords {
		return nil, fmt.Errorf("%w: %d padding words exceed %d",
			packet.ErrFieldOutOfRange, paddingWords, packet.MaxEchoPaddingWords)
	}
	d, err := DurationSinceEpoch(now)
	if err != nil {
		return nil, err
	}
	ts := NtpTimestampFromDuration(d).Uint64()

	e.expire(now)
	for e.pending.Len() >= e.config.MaxPending {
		e.pending.PopFront()
		e.dropped++
	}
	e.pending.PushBack(pendingEcho{ssrc: ssrc, timestamp: ts, sentAt: now})
	return packet.NewEchoRequest(ssrc, ts, paddingWords), nil
}

// HandleEchoResponse matches a response against the pending requests. On a
// match it returns receivedAt - sentAt - processing delay, clamped at zero.
// Responses that match nothing (late, duplicated or forged) return false and
// leave the measurements untouched.
func (e *RTTEstimator) HandleEchoResponse(echo *packet.RttEcho, receivedAt time.Time) (time.Duration, bool) {
	e.expire(receivedAt)
	idx := e.pending.Index(func(p pendingEcho) bool {
		return p.timestamp == echo.Timestamp
	})
	if idx < 0 {
		return 0, false
	}
	req := e.pending.Remove(idx)

	delay := NtpTimestampFromUint64(echo.ProcessingDelay).Duration()
	rtt := receivedAt.Sub(req.sentAt) - delay
	if rtt < 0 {
		rtt = 0
	}
	e.addSample(rtt)
	return rtt, true
}

// HandleEchoRequest answers a peer's request. The response echoes the
// request timestamp and padding and reports finishedAt - receivedAt as the
// processing delay.
func (e *RTTEstimator) HandleEchoRequest(echo *packet.RttEcho, receivedAt, finishedAt time.Time) *packet.RttEcho {
	delay := finishedAt.Sub(receivedAt)
	if delay < 0 {
		delay = 0
	}
	return packet.NewEchoResponse(echo.SSRC, echo.Timestamp,
		NtpTimestampFromDuration(delay).Uint64(), echo.PaddingWords)
}

// addSample folds rtt into the smoothed estimate with a gain of 1/8.
func (e *RTTEstimator) addSample(rtt time.Duration) {
	e.last = rtt
	if e.samples == 0 {
		e.smoothed = rtt
		e.min = rtt
	} else {
		e.smoothed += (rtt - e.smoothed) / 8
		if rtt < e.min {
			e.min = rtt
		}
	}
	e.samples++
}

func (e *RTTEstimator) expire(now time.Time) {
	for e.pending.Len() > 0 && now.Sub(e.pending.Front().sentAt) > e.config.Timeout {
		e.pending.PopFront()
		e.timedOut++
	}
}

// RTT returns the last measured round-trip time and whether one exists.
func (e *RTTEstimator) RTT() (time.Duration, bool) {
	return e.last, e.samples > 0
}

// SmoothedRTT returns the smoothed round-trip time and whether one exists.
func (e *RTTEstimator) SmoothedRTT() (time.Duration, bool) {
	return e.smoothed, e.samples > 0
}

// Pending returns the number of outstanding requests.
func (e *RTTEstimator) Pending() int {
	return e.pending.Len()
}

// Stats returns a snapshot of the estimator.
func (e *RTTEstimator) Stats() RTTStats {
	return RTTStats{
		Last:     e.last,
		Smoothed: e.smoothed,
		Min:      e.min,
		Samples:  e.samples,
		Pending:  e.pending.Len(),
		TimedOut: e.timedOut,
		Dropped:  e.dropped,
	}
}
