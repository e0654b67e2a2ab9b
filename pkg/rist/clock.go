package rist

import (
	"errors"
	"time"
)

// ErrSystemClockBeforeEpoch is returned when a wall-clock instant precedes
// 1970-01-01T00:00:00Z and cannot be turned into a media timestamp.
var ErrSystemClockBeforeEpoch = errors.New("system clock is before the unix epoch")

var unixEpoch = time.Unix(0, 0)

// DurationSinceEpoch returns how long after the Unix epoch t is.
func DurationSinceEpoch(t time.Time) (time.Duration, error) {
	if t.Before(unixEpoch) {
		return 0, ErrSystemClockBeforeEpoch
	}
	return t.Sub(unixEpoch), nil
}

// NtpTimestamp is a 64-bit seconds/fraction pair as carried in sender
// reports and RTT echo packets.
//
// Fraction holds the sub-second remainder in nanoseconds, not the 2^-32
// units of RFC 5905. Both ends of a RIST session built on this package agree
// on that encoding; middle-32 LSR values stay monotonic within a second.
type NtpTimestamp struct {
	Seconds  uint32
	Fraction uint32
}

// NtpTimestampFromDuration splits d into whole seconds and remaining
// nanoseconds. Seconds wrap modulo 2^32.
func NtpTimestampFromDuration(d time.Duration) NtpTimestamp {
	return NtpTimestamp{
		Seconds:  uint32(d / time.Second),
		Fraction: uint32(d % time.Second),
	}
}

// NtpTimestampFromUint64 splits the packed wire value.
func NtpTimestampFromUint64(v uint64) NtpTimestamp {
	return NtpTimestamp{Seconds: uint32(v >> 32), Fraction: uint32(v)}
}

// Uint64 packs the timestamp as seconds<<32 | fraction.
func (t NtpTimestamp) Uint64() uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Fraction)
}

// Duration converts the timestamp back into a duration.
func (t NtpTimestamp) Duration() time.Duration {
	return time.Duration(t.Seconds)*time.Second + time.Duration(t.Fraction)
}

// Middle32 returns the middle 32 bits of the packed value, the form used by
// the LSR field of a report block.
func (t NtpTimestamp) Middle32() uint32 {
	return uint32(t.Uint64() >> 16)
}

// RtpClock converts wall-clock durations into RTP media timestamps at a
// fixed sample rate.
type RtpClock struct {
	rate uint32
}

// NewRtpClock returns a clock ticking rate times per second (90000 for
// video, 27000000 for MPEG-2 TS system clock).
func NewRtpClock(rate uint32) RtpClock {
	return RtpClock{rate: rate}
}

// Rate returns the clock frequency in Hz.
func (c RtpClock) Rate() uint32 {
	return c.rate
}

// TimestampFromDuration computes (seconds*rate + nanos*rate/1e9) mod 2^32.
// The seconds product wraps in 64 bits before truncation and the fractional
// part is computed in integers, so no precision is lost below one second.
func (c RtpClock) TimestampFromDuration(d time.Duration) uint32 {
	rate := uint64(c.rate)
	secs := uint64(d / time.Second)
	nanos := uint64(d % time.Second)
	return uint32(secs*rate) + uint32(rate*nanos/uint64(time.Second))
}

// TimestampAt returns the media timestamp for the instant t.
func (c RtpClock) TimestampAt(t time.Time) (uint32, error) {
	d, err := DurationSinceEpoch(t)
	if err != nil {
		return 0, err
	}
	return c.TimestampFromDuration(d), nil
}

// Now returns the media timestamp for the current system time.
func (c RtpClock) Now() (uint32, error) {
	return c.TimestampAt(time.Now())
}

// DurationFromTicks converts a tick count at this clock's rate into a
// duration.
func (c RtpClock) DurationFromTicks(ticks int64) time.Duration {
	if c.rate == 0 {
		return 0
	}
	return time.Duration(ticks * int64(time.Second) / int64(c.rate))
}
