package rist

import (
	"time"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// ReceptionStats accumulates the per-source statistics of an RTCP report
// block: loss (RFC 3550 A.3), interarrival jitter (A.8) and the LSR/DLSR
// pair that lets the sender compute RTT from reports.
type ReceptionStats struct {
	clock RtpClock

	started    bool
	base       uint64
	highest    uint64
	received   uint64
	expPrior   uint64
	recvPrior  uint64
	jitter     float64
	transit    int64
	hasTransit bool

	lastSR   uint32
	lastSRAt time.Time
}

// NewReceptionStats creates statistics for a source clocked at clock.
func NewReceptionStats(clock RtpClock) *ReceptionStats {
	return &ReceptionStats{clock: clock}
}

// Update accounts for a packet with extended sequence number ext.
// Retransmissions count as received but are excluded from jitter, since
// their transit time includes the repair round trip.
func (r *ReceptionStats) Update(ext uint64, rtpTimestamp uint32, arrival time.Time, retransmitted bool) {
	if !r.started {
		r.started = true
		r.base = ext
		r.highest = ext
	}
	if ext > r.highest {
		r.highest = ext
	}
	r.received++
	if retransmitted {
		return
	}

	d, err := DurationSinceEpoch(arrival)
	if err != nil {
		return
	}
	arrivalTicks := r.clock.TimestampFromDuration(d)
	transit := TimestampDelta(rtpTimestamp, arrivalTicks)
	if r.hasTransit {
		diff := transit - r.transit
		if diff < 0 {
			diff = -diff
		}
		r.jitter += (float64(diff) - r.jitter) / 16
	}
	r.transit = transit
	r.hasTransit = true
}

// RecordSenderReport remembers the NTP time of a sender report for the LSR
// and DLSR fields.
func (r *ReceptionStats) RecordSenderReport(sr *packet.SenderReport, at time.Time) {
	r.lastSR = NtpTimestampFromUint64(sr.NTPTime).Middle32()
	r.lastSRAt = at
}

// Jitter returns the interarrival jitter in timestamp units.
func (r *ReceptionStats) Jitter() uint32 {
	return uint32(r.jitter)
}

// Received returns the number of packets accounted for.
func (r *ReceptionStats) Received() uint64 {
	return r.received
}

// ReportBlock builds the report block for ssrc and starts a new loss
// interval. It returns nil before the first packet.
func (r *ReceptionStats) ReportBlock(ssrc uint32, now time.Time) *packet.ReportBlock {
	if !r.started {
		return nil
	}
	expected := r.highest - r.base + 1
	lost := int64(expected) - int64(r.received)
	lost = min(max(lost, -(1<<23)), 1<<23-1)

	expInterval := expected - r.expPrior
	recvInterval := r.received - r.recvPrior
	r.expPrior = expected
	r.recvPrior = r.received

	var fraction uint8
	if lostInterval := int64(expInterval) - int64(recvInterval); expInterval > 0 && lostInterval > 0 {
		fraction = uint8(min((lostInterval<<8)/int64(expInterval), 255))
	}

	block := &packet.ReportBlock{
		SSRC:             ssrc,
		FractionLost:     fraction,
		CumulativeLost:   int32(lost),
		HighestSequence:  uint32(r.highest - unwrapOrigin),
		Jitter:           r.Jitter(),
		LastSenderReport: r.lastSR,
	}
	if !r.lastSRAt.IsZero() {
		block.DelaySinceLastSenderReport = uint32(now.Sub(r.lastSRAt).Seconds() * 65536)
	}
	return block
}
