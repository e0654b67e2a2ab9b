package rist

// unwrapOrigin is the extended value of the first packet's cycle. Callers
// reporting RFC 3550 extended sequence numbers subtract it.
const unwrapOrigin = 1 << 16

// SequenceDelta returns the signed distance from prev to curr, treating the
// 16-bit sequence space as circular. A raw forward difference larger than
// half the range is read as a step backwards across the wrap, and the
// reverse.
func SequenceDelta(prev, curr uint16) int {
	return int(int16(curr - prev))
}

// TimestampDelta is SequenceDelta for 32-bit RTP timestamps.
func TimestampDelta(prev, curr uint32) int64 {
	return int64(int32(curr - prev))
}

// SequenceUnwrapper extends 16-bit sequence numbers into a monotonic 64-bit
// space by counting wrap cycles (RFC 3550 appendix A.1). Packets more than
// half the range behind the highest number seen are attributed to the
// previous cycle.
type SequenceUnwrapper struct {
	started bool
	highest uint64
}

// Unwrap returns the extended sequence number of seq. The second result is
// false for a packet that would land before the first packet of the session.
func (u *SequenceUnwrapper) Unwrap(seq uint16) (uint64, bool) {
	if !u.started {
		u.started = true
		// Start one cycle in so early reordering stays non-negative.
		u.highest = unwrapOrigin | uint64(seq)
		return u.highest, true
	}
	delta := int64(SequenceDelta(uint16(u.highest), seq))
	ext := int64(u.highest) + delta
	if ext < 0 {
		return 0, false
	}
	if uint64(ext) > u.highest {
		u.highest = uint64(ext)
	}
	return uint64(ext), true
}

// Highest returns the largest extended sequence number seen so far.
func (u *SequenceUnwrapper) Highest() uint64 {
	return u.highest
}

// Started reports whether any packet has been unwrapped.
func (u *SequenceUnwrapper) Started() bool {
	return u.started
}
