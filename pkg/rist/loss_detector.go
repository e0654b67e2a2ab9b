package rist

import (
	"slices"
	"time"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// LossDetectorConfig configures gap detection on the receive side.
type LossDetectorConfig struct {
	// ReorderDelay is how long a gap may stay open before the first NACK,
	// absorbing ordinary reordering.
	ReorderDelay time.Duration

	// MinRetryInterval is the lower bound on the spacing of repeated NACKs
	// for one packet. The measured RTT is used when larger.
	MinRetryInterval time.Duration

	// MaxNackRetries bounds how often one packet is requested.
	MaxNackRetries uint32

	// MaxMissing bounds the number of tracked gaps. The oldest are given up
	// first.
	MaxMissing int
}

// DefaultLossDetectorConfig returns settings for a low latency LAN/WAN link.
func DefaultLossDetectorConfig() LossDetectorConfig {
	return LossDetectorConfig{
		ReorderDelay:     25 * time.Millisecond,
		MinRetryInterval: 20 * time.Millisecond,
		MaxNackRetries:   10,
		MaxMissing:       1024,
	}
}

// Validate reports configuration errors.
func (c LossDetectorConfig) Validate() error {
	if c.ReorderDelay < 0 || c.MinRetryInterval < 0 {
		return invalidConfig("loss detector delays must not be negative")
	}
	if c.MaxNackRetries == 0 {
		return invalidConfig("max nack retries must be positive")
	}
	if c.MaxMissing <= 0 {
		return invalidConfig("max missing must be positive, got %d", c.MaxMissing)
	}
	return nil
}

// Arrival classifies an incoming sequence number.
type Arrival int

const (
	// ArrivalInOrder advanced the highest sequence number, possibly opening
	// gaps behind it.
	ArrivalInOrder Arrival = iota
	// ArrivalRecovered filled a tracked gap.
	ArrivalRecovered
	// ArrivalDuplicate was already received or is no longer tracked.
	ArrivalDuplicate
	// ArrivalTooOld predates the first packet of the session.
	ArrivalTooOld
)

// LossStats counts loss detector events.
type LossStats struct {
	Received       uint64
	Duplicates     uint64
	Detected       uint64
	Recovered      uint64
	Abandoned      uint64
	NacksRequested uint64
}

type missingPacket struct {
	ext      uint64
	detected time.Time
	lastNack time.Time
	tries    uint32
}

// LossDetector tracks the highest extended sequence number received and the
// gaps behind it, and decides which missing packets to NACK when.
//
// It is not safe for concurrent use.
type LossDetector struct {
	config  LossDetectorConfig
	unwrap  SequenceUnwrapper
	first   uint64
	missing []missingPacket
	rtt     time.Duration
	stats   LossStats
}

// NewLossDetector creates an empty detector.
func NewLossDetector(config LossDetectorConfig) (*LossDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LossDetector{config: config}, nil
}

// Push registers the arrival of seq and returns its classification and
// extended sequence number.
func (d *LossDetector) Push(seq uint16, now time.Time) (Arrival, uint64) {
	started := d.unwrap.Started()
	prev := d.unwrap.Highest()
	ext, ok := d.unwrap.Unwrap(seq)
	if !ok || (started && ext < d.first) {
		return ArrivalTooOld, ext
	}
	if !started {
		d.first = ext
		d.stats.Received++
		return ArrivalInOrder, ext
	}

	switch {
	case ext > prev:
		from := prev + 1
		if gap := ext - from; gap > uint64(d.config.MaxMissing) {
			d.stats.Detected += gap - uint64(d.config.MaxMissing)
			d.stats.Abandoned += gap - uint64(d.config.MaxMissing)
			from = ext - uint64(d.config.MaxMissing)
		}
		for s := from; s < ext; s++ {
			d.missing = append(d.missing, missingPacket{ext: s, detected: now})
			d.stats.Detected++
		}
		if over := len(d.missing) - d.config.MaxMissing; over > 0 {
			d.missing = d.missing[over:]
			d.stats.Abandoned += uint64(over)
		}
		d.stats.Received++
		return ArrivalInOrder, ext
	case ext == prev:
		d.stats.Duplicates++
		return ArrivalDuplicate, ext
	}

	idx, found := slices.BinarySearchFunc(d.missing, ext, func(m missingPacket, target uint64) int {
		switch {
		case m.ext < target:
			return -1
		case m.ext > target:
			return 1
		}
		return 0
	})
	if !found {
		d.stats.Duplicates++
		return ArrivalDuplicate, ext
	}
	d.missing = slices.Delete(d.missing, idx, idx+1)
	d.stats.Received++
	d.stats.Recovered++
	return ArrivalRecovered, ext
}

// SetRTT updates the round-trip time used to space repeated NACKs.
func (d *LossDetector) SetRTT(rtt time.Duration) {
	d.rtt = rtt
}

// Pairs returns the NACK pairs due at now. Packets past their reorder delay
// are requested for the first time, packets whose last request is older than
// max(RTT, MinRetryInterval) are requested again, and packets out of retries
// are given up.
func (d *LossDetector) Pairs(now time.Time) []packet.NackPair {
	retry := max(d.rtt, d.config.MinRetryInterval)
	var due []uint16
	kept := d.missing[:0]
	for _, m := range d.missing {
		var ready bool
		if m.tries == 0 {
			ready = now.Sub(m.detected) >= d.config.ReorderDelay
		} else {
			ready = now.Sub(m.lastNack) >= retry
		}
		if ready && m.tries >= d.config.MaxNackRetries {
			d.stats.Abandoned++
			continue
		}
		if ready {
			m.tries++
			m.lastNack = now
			due = append(due, uint16(m.ext))
		}
		kept = append(kept, m)
	}
	d.missing = kept
	d.stats.NacksRequested += uint64(len(due))
	return packet.NackPairsFromSequenceNumbers(due)
}

// Missing returns the number of open gaps.
func (d *LossDetector) Missing() int {
	return len(d.missing)
}

// Highest returns the highest extended sequence number seen.
func (d *LossDetector) Highest() uint64 {
	return d.unwrap.Highest()
}

// Reset forgets all state, for a new media source.
func (d *LossDetector) Reset() {
	d.unwrap = SequenceUnwrapper{}
	d.first = 0
	d.missing = d.missing[:0]
}

// Stats returns the event counters.
func (d *LossDetector) Stats() LossStats {
	return d.stats
}
