package rist

import (
	"container/list"
	"fmt"
	"time"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// RetransmitOutcome is the decision taken for one NACKed sequence number.
type RetransmitOutcome int

const (
	// OutcomeResend means the cached packet should be sent again.
	OutcomeResend RetransmitOutcome = iota
	// OutcomeCacheMiss means the packet was never cached or already evicted.
	OutcomeCacheMiss
	// OutcomeRetryBudgetExhausted means the packet was resent MaxRetries
	// times already.
	OutcomeRetryBudgetExhausted
)

func (o RetransmitOutcome) String() string {
	switch o {
	case OutcomeResend:
		return "resend"
	case OutcomeCacheMiss:
		return "cache-miss"
	case OutcomeRetryBudgetExhausted:
		return "retry-budget-exhausted"
	default:
		return fmt.Sprintf("RetransmitOutcome(%d)", int(o))
	}
}

// RetransmitAction is the cache's answer for one requested sequence number.
// Data is set only for OutcomeResend and is owned by the cache: it stays
// valid until the next Record call.
type RetransmitAction struct {
	SequenceNumber uint16
	Outcome        RetransmitOutcome
	Data           []byte
	RetryCount     uint32
}

// CacheEntry is one transmitted packet held for retransmission.
type CacheEntry struct {
	SequenceNumber uint16
	Data           []byte
	SendTime       time.Time
	RetryCount     uint32
}

// RetransmissionCacheConfig configures a RetransmissionCache.
type RetransmissionCacheConfig struct {
	// Capacity is the number of packets kept. When full, recording a new
	// packet evicts the oldest one.
	Capacity int

	// MaxRetries bounds how many times one packet is resent.
	MaxRetries uint32

	// MaxAge drops packets sent longer ago than this before each NACK is
	// served. Zero keeps packets until evicted by capacity.
	MaxAge time.Duration
}

// DefaultRetransmissionCacheConfig returns a cache sized for about one
// second of a 10 Mbps transport stream (7 TS packets per datagram).
func DefaultRetransmissionCacheConfig() RetransmissionCacheConfig {
	return RetransmissionCacheConfig{
		Capacity:   1024,
		MaxRetries: 10,
	}
}

// Validate reports configuration errors.
func (c RetransmissionCacheConfig) Validate() error {
	if c.Capacity <= 0 {
		return invalidConfig("cache capacity must be positive, got %d", c.Capacity)
	}
	if c.MaxRetries == 0 {
		return invalidConfig("cache max retries must be positive")
	}
	if c.MaxAge < 0 {
		return invalidConfig("cache max age must not be negative, got %v", c.MaxAge)
	}
	return nil
}

// CacheStats counts cache decisions since creation.
type CacheStats struct {
	Recorded             uint64
	Evicted              uint64
	Expired              uint64
	Resent               uint64
	Misses               uint64
	RetryBudgetExhausted uint64
}

// RetransmissionCache keeps the most recent transmitted packets keyed by
// sequence number. Lookups and inserts are O(1); the list keeps send order
// so the oldest packet is always at the front.
//
// It is not safe for concurrent use.
type RetransmissionCache struct {
	config  RetransmissionCacheConfig
	entries map[uint16]*list.Element
	order   *list.List
	stats   CacheStats
}

// NewRetransmissionCache creates an empty cache.
func NewRetransmissionCache(config RetransmissionCacheConfig) (*RetransmissionCache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RetransmissionCache{
		config:  config,
		entries: make(map[uint16]*list.Element, config.Capacity),
		order:   list.New(),
	}, nil
}

// Record stores a copy of data under seq. Re-recording a sequence number
// replaces the entry, resets its retry count and makes it the newest.
func (c *RetransmissionCache) Record(seq uint16, data []byte, sendTime time.Time) {
	c.stats.Recorded++
	if el, ok := c.entries[seq]; ok {
		e := el.Value.(*CacheEntry)
		e.Data = append(e.Data[:0], data...)
		e.SendTime = sendTime
		e.RetryCount = 0
		c.order.MoveToBack(el)
		return
	}

	var e *CacheEntry
	if c.order.Len() >= c.config.Capacity {
		// Reuse the evicted entry and its buffer.
		e = c.order.Remove(c.order.Front()).(*CacheEntry)
		delete(c.entries, e.SequenceNumber)
		c.stats.Evicted++
	} else {
		e = &CacheEntry{}
	}
	e.SequenceNumber = seq
	e.Data = append(e.Data[:0], data...)
	e.SendTime = sendTime
	e.RetryCount = 0
	c.entries[seq] = c.order.PushBack(e)
}

// LookupForRetransmit returns the entry for seq and counts one retry
// against it. The entry is owned by the cache.
func (c *RetransmissionCache) LookupForRetransmit(seq uint16) (*CacheEntry, bool) {
	el, ok := c.entries[seq]
	if !ok {
		return nil, false
	}
	e := el.Value.(*CacheEntry)
	e.RetryCount++
	return e, true
}

func (c *RetransmissionCache) retransmit(seq uint16) RetransmitAction {
	el, ok := c.entries[seq]
	if !ok {
		c.stats.Misses++
		return RetransmitAction{SequenceNumber: seq, Outcome: OutcomeCacheMiss}
	}
	e := el.Value.(*CacheEntry)
	if e.RetryCount >= c.config.MaxRetries {
		c.stats.RetryBudgetExhausted++
		return RetransmitAction{
			SequenceNumber: seq,
			Outcome:        OutcomeRetryBudgetExhausted,
			RetryCount:     e.RetryCount,
		}
	}
	e.RetryCount++
	c.stats.Resent++
	return RetransmitAction{
		SequenceNumber: seq,
		Outcome:        OutcomeResend,
		Data:           e.Data,
		RetryCount:     e.RetryCount,
	}
}

// HandleGenericNack resolves every sequence number of a Generic NACK, pair
// by pair, in wire order.
func (c *RetransmissionCache) HandleGenericNack(nack *packet.GenericNack, now time.Time) []RetransmitAction {
	c.Expire(now)
	var actions []RetransmitAction
	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			actions = append(actions, c.retransmit(seq))
		}
	}
	return actions
}

// HandleRangeNack resolves every sequence number of a Range NACK, range by
// range, in wire order.
func (c *RetransmissionCache) HandleRangeNack(nack *packet.RangeNack, now time.Time) []RetransmitAction {
	c.Expire(now)
	var actions []RetransmitAction
	for _, r := range nack.Ranges {
		for _, seq := range r.SequenceNumbers() {
			actions = append(actions, c.retransmit(seq))
		}
	}
	return actions
}

// Expire drops entries sent more than MaxAge before now. It is a no-op when
// MaxAge is zero.
func (c *RetransmissionCache) Expire(now time.Time) int {
	if c.config.MaxAge <= 0 {
		return 0
	}
	removed := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*CacheEntry)
		if now.Sub(e.SendTime) <= c.config.MaxAge {
			break
		}
		c.order.Remove(el)
		delete(c.entries, e.SequenceNumber)
		removed++
	}
	c.stats.Expired += uint64(removed)
	return removed
}

// Clear drops every entry.
func (c *RetransmissionCache) Clear() {
	c.order.Init()
	clear(c.entries)
}

// Len returns the number of cached packets.
func (c *RetransmissionCache) Len() int {
	return c.order.Len()
}

// Capacity returns the configured capacity.
func (c *RetransmissionCache) Capacity() int {
	return c.config.Capacity
}

// Stats returns the decision counters.
func (c *RetransmissionCache) Stats() CacheStats {
	return c.stats
}
