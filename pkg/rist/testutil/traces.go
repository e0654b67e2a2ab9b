// Package testutil provides deterministic loss patterns and a simulated
// network link for exercising RIST senders and receivers without sockets.
package testutil

import (
	"math/rand/v2"
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/rist/pkg/rist/internal"
)

// LossPattern decides whether the i-th datagram on a link is dropped.
type LossPattern interface {
	Drop(i int) bool
}

// NoLoss never drops.
type NoLoss struct{}

// Drop implements LossPattern.
func (NoLoss) Drop(int) bool { return false }

// PeriodicLoss drops every Every-th datagram, starting with index Offset.
type PeriodicLoss struct {
	Every  int
	Offset int
}

// Drop implements LossPattern.
func (p PeriodicLoss) Drop(i int) bool {
	if p.Every <= 0 || i < p.Offset {
		return false
	}
	return (i-p.Offset)%p.Every == 0
}

// BurstLoss drops Length consecutive datagrams at the start of every Period.
type BurstLoss struct {
	Period int
	Length int
	Offset int
}

// Drop implements LossPattern.
func (b BurstLoss) Drop(i int) bool {
	if b.Period <= 0 || i < b.Offset {
		return false
	}
	return (i-b.Offset)%b.Period < b.Length
}

// RandomLoss drops datagrams independently with probability Rate. The same
// seed always yields the same drops for the same call sequence.
type RandomLoss struct {
	rate float64
	rng  *rand.Rand
}

// NewRandomLoss creates a seeded uniform loss pattern.
func NewRandomLoss(rate float64, seed uint64) *RandomLoss {
	return &RandomLoss{rate: rate, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

// Drop implements LossPattern. Calls must be made in index order.
func (r *RandomLoss) Drop(int) bool {
	return r.rng.Float64() < r.rate
}

// PacketEvent is one departure of a constant rate trace.
type PacketEvent struct {
	Index    int
	SendTime time.Time
	Dropped  bool
}

// ConstantRateTrace generates count departures spaced by interval, marking
// the ones the pattern drops.
//
// Parameters:
//   - clock: MockClock advanced by interval after each departure
//   - count: Number of departures
//   - interval: Inter-departure gap
//   - pattern: Loss applied to each departure
func ConstantRateTrace(clock *internal.MockClock, count int, interval time.Duration, pattern LossPattern) []PacketEvent {
	events := make([]PacketEvent, count)
	for i := range events {
		events[i] = PacketEvent{
			Index:    i,
			SendTime: clock.Now(),
			Dropped:  pattern.Drop(i),
		}
		clock.Advance(interval)
	}
	return events
}

type inFlight struct {
	data      []byte
	deliverAt time.Time
}

// Link is a one-way simulated path with fixed delay and a loss pattern.
// Datagrams surviving the pattern are delivered in order once their delay
// has elapsed.
type Link struct {
	delay   time.Duration
	pattern LossPattern
	queue   *deque.Deque[inFlight]
	sent    int
	dropped int
}

// NewLink creates a link. A nil pattern means no loss.
func NewLink(delay time.Duration, pattern LossPattern) *Link {
	if pattern == nil {
		pattern = NoLoss{}
	}
	return &Link{delay: delay, pattern: pattern, queue: deque.New[inFlight]()}
}

// Send offers a datagram to the link at now. The data is copied.
func (l *Link) Send(data []byte, now time.Time) {
	i := l.sent
	l.sent++
	if l.pattern.Drop(i) {
		l.dropped++
		return
	}
	l.queue.PushBack(inFlight{
		data:      append([]byte(nil), data...),
		deliverAt: now.Add(l.delay),
	})
}

// Deliver returns the datagrams due by now, oldest first.
func (l *Link) Deliver(now time.Time) [][]byte {
	var out [][]byte
	for l.queue.Len() > 0 && !l.queue.Front().deliverAt.After(now) {
		out = append(out, l.queue.PopFront().data)
	}
	return out
}

// Sent returns how many datagrams were offered.
func (l *Link) Sent() int { return l.sent }

// Dropped returns how many datagrams the pattern discarded.
func (l *Link) Dropped() int { return l.dropped }

// InFlight returns how many datagrams await delivery.
func (l *Link) InFlight() int { return l.queue.Len() }
