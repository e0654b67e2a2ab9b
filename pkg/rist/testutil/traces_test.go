package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/rist/pkg/rist/internal"
)

func TestPatterns(t *testing.T) {
	p := PeriodicLoss{Every: 3, Offset: 1}
	var dropped []int
	for i := 0; i < 10; i++ {
		if p.Drop(i) {
			dropped = append(dropped, i)
		}
	}
	assert.Equal(t, []int{1, 4, 7}, dropped)

	b := BurstLoss{Period: 10, Length: 3}
	dropped = dropped[:0]
	for i := 0; i < 20; i++ {
		if b.Drop(i) {
			dropped = append(dropped, i)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 10, 11, 12}, dropped)

	assert.False(t, NoLoss{}.Drop(0))
}

func TestRandomLoss_Deterministic(t *testing.T) {
	a := NewRandomLoss(0.1, 99)
	b := NewRandomLoss(0.1, 99)
	n := 0
	for i := 0; i < 10000; i++ {
		da := a.Drop(i)
		assert.Equal(t, da, b.Drop(i))
		if da {
			n++
		}
	}
	assert.InDelta(t, 1000, n, 150)
}

func TestConstantRateTrace(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	start := clock.Now()
	events := ConstantRateTrace(clock, 5, 2*time.Millisecond, PeriodicLoss{Every: 2})

	assert.Len(t, events, 5)
	assert.Equal(t, start.Add(8*time.Millisecond), events[4].SendTime)
	assert.True(t, events[0].Dropped)
	assert.False(t, events[1].Dropped)
	assert.Equal(t, start.Add(10*time.Millisecond), clock.Now())
}

func TestLink(t *testing.T) {
	l := NewLink(10*time.Millisecond, PeriodicLoss{Every: 2, Offset: 1})
	t0 := time.Unix(1, 0)

	l.Send([]byte{0}, t0)
	l.Send([]byte{1}, t0) // dropped
	l.Send([]byte{2}, t0.Add(5*time.Millisecond))

	assert.Empty(t, l.Deliver(t0.Add(9*time.Millisecond)))
	assert.Equal(t, [][]byte{{0}}, l.Deliver(t0.Add(10*time.Millisecond)))
	assert.Equal(t, [][]byte{{2}}, l.Deliver(t0.Add(time.Second)))
	assert.Equal(t, 3, l.Sent())
	assert.Equal(t, 1, l.Dropped())
	assert.Equal(t, 0, l.InFlight())
}
