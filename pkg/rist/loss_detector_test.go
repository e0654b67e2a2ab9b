package rist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

func newTestLossDetector(t *testing.T, mutate func(*LossDetectorConfig)) *LossDetector {
	t.Helper()
	cfg := LossDetectorConfig{
		ReorderDelay:     10 * time.Millisecond,
		MinRetryInterval: 20 * time.Millisecond,
		MaxNackRetries:   2,
		MaxMissing:       64,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewLossDetector(cfg)
	require.NoError(t, err)
	return d
}

func TestLossDetector_GapIsNackedAfterReorderDelay(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)

	arrival, _ := d.Push(100, t0)
	assert.Equal(t, ArrivalInOrder, arrival)
	d.Push(104, t0)
	assert.Equal(t, 3, d.Missing())

	assert.Empty(t, d.Pairs(t0.Add(5*time.Millisecond)), "inside the reorder window")

	pairs := d.Pairs(t0.Add(10 * time.Millisecond))
	assert.Equal(t, []packet.NackPair{{PacketID: 101, LostPackets: 0b11}}, pairs)
}

func TestLossDetector_ReorderedPacketCancelsNack(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)
	d.Push(1, t0)
	d.Push(3, t0)

	arrival, _ := d.Push(2, t0.Add(time.Millisecond))
	assert.Equal(t, ArrivalRecovered, arrival)
	assert.Empty(t, d.Pairs(t0.Add(time.Second)))
	assert.Equal(t, uint64(1), d.Stats().Recovered)
}

func TestLossDetector_RetrySpacingAndGiveUp(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)
	d.Push(10, t0)
	d.Push(12, t0)

	assert.Len(t, d.Pairs(t0.Add(10*time.Millisecond)), 1)
	assert.Empty(t, d.Pairs(t0.Add(20*time.Millisecond)), "retry interval not elapsed")
	assert.Len(t, d.Pairs(t0.Add(30*time.Millisecond)), 1)

	// Out of retries: dropped once the next retry would be due.
	assert.Empty(t, d.Pairs(t0.Add(50*time.Millisecond)))
	assert.Equal(t, 0, d.Missing())
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Abandoned)
	assert.Equal(t, uint64(2), st.NacksRequested)
}

func TestLossDetector_RTTStretchesRetries(t *testing.T) {
	d := newTestLossDetector(t, nil)
	d.SetRTT(100 * time.Millisecond)
	t0 := time.Unix(100, 0)
	d.Push(10, t0)
	d.Push(12, t0)

	assert.Len(t, d.Pairs(t0.Add(10*time.Millisecond)), 1)
	assert.Empty(t, d.Pairs(t0.Add(60*time.Millisecond)))
	assert.Len(t, d.Pairs(t0.Add(110*time.Millisecond)), 1)
}

func TestLossDetector_WrapAround(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)
	d.Push(65534, t0)
	d.Push(1, t0)

	pairs := d.Pairs(t0.Add(time.Second))
	require.Len(t, pairs, 1)
	assert.Equal(t, []uint16{65535, 0}, pairs[0].PacketList())
}

func TestLossDetector_DuplicatesAndOld(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)
	d.Push(5, t0)
	d.Push(6, t0)

	arrival, _ := d.Push(6, t0)
	assert.Equal(t, ArrivalDuplicate, arrival)
	arrival, _ = d.Push(5, t0)
	assert.Equal(t, ArrivalDuplicate, arrival)
	assert.Equal(t, uint64(2), d.Stats().Duplicates)

	arrival, _ = d.Push(4, t0)
	assert.Equal(t, ArrivalTooOld, arrival, "before the first packet")
	assert.Equal(t, 0, d.Missing())
}

func TestLossDetector_BoundsMissing(t *testing.T) {
	d := newTestLossDetector(t, func(c *LossDetectorConfig) { c.MaxMissing = 8 })
	t0 := time.Unix(100, 0)
	d.Push(0, t0)
	d.Push(100, t0)

	assert.Equal(t, 8, d.Missing())
	st := d.Stats()
	assert.Equal(t, uint64(99), st.Detected)
	assert.Equal(t, uint64(91), st.Abandoned)

	pairs := d.Pairs(t0.Add(time.Second))
	require.Len(t, pairs, 1)
	assert.Equal(t, uint16(92), pairs[0].PacketID)
}

func TestLossDetector_Reset(t *testing.T) {
	d := newTestLossDetector(t, nil)
	t0 := time.Unix(100, 0)
	d.Push(5, t0)
	d.Push(9, t0)
	d.Reset()
	assert.Equal(t, 0, d.Missing())

	arrival, _ := d.Push(1000, t0)
	assert.Equal(t, ArrivalInOrder, arrival)
	assert.Equal(t, 0, d.Missing())
}

func TestLossDetectorConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultLossDetectorConfig().Validate())
	_, err := NewLossDetector(LossDetectorConfig{MaxNackRetries: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLossDetector(LossDetectorConfig{MaxMissing: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
