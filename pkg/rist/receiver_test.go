package rist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rist/pkg/rist/internal"
	"github.com/thesyncim/rist/pkg/rist/packet"
	"github.com/thesyncim/rist/pkg/rist/testutil"
)

func newTestReceiver(t *testing.T, mutate func(*ReceiverConfig)) *Receiver {
	t.Helper()
	cfg := DefaultReceiverConfig()
	cfg.Loss.ReorderDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReceiver(cfg, packet.NewSeededSource(11))
	require.NoError(t, err)
	return r
}

func rtpBytes(t *testing.T, ssrc uint32, seq uint16, ts uint32) []byte {
	t.Helper()
	p := packet.Packet{
		Header:  packet.Header{Version: packet.Version, PayloadType: 33, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		Payload: []byte{byte(seq)},
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

// =============================================================================
// Media path
// =============================================================================

func TestReceiver_DeliversAndDropsDuplicates(t *testing.T) {
	r := newTestReceiver(t, nil)
	now := time.Unix(1_700_000_000, 0)

	pkt, err := r.HandleRTP(rtpBytes(t, 0x1000, 10, 0), now)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte{10}, pkt.Payload)

	pkt, err = r.HandleRTP(rtpBytes(t, 0x1000, 10, 0), now)
	require.NoError(t, err)
	assert.Nil(t, pkt)

	pkt, err = r.HandleRTP(rtpBytes(t, 0x1000, 9, 0), now)
	require.NoError(t, err)
	assert.Nil(t, pkt, "predates the session")

	_, err = r.HandleRTP([]byte{0x80}, now)
	assert.ErrorIs(t, err, packet.ErrTruncated)

	st := r.Stats()
	assert.Equal(t, uint32(0x1000), st.MediaSSRC)
	assert.Equal(t, uint64(1), st.PacketsReceived)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(1), st.TooOld)
}

func TestReceiver_JitterInTicksAndTime(t *testing.T) {
	r := newTestReceiver(t, nil)
	t0 := time.Unix(1000, 0)
	const ssrc = 0x4000

	_, err := r.HandleRTP(rtpBytes(t, ssrc, 1, 5000), t0)
	require.NoError(t, err)
	// Same media time, 16ms later: 1440 ticks of transit change at 90kHz.
	_, err = r.HandleRTP(rtpBytes(t, ssrc, 2, 5000), t0.Add(16*time.Millisecond))
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, uint32(90), st.Jitter)
	assert.Equal(t, time.Millisecond, st.JitterDuration)
}

func TestReceiver_NacksGapAndAcceptsRetransmission(t *testing.T) {
	r := newTestReceiver(t, nil)
	now := time.Unix(1_700_000_000, 0)

	_, err := r.HandleRTP(rtpBytes(t, 0x1000, 1, 0), now)
	require.NoError(t, err)
	_, err = r.HandleRTP(rtpBytes(t, 0x1000, 4, 0), now)
	require.NoError(t, err)

	fb, err := r.PollFeedback(now)
	require.NoError(t, err)
	res, err := packet.DecodeCompound(fb)
	require.NoError(t, err)
	pkts := res.Packets()

	require.GreaterOrEqual(t, len(pkts), 3)
	assert.IsType(t, &packet.ReceiverReport{}, pkts[0])
	assert.IsType(t, &packet.SourceDescription{}, pkts[1])
	nack, ok := pkts[2].(*packet.GenericNack)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1000), nack.MediaSSRC)
	assert.Equal(t, r.SSRC(), nack.SenderSSRC)
	assert.Equal(t, []uint16{2, 3}, nack.SequenceNumbers())

	pkt, err := r.HandleRTP(rtpBytes(t, 0x1000|RetransmitSSRCFlag, 2, 0), now.Add(20*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, pkt, "retransmission fills the gap")

	st := r.Stats()
	assert.Equal(t, uint64(1), st.RetransmissionsReceived)
	assert.Equal(t, uint64(1), st.Loss.Recovered)
	assert.Equal(t, 1, st.Missing)
}

func TestReceiver_SourceChangeResets(t *testing.T) {
	r := newTestReceiver(t, nil)
	now := time.Unix(1_700_000_000, 0)
	_, err := r.HandleRTP(rtpBytes(t, 0x1000, 1, 0), now)
	require.NoError(t, err)
	_, err = r.HandleRTP(rtpBytes(t, 0x1000, 5, 0), now)
	require.NoError(t, err)

	_, err = r.HandleRTP(rtpBytes(t, 0x2000, 900, 0), now)
	require.NoError(t, err)
	st := r.Stats()
	assert.Equal(t, uint32(0x2000), st.MediaSSRC)
	assert.Equal(t, uint64(1), st.SourceChanges)
	assert.Equal(t, 0, st.Missing)
}

// =============================================================================
// Feedback path
// =============================================================================

func TestReceiver_PeriodicReportBlock(t *testing.T) {
	r := newTestReceiver(t, func(c *ReceiverConfig) { c.EchoInterval = 0 })
	t0 := time.Unix(1_700_000_000, 0)

	// Nothing received yet: RR without a block.
	fb, err := r.PollFeedback(t0)
	require.NoError(t, err)
	res, err := packet.DecodeCompound(fb)
	require.NoError(t, err)
	assert.Nil(t, res.Packets()[0].(*packet.ReceiverReport).Report)

	for _, seq := range []uint16{100, 101, 103, 104} {
		_, err := r.HandleRTP(rtpBytes(t, 0x1000, seq, 0), t0)
		require.NoError(t, err)
	}
	sr, err := (&packet.SenderReport{SSRC: 0x1000, NTPTime: NtpTimestamp{Seconds: 0x1234, Fraction: 0x5678_0000}.Uint64()}).Marshal()
	require.NoError(t, err)
	_, err = r.HandleInboundRTCP(sr, t0.Add(500*time.Millisecond))
	require.NoError(t, err)

	fb, err = r.PollFeedback(t0.Add(time.Second))
	require.NoError(t, err)
	res, err = packet.DecodeCompound(fb)
	require.NoError(t, err)
	block := res.Packets()[0].(*packet.ReceiverReport).Report
	require.NotNil(t, block)
	assert.Equal(t, uint32(0x1000), block.SSRC)
	assert.Equal(t, int32(1), block.CumulativeLost)
	assert.Equal(t, uint8(51), block.FractionLost, "1 of 5 lost")
	assert.Equal(t, uint32(104), block.HighestSequence)
	assert.Equal(t, uint32(0x1234_5678), block.LastSenderReport)
	assert.Equal(t, uint32(32768), block.DelaySinceLastSenderReport)

	// Not due again yet, nothing missing any more.
	_, err = r.HandleRTP(rtpBytes(t, 0x1000|RetransmitSSRCFlag, 102, 0), t0.Add(time.Second))
	require.NoError(t, err)
	fb, err = r.PollFeedback(t0.Add(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Nil(t, fb)
}

func TestReceiver_AnswersEchoAndMeasuresRTT(t *testing.T) {
	r := newTestReceiver(t, nil)
	t0 := time.Unix(1_700_000_000, 0)

	req, err := packet.NewEchoRequest(0x1000, 555, 0).Marshal()
	require.NoError(t, err)
	out, err := r.HandleInboundRTCP(req, t0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	p, _, err := packet.Unmarshal(out[0])
	require.NoError(t, err)
	assert.True(t, p.(*packet.RttEcho).Response)

	fb, err := r.PollFeedback(t0)
	require.NoError(t, err)
	res, err := packet.DecodeCompound(fb)
	require.NoError(t, err)
	var ourReq *packet.RttEcho
	for _, p := range res.Packets() {
		if e, ok := p.(*packet.RttEcho); ok {
			ourReq = e
		}
	}
	require.NotNil(t, ourReq, "feedback carries an echo request")

	resp, err := packet.NewEchoResponse(0x1000, ourReq.Timestamp, 0, 0).Marshal()
	require.NoError(t, err)
	_, err = r.HandleInboundRTCP(resp, t0.Add(40*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, r.Stats().RTT.Smoothed)
}

func TestReceiverConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultReceiverConfig().Validate())
	cfg := DefaultReceiverConfig()
	cfg.ClockRate = 0
	_, err := NewReceiver(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// =============================================================================
// Sender <-> receiver over a lossy link
// =============================================================================

// earlyLoss drops every tenth datagram until limit, so the tail of the
// stream always arrives and no loss goes undetected.
type earlyLoss struct{ limit int }

func (e earlyLoss) Drop(i int) bool {
	return i < e.limit && (testutil.PeriodicLoss{Every: 10, Offset: 3}).Drop(i)
}

func TestSenderReceiver_RecoversLoss(t *testing.T) {
	clock := internal.NewMockClock(time.Unix(1_700_000_000, 0))

	sender := newTestSender(t, func(c *SenderConfig) {
		c.Cache = RetransmissionCacheConfig{Capacity: 512, MaxRetries: 5}
	})
	receiver := newTestReceiver(t, func(c *ReceiverConfig) {
		c.Loss.ReorderDelay = 5 * time.Millisecond
		c.FeedbackInterval = 100 * time.Millisecond
	})

	forward := testutil.NewLink(10*time.Millisecond, earlyLoss{limit: 300})
	backward := testutil.NewLink(10*time.Millisecond, nil)
	control := testutil.NewLink(10*time.Millisecond, nil)

	const packets = 400
	delivered := make(map[uint16]bool)
	step := 2 * time.Millisecond
	for i := 0; i < packets+100; i++ {
		now := clock.Now()
		if i < packets {
			tx, err := sender.Push([]byte{byte(i)}, now, false)
			require.NoError(t, err)
			forward.Send(tx.Data, now)
		}
		for _, data := range forward.Deliver(now) {
			pkt, err := receiver.HandleRTP(data, now)
			require.NoError(t, err)
			if pkt != nil {
				delivered[pkt.Header.SequenceNumber] = true
			}
		}
		rtcp, err := sender.PollRTCP(now)
		require.NoError(t, err)
		for _, tx := range rtcp {
			control.Send(tx.Data, now)
		}
		for _, data := range control.Deliver(now) {
			out, err := receiver.HandleInboundRTCP(data, now)
			require.NoError(t, err)
			for _, resp := range out {
				backward.Send(resp, now)
			}
		}
		fb, err := receiver.PollFeedback(now)
		require.NoError(t, err)
		if fb != nil {
			backward.Send(fb, now)
		}
		for _, data := range backward.Deliver(now) {
			out, err := sender.HandleInboundRTCP(data, now)
			require.NoError(t, err)
			for _, tx := range out {
				if tx.Kind == TransmitRetransmission {
					forward.Send(tx.Data, now)
				} else {
					control.Send(tx.Data, now)
				}
			}
		}
		clock.Advance(step)
	}

	assert.Len(t, delivered, packets, "every packet delivered once")
	st := sender.Stats()
	assert.Greater(t, st.Retransmitted, uint64(0))
	rst := receiver.Stats()
	assert.Equal(t, 0, rst.Missing)
	assert.Greater(t, rst.Loss.Recovered, uint64(0))
	assert.Greater(t, st.RTT.Samples, uint64(0), "sender measured rtt")
	assert.Greater(t, rst.RTT.Samples, uint64(0), "receiver measured rtt")
}
