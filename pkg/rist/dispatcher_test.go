package rist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

func newTestDispatcher(t *testing.T) (*FeedbackDispatcher, *RetransmissionCache, *RTTEstimator) {
	t.Helper()
	cache := newTestCache(t, 64, 3)
	rtt := newTestRTT(t)
	return NewFeedbackDispatcher(cache, rtt, nil), cache, rtt
}

func TestFeedbackDispatcher_RoutesCompound(t *testing.T) {
	d, cache, rtt := newTestDispatcher(t)
	now := time.Unix(1_700_000_000, 0)
	cache.Record(100, []byte{1}, now)

	req, err := rtt.SendEchoRequest(9, 0, now)
	require.NoError(t, err)

	unknown := []byte{0x80, 203, 0x00, 0x00}
	head, err := packet.MarshalCompound(
		&packet.ReceiverReport{SSRC: 5},
		&packet.SourceDescription{SSRC: 5, CNAME: "rx"},
	)
	require.NoError(t, err)
	tail, err := packet.MarshalCompound(
		&packet.GenericNack{SenderSSRC: 5, MediaSSRC: 9, Nacks: []packet.NackPair{{PacketID: 100}}},
		packet.NewEchoResponse(5, req.Timestamp, 0, 0),
		packet.NewEchoRequest(5, 77, 1),
	)
	require.NoError(t, err)
	buf := append(append(head, unknown...), tail...)

	res, err := d.Dispatch(buf, now.Add(30*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, res.Routes, 6)

	states := make([]DispatchState, len(res.Routes))
	for i, r := range res.Routes {
		states[i] = r.State
	}
	assert.Equal(t, []DispatchState{
		StateRoutedToReports,
		StateRoutedToReports,
		StateIgnored,
		StateRoutedToNackHandler,
		StateRoutedToRttEstimator,
		StateRoutedToRttEstimator,
	}, states)

	assert.Equal(t, packet.PacketType(203), res.Routes[2].Type)
	assert.Equal(t, 1, res.Ignored())

	retransmits := res.Retransmits()
	require.Len(t, retransmits, 1)
	assert.Equal(t, OutcomeResend, retransmits[0].Outcome)

	assert.True(t, res.Routes[4].Matched)
	assert.Equal(t, 30*time.Millisecond, res.Routes[4].RTT)

	responses := res.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, uint64(77), responses[0].Timestamp)
	assert.True(t, responses[0].Response)

	assert.Equal(t, StateIdle, d.State())
}

func TestFeedbackDispatcher_CodecErrorHasNoSideEffects(t *testing.T) {
	d, cache, _ := newTestDispatcher(t)
	now := time.Unix(1_700_000_000, 0)
	cache.Record(100, []byte{1}, now)

	nack, err := (&packet.GenericNack{Nacks: []packet.NackPair{{PacketID: 100}}}).Marshal()
	require.NoError(t, err)
	// A truncated SDES follows the NACK.
	sdes, err := (&packet.SourceDescription{CNAME: "abcdef"}).Marshal()
	require.NoError(t, err)
	buf := append(nack, sdes[:8]...)

	_, err = d.Dispatch(buf, now)
	assert.ErrorIs(t, err, packet.ErrTruncated)
	assert.Equal(t, uint64(0), cache.Stats().Resent)
	assert.Equal(t, StateIdle, d.State())

	_, err = d.Dispatch([]byte{0x40, 200, 0, 0}, now)
	assert.ErrorIs(t, err, packet.ErrUnsupportedVersion)
}

func TestFeedbackDispatcher_EmptySDESKeepsNack(t *testing.T) {
	d, cache, _ := newTestDispatcher(t)
	now := time.Unix(1_700_000_000, 0)
	cache.Record(100, []byte{1}, now)

	rr, err := (&packet.ReceiverReport{SSRC: 5}).Marshal()
	require.NoError(t, err)
	nack, err := (&packet.GenericNack{SenderSSRC: 5, MediaSSRC: 9, Nacks: []packet.NackPair{{PacketID: 100}}}).Marshal()
	require.NoError(t, err)
	buf := append(append(rr, 0x80, 202, 0x00, 0x00), nack...)

	res, err := d.Dispatch(buf, now)
	require.NoError(t, err)
	require.Len(t, res.Routes, 3)
	assert.Equal(t, StateRoutedToReports, res.Routes[1].State)
	assert.Equal(t, &packet.SourceDescription{}, res.Routes[1].Packet)

	retransmits := res.Retransmits()
	require.Len(t, retransmits, 1)
	assert.Equal(t, OutcomeResend, retransmits[0].Outcome)
	assert.Equal(t, uint16(100), retransmits[0].SequenceNumber)
}

func TestFeedbackDispatcher_NilHandlers(t *testing.T) {
	d := NewFeedbackDispatcher(nil, nil, nil)
	buf, err := packet.MarshalCompound(
		&packet.RangeNack{Ranges: []packet.PacketRange{{Start: 1, Additional: 1}}},
		packet.NewEchoRequest(1, 1, 0),
	)
	require.NoError(t, err)

	res, err := d.Dispatch(buf, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, res.Routes, 2)
	assert.Equal(t, StateRoutedToNackHandler, res.Routes[0].State)
	assert.Empty(t, res.Routes[0].Actions)
	assert.Equal(t, StateRoutedToRttEstimator, res.Routes[1].State)
	assert.Nil(t, res.Routes[1].Response)
}

func TestDispatchState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "nack-handler", StateRoutedToNackHandler.String())
	assert.Equal(t, "DispatchState(42)", DispatchState(42).String())
}
