package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/internal"
	"github.com/thesyncim/rist/pkg/rist/packet"
)

const mediaSSRC uint32 = 0x1000

// mockRTPWriter captures every packet written downstream.
type mockRTPWriter struct {
	mu      sync.Mutex
	packets []rtp.Packet
}

func (m *mockRTPWriter) Write(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, rtp.Packet{
		Header:  header.Clone(),
		Payload: append([]byte(nil), payload...),
	})
	return header.MarshalSize() + len(payload), nil
}

func (m *mockRTPWriter) written() []rtp.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rtp.Packet(nil), m.packets...)
}

// mockRTCPWriter captures written RTCP packets.
type mockRTCPWriter struct {
	mu      sync.Mutex
	packets []rtcp.Packet
}

func (m *mockRTCPWriter) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkts...)
	return len(pkts), nil
}

// echoes decodes every written packet as a RIST echo.
func (m *mockRTCPWriter) echoes(t *testing.T) []*packet.RttEcho {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*packet.RttEcho
	for _, p := range m.packets {
		buf, err := p.Marshal()
		require.NoError(t, err)
		decoded, _, err := packet.Unmarshal(buf)
		require.NoError(t, err)
		if e, ok := decoded.(*packet.RttEcho); ok {
			out = append(out, e)
		}
	}
	return out
}

// rtcpSource hands out one datagram per Read.
type rtcpSource struct {
	datagrams [][]byte
}

func (s *rtcpSource) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	if len(s.datagrams) == 0 {
		return 0, a, nil
	}
	n := copy(b, s.datagrams[0])
	s.datagrams = s.datagrams[1:]
	return n, a, nil
}

type harness struct {
	ri     *RISTInterceptor
	clock  *internal.MockClock
	media  *mockRTPWriter
	rtcp   *mockRTCPWriter
	local  interceptor.RTPWriter
	source *rtcpSource
	reader interceptor.RTCPReader
}

func newHarness(t *testing.T, opts ...FactoryOption) *harness {
	t.Helper()
	clock := internal.NewMockClock(time.Unix(1_700_000_000, 0))
	opts = append([]FactoryOption{WithClock(clock), WithEchoInterval(0), WithSenderSSRC(0x2000)}, opts...)
	factory, err := NewRISTInterceptorFactory(opts...)
	require.NoError(t, err)
	i, err := factory.NewInterceptor("test")
	require.NoError(t, err)

	h := &harness{
		ri:     i.(*RISTInterceptor),
		clock:  clock,
		media:  &mockRTPWriter{},
		rtcp:   &mockRTCPWriter{},
		source: &rtcpSource{},
	}
	h.ri.BindRTCPWriter(h.rtcp)
	h.local = h.ri.BindLocalStream(&interceptor.StreamInfo{
		SSRC:         mediaSSRC,
		RTCPFeedback: []interceptor.RTCPFeedback{{Type: "nack"}},
	}, h.media)
	h.reader = h.ri.BindRTCPReader(h.source)
	t.Cleanup(func() { _ = h.ri.Close() })
	return h
}

func (h *harness) send(t *testing.T, seqs ...uint16) {
	t.Helper()
	for _, seq := range seqs {
		hdr := &rtp.Header{Version: 2, PayloadType: 33, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, SSRC: mediaSSRC}
		_, err := h.local.Write(hdr, []byte{0xAB, byte(seq)}, nil)
		require.NoError(t, err)
	}
}

func (h *harness) receive(t *testing.T, p packet.RTCPPacket) {
	t.Helper()
	buf, err := p.Marshal()
	require.NoError(t, err)
	h.source.datagrams = append(h.source.datagrams, buf)
	n, _, err := h.reader.Read(make([]byte, 1500), nil)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n, "datagram passed through")
}

func TestRISTInterceptor_ResendsGenericNack(t *testing.T) {
	h := newHarness(t)
	h.send(t, 100, 101, 102, 103, 104)
	require.Len(t, h.media.written(), 5)

	h.receive(t, &packet.GenericNack{
		SenderSSRC: 0x9999,
		MediaSSRC:  mediaSSRC,
		Nacks:      packet.NackPairsFromSequenceNumbers([]uint16{101, 103}),
	})

	written := h.media.written()
	require.Len(t, written, 7)
	for k, seq := range []uint16{101, 103} {
		p := written[5+k]
		assert.Equal(t, mediaSSRC|rist.RetransmitSSRCFlag, p.SSRC)
		assert.Equal(t, seq, p.SequenceNumber)
		assert.Equal(t, uint32(seq)*3000, p.Timestamp)
		assert.Equal(t, []byte{0xAB, byte(seq)}, p.Payload)
	}

	st := h.ri.Stats().Streams[mediaSSRC]
	assert.Equal(t, uint64(5), st.Recorded)
	assert.Equal(t, uint64(2), st.Resent)
}

func TestRISTInterceptor_ResendsRangeNack(t *testing.T) {
	h := newHarness(t)
	h.send(t, 10, 11, 12, 13)

	h.receive(t, &packet.RangeNack{
		SSRC:   mediaSSRC | rist.RetransmitSSRCFlag,
		Ranges: []packet.PacketRange{{Start: 11, Additional: 1}},
	})

	written := h.media.written()
	require.Len(t, written, 6)
	assert.Equal(t, uint16(11), written[4].SequenceNumber)
	assert.Equal(t, uint16(12), written[5].SequenceNumber)
}

func TestRISTInterceptor_RetryBudget(t *testing.T) {
	h := newHarness(t, WithMaxRetries(1))
	h.send(t, 1)
	nack := &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{1})}

	h.receive(t, nack)
	h.receive(t, nack)

	assert.Len(t, h.media.written(), 2, "second request refused")
	assert.Equal(t, uint64(1), h.ri.Stats().Streams[mediaSSRC].RetryBudgetExhausted)
}

func TestRISTInterceptor_UnknownStreamAndMiss(t *testing.T) {
	h := newHarness(t)
	h.send(t, 5)

	h.receive(t, &packet.GenericNack{MediaSSRC: 0x7777, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{5})})
	h.receive(t, &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{6})})

	assert.Len(t, h.media.written(), 1)
	assert.Equal(t, uint64(1), h.ri.Stats().Streams[mediaSSRC].Misses)
}

func TestRISTInterceptor_PassesThroughUndecodable(t *testing.T) {
	h := newHarness(t)
	h.source.datagrams = append(h.source.datagrams, []byte{0x80, 0xC8})
	n, _, err := h.reader.Read(make([]byte, 1500), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRISTInterceptor_PionNack(t *testing.T) {
	h := newHarness(t)
	h.send(t, 40, 41, 42)

	buf, err := (&rtcp.TransportLayerNack{
		MediaSSRC: mediaSSRC,
		Nacks:     rtcp.NackPairsFromSequenceNumbers([]uint16{41}),
	}).Marshal()
	require.NoError(t, err)
	h.source.datagrams = append(h.source.datagrams, buf)
	_, _, err = h.reader.Read(make([]byte, 1500), nil)
	require.NoError(t, err)

	written := h.media.written()
	require.Len(t, written, 4)
	assert.Equal(t, uint16(41), written[3].SequenceNumber)
}

func TestRISTInterceptor_AnswersEchoRequest(t *testing.T) {
	h := newHarness(t)
	h.receive(t, packet.NewEchoRequest(0x4444, 0xCAFE, 2))

	echoes := h.rtcp.echoes(t)
	require.Len(t, echoes, 1)
	assert.True(t, echoes[0].Response)
	assert.Equal(t, uint32(0x4444), echoes[0].SSRC)
	assert.Equal(t, uint64(0xCAFE), echoes[0].Timestamp)
	assert.Equal(t, uint32(2), echoes[0].PaddingWords)
}

func TestRISTInterceptor_MeasuresRTT(t *testing.T) {
	var samples []time.Duration
	h := newHarness(t, WithOnRTT(func(rtt time.Duration) { samples = append(samples, rtt) }))

	h.ri.sendEchoRequest(h.clock.Now())
	echoes := h.rtcp.echoes(t)
	require.Len(t, echoes, 1)
	req := echoes[0]
	assert.False(t, req.Response)
	assert.Equal(t, uint32(0x2000), req.SSRC)

	h.clock.Advance(30 * time.Millisecond)
	h.receive(t, packet.NewEchoResponse(req.SSRC, req.Timestamp, 0, 0))

	assert.Equal(t, []time.Duration{30 * time.Millisecond}, samples)
	rtt, ok := h.ri.RTT()
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, rtt)

	// A replay matches nothing.
	h.receive(t, packet.NewEchoResponse(req.SSRC, req.Timestamp, 0, 0))
	assert.Len(t, samples, 1)
}

func TestRISTInterceptor_StreamWithoutNackNotCached(t *testing.T) {
	h := newHarness(t)
	plain := &mockRTPWriter{}
	w := h.ri.BindLocalStream(&interceptor.StreamInfo{SSRC: 0x5000}, plain)
	_, err := w.Write(&rtp.Header{Version: 2, SSRC: 0x5000}, nil, nil)
	require.NoError(t, err)

	_, ok := h.ri.Stats().Streams[0x5000]
	assert.False(t, ok)
	assert.Len(t, plain.written(), 1)
}

func TestRISTInterceptor_ForeignSSRCNotCached(t *testing.T) {
	h := newHarness(t)
	_, err := h.local.Write(&rtp.Header{Version: 2, SequenceNumber: 1, SSRC: 0xBEEF}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.ri.Stats().Streams[mediaSSRC].Recorded)
}

func TestRISTInterceptor_UnbindLocalStream(t *testing.T) {
	h := newHarness(t)
	h.send(t, 1)
	h.ri.UnbindLocalStream(&interceptor.StreamInfo{SSRC: mediaSSRC})
	assert.Empty(t, h.ri.Stats().Streams)

	h.receive(t, &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{1})})
	assert.Len(t, h.media.written(), 1)
}

func TestRISTInterceptor_ExpireByAge(t *testing.T) {
	h := newHarness(t, WithMaxAge(100*time.Millisecond))
	h.send(t, 1, 2)
	h.clock.Advance(50 * time.Millisecond)
	h.send(t, 3)

	h.clock.Advance(60 * time.Millisecond)
	assert.Equal(t, 2, h.ri.expire(h.clock.Now()))
	assert.Equal(t, 0, h.ri.expire(h.clock.Now()))
}

func TestRISTInterceptor_IdleStreamDropsCache(t *testing.T) {
	h := newHarness(t)
	h.send(t, 1, 2, 3)
	h.clock.Advance(streamTimeout)
	assert.Equal(t, 0, h.ri.expire(h.clock.Now()), "no max age and not yet idle")

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 3, h.ri.expire(h.clock.Now()))

	h.receive(t, &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{2})})
	assert.Len(t, h.media.written(), 3, "nothing resent after the cache was dropped")

	h.send(t, 4)
	h.receive(t, &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{4})})
	assert.Len(t, h.media.written(), 5)
}

func TestRISTInterceptor_LargePacketBypassesPool(t *testing.T) {
	h := newHarness(t)
	payload := make([]byte, 3000)
	payload[2999] = 0x7F
	_, err := h.local.Write(&rtp.Header{Version: 2, SequenceNumber: 9, SSRC: mediaSSRC}, payload, nil)
	require.NoError(t, err)

	h.receive(t, &packet.GenericNack{MediaSSRC: mediaSSRC, Nacks: packet.NackPairsFromSequenceNumbers([]uint16{9})})
	written := h.media.written()
	require.Len(t, written, 2)
	assert.Equal(t, payload, written[1].Payload)
}

func TestRISTInterceptor_EchoLoopAndClose(t *testing.T) {
	clock := internal.NewMockClock(time.Unix(1_700_000_000, 0))
	factory, err := NewRISTInterceptorFactory(WithClock(clock), WithEchoInterval(5*time.Millisecond))
	require.NoError(t, err)
	i, err := factory.NewInterceptor("loop")
	require.NoError(t, err)
	ri := i.(*RISTInterceptor)

	w := &mockRTCPWriter{}
	ri.BindRTCPWriter(w)
	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.packets) > 0
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = ri.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the echo loop")
	}
	assert.NoError(t, ri.Close(), "second Close is a no-op")
}

func TestRISTInterceptor_ConcurrentWriteAndNack(t *testing.T) {
	h := newHarness(t)
	h.send(t, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := uint16(1); seq < 500; seq++ {
			hdr := &rtp.Header{Version: 2, SequenceNumber: seq, SSRC: mediaSSRC}
			_, _ = h.local.Write(hdr, []byte{byte(seq)}, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for k := 0; k < 200; k++ {
			h.ri.handleRTCP(mustMarshal(t, &packet.GenericNack{
				MediaSSRC: mediaSSRC,
				Nacks:     packet.NackPairsFromSequenceNumbers([]uint16{0}),
			}))
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(500), h.ri.Stats().Streams[mediaSSRC].Recorded)
}

func mustMarshal(t *testing.T, p packet.RTCPPacket) []byte {
	buf, err := p.Marshal()
	if err != nil {
		t.Error(err)
	}
	return buf
}
