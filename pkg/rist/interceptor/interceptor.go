package interceptor

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/internal"
	"github.com/thesyncim/rist/pkg/rist/packet"
)

const (
	// cleanupInterval is how often cached packets are aged out.
	cleanupInterval = time.Second

	// streamTimeout is how long an idle stream keeps its cached packets.
	streamTimeout = 5 * time.Second
)

// RISTInterceptor is a Pion interceptor answering RIST feedback on the
// sending side. It caches outgoing RTP packets per stream, resends them on
// Generic or Range NACKs with the retransmit SSRC flag set, answers RTT echo
// requests and issues its own echo requests to measure round-trip time.
//
// Usage:
//
//	factory, _ := NewRISTInterceptorFactory(WithEchoInterval(500 * time.Millisecond))
//	registry.Add(factory)
type RISTInterceptor struct {
	interceptor.NoOp

	cacheConfig   rist.RetransmissionCacheConfig
	streamsFilter func(info *interceptor.StreamInfo) bool
	streams       sync.Map // SSRC (uint32) -> *localStream
	clock         internal.Clock
	log           logging.LeveledLogger

	// mu guards the dispatcher, the RTT estimator behind it and the writer.
	mu           sync.Mutex
	dispatcher   *rist.FeedbackDispatcher
	rtt          *rist.RTTEstimator
	rtcpWriter   interceptor.RTCPWriter
	echoInterval time.Duration
	senderSSRC   uint32
	onRTT        func(rtt time.Duration)

	closed    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRISTInterceptor creates a responder. A zero echoInterval disables echo
// requests; incoming requests are answered regardless.
func NewRISTInterceptor(
	cacheConfig rist.RetransmissionCacheConfig,
	rttConfig rist.RTTEstimatorConfig,
	echoInterval time.Duration,
	loggerFactory logging.LoggerFactory,
) (*RISTInterceptor, error) {
	if err := cacheConfig.Validate(); err != nil {
		return nil, err
	}
	rtt, err := rist.NewRTTEstimator(rttConfig)
	if err != nil {
		return nil, err
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	i := &RISTInterceptor{
		cacheConfig:   cacheConfig,
		streamsFilter: SupportsNack,
		clock:         internal.SystemClock{},
		log:           loggerFactory.NewLogger("rist_responder"),
		rtt:           rtt,
		echoInterval:  echoInterval,
		closed:        make(chan struct{}),
	}
	i.dispatcher = rist.NewFeedbackDispatcher(streamSet{streams: &i.streams}, rtt,
		loggerFactory.NewLogger("rist_dispatch"))
	return i, nil
}

// Close stops the background loops.
func (i *RISTInterceptor) Close() error {
	i.closeOnce.Do(func() { close(i.closed) })
	i.wg.Wait()
	return nil
}

// BindRTCPWriter captures the writer for echo traffic and starts the echo
// loop.
func (i *RISTInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	if i.echoInterval > 0 {
		i.wg.Add(1)
		go i.echoLoop()
	}
	return writer
}

// BindLocalStream records every packet of a NACK-capable stream before
// passing it on.
func (i *RISTInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	if !i.streamsFilter(info) {
		return writer
	}
	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	// Config was validated in the constructor.
	cache, _ := rist.NewRetransmissionCache(i.cacheConfig)
	stream := newLocalStream(info.SSRC, writer, cache, i.clock.Now())
	i.streams.Store(info.SSRC, stream)

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, a interceptor.Attributes) (int, error) {
		if header.SSRC == info.SSRC {
			i.record(stream, header, payload)
		}
		return writer.Write(header, payload, a)
	})
}

// UnbindLocalStream drops the stream's cache.
func (i *RISTInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.streams.Delete(info.SSRC)
}

func (i *RISTInterceptor) record(stream *localStream, header *rtp.Header, payload []byte) {
	size := header.MarshalSize() + len(payload)
	buf := getPacketBuffer(size)
	defer putPacketBuffer(buf)

	n, err := header.MarshalTo(*buf)
	if err != nil {
		i.log.Warnf("ssrc %#08x: cannot cache seq %d: %v", stream.ssrc, header.SequenceNumber, err)
		return
	}
	copy((*buf)[n:], payload)
	stream.record(header.SequenceNumber, (*buf)[:size], i.clock.Now())
}

// BindRTCPReader feeds every incoming RTCP datagram through the feedback
// dispatcher. Datagrams are passed on unchanged, including ones it cannot
// decode, so later interceptors still see them.
func (i *RISTInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		i.handleRTCP(b[:n])
		return n, attr, nil
	})
}

func (i *RISTInterceptor) handleRTCP(buf []byte) {
	now := i.clock.Now()

	i.mu.Lock()
	res, err := i.dispatcher.Dispatch(buf, now)
	writer := i.rtcpWriter
	onRTT := i.onRTT
	i.mu.Unlock()
	if err != nil {
		i.log.Debugf("undecodable rtcp (%d bytes): %v", len(buf), err)
		return
	}

	for _, route := range res.Routes {
		switch route.State {
		case rist.StateRoutedToNackHandler:
			i.resend(route)
		case rist.StateRoutedToRttEstimator:
			if route.Matched && onRTT != nil {
				onRTT(route.RTT)
			}
			if route.Response != nil {
				i.writeRTCP(writer, route.Response)
			}
		}
	}
}

func (i *RISTInterceptor) resend(route rist.Route) {
	var ssrc uint32
	switch p := route.Packet.(type) {
	case *packet.GenericNack:
		ssrc = p.MediaSSRC
	case *packet.RangeNack:
		ssrc = p.SSRC
	}
	stream, ok := streamSet{streams: &i.streams}.lookup(ssrc)
	if !ok {
		i.log.Debugf("nack for unknown ssrc %#08x", ssrc)
		return
	}

	for _, action := range route.Actions {
		if action.Outcome != rist.OutcomeResend {
			i.log.Debugf("ssrc %#08x seq %d: %s", ssrc, action.SequenceNumber, action.Outcome)
			continue
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(action.Data); err != nil {
			i.log.Warnf("ssrc %#08x seq %d: corrupt cache entry: %v", ssrc, action.SequenceNumber, err)
			continue
		}
		pkt.Header.SSRC |= rist.RetransmitSSRCFlag
		if _, err := stream.writer.Write(&pkt.Header, pkt.Payload, interceptor.Attributes{}); err != nil {
			i.log.Warnf("failed resending nacked packet: %+v", err)
		}
	}
}

func (i *RISTInterceptor) writeRTCP(writer interceptor.RTCPWriter, p packet.RTCPPacket) {
	if writer == nil {
		return
	}
	raw, err := packet.ToRawPacket(p)
	if err != nil {
		i.log.Warnf("cannot encode %s: %v", p.Header().Type, err)
		return
	}
	if _, err := writer.Write([]rtcp.Packet{raw}, nil); err != nil {
		i.log.Debugf("rtcp write: %v", err)
	}
}

// echoLoop sends an echo request every echoInterval.
func (i *RISTInterceptor) echoLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.echoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.sendEchoRequest(i.clock.Now())
		}
	}
}

func (i *RISTInterceptor) sendEchoRequest(now time.Time) {
	i.mu.Lock()
	req, err := i.rtt.SendEchoRequest(i.senderSSRC, 0, now)
	writer := i.rtcpWriter
	i.mu.Unlock()
	if err != nil {
		i.log.Warnf("echo request: %v", err)
		return
	}
	i.writeRTCP(writer, req)
}

// cleanupLoop ages out cached packets older than the cache's MaxAge and
// empties the caches of streams idle for longer than streamTimeout.
func (i *RISTInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.expire(i.clock.Now())
		}
	}
}

func (i *RISTInterceptor) expire(now time.Time) int {
	var total int
	i.streams.Range(func(_, value any) bool {
		total += value.(*localStream).expire(now)
		return true
	})
	return total
}

// RTT returns the smoothed round-trip time, if measured.
func (i *RISTInterceptor) RTT() (time.Duration, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rtt.SmoothedRTT()
}

// Stats is a snapshot of the responder.
type Stats struct {
	RTT     rist.RTTStats
	Streams map[uint32]rist.CacheStats
}

// Stats returns the RTT measurements and the cache counters per stream.
func (i *RISTInterceptor) Stats() Stats {
	i.mu.Lock()
	st := Stats{RTT: i.rtt.Stats(), Streams: make(map[uint32]rist.CacheStats)}
	i.mu.Unlock()
	i.streams.Range(func(key, value any) bool {
		st.Streams[key.(uint32)] = value.(*localStream).stats()
		return true
	})
	return st
}
