package rist

import (
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// RetransmitSSRCFlag is set in the SSRC of retransmitted packets. Original
// packets always carry the SSRC with this bit cleared.
const RetransmitSSRCFlag uint32 = 1

// SenderConfig configures a Sender.
type SenderConfig struct {
	// ClockRate is the RTP timestamp frequency in Hz.
	ClockRate uint32

	// PayloadType is the 7-bit RTP payload type. RIST carries MPEG-2 TS
	// (33) by default.
	PayloadType uint8

	// RemoteHost and Port address the receiver: media goes to Port, RTCP to
	// Port+1.
	RemoteHost string
	Port       ListenerPort

	// CNAME is sent in the SDES that accompanies every sender report.
	CNAME string

	Cache RetransmissionCacheConfig
	RTT   RTTEstimatorConfig
	Rate  RateStatsConfig

	// ReportInterval spaces SR+SDES compounds. Zero disables them.
	ReportInterval time.Duration

	// EchoInterval spaces RTT echo requests. Zero disables them.
	EchoInterval time.Duration

	// EchoPaddingWords pads echo requests so RTT is probed with packets
	// closer to media size.
	EchoPaddingWords uint32

	// LoggerFactory creates the sender's logger. Nil uses pion's default
	// factory.
	LoggerFactory logging.LoggerFactory
}

// DefaultSenderConfig returns a configuration for a 90 kHz MPEG-TS flow to
// localhost on the default RIST port.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ClockRate:      90000,
		PayloadType:    33,
		RemoteHost:     "127.0.0.1",
		Port:           DefaultListenerPort,
		CNAME:          "rist-sender",
		Cache:          DefaultRetransmissionCacheConfig(),
		RTT:            DefaultRTTEstimatorConfig(),
		Rate:           DefaultRateStatsConfig(),
		ReportInterval: time.Second,
		EchoInterval:   time.Second,
	}
}

// Validate reports configuration errors.
func (c SenderConfig) Validate() error {
	if c.ClockRate == 0 {
		return invalidConfig("clock rate must be positive")
	}
	if c.PayloadType > 127 {
		return invalidConfig("payload type %d does not fit in 7 bits", c.PayloadType)
	}
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if len(c.CNAME) > packet.MaxCNAMELength {
		return invalidConfig("cname longer than %d bytes", packet.MaxCNAMELength)
	}
	if c.EchoPaddingWords > packet.MaxEchoPaddingWords {
		return invalidConfig("echo padding %d exceeds %d words", c.EchoPaddingWords, packet.MaxEchoPaddingWords)
	}
	if c.ReportInterval < 0 || c.EchoInterval < 0 {
		return invalidConfig("intervals must not be negative")
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.RTT.Validate()
}

// TransmitKind classifies an outgoing datagram.
type TransmitKind int

const (
	// TransmitMedia is an original RTP packet for the media port.
	TransmitMedia TransmitKind = iota
	// TransmitRetransmission is a resent RTP packet for the media port.
	TransmitRetransmission
	// TransmitControl is an RTCP datagram for the RTCP port.
	TransmitControl
)

func (k TransmitKind) String() string {
	switch k {
	case TransmitMedia:
		return "media"
	case TransmitRetransmission:
		return "retransmission"
	case TransmitControl:
		return "control"
	default:
		return fmt.Sprintf("TransmitKind(%d)", int(k))
	}
}

// Transmit is a datagram the caller must write to Destination. Data is owned
// by the caller.
type Transmit struct {
	Destination    string
	Data           []byte
	Kind           TransmitKind
	SequenceNumber uint16
}

// SenderStats is a snapshot of a Sender.
type SenderStats struct {
	SSRC uint32

	PacketsSent uint64
	// OctetsSent counts payload bytes of original packets, as reported in
	// sender reports.
	OctetsSent uint64
	// SendBitrate covers every datagram, retransmissions included.
	SendBitrate int64

	NacksReceived        uint64
	Retransmitted        uint64
	RetransmitMisses     uint64
	RetryBudgetExhausted uint64

	ReportsSent       uint64
	EchoRequestsSent  uint64
	EchoResponsesSent uint64
	IgnoredPackets    uint64

	RTT   RTTStats
	Cache CacheStats

	// Peer* mirror the last report block received from the receiver.
	PeerFractionLost   uint8
	PeerCumulativeLost int32
	PeerJitter         uint32
}

// Sender is the sending half of a RIST flow. It owns the RTP header state,
// the retransmission cache and the RTT estimator, and turns payloads and
// inbound RTCP into datagrams for the caller to write.
//
// A Sender is not safe for concurrent use.
type Sender struct {
	config     SenderConfig
	clock      RtpClock
	header     packet.Header
	cache      *RetransmissionCache
	rtt        *RTTEstimator
	dispatcher *FeedbackDispatcher
	rate       *RateStats
	reports    *IntervalScheduler
	echoes     *IntervalScheduler
	rtpDest    string
	rtcpDest   string
	stats      SenderStats
	lastSend   time.Time
	log        logging.LeveledLogger
}

// NewSender creates a Sender. The initial sequence number and SSRC come from
// source; nil uses an entropy seeded source.
func NewSender(config SenderConfig, source packet.RandomSource) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	cache, err := NewRetransmissionCache(config.Cache)
	if err != nil {
		return nil, err
	}
	rtt, err := NewRTTEstimator(config.RTT)
	if err != nil {
		return nil, err
	}

	header := packet.NewHeader(config.PayloadType, 0, false, source)
	header.SSRC &^= RetransmitSSRCFlag

	s := &Sender{
		config:     config,
		clock:      NewRtpClock(config.ClockRate),
		header:     header,
		cache:      cache,
		rtt:        rtt,
		dispatcher: NewFeedbackDispatcher(ownNacks{ssrc: header.SSRC, cache: cache}, rtt, loggerFactory.NewLogger("rist_dispatch")),
		rate:       NewRateStats(config.Rate),
		reports:    NewIntervalScheduler(config.ReportInterval),
		echoes:     NewIntervalScheduler(config.EchoInterval),
		rtpDest:    config.Port.RTPAddr(config.RemoteHost),
		rtcpDest:   config.Port.RTCPAddr(config.RemoteHost),
		log:        loggerFactory.NewLogger("rist_sender"),
	}
	s.stats.SSRC = header.SSRC
	s.log.Debugf("sender ssrc=%#08x seq=%d -> %s", header.SSRC, header.SequenceNumber, s.rtpDest)
	return s, nil
}

// SSRC returns the synchronization source of original packets.
func (s *Sender) SSRC() uint32 {
	return s.header.SSRC
}

// NextSequenceNumber returns the sequence number the next Push will use.
func (s *Sender) NextSequenceNumber() uint16 {
	return s.header.SequenceNumber + 1
}

// Push stamps payload with the media time of now, marshals it, records it
// for retransmission and returns the datagram to send.
func (s *Sender) Push(payload []byte, now time.Time, marker bool) (*Transmit, error) {
	ts, err := s.clock.TimestampAt(now)
	if err != nil {
		return nil, err
	}
	s.header.Update(ts, marker)
	pkt := packet.Packet{Header: s.header, Payload: payload}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	s.cache.Record(s.header.SequenceNumber, data, now)

	s.stats.PacketsSent++
	s.stats.OctetsSent += uint64(len(payload))
	s.rate.Update(len(data), now)
	s.lastSend = now
	return &Transmit{
		Destination:    s.rtpDest,
		Data:           data,
		Kind:           TransmitMedia,
		SequenceNumber: s.header.SequenceNumber,
	}, nil
}

// HandleInboundRTCP processes one datagram received on the RTCP port and
// returns the retransmissions and echo responses it triggers.
func (s *Sender) HandleInboundRTCP(buf []byte, now time.Time) ([]*Transmit, error) {
	res, err := s.dispatcher.Dispatch(buf, now)
	if err != nil {
		return nil, err
	}

	var out []*Transmit
	for _, route := range res.Routes {
		switch route.State {
		case StateRoutedToNackHandler:
			s.stats.NacksReceived++
			for _, action := range route.Actions {
				tx, err := s.handleAction(action, now)
				if err != nil {
					return out, err
				}
				if tx != nil {
					out = append(out, tx)
				}
			}
		case StateRoutedToRttEstimator:
			if route.Response == nil {
				continue
			}
			data, err := route.Response.Marshal()
			if err != nil {
				return out, err
			}
			s.stats.EchoResponsesSent++
			out = append(out, &Transmit{Destination: s.rtcpDest, Data: data, Kind: TransmitControl})
		case StateRoutedToReports:
			if rr, ok := route.Packet.(*packet.ReceiverReport); ok && rr.Report != nil {
				s.stats.PeerFractionLost = rr.Report.FractionLost
				s.stats.PeerCumulativeLost = rr.Report.CumulativeLost
				s.stats.PeerJitter = rr.Report.Jitter
			}
		case StateIgnored:
			s.stats.IgnoredPackets++
		}
	}
	return out, nil
}

// ownNacks answers only NACKs addressed to ssrc, with or without the
// retransmit flag.
type ownNacks struct {
	ssrc  uint32
	cache *RetransmissionCache
}

func (n ownNacks) HandleGenericNack(nack *packet.GenericNack, now time.Time) []RetransmitAction {
	if nack.MediaSSRC&^RetransmitSSRCFlag != n.ssrc {
		return nil
	}
	return n.cache.HandleGenericNack(nack, now)
}

func (n ownNacks) HandleRangeNack(nack *packet.RangeNack, now time.Time) []RetransmitAction {
	if nack.SSRC&^RetransmitSSRCFlag != n.ssrc {
		return nil
	}
	return n.cache.HandleRangeNack(nack, now)
}

func (s *Sender) handleAction(action RetransmitAction, now time.Time) (*Transmit, error) {
	switch action.Outcome {
	case OutcomeResend:
		data, err := retransmission(action.Data)
		if err != nil {
			return nil, err
		}
		s.stats.Retransmitted++
		s.rate.Update(len(data), now)
		s.lastSend = now
		return &Transmit{
			Destination:    s.rtpDest,
			Data:           data,
			Kind:           TransmitRetransmission,
			SequenceNumber: action.SequenceNumber,
		}, nil
	case OutcomeCacheMiss:
		s.stats.RetransmitMisses++
		s.log.Debugf("nack for seq %d: not cached", action.SequenceNumber)
	case OutcomeRetryBudgetExhausted:
		s.stats.RetryBudgetExhausted++
		s.log.Debugf("nack for seq %d: retry budget exhausted after %d", action.SequenceNumber, action.RetryCount)
	}
	return nil, nil
}

// retransmission re-marshals a cached packet with the retransmit flag set in
// its SSRC.
func retransmission(cached []byte) ([]byte, error) {
	var pkt packet.Packet
	if _, err := pkt.Unmarshal(cached); err != nil {
		return nil, err
	}
	pkt.Header.SSRC |= RetransmitSSRCFlag
	return pkt.Marshal()
}

// BuildReport returns a compound SR + SDES for the RTCP port.
func (s *Sender) BuildReport(now time.Time) (*Transmit, error) {
	d, err := DurationSinceEpoch(now)
	if err != nil {
		return nil, err
	}
	sr := &packet.SenderReport{
		SSRC:        s.header.SSRC,
		NTPTime:     NtpTimestampFromDuration(d).Uint64(),
		RTPTime:     s.clock.TimestampFromDuration(d),
		PacketCount: uint32(s.stats.PacketsSent),
		OctetCount:  uint32(s.stats.OctetsSent),
	}
	sdes := &packet.SourceDescription{SSRC: s.header.SSRC, CNAME: s.config.CNAME}
	data, err := packet.MarshalCompound(sr, sdes)
	if err != nil {
		return nil, err
	}
	s.reports.Mark(now)
	s.stats.ReportsSent++
	return &Transmit{Destination: s.rtcpDest, Data: data, Kind: TransmitControl}, nil
}

// PollEchoRequest returns an RTT echo request when one is due, or nil.
func (s *Sender) PollEchoRequest(now time.Time) (*Transmit, error) {
	if !s.echoes.Due(now) {
		return nil, nil
	}
	echo, err := s.rtt.SendEchoRequest(s.header.SSRC, s.config.EchoPaddingWords, now)
	if err != nil {
		return nil, err
	}
	data, err := echo.Marshal()
	if err != nil {
		return nil, err
	}
	s.echoes.Mark(now)
	s.stats.EchoRequestsSent++
	return &Transmit{Destination: s.rtcpDest, Data: data, Kind: TransmitControl}, nil
}

// PollRTCP returns every periodic RTCP datagram due at now: a sender report
// and an echo request.
func (s *Sender) PollRTCP(now time.Time) ([]*Transmit, error) {
	var out []*Transmit
	if s.reports.Due(now) {
		tx, err := s.BuildReport(now)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	tx, err := s.PollEchoRequest(now)
	if err != nil {
		return out, err
	}
	if tx != nil {
		out = append(out, tx)
	}
	return out, nil
}

// RTT returns the smoothed round-trip time, if measured.
func (s *Sender) RTT() (time.Duration, bool) {
	return s.rtt.SmoothedRTT()
}

// Stats returns a snapshot of the sender counters.
func (s *Sender) Stats() SenderStats {
	st := s.stats
	st.RTT = s.rtt.Stats()
	st.Cache = s.cache.Stats()
	if rate, ok := s.rate.Rate(s.lastSend); ok {
		st.SendBitrate = rate
	}
	return st
}
