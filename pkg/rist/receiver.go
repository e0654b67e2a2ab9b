package rist

import (
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// ClockRate must match the sender's RTP clock for jitter to be
	// meaningful.
	ClockRate uint32

	// CNAME is sent in the SDES of every feedback compound.
	CNAME string

	Loss LossDetectorConfig
	RTT  RTTEstimatorConfig

	// FeedbackInterval spaces periodic RR+SDES compounds. NACKs are sent as
	// soon as they are due regardless.
	FeedbackInterval time.Duration

	// EchoInterval spaces RTT echo requests. Zero disables them, leaving
	// the receiver to rely on NACK spacing defaults.
	EchoInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultReceiverConfig returns a configuration matching DefaultSenderConfig.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ClockRate:        90000,
		CNAME:            "rist-receiver",
		Loss:             DefaultLossDetectorConfig(),
		RTT:              DefaultRTTEstimatorConfig(),
		FeedbackInterval: time.Second,
		EchoInterval:     time.Second,
	}
}

// Validate reports configuration errors.
func (c ReceiverConfig) Validate() error {
	if c.ClockRate == 0 {
		return invalidConfig("clock rate must be positive")
	}
	if len(c.CNAME) > packet.MaxCNAMELength {
		return invalidConfig("cname longer than %d bytes", packet.MaxCNAMELength)
	}
	if c.FeedbackInterval < 0 || c.EchoInterval < 0 {
		return invalidConfig("intervals must not be negative")
	}
	if err := c.Loss.Validate(); err != nil {
		return err
	}
	return c.RTT.Validate()
}

// ReceiverStats is a snapshot of a Receiver.
type ReceiverStats struct {
	SSRC      uint32
	MediaSSRC uint32

	PacketsReceived         uint64
	RetransmissionsReceived uint64
	Duplicates              uint64
	TooOld                  uint64
	SourceChanges           uint64
	Loss                    LossStats
	Missing                 int
	Jitter                  uint32
	JitterDuration          time.Duration

	FeedbackSent      uint64
	NacksSent         uint64
	EchoResponsesSent uint64
	IgnoredPackets    uint64

	RTT RTTStats
}

// Receiver is the receiving half of a RIST flow. It detects gaps in the
// media sequence, requests retransmissions with Generic NACKs, answers echo
// requests and produces RR/SDES feedback.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	config     ReceiverConfig
	ssrc       uint32
	mediaSSRC  uint32
	haveMedia  bool
	loss       *LossDetector
	reception  *ReceptionStats
	rtt        *RTTEstimator
	dispatcher *FeedbackDispatcher
	feedback   *IntervalScheduler
	echoes     *IntervalScheduler
	stats      ReceiverStats
	log        logging.LeveledLogger
}

// NewReceiver creates a Receiver whose own SSRC is drawn from source; nil
// uses an entropy seeded source.
func NewReceiver(config ReceiverConfig, source packet.RandomSource) (*Receiver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		source = packet.NewEntropySource()
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	loss, err := NewLossDetector(config.Loss)
	if err != nil {
		return nil, err
	}
	rtt, err := NewRTTEstimator(config.RTT)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		config:     config,
		ssrc:       source.Uint32() &^ RetransmitSSRCFlag,
		loss:       loss,
		reception:  NewReceptionStats(NewRtpClock(config.ClockRate)),
		rtt:        rtt,
		dispatcher: NewFeedbackDispatcher(nil, rtt, loggerFactory.NewLogger("rist_dispatch")),
		feedback:   NewIntervalScheduler(config.FeedbackInterval),
		echoes:     NewIntervalScheduler(config.EchoInterval),
		log:        loggerFactory.NewLogger("rist_receiver"),
	}
	r.stats.SSRC = r.ssrc
	return r, nil
}

// SSRC returns the receiver's own synchronization source.
func (r *Receiver) SSRC() uint32 {
	return r.ssrc
}

// HandleRTP processes one media datagram. It returns the packet when it
// should be delivered to the application, or nil for duplicates and packets
// older than the session. The payload aliases buf.
func (r *Receiver) HandleRTP(buf []byte, now time.Time) (*packet.Packet, error) {
	pkt := &packet.Packet{}
	if _, err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	retransmitted := pkt.Header.SSRC&RetransmitSSRCFlag != 0
	source := pkt.Header.SSRC &^ RetransmitSSRCFlag

	if !r.haveMedia || source != r.mediaSSRC {
		if r.haveMedia {
			r.log.Infof("media source changed %#08x -> %#08x", r.mediaSSRC, source)
			r.stats.SourceChanges++
			r.loss.Reset()
			r.reception = NewReceptionStats(NewRtpClock(r.config.ClockRate))
		}
		r.mediaSSRC = source
		r.haveMedia = true
		r.stats.MediaSSRC = source
	}

	if retransmitted {
		r.stats.RetransmissionsReceived++
	}
	arrival, ext := r.loss.Push(pkt.Header.SequenceNumber, now)
	switch arrival {
	case ArrivalDuplicate:
		r.stats.Duplicates++
		return nil, nil
	case ArrivalTooOld:
		r.stats.TooOld++
		return nil, nil
	}
	r.reception.Update(ext, pkt.Header.Timestamp, now, retransmitted)
	r.stats.PacketsReceived++
	return pkt, nil
}

// HandleInboundRTCP processes one datagram from the sender's RTCP flow and
// returns the datagrams to send back, echo responses in practice.
func (r *Receiver) HandleInboundRTCP(buf []byte, now time.Time) ([][]byte, error) {
	res, err := r.dispatcher.Dispatch(buf, now)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, route := range res.Routes {
		switch route.State {
		case StateRoutedToReports:
			if sr, ok := route.Packet.(*packet.SenderReport); ok {
				r.reception.RecordSenderReport(sr, now)
			}
		case StateRoutedToRttEstimator:
			if route.Matched {
				if srtt, ok := r.rtt.SmoothedRTT(); ok {
					r.loss.SetRTT(srtt)
				}
			}
			if route.Response != nil {
				data, err := route.Response.Marshal()
				if err != nil {
					return out, err
				}
				r.stats.EchoResponsesSent++
				out = append(out, data)
			}
		case StateIgnored:
			r.stats.IgnoredPackets++
		}
	}
	return out, nil
}

// PollFeedback returns the feedback compound due at now, or nil. A compound
// always leads with an RR and an SDES; NACKs and echo requests follow when
// due. The report block is included on the periodic schedule only, so that
// fraction lost covers whole report intervals.
func (r *Receiver) PollFeedback(now time.Time) ([]byte, error) {
	pairs := r.loss.Pairs(now)
	periodic := r.feedback.Due(now)
	echo := r.echoes.Due(now)
	if len(pairs) == 0 && !periodic && !echo {
		return nil, nil
	}

	rr := &packet.ReceiverReport{SSRC: r.ssrc}
	if periodic && r.haveMedia {
		rr.Report = r.reception.ReportBlock(r.mediaSSRC, now)
	}
	pkts := []packet.RTCPPacket{rr, &packet.SourceDescription{SSRC: r.ssrc, CNAME: r.config.CNAME}}
	if len(pairs) > 0 {
		pkts = append(pkts, &packet.GenericNack{
			SenderSSRC: r.ssrc,
			MediaSSRC:  r.mediaSSRC,
			Nacks:      pairs,
		})
	}
	if echo {
		req, err := r.rtt.SendEchoRequest(r.ssrc, 0, now)
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, req)
		r.echoes.Mark(now)
	}

	data, err := packet.MarshalCompound(pkts...)
	if err != nil {
		return nil, err
	}
	if periodic {
		r.feedback.Mark(now)
	}
	r.stats.FeedbackSent++
	if len(pairs) > 0 {
		r.stats.NacksSent++
	}
	return data, nil
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	st := r.stats
	st.Loss = r.loss.Stats()
	st.Missing = r.loss.Missing()
	st.Jitter = r.reception.Jitter()
	st.JitterDuration = NewRtpClock(r.config.ClockRate).DurationFromTicks(int64(st.Jitter))
	st.RTT = r.rtt.Stats()
	return st
}
