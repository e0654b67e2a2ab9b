package rist

import (
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/rist/pkg/rist/packet"
)

// DispatchState tracks where the dispatcher is in handling one datagram.
type DispatchState int

// Dispatch states. The routed and ignored states describe the last packet
// handled; the dispatcher returns to idle when Dispatch returns.
const (
	StateIdle DispatchState = iota
	StateDecoding
	StateRoutedToNackHandler
	StateRoutedToRttEstimator
	StateRoutedToReports
	StateIgnored
)

func (s DispatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateRoutedToNackHandler:
		return "nack-handler"
	case StateRoutedToRttEstimator:
		return "rtt-estimator"
	case StateRoutedToReports:
		return "reports"
	case StateIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("DispatchState(%d)", int(s))
	}
}

// NackHandler resolves NACKs into retransmission decisions.
// RetransmissionCache implements it for a single stream; the interceptor
// adapter implements it over many.
type NackHandler interface {
	HandleGenericNack(nack *packet.GenericNack, now time.Time) []RetransmitAction
	HandleRangeNack(nack *packet.RangeNack, now time.Time) []RetransmitAction
}

// Route is the outcome for one packet of a compound datagram.
type Route struct {
	State  DispatchState
	Packet packet.RTCPPacket

	// Actions holds the retransmission decisions of a NACK.
	Actions []RetransmitAction

	// RTT is set when an echo response matched a pending request.
	RTT     time.Duration
	Matched bool

	// Response is the answer to a peer's echo request.
	Response *packet.RttEcho

	// Type and Count identify ignored packets.
	Type  packet.PacketType
	Count uint8
}

// DispatchResult lists one Route per packet in wire order.
type DispatchResult struct {
	Routes []Route
}

// Retransmits returns the actions of every NACK in the datagram.
func (r *DispatchResult) Retransmits() []RetransmitAction {
	var out []RetransmitAction
	for _, route := range r.Routes {
		out = append(out, route.Actions...)
	}
	return out
}

// Responses returns the echo responses to send back.
func (r *DispatchResult) Responses() []*packet.RttEcho {
	var out []*packet.RttEcho
	for _, route := range r.Routes {
		if route.Response != nil {
			out = append(out, route.Response)
		}
	}
	return out
}

// Ignored returns the number of packets skipped as unknown.
func (r *DispatchResult) Ignored() int {
	n := 0
	for _, route := range r.Routes {
		if route.State == StateIgnored {
			n++
		}
	}
	return n
}

// FeedbackDispatcher decodes inbound RTCP and routes each packet to the NACK
// handler, the RTT estimator or the report sink.
//
// A datagram is decoded completely before anything is routed, so a codec
// error leaves the cache and estimator untouched.
type FeedbackDispatcher struct {
	nacks NackHandler
	rtt   *RTTEstimator
	state DispatchState
	log   logging.LeveledLogger
}

// NewFeedbackDispatcher wires a dispatcher. nacks may be nil on endpoints
// that keep no retransmission cache; NACKs are then routed without actions.
func NewFeedbackDispatcher(nacks NackHandler, rtt *RTTEstimator, log logging.LeveledLogger) *FeedbackDispatcher {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("rist_dispatch")
	}
	return &FeedbackDispatcher{nacks: nacks, rtt: rtt, log: log}
}

// State returns the current state. Outside Dispatch it is always idle.
func (d *FeedbackDispatcher) State() DispatchState {
	return d.state
}

// Dispatch decodes buf and routes its packets.
func (d *FeedbackDispatcher) Dispatch(buf []byte, now time.Time) (*DispatchResult, error) {
	d.state = StateDecoding
	defer func() { d.state = StateIdle }()

	compound, err := packet.DecodeCompound(buf)
	if err != nil {
		return nil, err
	}

	res := &DispatchResult{Routes: make([]Route, 0, len(compound.Entries))}
	for _, entry := range compound.Entries {
		var route Route
		if entry.Ignored() {
			d.log.Debugf("ignoring rtcp %s/%d at offset %d", entry.Type, entry.Count, entry.Offset)
			route = Route{State: StateIgnored, Type: entry.Type, Count: entry.Count}
		} else {
			route = d.route(entry.Packet, now)
			route.Type, route.Count = entry.Type, entry.Count
		}
		d.state = route.State
		res.Routes = append(res.Routes, route)
	}
	return res, nil
}

func (d *FeedbackDispatcher) route(p packet.RTCPPacket, now time.Time) Route {
	route := Route{Packet: p}
	switch pkt := p.(type) {
	case *packet.GenericNack:
		route.State = StateRoutedToNackHandler
		if d.nacks != nil {
			route.Actions = d.nacks.HandleGenericNack(pkt, now)
		}
	case *packet.RangeNack:
		route.State = StateRoutedToNackHandler
		if d.nacks != nil {
			route.Actions = d.nacks.HandleRangeNack(pkt, now)
		}
	case *packet.RttEcho:
		route.State = StateRoutedToRttEstimator
		if d.rtt == nil {
			break
		}
		if pkt.Response {
			route.RTT, route.Matched = d.rtt.HandleEchoResponse(pkt, now)
			if !route.Matched {
				d.log.Tracef("unmatched echo response ts=%#x", pkt.Timestamp)
			}
		} else {
			route.Response = d.rtt.HandleEchoRequest(pkt, now, now)
		}
	default:
		route.State = StateRoutedToReports
	}
	return route
}
