package packet

import (
	"errors"
	"fmt"
)

// newPacketFor selects the decoder for a (type, count) pair. It returns nil
// for combinations RIST does not define.
func newPacketFor(h RTCPHeader) RTCPPacket {
	switch h.Type {
	case TypeSenderReport:
		return &SenderReport{}
	case TypeReceiverReport:
		return &ReceiverReport{}
	case TypeSourceDescription:
		return &SourceDescription{}
	case TypeTransportSpecificFeedback:
		if h.Count == FormatGenericNack {
			return &GenericNack{}
		}
	case TypeApplicationDefined:
		switch h.Count {
		case SubtypeRangeNack:
			return &RangeNack{}
		case SubtypeEchoRequest, SubtypeEchoResponse:
			return &RttEcho{}
		}
	}
	return nil
}

// Unmarshal decodes the RTCP packet at the start of buf and returns it with
// the number of bytes it occupies.
//
// For packets RIST does not define the error wraps ErrUnknownPacketType and
// the returned size is still valid, so the caller can skip the packet.
func Unmarshal(buf []byte) (RTCPPacket, int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	p := newPacketFor(h)
	if p == nil {
		return nil, size, fmt.Errorf("%w: %s/%d", ErrUnknownPacketType, h.Type, h.Count)
	}
	if _, err := p.Unmarshal(buf[:size]); err != nil {
		if errors.Is(err, ErrUnknownPacketType) {
			return nil, size, err
		}
		return nil, 0, err
	}
	return p, size, nil
}

// CompoundEntry is one packet of a compound RTCP datagram. Packet is nil
// when the entry was skipped as an unknown type.
type CompoundEntry struct {
	Offset int
	Size   int
	Type   PacketType
	Count  uint8
	Packet RTCPPacket
}

// Ignored reports whether the entry was skipped.
func (e CompoundEntry) Ignored() bool {
	return e.Packet == nil
}

// CompoundResult holds every packet of a compound datagram in wire order.
type CompoundResult struct {
	Entries []CompoundEntry
}

// Packets returns the decoded packets, skipping ignored entries.
func (r *CompoundResult) Packets() []RTCPPacket {
	out := make([]RTCPPacket, 0, len(r.Entries))
	for _, e := range r.Entries {
		if e.Packet != nil {
			out = append(out, e.Packet)
		}
	}
	return out
}

// IgnoredCount returns how many entries were skipped as unknown.
func (r *CompoundResult) IgnoredCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Ignored() {
			n++
		}
	}
	return n
}

// DecodeCompound decodes a compound RTCP datagram. Each packet consumes
// 4*(length+1) bytes. Unknown packet types are recorded as ignored entries
// and decoding continues; any other error aborts the whole datagram.
func DecodeCompound(buf []byte) (*CompoundResult, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("compound: %w: empty datagram", ErrTruncated)
	}
	res := &CompoundResult{}
	for off := 0; off < len(buf); {
		p, n, err := Unmarshal(buf[off:])
		if err != nil && !(errors.Is(err, ErrUnknownPacketType) && n > 0) {
			return nil, fmt.Errorf("compound offset %d: %w", off, err)
		}
		// The header already decoded once inside Unmarshal.
		var h RTCPHeader
		_, _ = h.Unmarshal(buf[off:])
		res.Entries = append(res.Entries, CompoundEntry{
			Offset: off,
			Size:   n,
			Type:   h.Type,
			Count:  h.Count,
			Packet: p,
		})
		off += n
	}
	return res, nil
}

// MarshalCompound concatenates the encodings of packets.
func MarshalCompound(packets ...RTCPPacket) ([]byte, error) {
	size := 0
	for _, p := range packets {
		size += p.MarshalSize()
	}
	buf := make([]byte, size)
	off := 0
	for _, p := range packets {
		n, err := p.MarshalTo(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}
