package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	rangeNackBaseSize = 12
	packetRangeSize   = 4
)

// PacketRange requests Start through Start+Additional inclusive, modulo 2^16.
type PacketRange struct {
	Start      uint16
	Additional uint16
}

// SequenceNumbers expands the range. It always holds Additional+1 entries.
func (r PacketRange) SequenceNumbers() []uint16 {
	out := make([]uint16, 0, int(r.Additional)+1)
	for i := 0; i <= int(r.Additional); i++ {
		out = append(out, r.Start+uint16(i))
	}
	return out
}

// RangeNack is the RIST range based NACK: an APP packet (PT 204, subtype 0)
// named "RIST" whose payload is a list of packet ranges.
type RangeNack struct {
	SSRC   uint32
	Ranges []PacketRange
}

// Header implements RTCPPacket.
func (n *RangeNack) Header() RTCPHeader {
	return RTCPHeader{
		Version: Version,
		Count:   SubtypeRangeNack,
		Type:    TypeApplicationDefined,
		Length:  uint16(n.MarshalSize()/4 - 1),
	}
}

// MarshalSize implements RTCPPacket.
func (n *RangeNack) MarshalSize() int {
	return rangeNackBaseSize + packetRangeSize*len(n.Ranges)
}

// MarshalTo implements RTCPPacket.
func (n *RangeNack) MarshalTo(buf []byte) (int, error) {
	size := n.MarshalSize()
	if _, err := lengthFor(size); err != nil {
		return 0, fmt.Errorf("range nack: %w", err)
	}
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	if _, err := n.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], n.SSRC)
	binary.BigEndian.PutUint32(buf[8:], RISTName)
	off := rangeNackBaseSize
	for _, r := range n.Ranges {
		binary.BigEndian.PutUint16(buf[off:], r.Start)
		binary.BigEndian.PutUint16(buf[off+2:], r.Additional)
		off += packetRangeSize
	}
	return size, nil
}

// Marshal implements RTCPPacket.
func (n *RangeNack) Marshal() ([]byte, error) {
	return marshalPacket(n)
}

// Unmarshal implements RTCPPacket.
func (n *RangeNack) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeApplicationDefined || h.Count != SubtypeRangeNack {
		return 0, unexpectedType("range nack", h)
	}
	if size < rangeNackBaseSize {
		return 0, fmt.Errorf("range nack: %w: length %d", ErrTruncated, h.Length)
	}
	if name := binary.BigEndian.Uint32(buf[8:]); name != RISTName {
		return 0, fmt.Errorf("%w: app name %#08x", ErrUnknownPacketType, name)
	}
	count := (size - rangeNackBaseSize) / packetRangeSize
	*n = RangeNack{
		SSRC:   binary.BigEndian.Uint32(buf[4:]),
		Ranges: make([]PacketRange, count),
	}
	off := rangeNackBaseSize
	for i := range n.Ranges {
		n.Ranges[i] = PacketRange{
			Start:      binary.BigEndian.Uint16(buf[off:]),
			Additional: binary.BigEndian.Uint16(buf[off+2:]),
		}
		off += packetRangeSize
	}
	return size, nil
}

// SequenceNumbers returns every sequence number the NACK requests, range by
// range.
func (n *RangeNack) SequenceNumbers() []uint16 {
	var out []uint16
	for _, r := range n.Ranges {
		out = append(out, r.SequenceNumbers()...)
	}
	return out
}
