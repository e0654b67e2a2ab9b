package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	genericNackBaseSize = 12
	nackPairSize        = 4
)

// NackPair is one FCI entry of a Generic NACK (RFC 4585 section 6.2.1).
// PacketID is lost, and bit i of LostPackets (LSB first) marks
// PacketID+i+1 as lost too.
type NackPair struct {
	PacketID    uint16
	LostPackets uint16
}

// PacketList expands the pair into the sequence numbers it reports lost,
// in ascending order modulo 2^16.
func (p NackPair) PacketList() []uint16 {
	out := make([]uint16, 0, 17)
	out = append(out, p.PacketID)
	for i := uint16(0); i < 16; i++ {
		if p.LostPackets&(1<<i) != 0 {
			out = append(out, p.PacketID+i+1)
		}
	}
	return out
}

// NackPairsFromSequenceNumbers packs sequence numbers into as few pairs as
// possible. The input is expected in ascending (wrapping) order.
func NackPairsFromSequenceNumbers(seqs []uint16) []NackPair {
	if len(seqs) == 0 {
		return nil
	}
	pairs := []NackPair{{PacketID: seqs[0]}}
	for _, seq := range seqs[1:] {
		cur := &pairs[len(pairs)-1]
		if seq == cur.PacketID {
			continue
		}
		diff := seq - cur.PacketID
		if diff > 16 {
			pairs = append(pairs, NackPair{PacketID: seq})
			continue
		}
		cur.LostPackets |= 1 << (diff - 1)
	}
	return pairs
}

// GenericNack is an RTPFB Generic NACK (PT 205, FMT 1).
type GenericNack struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Nacks      []NackPair
}

// Header implements RTCPPacket.
func (n *GenericNack) Header() RTCPHeader {
	return RTCPHeader{
		Version: Version,
		Count:   FormatGenericNack,
		Type:    TypeTransportSpecificFeedback,
		Length:  uint16(n.MarshalSize()/4 - 1),
	}
}

// MarshalSize implements RTCPPacket.
func (n *GenericNack) MarshalSize() int {
	return genericNackBaseSize + nackPairSize*len(n.Nacks)
}

// MarshalTo implements RTCPPacket.
func (n *GenericNack) MarshalTo(buf []byte) (int, error) {
	size := n.MarshalSize()
	if _, err := lengthFor(size); err != nil {
		return 0, fmt.Errorf("generic nack: %w", err)
	}
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	if _, err := n.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], n.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:], n.MediaSSRC)
	off := genericNackBaseSize
	for _, p := range n.Nacks {
		binary.BigEndian.PutUint16(buf[off:], p.PacketID)
		binary.BigEndian.PutUint16(buf[off+2:], p.LostPackets)
		off += nackPairSize
	}
	return size, nil
}

// Marshal implements RTCPPacket.
func (n *GenericNack) Marshal() ([]byte, error) {
	return marshalPacket(n)
}

// Unmarshal implements RTCPPacket.
func (n *GenericNack) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeTransportSpecificFeedback || h.Count != FormatGenericNack {
		return 0, unexpectedType("generic nack", h)
	}
	if size < genericNackBaseSize {
		return 0, fmt.Errorf("generic nack: %w: length %d", ErrTruncated, h.Length)
	}
	count := (size - genericNackBaseSize) / nackPairSize
	*n = GenericNack{
		SenderSSRC: binary.BigEndian.Uint32(buf[4:]),
		MediaSSRC:  binary.BigEndian.Uint32(buf[8:]),
		Nacks:      make([]NackPair, count),
	}
	off := genericNackBaseSize
	for i := range n.Nacks {
		n.Nacks[i] = NackPair{
			PacketID:    binary.BigEndian.Uint16(buf[off:]),
			LostPackets: binary.BigEndian.Uint16(buf[off+2:]),
		}
		off += nackPairSize
	}
	return size, nil
}

// SequenceNumbers returns every sequence number the NACK requests, pair by
// pair.
func (n *GenericNack) SequenceNumbers() []uint16 {
	var out []uint16
	for _, p := range n.Nacks {
		out = append(out, p.PacketList()...)
	}
	return out
}
