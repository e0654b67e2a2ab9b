package packet

import (
	"fmt"
)

const (
	// Version is the only RTP/RTCP version this codec speaks.
	Version = 2

	// HeaderSize is the size of the fixed RTP header. CSRC lists and header
	// extensions are not emitted.
	HeaderSize = 12
)

// RTP fixed header layout (RFC 3550 section 5.1).
var rtpLayout = struct {
	version, padding, extension, csrcCount, marker, payloadType bitField
	sequenceNumber, timestamp, ssrc                             bitField
}{
	version:        bitField{"version", 0, 2},
	padding:        bitField{"padding", 2, 1},
	extension:      bitField{"extension", 3, 1},
	csrcCount:      bitField{"csrc count", 4, 4},
	marker:         bitField{"marker", 8, 1},
	payloadType:    bitField{"payload type", 9, 7},
	sequenceNumber: bitField{"sequence number", 16, 16},
	timestamp:      bitField{"timestamp", 32, 32},
	ssrc:           bitField{"ssrc", 64, 32},
}

// Header is the 12-byte RTP fixed header.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// NewHeader builds a version 2 header whose initial sequence number and SSRC
// are drawn, in that order, from source. A nil source uses entropy.
func NewHeader(payloadType uint8, timestamp uint32, marker bool, source RandomSource) Header {
	if source == nil {
		source = NewEntropySource()
	}
	seq := uint16(source.Uint32())
	ssrc := source.Uint32()
	return Header{
		Version:        Version,
		Marker:         marker,
		PayloadType:    payloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
}

// Update advances the header to the next packet: the sequence number is
// incremented modulo 2^16 and the timestamp and marker are replaced.
func (h *Header) Update(timestamp uint32, marker bool) {
	h.SequenceNumber++
	h.Timestamp = timestamp
	h.Marker = marker
}

// MarshalSize returns the encoded size of the header.
func (h Header) MarshalSize() int {
	return HeaderSize
}

// MarshalTo encodes the header into buf and returns the number of bytes
// written.
func (h Header) MarshalTo(buf []byte) (int, error) {
	if err := checkBuffer(buf, HeaderSize); err != nil {
		return 0, err
	}
	l := rtpLayout
	fields := []struct {
		f bitField
		v uint64
	}{
		{l.version, uint64(h.Version)},
		{l.padding, boolBit(h.Padding)},
		{l.extension, boolBit(h.Extension)},
		{l.csrcCount, uint64(h.CSRCCount)},
		{l.marker, boolBit(h.Marker)},
		{l.payloadType, uint64(h.PayloadType)},
		{l.sequenceNumber, uint64(h.SequenceNumber)},
		{l.timestamp, uint64(h.Timestamp)},
		{l.ssrc, uint64(h.SSRC)},
	}
	for _, fv := range fields {
		if err := fv.f.put(buf, fv.v); err != nil {
			return 0, fmt.Errorf("rtp header: %w", err)
		}
	}
	return HeaderSize, nil
}

// Marshal encodes the header into a new buffer.
func (h Header) Marshal() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes the fixed header from buf and returns the number of
// bytes consumed.
func (h *Header) Unmarshal(buf []byte) (int, error) {
	if err := checkTruncated(buf, HeaderSize); err != nil {
		return 0, fmt.Errorf("rtp header: %w", err)
	}
	l := rtpLayout
	version := uint8(l.version.get(buf))
	if version != Version {
		return 0, fmt.Errorf("rtp header: %w: %d", ErrUnsupportedVersion, version)
	}
	*h = Header{
		Version:        version,
		Padding:        l.padding.get(buf) == 1,
		Extension:      l.extension.get(buf) == 1,
		CSRCCount:      uint8(l.csrcCount.get(buf)),
		Marker:         l.marker.get(buf) == 1,
		PayloadType:    uint8(l.payloadType.get(buf)),
		SequenceNumber: uint16(l.sequenceNumber.get(buf)),
		Timestamp:      uint32(l.timestamp.get(buf)),
		SSRC:           uint32(l.ssrc.get(buf)),
	}
	return HeaderSize, nil
}

// Packet is an RTP media packet: the fixed header followed by an opaque
// payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// MarshalSize returns 12 + len(Payload).
func (p *Packet) MarshalSize() int {
	return HeaderSize + len(p.Payload)
}

// MarshalTo encodes the packet into buf.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	size := p.MarshalSize()
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	n, err := p.Header.MarshalTo(buf)
	if err != nil {
		return 0, err
	}
	n += copy(buf[n:], p.Payload)
	return n, nil
}

// Marshal encodes the packet into a new buffer.
func (p *Packet) Marshal() ([]byte, error) {
	buf := make([]byte, p.MarshalSize())
	if _, err := p.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes buf. Everything after the fixed header is taken as
// payload, and Payload aliases buf.
func (p *Packet) Unmarshal(buf []byte) (int, error) {
	n, err := p.Header.Unmarshal(buf)
	if err != nil {
		return 0, err
	}
	p.Payload = buf[n:]
	return len(buf), nil
}
