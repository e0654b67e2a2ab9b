package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// RttEchoBaseSize is the size of an echo packet without padding.
	RttEchoBaseSize = 28

	// MaxEchoPaddingWords keeps the echo length field within 16 bits.
	MaxEchoPaddingWords = maxLength - (RttEchoBaseSize/4 - 1)
)

// RttEcho is the RIST RTT echo request (APP subtype 2) or response
// (subtype 3). Padding words are zero filled and let a sender probe RTT
// with packets the size of real media.
type RttEcho struct {
	Response bool
	SSRC     uint32
	// Timestamp is an NTP-style 64-bit value chosen by the requester and
	// echoed back unchanged.
	Timestamp uint64
	// ProcessingDelay is how long the responder held the request, in the
	// same 64-bit encoding as Timestamp. Zero in requests.
	ProcessingDelay uint64
	PaddingWords    uint32
}

// NewEchoRequest builds an echo request.
func NewEchoRequest(ssrc uint32, timestamp uint64, paddingWords uint32) *RttEcho {
	return &RttEcho{SSRC: ssrc, Timestamp: timestamp, PaddingWords: paddingWords}
}

// NewEchoResponse builds the response to a request carrying timestamp.
func NewEchoResponse(ssrc uint32, timestamp, processingDelay uint64, paddingWords uint32) *RttEcho {
	return &RttEcho{
		Response:        true,
		SSRC:            ssrc,
		Timestamp:       timestamp,
		ProcessingDelay: processingDelay,
		PaddingWords:    paddingWords,
	}
}

func (e *RttEcho) subtype() uint8 {
	if e.Response {
		return SubtypeEchoResponse
	}
	return SubtypeEchoRequest
}

// Header implements RTCPPacket.
func (e *RttEcho) Header() RTCPHeader {
	return RTCPHeader{
		Version: Version,
		Count:   e.subtype(),
		Type:    TypeApplicationDefined,
		Length:  uint16(RttEchoBaseSize/4 - 1 + e.PaddingWords),
	}
}

// MarshalSize implements RTCPPacket.
func (e *RttEcho) MarshalSize() int {
	return RttEchoBaseSize + 4*int(e.PaddingWords)
}

// MarshalTo implements RTCPPacket.
func (e *RttEcho) MarshalTo(buf []byte) (int, error) {
	if e.PaddingWords > MaxEchoPaddingWords {
		return 0, fmt.Errorf("rtt echo: %w: %d padding words exceed %d",
			ErrFieldOutOfRange, e.PaddingWords, MaxEchoPaddingWords)
	}
	size := e.MarshalSize()
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	if _, err := e.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], e.SSRC)
	binary.BigEndian.PutUint32(buf[8:], RISTName)
	binary.BigEndian.PutUint64(buf[12:], e.Timestamp)
	binary.BigEndian.PutUint64(buf[20:], e.ProcessingDelay)
	clear(buf[RttEchoBaseSize:size])
	return size, nil
}

// Marshal implements RTCPPacket.
func (e *RttEcho) Marshal() ([]byte, error) {
	return marshalPacket(e)
}

// Unmarshal implements RTCPPacket.
func (e *RttEcho) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeApplicationDefined ||
		(h.Count != SubtypeEchoRequest && h.Count != SubtypeEchoResponse) {
		return 0, unexpectedType("rtt echo", h)
	}
	if size < RttEchoBaseSize {
		return 0, fmt.Errorf("rtt echo: %w: length %d", ErrTruncated, h.Length)
	}
	if name := binary.BigEndian.Uint32(buf[8:]); name != RISTName {
		return 0, fmt.Errorf("%w: app name %#08x", ErrUnknownPacketType, name)
	}
	*e = RttEcho{
		Response:        h.Count == SubtypeEchoResponse,
		SSRC:            binary.BigEndian.Uint32(buf[4:]),
		Timestamp:       binary.BigEndian.Uint64(buf[12:]),
		ProcessingDelay: binary.BigEndian.Uint64(buf[20:]),
		PaddingWords:    uint32(size-RttEchoBaseSize) / 4,
	}
	return size, nil
}
