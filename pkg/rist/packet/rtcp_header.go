package packet

import (
	"fmt"
)

// PacketType is the RTCP packet type field.
type PacketType uint8

// RTCP packet types used by RIST.
const (
	TypeSenderReport              PacketType = 200
	TypeReceiverReport            PacketType = 201
	TypeSourceDescription         PacketType = 202
	TypeApplicationDefined        PacketType = 204
	TypeTransportSpecificFeedback PacketType = 205
)

func (t PacketType) String() string {
	switch t {
	case TypeSenderReport:
		return "SR"
	case TypeReceiverReport:
		return "RR"
	case TypeSourceDescription:
		return "SDES"
	case TypeApplicationDefined:
		return "APP"
	case TypeTransportSpecificFeedback:
		return "RTPFB"
	default:
		return fmt.Sprintf("PT(%d)", uint8(t))
	}
}

// Values carried in the 5-bit count field of packets that use it as a
// format or subtype.
const (
	SubtypeRangeNack    uint8 = 0
	FormatGenericNack   uint8 = 1
	SubtypeEchoRequest  uint8 = 2
	SubtypeEchoResponse uint8 = 3
)

// RISTName is the 4-byte APP name "RIST".
const RISTName uint32 = 0x52495354

const (
	// RTCPHeaderSize is the size of the common RTCP header.
	RTCPHeaderSize = 4

	maxLength = 0xFFFF
)

var rtcpLayout = struct {
	version, padding, count, packetType, length bitField
}{
	version:    bitField{"version", 0, 2},
	padding:    bitField{"padding", 2, 1},
	count:      bitField{"count", 3, 5},
	packetType: bitField{"packet type", 8, 8},
	length:     bitField{"length", 16, 16},
}

// RTCPHeader is the 4-byte header shared by all RTCP packets.
//
// Count is the report count, source count, feedback format or APP subtype
// depending on Type. Length is the packet size in 32-bit words minus one.
type RTCPHeader struct {
	Version uint8
	Padding bool
	Count   uint8
	Type    PacketType
	Length  uint16
}

// PacketSize returns the full packet size declared by Length.
func (h RTCPHeader) PacketSize() int {
	return 4 * (int(h.Length) + 1)
}

// MarshalSize returns RTCPHeaderSize.
func (h RTCPHeader) MarshalSize() int {
	return RTCPHeaderSize
}

// MarshalTo encodes the header into buf.
func (h RTCPHeader) MarshalTo(buf []byte) (int, error) {
	if err := checkBuffer(buf, RTCPHeaderSize); err != nil {
		return 0, err
	}
	l := rtcpLayout
	if err := l.version.put(buf, uint64(h.Version)); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	if err := l.padding.put(buf, boolBit(h.Padding)); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	if err := l.count.put(buf, uint64(h.Count)); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	if err := l.packetType.put(buf, uint64(h.Type)); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	if err := l.length.put(buf, uint64(h.Length)); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	return RTCPHeaderSize, nil
}

// Marshal encodes the header into a new buffer.
func (h RTCPHeader) Marshal() ([]byte, error) {
	buf := make([]byte, RTCPHeaderSize)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes the header. It validates the version but not the type.
func (h *RTCPHeader) Unmarshal(buf []byte) (int, error) {
	if err := checkTruncated(buf, RTCPHeaderSize); err != nil {
		return 0, fmt.Errorf("rtcp header: %w", err)
	}
	l := rtcpLayout
	version := uint8(l.version.get(buf))
	if version != Version {
		return 0, fmt.Errorf("rtcp header: %w: %d", ErrUnsupportedVersion, version)
	}
	*h = RTCPHeader{
		Version: version,
		Padding: l.padding.get(buf) == 1,
		Count:   uint8(l.count.get(buf)),
		Type:    PacketType(l.packetType.get(buf)),
		Length:  uint16(l.length.get(buf)),
	}
	return RTCPHeaderSize, nil
}

// readRTCPHeader decodes the common header and checks that the packet it
// declares fits inside buf. It returns the declared packet size.
func readRTCPHeader(buf []byte) (RTCPHeader, int, error) {
	var h RTCPHeader
	if _, err := h.Unmarshal(buf); err != nil {
		return h, 0, err
	}
	size := h.PacketSize()
	if len(buf) < size {
		return h, 0, fmt.Errorf("%w: %s length %d words overruns %d remaining bytes",
			ErrTruncated, h.Type, h.Length, len(buf))
	}
	return h, size, nil
}

// lengthFor converts a packet size in bytes into the RTCP length field.
func lengthFor(size int) (uint16, error) {
	words := size/4 - 1
	if words > maxLength {
		return 0, fmt.Errorf("%w: length %d words exceeds 16 bits", ErrFieldOutOfRange, words)
	}
	return uint16(words), nil
}

// RTCPPacket is implemented by every RTCP packet type in this package.
type RTCPPacket interface {
	// Header returns the common header derived from the packet contents.
	Header() RTCPHeader
	MarshalSize() int
	MarshalTo(buf []byte) (int, error)
	Marshal() ([]byte, error)
	Unmarshal(buf []byte) (int, error)
}

func marshalPacket(p RTCPPacket) ([]byte, error) {
	buf := make([]byte, p.MarshalSize())
	if _, err := p.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func unexpectedType(want string, h RTCPHeader) error {
	return fmt.Errorf("%w: %s/%d is not a %s", ErrUnknownPacketType, h.Type, h.Count, want)
}
