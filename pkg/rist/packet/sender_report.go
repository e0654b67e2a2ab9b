package packet

import (
	"encoding/binary"
	"fmt"
)

// SenderReportSize is the size of a sender report without report blocks.
const SenderReportSize = 28

// SenderReport is an RTCP SR (PT 200) carrying sender info only. RIST
// senders do not include reception report blocks.
type SenderReport struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// Header implements RTCPPacket.
func (r *SenderReport) Header() RTCPHeader {
	return RTCPHeader{
		Version: Version,
		Type:    TypeSenderReport,
		Length:  SenderReportSize/4 - 1,
	}
}

// MarshalSize implements RTCPPacket.
func (r *SenderReport) MarshalSize() int {
	return SenderReportSize
}

// MarshalTo implements RTCPPacket.
func (r *SenderReport) MarshalTo(buf []byte) (int, error) {
	if err := checkBuffer(buf, SenderReportSize); err != nil {
		return 0, err
	}
	if _, err := r.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], r.SSRC)
	binary.BigEndian.PutUint64(buf[8:], r.NTPTime)
	binary.BigEndian.PutUint32(buf[16:], r.RTPTime)
	binary.BigEndian.PutUint32(buf[20:], r.PacketCount)
	binary.BigEndian.PutUint32(buf[24:], r.OctetCount)
	return SenderReportSize, nil
}

// Marshal implements RTCPPacket.
func (r *SenderReport) Marshal() ([]byte, error) {
	return marshalPacket(r)
}

// Unmarshal implements RTCPPacket. Report blocks appended by other
// implementations are skipped; the whole declared length is consumed.
func (r *SenderReport) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeSenderReport {
		return 0, unexpectedType("sender report", h)
	}
	if size < SenderReportSize {
		return 0, fmt.Errorf("sender report: %w: length %d", ErrTruncated, h.Length)
	}
	*r = SenderReport{
		SSRC:        binary.BigEndian.Uint32(buf[4:]),
		NTPTime:     binary.BigEndian.Uint64(buf[8:]),
		RTPTime:     binary.BigEndian.Uint32(buf[16:]),
		PacketCount: binary.BigEndian.Uint32(buf[20:]),
		OctetCount:  binary.BigEndian.Uint32(buf[24:]),
	}
	return size, nil
}
