package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// ReportBlockSize is the size of one reception report block.
	ReportBlockSize = 24

	receiverReportBaseSize = 8

	maxCumulativeLost = 1<<23 - 1
	minCumulativeLost = -1 << 23
)

// Report block sub-fields that are not byte aligned on their own.
var reportBlockLayout = struct {
	fractionLost, cumulativeLost bitField
}{
	fractionLost:   bitField{"fraction lost", 32, 8},
	cumulativeLost: bitField{"cumulative lost", 40, 24},
}

// ReportBlock is a reception report block (RFC 3550 section 6.4.1).
type ReportBlock struct {
	SSRC uint32
	// FractionLost is the loss fraction since the previous report in Q8.
	FractionLost uint8
	// CumulativeLost is a signed 24-bit count on the wire.
	CumulativeLost int32
	// HighestSequence is the extended highest sequence number received.
	HighestSequence uint32
	Jitter          uint32
	// LastSenderReport is the middle 32 bits of the last SR NTP time.
	LastSenderReport uint32
	// DelaySinceLastSenderReport is in units of 1/65536 seconds.
	DelaySinceLastSenderReport uint32
}

func (b *ReportBlock) marshalTo(buf []byte) error {
	if b.CumulativeLost > maxCumulativeLost || b.CumulativeLost < minCumulativeLost {
		return fmt.Errorf("%w: cumulative lost %d does not fit in 24 signed bits",
			ErrFieldOutOfRange, b.CumulativeLost)
	}
	l := reportBlockLayout
	binary.BigEndian.PutUint32(buf[0:], b.SSRC)
	if err := l.fractionLost.put(buf, uint64(b.FractionLost)); err != nil {
		return err
	}
	if err := l.cumulativeLost.put(buf, uint64(uint32(b.CumulativeLost)&0xFFFFFF)); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[8:], b.HighestSequence)
	binary.BigEndian.PutUint32(buf[12:], b.Jitter)
	binary.BigEndian.PutUint32(buf[16:], b.LastSenderReport)
	binary.BigEndian.PutUint32(buf[20:], b.DelaySinceLastSenderReport)
	return nil
}

func (b *ReportBlock) unmarshal(buf []byte) {
	l := reportBlockLayout
	raw := uint32(l.cumulativeLost.get(buf))
	*b = ReportBlock{
		SSRC:                       binary.BigEndian.Uint32(buf[0:]),
		FractionLost:               uint8(l.fractionLost.get(buf)),
		CumulativeLost:             int32(raw<<8) >> 8,
		HighestSequence:            binary.BigEndian.Uint32(buf[8:]),
		Jitter:                     binary.BigEndian.Uint32(buf[12:]),
		LastSenderReport:           binary.BigEndian.Uint32(buf[16:]),
		DelaySinceLastSenderReport: binary.BigEndian.Uint32(buf[20:]),
	}
}

// ReceiverReport is an RTCP RR (PT 201) with at most one report block.
// Without a block it is the 8-byte empty RR that leads a RIST compound.
type ReceiverReport struct {
	SSRC   uint32
	Report *ReportBlock
}

// Header implements RTCPPacket.
func (r *ReceiverReport) Header() RTCPHeader {
	h := RTCPHeader{
		Version: Version,
		Type:    TypeReceiverReport,
		Length:  uint16(r.MarshalSize()/4 - 1),
	}
	if r.Report != nil {
		h.Count = 1
	}
	return h
}

// MarshalSize implements RTCPPacket.
func (r *ReceiverReport) MarshalSize() int {
	if r.Report != nil {
		return receiverReportBaseSize + ReportBlockSize
	}
	return receiverReportBaseSize
}

// MarshalTo implements RTCPPacket.
func (r *ReceiverReport) MarshalTo(buf []byte) (int, error) {
	size := r.MarshalSize()
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	if _, err := r.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], r.SSRC)
	if r.Report != nil {
		if err := r.Report.marshalTo(buf[receiverReportBaseSize:]); err != nil {
			return 0, fmt.Errorf("receiver report: %w", err)
		}
	}
	return size, nil
}

// Marshal implements RTCPPacket.
func (r *ReceiverReport) Marshal() ([]byte, error) {
	return marshalPacket(r)
}

// Unmarshal implements RTCPPacket. When a peer sends more than one report
// block only the first is kept, and the whole declared length is consumed.
func (r *ReceiverReport) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeReceiverReport {
		return 0, unexpectedType("receiver report", h)
	}
	need := receiverReportBaseSize + int(h.Count)*ReportBlockSize
	if size < need {
		return 0, fmt.Errorf("receiver report: %w: %d blocks in length %d", ErrTruncated, h.Count, h.Length)
	}
	*r = ReceiverReport{SSRC: binary.BigEndian.Uint32(buf[4:])}
	if h.Count > 0 {
		r.Report = &ReportBlock{}
		r.Report.unmarshal(buf[receiverReportBaseSize:])
	}
	return size, nil
}
