package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// SDESTypeCNAME is the SDES item type of a canonical name.
	SDESTypeCNAME uint8 = 1

	// MaxCNAMELength is the largest CNAME an SDES item can carry.
	MaxCNAMELength = 255

	sdesFixedSize = 10
)

// SourceDescription is an RTCP SDES (PT 202) with one chunk holding a single
// CNAME item. The item list is terminated and padded with zero bytes to the
// next 32-bit boundary.
type SourceDescription struct {
	SSRC  uint32
	CNAME string
}

// Header implements RTCPPacket.
func (s *SourceDescription) Header() RTCPHeader {
	return RTCPHeader{
		Version: Version,
		Count:   1,
		Type:    TypeSourceDescription,
		Length:  uint16(s.MarshalSize()/4 - 1),
	}
}

// MarshalSize implements RTCPPacket. The declared length is
// ceil((10+n)/4)-1 words for a CNAME of n bytes.
func (s *SourceDescription) MarshalSize() int {
	return 4 * ((sdesFixedSize + len(s.CNAME) + 3) / 4)
}

// MarshalTo implements RTCPPacket.
func (s *SourceDescription) MarshalTo(buf []byte) (int, error) {
	n := len(s.CNAME)
	if n > MaxCNAMELength {
		return 0, fmt.Errorf("sdes: %w: cname length %d exceeds %d", ErrFieldOutOfRange, n, MaxCNAMELength)
	}
	for i := 0; i < n; i++ {
		if s.CNAME[i] >= 0x80 {
			return 0, fmt.Errorf("sdes: %w: cname is not ascii", ErrFieldOutOfRange)
		}
	}
	size := s.MarshalSize()
	if err := checkBuffer(buf, size); err != nil {
		return 0, err
	}
	if _, err := s.Header().MarshalTo(buf); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[4:], s.SSRC)
	buf[8] = SDESTypeCNAME
	buf[9] = uint8(n)
	copy(buf[sdesFixedSize:], s.CNAME)
	clear(buf[sdesFixedSize+n : size])
	return size, nil
}

// Marshal implements RTCPPacket.
func (s *SourceDescription) Marshal() ([]byte, error) {
	return marshalPacket(s)
}

// Unmarshal implements RTCPPacket. Only the first chunk is decoded. Items
// other than CNAME are skipped, and a chunk without one leaves CNAME empty.
// An SDES with source count zero decodes as an empty description.
func (s *SourceDescription) Unmarshal(buf []byte) (int, error) {
	h, size, err := readRTCPHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypeSourceDescription {
		return 0, unexpectedType("source description", h)
	}
	if h.Count == 0 {
		*s = SourceDescription{}
		return size, nil
	}
	if size < 8 {
		return 0, fmt.Errorf("sdes: %w: length %d", ErrTruncated, h.Length)
	}
	desc := SourceDescription{SSRC: binary.BigEndian.Uint32(buf[4:])}
	for off := 8; off < size && buf[off] != 0; {
		if off+2 > size {
			return 0, fmt.Errorf("sdes: %w: item header at %d in length %d", ErrTruncated, off, h.Length)
		}
		typ, n := buf[off], int(buf[off+1])
		if off+2+n > size {
			return 0, fmt.Errorf("sdes: %w: item of %d bytes in length %d", ErrTruncated, n, h.Length)
		}
		if typ == SDESTypeCNAME {
			desc.CNAME = string(buf[off+2 : off+2+n])
			break
		}
		off += 2 + n
	}
	*s = desc
	return size, nil
}
