package packet

import (
	"errors"
	"fmt"
)

// Codec errors. Every failure returned by this package wraps exactly one of
// these, so callers can classify with errors.Is.
var (
	// ErrBufferTooSmall is returned by MarshalTo when the destination
	// cannot hold MarshalSize() bytes.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrTruncated is returned when a buffer is shorter than the minimum
	// size of the packet it declares, or when an RTCP length field
	// overruns the remaining input.
	ErrTruncated = errors.New("packet truncated")

	// ErrFieldOutOfRange is returned when a value does not fit the bit
	// width of its wire field.
	ErrFieldOutOfRange = errors.New("field value out of range")

	// ErrUnsupportedVersion is returned when the version bits are not 2.
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrUnknownPacketType is returned for RTCP packet types (or
	// type/subtype pairs) that RIST does not define. Compound decoding
	// treats it as recoverable and skips the packet.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

func checkBuffer(buf []byte, size int) error {
	if len(buf) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(buf))
	}
	return nil
}

func checkTruncated(buf []byte, size int) error {
	if len(buf) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, size, len(buf))
	}
	return nil
}
