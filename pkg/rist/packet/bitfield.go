package packet

import "fmt"

// bitField locates an unsigned value inside a packed header. Bits are
// numbered MSB-first: bit 0 is the most significant bit of byte 0, bit 8
// the most significant bit of byte 1, and so on.
//
// Each packet type describes its header as a table of bitFields, and the
// codec reads and writes through that table instead of hand-written shifts
// and masks.
type bitField struct {
	name   string
	offset uint
	width  uint
}

func (f bitField) limit() uint64 {
	return 1<<f.width - 1
}

// put writes v at the field position. Bits outside the field are preserved.
func (f bitField) put(buf []byte, v uint64) error {
	if v > f.limit() {
		return fmt.Errorf("%w: %s=%d does not fit in %d bits", ErrFieldOutOfRange, f.name, v, f.width)
	}

	// Byte aligned fields are plain big endian integers.
	if f.offset%8 == 0 && f.width%8 == 0 {
		start := f.offset / 8
		n := f.width / 8
		for i := uint(0); i < n; i++ {
			buf[start+i] = byte(v >> (8 * (n - 1 - i)))
		}
		return nil
	}

	for i := uint(0); i < f.width; i++ {
		pos := f.offset + i
		mask := byte(0x80) >> (pos % 8)
		if (v>>(f.width-1-i))&1 == 1 {
			buf[pos/8] |= mask
		} else {
			buf[pos/8] &^= mask
		}
	}
	return nil
}

// get reads the field from buf.
func (f bitField) get(buf []byte) uint64 {
	var v uint64
	if f.offset%8 == 0 && f.width%8 == 0 {
		start := f.offset / 8
		for i := uint(0); i < f.width/8; i++ {
			v = v<<8 | uint64(buf[start+i])
		}
		return v
	}

	for i := uint(0); i < f.width; i++ {
		pos := f.offset + i
		v = v<<1 | uint64((buf[pos/8]>>(7-pos%8))&1)
	}
	return v
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
