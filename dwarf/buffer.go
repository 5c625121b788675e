package dwarf

import (
	"fmt"
	"io"
)

// buffer is a sticky-error cursor over a byte slice. Once a read fails every
// subsequent read returns zero values; callers check err once at the end of
// a decode sequence.
type buffer struct {
	data []byte
	off  int
	err  error
}

func newBuffer(data []byte) *buffer {
	return &buffer{data: data}
}

func (b *buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *buffer) remaining() int {
	return len(b.data) - b.off
}

func (b *buffer) skip(n int) {
	if b.err != nil {
		return
	}
	if n < 0 || b.remaining() < n {
		b.fail(io.ErrUnexpectedEOF)
		return
	}
	b.off += n
}

func (b *buffer) uint8() uint8 {
	if b.err != nil {
		return 0
	}
	if b.remaining() < 1 {
		b.fail(io.ErrUnexpectedEOF)
		return 0
	}
	v := b.data[b.off]
	b.off++
	return v
}

func (b *buffer) uint16() uint16 {
	if b.err != nil {
		return 0
	}
	if b.remaining() < 2 {
		b.fail(io.ErrUnexpectedEOF)
		return 0
	}
	v := uint16(b.data[b.off]) | uint16(b.data[b.off+1])<<8
	b.off += 2
	return v
}

func (b *buffer) uint32() uint32 {
	if b.err != nil {
		return 0
	}
	if b.remaining() < 4 {
		b.fail(io.ErrUnexpectedEOF)
		return 0
	}
	v := uint32(b.data[b.off]) | uint32(b.data[b.off+1])<<8 |
		uint32(b.data[b.off+2])<<16 | uint32(b.data[b.off+3])<<24
	b.off += 4
	return v
}

func (b *buffer) uint64() uint64 {
	lo := b.uint32()
	hi := b.uint32()
	return uint64(hi)<<32 | uint64(lo)
}

// uint reads an unsigned value of 1, 2, 4, or 8 bytes.
func (b *buffer) uint(size int) uint64 {
	switch size {
	case 1:
		return uint64(b.uint8())
	case 2:
		return uint64(b.uint16())
	case 4:
		return uint64(b.uint32())
	case 8:
		return b.uint64()
	}
	b.fail(fmt.Errorf("%w: bad integer size %d", ErrCorrupt, size))
	return 0
}

// cstring reads a null-terminated string.
func (b *buffer) cstring() string {
	if b.err != nil {
		return ""
	}
	for i := b.off; i < len(b.data); i++ {
		if b.data[i] == 0 {
			s := string(b.data[b.off:i])
			b.off = i + 1
			return s
		}
	}
	b.fail(io.ErrUnexpectedEOF)
	return ""
}

// block reads an explicit byte count, borrowing from the underlying slice.
func (b *buffer) block(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.remaining() < n {
		b.fail(io.ErrUnexpectedEOF)
		return nil
	}
	v := b.data[b.off : b.off+n]
	b.off += n
	return v
}

const maxLebGroups = 10

// uleb reads an unsigned LEB128 value. More than ten groups is corruption,
// not silent truncation.
func (b *buffer) uleb() uint64 {
	var value uint64
	var shift uint
	for i := 0; i < maxLebGroups; i++ {
		group := b.uint8()
		if b.err != nil {
			return 0
		}
		value |= uint64(group&0x7F) << shift
		if group&0x80 == 0 {
			return value
		}
		shift += 7
	}
	b.fail(fmt.Errorf("%w: unsigned LEB128 too long", ErrCorrupt))
	return 0
}

// sleb reads a signed LEB128 value, sign extending from the final group.
func (b *buffer) sleb() int64 {
	var value uint64
	var shift uint
	for i := 0; i < maxLebGroups; i++ {
		group := b.uint8()
		if b.err != nil {
			return 0
		}
		value |= uint64(group&0x7F) << shift
		shift += 7
		if group&0x80 == 0 {
			if shift < 64 && group&0x40 != 0 {
				value |= ^uint64(0) << shift
			}
			return int64(value)
		}
	}
	b.fail(fmt.Errorf("%w: signed LEB128 too long", ErrCorrupt))
	return 0
}

// initialLength reads a DWARF initial-length field, reporting whether the
// unit uses the 64-bit format.
func (b *buffer) initialLength() (length uint64, is64 bool) {
	word := b.uint32()
	if word == 0xFFFFFFFF {
		return b.uint64(), true
	}
	return uint64(word), false
}

// offset reads a 32 or 64 bit section offset depending on the unit format.
func (b *buffer) offset(is64 bool) uint64 {
	if is64 {
		return b.uint64()
	}
	return uint64(b.uint32())
}

// AppendUleb appends the unsigned LEB128 encoding of v. Exported alongside
// the readers so callers building synthetic sections share one codec.
func AppendUleb(dst []byte, v uint64) []byte {
	for {
		group := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			group |= 0x80
		}
		dst = append(dst, group)
		if v == 0 {
			return dst
		}
	}
}

// AppendSleb appends the signed LEB128 encoding of v.
func AppendSleb(dst []byte, v int64) []byte {
	for {
		group := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && group&0x40 == 0) || (v == -1 && group&0x40 != 0)
		if !done {
			group |= 0x80
		}
		dst = append(dst, group)
		if done {
			return dst
		}
	}
}
