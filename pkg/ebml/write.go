package ebml

import (
	"encoding/binary"
	"math"
)

// AppendID appends an element ID, which already carries its own width
// in the marker bit.
func AppendID(buf []byte, id uint32) []byte {
	switch {
	case id>>8 == 0:
		return append(buf, byte(id))
	case id>>16 == 0:
		return append(buf, byte(id>>8), byte(id))
	case id>>24 == 0:
		return append(buf, byte(id>>16), byte(id>>8), byte(id))
	}
	return append(buf, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
}

// SizeWidth returns the minimal width encoding the given size.
func SizeWidth(v int64) int {
	for w := 1; w < 8; w++ {
		// The all-ones pattern of each width is reserved for unknown.
		if v < int64(1)<<uint(7*w)-1 {
			return w
		}
	}
	return 8
}

// AppendSize appends a size in its minimal width.
func AppendSize(buf []byte, v int64) []byte {
	return AppendSizeWidth(buf, v, SizeWidth(v))
}

// AppendSizeWidth appends a size in a fixed width, used where the size
// will be patched after the data is written.
func AppendSizeWidth(buf []byte, v int64, w int) []byte {
	marker := int64(1) << uint(7*w)
	v |= marker
	for i := w - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>uint(8*i)))
	}
	return buf
}

// AppendUnknownSize appends the all-ones unknown size of width w.
func AppendUnknownSize(buf []byte, w int) []byte {
	buf = append(buf, 0xff>>(w-1))
	for i := 1; i < w; i++ {
		buf = append(buf, 0xff)
	}
	return buf
}

// PutSizeWidth overwrites a previously reserved size field in place.
func PutSizeWidth(buf []byte, v int64, w int) {
	v |= int64(1) << uint(7*w)
	for i := 0; i < w; i++ {
		buf[i] = byte(v >> uint(8*(w-1-i)))
	}
}

// uintBytes returns the minimal byte count for an unsigned value.
// A zero value still takes one byte.
func uintBytes(v uint64) int {
	n := 1
	for v > 0xff {
		v >>= 8
		n++
	}
	return n
}

// AppendUint appends a complete unsigned integer element.
func AppendUint(buf []byte, id uint32, v uint64) []byte {
	n := uintBytes(v)
	buf = AppendID(buf, id)
	buf = AppendSize(buf, int64(n))
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>uint(8*i)))
	}
	return buf
}

// AppendFloat appends a complete 8-byte float element.
func AppendFloat(buf []byte, id uint32, v float64) []byte {
	buf = AppendID(buf, id)
	buf = AppendSize(buf, 8)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

// AppendString appends a complete string element.
func AppendString(buf []byte, id uint32, s string) []byte {
	buf = AppendID(buf, id)
	buf = AppendSize(buf, int64(len(s)))
	return append(buf, s...)
}

// AppendBinary appends a complete binary element.
func AppendBinary(buf []byte, id uint32, data []byte) []byte {
	buf = AppendID(buf, id)
	buf = AppendSize(buf, int64(len(data)))
	return append(buf, data...)
}

// Master builds a master element around the payload produced by fill.
func Master(buf []byte, id uint32, fill func([]byte) []byte) []byte {
	inner := fill(nil)
	buf = AppendID(buf, id)
	buf = AppendSize(buf, int64(len(inner)))
	return append(buf, inner...)
}

// AppendVoid appends a void element filling exactly total bytes.
// total must be at least 2.
func AppendVoid(buf []byte, total int) []byte {
	buf = append(buf, 0xec)
	remaining := total - 1
	w := 1
	if remaining-1 > 0x7f-1 {
		// Larger voids need a wider size field.
		w = SizeWidth(int64(remaining))
	}
	buf = AppendSizeWidth(buf, int64(remaining-w), w)
	return append(buf, make([]byte, remaining-w)...)
}
