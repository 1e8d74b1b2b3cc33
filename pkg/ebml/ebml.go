// Package ebml implements the EBML binary framing used by Matroska and
// WebM: variable-width integers, lazy element scanning and element
// serialization.
package ebml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"mediakit/pkg/sliceio"
)

// SizeUnknown marks an element whose size field was all ones; it
// extends until a sibling that cannot be its child.
const SizeUnknown = int64(-1)

// Parse errors.
var (
	ErrBadVint   = errors.New("malformed variable-width integer")
	ErrShortData = errors.New("element data truncated")
)

// VintWidth returns the width in bytes announced by the first byte of a
// variable-width integer, or 0 when invalid.
func VintWidth(b byte) int {
	for w := 1; w <= 8; w++ {
		if b&(0x80>>(w-1)) != 0 {
			return w
		}
	}
	return 0
}

// ParseID decodes an element ID from buf, marker bit kept. Returns the
// ID and its width.
func ParseID(buf []byte) (uint32, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrShortData
	}
	w := VintWidth(buf[0])
	if w == 0 || w > 4 {
		return 0, 0, fmt.Errorf("id first byte %#02x: %w", buf[0], ErrBadVint)
	}
	if len(buf) < w {
		return 0, 0, ErrShortData
	}
	var id uint32
	for i := 0; i < w; i++ {
		id = id<<8 | uint32(buf[i])
	}
	return id, w, nil
}

// ParseSize decodes a size from buf, marker bit stripped. An all-ones
// value decodes to SizeUnknown.
func ParseSize(buf []byte) (int64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrShortData
	}
	w := VintWidth(buf[0])
	if w == 0 {
		return 0, 0, fmt.Errorf("size first byte %#02x: %w", buf[0], ErrBadVint)
	}
	if len(buf) < w {
		return 0, 0, ErrShortData
	}
	v := int64(buf[0] &^ (0x80 >> (w - 1)))
	allOnes := buf[0] == 0xff>>(w-1)
	for i := 1; i < w; i++ {
		v = v<<8 | int64(buf[i])
		if buf[i] != 0xff {
			allOnes = false
		}
	}
	if allOnes {
		return SizeUnknown, w, nil
	}
	return v, w, nil
}

// ParseVint decodes an unsigned vint, marker stripped. Used inside
// block headers for track numbers and lace sizes.
func ParseVint(buf []byte) (uint64, int, error) {
	v, w, err := ParseSize(buf)
	if err != nil {
		return 0, 0, err
	}
	if v == SizeUnknown {
		return 0, 0, fmt.Errorf("unexpected all-ones vint: %w", ErrBadVint)
	}
	return uint64(v), w, nil
}

// ParseSvint decodes a signed vint (EBML lacing deltas).
func ParseSvint(buf []byte) (int64, int, error) {
	u, w, err := ParseVint(buf)
	if err != nil {
		return 0, 0, err
	}
	bias := int64(1)<<uint(7*w-1) - 1
	return int64(u) - bias, w, nil
}

// ParseUint decodes an unsigned integer element value (0 to 8 bytes).
func ParseUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

// ParseInt decodes a signed integer element value.
func ParseInt(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	v := int64(int8(data[0]))
	for _, b := range data[1:] {
		v = v<<8 | int64(b)
	}
	return v
}

// ParseFloat decodes a 4 or 8 byte float element value.
func ParseFloat(data []byte) (float64, error) {
	switch len(data) {
	case 0:
		return 0, nil
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	}
	return 0, fmt.Errorf("float of %d bytes: %w", len(data), ErrBadVint)
}

// Element is one parsed element header.
type Element struct {
	ID         uint32
	Offset     int64
	HeaderSize int64
	Size       int64 // Data size, or SizeUnknown.
}

// DataOffset returns the offset of the element data.
func (e *Element) DataOffset() int64 {
	return e.Offset + e.HeaderSize
}

// End returns the offset just past the element, or SizeUnknown.
func (e *Element) End() int64 {
	if e.Size == SizeUnknown {
		return SizeUnknown
	}
	return e.DataOffset() + e.Size
}

// Scanner is a lazy cursor over sibling elements.
type Scanner struct {
	src sliceio.Source
	pos int64
	end int64 // Scope bound, or SizeUnknown.
}

// NewScanner returns a Scanner over [start, end).
func NewScanner(src sliceio.Source, start, end int64) *Scanner {
	return &Scanner{src: src, pos: start, end: end}
}

// Pos returns the current cursor position.
func (s *Scanner) Pos() int64 {
	return s.pos
}

// Next returns the next sibling element and advances past it. Returns
// (nil, nil) at the end of the scope or source. An element of unknown
// size consumes the rest of the scope.
func (s *Scanner) Next() (*Element, error) {
	e, err := s.Peek()
	if err != nil || e == nil {
		return nil, err
	}
	if e.Size == SizeUnknown {
		if s.end == SizeUnknown {
			s.pos = math.MaxInt64
		} else {
			s.pos = s.end
		}
	} else {
		s.pos = e.End()
	}
	return e, nil
}

// Peek returns the next sibling element without advancing.
func (s *Scanner) Peek() (*Element, error) {
	if s.end != SizeUnknown && s.end-s.pos < 2 {
		return nil, nil
	}
	return ReadElement(s.src, s.pos, s.end)
}

// Skip advances past an element previously returned by Peek.
func (s *Scanner) Skip(e *Element) {
	if e.Size == SizeUnknown {
		if s.end == SizeUnknown {
			s.pos = math.MaxInt64
		} else {
			s.pos = s.end
		}
		return
	}
	s.pos = e.End()
}

// Children returns a Scanner over the children of e. For an element of
// unknown size the child scope extends to the parent scope; the caller
// stops at the first non-child ID.
func (s *Scanner) Children(e *Element) *Scanner {
	end := e.End()
	if end == SizeUnknown {
		end = s.end
	}
	return NewScanner(s.src, e.DataOffset(), end)
}

// ReadElement parses the element header at off. end bounds the scope.
// Returns (nil, nil) at end of data.
func ReadElement(src sliceio.Source, off, end int64) (*Element, error) {
	buf, err := src.Slice(off, 12)
	if err != nil {
		return nil, err
	}
	if len(buf) < 2 {
		return nil, nil
	}
	id, idw, err := ParseID(buf)
	if err != nil {
		return nil, fmt.Errorf("element at %d: %w", off, err)
	}
	size, sw, err := ParseSize(buf[idw:])
	if err != nil {
		return nil, fmt.Errorf("element %#x at %d: %w", id, off, err)
	}
	e := &Element{
		ID:         id,
		Offset:     off,
		HeaderSize: int64(idw + sw),
		Size:       size,
	}
	if size != SizeUnknown && end != SizeUnknown && e.End() > end {
		return nil, fmt.Errorf("element %#x at %d: size %d overflows scope", id, off, size)
	}
	return e, nil
}

// ReadData copies the element data. limit caps the copy.
func ReadData(src sliceio.Source, e *Element, limit int64) ([]byte, error) {
	size := e.Size
	if size == SizeUnknown || size > limit {
		size = limit
	}
	buf, err := src.Slice(e.DataOffset(), int(size))
	if err != nil {
		return nil, err
	}
	if e.Size != SizeUnknown && int64(len(buf)) < size {
		return nil, fmt.Errorf("element %#x at %d: %w", e.ID, e.Offset, ErrShortData)
	}
	return buf, nil
}

// resyncLimit bounds the byte-wise search for a known element ID.
const resyncLimit = 4 << 20

// Resync scans byte-wise from off for the next element whose ID is
// accepted, used after structural corruption. Returns -1 when nothing
// is found within the limit.
func Resync(src sliceio.Source, off, end int64, accept func(uint32) bool) (int64, error) {
	for scanned := int64(0); scanned < resyncLimit; {
		n := 64 << 10
		if end != SizeUnknown && off+int64(n) > end {
			n = int(end - off)
		}
		if n < 4 {
			return -1, nil
		}
		buf, err := src.Slice(off, n)
		if err != nil {
			return -1, err
		}
		if len(buf) < 4 {
			return -1, nil
		}
		for i := 0; i+4 <= len(buf); i++ {
			id, _, err := ParseID(buf[i:])
			if err != nil || !accept(id) {
				continue
			}
			return off + int64(i), nil
		}
		off += int64(len(buf) - 3)
		scanned += int64(len(buf) - 3)
		if len(buf) < n {
			return -1, nil
		}
	}
	return -1, nil
}
