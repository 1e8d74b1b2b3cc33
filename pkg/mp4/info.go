package mp4

import (
	"encoding/binary"
	"fmt"

	"mediakit/pkg/sliceio"
)

var be = binary.BigEndian

// SizeToEnd marks a box whose declared size is zero: it extends to the
// end of the enclosing scope.
const SizeToEnd = int64(-1)

// BoxInfo describes one box header found in the file.
type BoxInfo struct {
	Offset     int64
	Size       int64 // Total size including header, or SizeToEnd.
	HeaderSize int64
	BoxType    BoxType
}

// DataOffset returns the offset of the box payload.
func (b *BoxInfo) DataOffset() int64 {
	return b.Offset + b.HeaderSize
}

// DataSize returns the payload size, or SizeToEnd.
func (b *BoxInfo) DataSize() int64 {
	if b.Size == SizeToEnd {
		return SizeToEnd
	}
	return b.Size - b.HeaderSize
}

// End returns the offset just past the box, or SizeToEnd.
func (b *BoxInfo) End() int64 {
	if b.Size == SizeToEnd {
		return SizeToEnd
	}
	return b.Offset + b.Size
}

// Scanner is a lazy depth-first cursor over sibling boxes. It keeps no
// box data; callers copy payloads explicitly.
type Scanner struct {
	src sliceio.Source
	pos int64
	end int64 // Scope bound, or SizeToEnd when unknown.
}

// NewScanner returns a Scanner over [start, end). Pass end = SizeToEnd
// when the scope size is unknown.
func NewScanner(src sliceio.Source, start, end int64) *Scanner {
	return &Scanner{src: src, pos: start, end: end}
}

// Pos returns the current cursor position.
func (s *Scanner) Pos() int64 {
	return s.pos
}

// Next returns the next sibling box and advances past it. Returns
// (nil, nil) when fewer bytes than a minimal header remain, which also
// swallows trailing padding and garbage shorter than a header.
func (s *Scanner) Next() (*BoxInfo, error) {
	if s.end != SizeToEnd && s.end-s.pos < 8 {
		return nil, nil
	}
	info, err := ReadBoxInfo(s.src, s.pos, s.end)
	if err != nil || info == nil {
		return nil, err
	}
	if info.Size == SizeToEnd {
		if s.end == SizeToEnd {
			s.pos = maxInt64
		} else {
			s.pos = s.end
		}
	} else {
		s.pos = info.End()
	}
	return info, nil
}

// Children returns a Scanner over the children of b, skipping the first
// skip payload bytes (entry counts, fixed sample-entry fields).
func (s *Scanner) Children(b *BoxInfo, skip int64) *Scanner {
	return NewScanner(s.src, b.DataOffset()+skip, b.End())
}

const maxInt64 = int64(^uint64(0) >> 1)

// ReadBoxInfo parses the box header at off. end bounds the enclosing
// scope, SizeToEnd when unknown. Returns (nil, nil) at end of data.
func ReadBoxInfo(src sliceio.Source, off, end int64) (*BoxInfo, error) {
	buf, err := src.Slice(off, 16)
	if err != nil {
		return nil, err
	}
	if len(buf) < 8 {
		return nil, nil
	}

	info := &BoxInfo{
		Offset:     off,
		Size:       int64(be.Uint32(buf)),
		HeaderSize: 8,
	}
	copy(info.BoxType[:], buf[4:8])

	switch info.Size {
	case 0:
		info.Size = SizeToEnd
		if end != SizeToEnd {
			info.Size = end - off
		}
	case 1:
		if len(buf) < 16 {
			return nil, fmt.Errorf("box %v at %d: truncated largesize", info.BoxType, off)
		}
		info.HeaderSize = 16
		info.Size = int64(be.Uint64(buf[8:16]))
	}

	if info.Size != SizeToEnd {
		if info.Size < info.HeaderSize {
			return nil, fmt.Errorf("box %v at %d: size %d smaller than header", info.BoxType, off, info.Size)
		}
		if end != SizeToEnd && info.End() > end {
			return nil, fmt.Errorf("box %v at %d: size %d overflows scope", info.BoxType, off, info.Size)
		}
	}
	return info, nil
}

// ReadPayload copies the box payload. Boxes with unknown size read to
// the end of the source; limit caps the copy either way.
func ReadPayload(src sliceio.Source, b *BoxInfo, limit int64) ([]byte, error) {
	size := b.DataSize()
	if size == SizeToEnd || size > limit {
		size = limit
	}
	buf, err := src.Slice(b.DataOffset(), int(size))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ParseFullBox splits version and flags off a full-box payload.
func ParseFullBox(data []byte) (uint8, uint32, []byte, error) {
	if len(data) < 4 {
		return 0, 0, nil, fmt.Errorf("full box: %d bytes", len(data))
	}
	vf := be.Uint32(data)
	return uint8(vf >> 24), vf & 0x00ffffff, data[4:], nil
}

// resyncLimit bounds the byte-wise search for the next well-formed box.
const resyncLimit = 4 << 20

// Resync scans byte-wise from off for the next well-formed sibling box
// header accepted by the filter, used after structural corruption.
// Returns -1 when nothing plausible is found within the limit.
func Resync(src sliceio.Source, off, end int64, accept func(BoxType) bool) (int64, error) {
	for scanned := int64(0); scanned < resyncLimit; {
		n := 64 << 10
		if end != SizeToEnd && off+int64(n) > end {
			n = int(end - off)
		}
		if n < 8 {
			return -1, nil
		}
		buf, err := src.Slice(off, n)
		if err != nil {
			return -1, err
		}
		if len(buf) < 8 {
			return -1, nil
		}
		for i := 0; i+8 <= len(buf); i++ {
			var typ BoxType
			copy(typ[:], buf[i+4:i+8])
			if !accept(typ) {
				continue
			}
			size := int64(be.Uint32(buf[i:]))
			if size != 0 && size != 1 && size < 8 {
				continue
			}
			if end != SizeToEnd && size > 1 && off+int64(i)+size > end {
				continue
			}
			return off + int64(i), nil
		}
		off += int64(len(buf) - 7)
		scanned += int64(len(buf) - 7)
		if len(buf) < n {
			return -1, nil
		}
	}
	return -1, nil
}
