// Package sliceio provides random-access byte sources and position-tracked
// sinks used by the container readers and writers.
package sliceio

import (
	"io"
)

// SizeUnknown is reported by sources that cannot tell their total size,
// for example a live stream that is still growing.
const SizeUnknown = int64(-1)

// Source provides byte ranges of a media file.
//
// Slice returns the bytes in [off, off+n). A shorter slice means the source
// ended inside the requested range. A nil slice with a nil error means the
// range is entirely unsatisfiable and is used as the end-of-data signal
// while scanning. Implementations may block.
type Source interface {
	Slice(off int64, n int) ([]byte, error)

	// Size returns the total size in bytes, or SizeUnknown.
	Size() int64
}

// BytesSource is a Source backed by a byte slice.
type BytesSource struct {
	buf []byte
}

// NewBytesSource returns a Source reading from buf.
func NewBytesSource(buf []byte) *BytesSource {
	return &BytesSource{buf: buf}
}

// Slice implements Source.
func (s *BytesSource) Slice(off int64, n int) ([]byte, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		return nil, nil
	}
	end := off + int64(n)
	if end > int64(len(s.buf)) {
		end = int64(len(s.buf))
	}
	return s.buf[off:end], nil
}

// Size implements Source.
func (s *BytesSource) Size() int64 {
	return int64(len(s.buf))
}

// ReaderAtSource adapts an io.ReaderAt to a Source.
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource returns a Source reading from r.
// Pass SizeUnknown if the total size is not known.
func NewReaderAtSource(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

// Slice implements Source.
func (s *ReaderAtSource) Slice(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, nil
	}
	if s.size != SizeUnknown {
		if off >= s.size {
			return nil, nil
		}
		if off+int64(n) > s.size {
			n = int(s.size - off)
		}
	}
	buf := make([]byte, n)
	nn, err := s.r.ReadAt(buf, off)
	if err == io.EOF {
		if nn == 0 {
			return nil, nil
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:nn], nil
}

// Size implements Source.
func (s *ReaderAtSource) Size() int64 {
	return s.size
}
