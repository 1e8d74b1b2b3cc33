package sliceio

import (
	"errors"
	"fmt"
	"io"
)

// ErrBackwardSeek is returned by a monotonic sink on a seek to an
// already-flushed position.
var ErrBackwardSeek = errors.New("backward seek on monotonic sink")

// Sink is a position-tracked output for the muxers.
//
// The monotonic mode refuses backward seeks. The in-memory and fragmented
// write paths enable it to catch offset-computation mistakes at the point
// of the bad write instead of in the finished file.
type Sink struct {
	out       io.WriteSeeker
	pos       int64
	flushed   int64 // high-water mark of written bytes
	monotonic bool
}

// NewSink returns a Sink writing to out.
func NewSink(out io.WriteSeeker) *Sink {
	return &Sink{out: out}
}

// NewMonotonicSink returns a Sink that refuses backward seeks.
func NewMonotonicSink(out io.WriteSeeker) *Sink {
	return &Sink{out: out, monotonic: true}
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.out.Write(p)
	s.pos += int64(n)
	if s.pos > s.flushed {
		s.flushed = s.pos
	}
	return n, err
}

// WriteByte implements io.ByteWriter.
func (s *Sink) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

// Seek moves the write position to an absolute offset.
func (s *Sink) Seek(pos int64) error {
	if s.monotonic && pos < s.flushed {
		return fmt.Errorf("%w: %d < %d", ErrBackwardSeek, pos, s.flushed)
	}
	if _, err := s.out.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	s.pos = pos
	return nil
}

// Pos returns the current write position.
func (s *Sink) Pos() int64 {
	return s.pos
}
