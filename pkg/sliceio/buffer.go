package sliceio

import (
	"bytes"
	"errors"
	"io"
)

// Buffer is an in-memory io.WriteSeeker used by the buffered placement
// strategies and by tests.
type Buffer struct {
	buf bytes.Buffer
	pos int
}

// Write writes to the buffer at the current position.
func (b *Buffer) Write(p []byte) (n int, err error) {
	// If the offset is past the end of the buffer, grow the buffer with null bytes.
	if extra := b.pos - b.buf.Len(); extra > 0 {
		if _, err := b.buf.Write(make([]byte, extra)); err != nil {
			return n, err
		}
	}

	// If the offset isn't at the end of the buffer, write as much as we can.
	if b.pos < b.buf.Len() {
		n = copy(b.buf.Bytes()[b.pos:], p)
		p = p[n:]
	}

	// If there are remaining bytes, append them to the buffer.
	if len(p) > 0 {
		var bn int
		bn, err = b.buf.Write(p)
		n += bn
	}

	b.pos += n
	return n, err
}

// WriteByte writes a single byte at the current position.
func (b *Buffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// ErrNegativeResultPos negative result pos.
var ErrNegativeResultPos = errors.New("negative result pos")

// Seek seeks in the buffer.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	newPos, offs := 0, int(offset)
	switch whence {
	case io.SeekStart:
		newPos = offs
	case io.SeekCurrent:
		newPos = b.pos + offs
	case io.SeekEnd:
		newPos = b.buf.Len() + offs
	}
	if newPos < 0 {
		return 0, ErrNegativeResultPos
	}
	b.pos = newPos
	return int64(newPos), nil
}

// Bytes returns the underlying byte slice.
func (b *Buffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	return b.buf.Len()
}

// Source returns a Source reading the buffer contents.
func (b *Buffer) Source() Source {
	return NewBytesSource(b.buf.Bytes())
}
