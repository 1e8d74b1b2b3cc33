package sliceio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesSource(t *testing.T) {
	src := NewBytesSource([]byte{0, 1, 2, 3, 4})
	require.Equal(t, int64(5), src.Size())

	buf, err := src.Slice(1, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf)

	// Short read at the end.
	buf, err = src.Slice(3, 10)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, buf)

	// Past the end.
	buf, err = src.Slice(5, 1)
	require.NoError(t, err)
	require.Nil(t, buf)

	buf, err = src.Slice(-1, 1)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestReaderAtSource(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	src := NewReaderAtSource(bytes.NewReader(data), int64(len(data)))
	require.Equal(t, int64(5), src.Size())

	buf, err := src.Slice(2, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3}, buf)

	buf, err = src.Slice(4, 10)
	require.NoError(t, err)
	require.Equal(t, []byte{4}, buf)

	buf, err = src.Slice(9, 1)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestReaderAtSourceUnknownSize(t *testing.T) {
	data := []byte{0, 1, 2}
	src := NewReaderAtSource(bytes.NewReader(data), SizeUnknown)
	require.Equal(t, SizeUnknown, src.Size())

	buf, err := src.Slice(1, 10)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, buf)

	buf, err = src.Slice(3, 1)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestBuffer(t *testing.T) {
	var b Buffer

	n, err := b.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// Overwrite in the middle.
	_, err = b.Seek(1, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte{9, 9})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 9, 9, 4}, b.Bytes())

	// Write past the end grows with zeros.
	_, err = b.Seek(6, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte{7})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 9, 9, 4, 0, 0, 7}, b.Bytes())
	require.Equal(t, 7, b.Len())

	_, err = b.Seek(-1, io.SeekStart)
	require.ErrorIs(t, err, ErrNegativeResultPos)

	// Byte writes land at the current position like any other write.
	_, err = b.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.NoError(t, b.WriteByte(8))
	require.Equal(t, []byte{1, 9, 9, 4, 0, 0, 7, 8}, b.Bytes())
}

func TestSink(t *testing.T) {
	var b Buffer
	s := NewSink(&b)

	_, err := s.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), s.Pos())

	require.NoError(t, s.Seek(1))
	_, err = s.Write([]byte{9})
	require.NoError(t, err)
	require.Equal(t, int64(2), s.Pos())
	require.Equal(t, []byte{1, 9, 3, 4}, b.Bytes())
}

func TestMonotonicSink(t *testing.T) {
	var b Buffer
	s := NewMonotonicSink(&b)

	_, err := s.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	err = s.Seek(2)
	require.ErrorIs(t, err, ErrBackwardSeek)

	// Forward seeks are fine.
	require.NoError(t, s.Seek(5))
	_, err = s.Write([]byte{7})
	require.NoError(t, err)
	require.Equal(t, int64(6), s.Pos())
}
