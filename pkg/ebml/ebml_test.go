package ebml

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mediakit/pkg/sliceio"
)

func TestVintWidth(t *testing.T) {
	cases := []struct {
		b    byte
		want int
	}{
		{0x80, 1},
		{0x81, 1},
		{0x40, 2},
		{0x20, 3},
		{0x10, 4},
		{0x08, 5},
		{0x01, 8},
		{0x00, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, VintWidth(tc.b))
	}
}

func TestParseID(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		id   uint32
		w    int
	}{
		{"one byte", []byte{0xae}, 0xae, 1},
		{"two bytes", []byte{0x42, 0x86}, 0x4286, 2},
		{"three bytes", []byte{0x2a, 0xd7, 0xb1}, 0x2ad7b1, 3},
		{"four bytes", []byte{0x1a, 0x45, 0xdf, 0xa3}, 0x1a45dfa3, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, w, err := ParseID(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.id, id)
			require.Equal(t, tc.w, w)
		})
	}

	_, _, err := ParseID([]byte{0x00})
	require.ErrorIs(t, err, ErrBadVint)

	_, _, err = ParseID([]byte{0x42})
	require.ErrorIs(t, err, ErrShortData)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		v    int64
		w    int
	}{
		{"small", []byte{0x81}, 1, 1},
		{"max one byte", []byte{0xfe}, 126, 1},
		{"two bytes", []byte{0x41, 0x00}, 256, 2},
		{"eight bytes", []byte{0x01, 0, 0, 0, 0, 0, 0x10, 0}, 0x1000, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, w, err := ParseSize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.v, v)
			require.Equal(t, tc.w, w)
		})
	}
}

func TestParseSizeUnknown(t *testing.T) {
	for w := 1; w <= 8; w++ {
		buf := AppendUnknownSize(nil, w)
		v, width, err := ParseSize(buf)
		require.NoError(t, err)
		require.Equal(t, w, width)
		require.Equal(t, SizeUnknown, v)
	}
}

func TestSizeRoundTrip(t *testing.T) {
	values := []int64{0, 1, 126, 127, 128, 16382, 16383, 1 << 20, 1 << 35, 1 << 49}
	for _, v := range values {
		buf := AppendSize(nil, v)
		got, w, err := ParseSize(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), w)
		require.Equal(t, v, got, "value %d", v)
	}
}

func TestSvintRoundTrip(t *testing.T) {
	// Bias for width 1 is 63.
	cases := []struct {
		in   []byte
		want int64
	}{
		{[]byte{0xbf}, 0},
		{[]byte{0xc0}, 1},
		{[]byte{0xbe}, -1},
		{[]byte{0x80}, -63},
	}
	for _, tc := range cases {
		v, w, err := ParseSvint(tc.in)
		require.NoError(t, err)
		require.Equal(t, 1, w)
		require.Equal(t, tc.want, v)
	}
}

func TestParseIntFloat(t *testing.T) {
	require.Equal(t, uint64(0x1234), ParseUint([]byte{0x12, 0x34}))
	require.Equal(t, int64(-1), ParseInt([]byte{0xff}))
	require.Equal(t, int64(-256), ParseInt([]byte{0xff, 0x00}))

	f, err := ParseFloat([]byte{0x3f, 0x80, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, 1.0, f)

	buf := AppendFloat(nil, 0x4489, 12.5)
	f, err = ParseFloat(buf[3:])
	require.NoError(t, err)
	require.Equal(t, 12.5, f)
}

func TestScanner(t *testing.T) {
	var buf []byte
	buf = AppendUint(buf, 0xd7, 1)
	buf = AppendString(buf, 0x86, "V_TEST")
	buf = Master(buf, 0xe0, func(b []byte) []byte {
		b = AppendUint(b, 0xb0, 640)
		b = AppendUint(b, 0xba, 480)
		return b
	})

	src := sliceio.NewBytesSource(buf)
	scan := NewScanner(src, 0, int64(len(buf)))

	e, err := scan.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0xd7), e.ID)
	data, err := ReadData(src, e, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ParseUint(data))

	e, err = scan.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0x86), e.ID)
	data, err = ReadData(src, e, 1<<20)
	require.NoError(t, err)
	require.Equal(t, "V_TEST", string(data))

	e, err = scan.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0xe0), e.ID)

	children := scan.Children(e)
	c, err := children.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0xb0), c.ID)
	c, err = children.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0xba), c.ID)
	c, err = children.Next()
	require.NoError(t, err)
	require.Nil(t, c)

	e, err = scan.Next()
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestAppendVoid(t *testing.T) {
	for _, total := range []int{2, 3, 10, 127, 128, 129, 1000} {
		buf := AppendVoid(nil, total)
		require.Equal(t, total, len(buf), "total %d", total)

		e, err := ReadElement(sliceio.NewBytesSource(buf), 0, int64(len(buf)))
		require.NoError(t, err)
		require.Equal(t, uint32(0xec), e.ID)
		require.Equal(t, int64(total), e.End())
	}
}

func TestResync(t *testing.T) {
	var buf []byte
	buf = append(buf, 0xde, 0xad, 0xbe, 0xef)
	clusterAt := int64(len(buf))
	buf = AppendID(buf, 0x1f43b675)
	buf = AppendSize(buf, 0)

	off, err := Resync(sliceio.NewBytesSource(buf), 0, int64(len(buf)), func(id uint32) bool {
		return id == 0x1f43b675
	})
	require.NoError(t, err)
	require.Equal(t, clusterAt, off)
}
