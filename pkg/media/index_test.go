package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testIndex builds a 6-sample index with one reordered pair.
//
//	ordinal:  0    1    2    3    4    5
//	decode:   0   10   20   30   40   50
//	ctts:     0   10  -10    0    0    0
//	pres:     0   20   10   30   40   50
//	keys:     0              3
func testIndex() *Index {
	x := &Index{
		Count: 6,
		Timing: []TimingRun{
			{StartOrdinal: 0, StartTime: 0, Count: 6, Delta: 10},
		},
		Offsets: []OffsetRun{
			{StartOrdinal: 0, Count: 1, Offset: 0},
			{StartOrdinal: 1, Count: 1, Offset: 10},
			{StartOrdinal: 2, Count: 1, Offset: -10},
			{StartOrdinal: 3, Count: 3, Offset: 0},
		},
		Keys: []int32{0, 3},
		ChunkOffsets: []int64{
			1000, 2000,
		},
		Layout: []LayoutRun{
			{StartOrdinal: 0, StartChunk: 0, SamplesPerChunk: 3, ChunkCount: 2},
		},
		Sizes: []int64{100, 101, 102, 103, 104, 105},
	}
	x.DerivePresentation()
	return x
}

func TestIndexTiming(t *testing.T) {
	x := testIndex()
	require.NoError(t, x.Validate())

	dt, dur := x.DecodeTime(0)
	require.Equal(t, int64(0), dt)
	require.Equal(t, int64(10), dur)

	dt, _ = x.DecodeTime(5)
	require.Equal(t, int64(50), dt)

	pt, _ := x.PresentationTime(1)
	require.Equal(t, int64(20), pt)
	pt, _ = x.PresentationTime(2)
	require.Equal(t, int64(10), pt)

	require.Equal(t, int64(60), x.EndTime())
}

func TestIndexKeys(t *testing.T) {
	x := testIndex()

	require.True(t, x.IsKey(0))
	require.False(t, x.IsKey(1))
	require.True(t, x.IsKey(3))

	require.Equal(t, 3, x.NextKey(0))
	require.Equal(t, 3, x.NextKey(2))
	require.Equal(t, -1, x.NextKey(3))

	all := &Index{Count: 3, KeyAll: true}
	require.True(t, all.IsKey(2))
	require.Equal(t, 1, all.NextKey(0))
	require.Equal(t, -1, all.NextKey(2))
}

func TestIndexOrdinalAt(t *testing.T) {
	x := testIndex()

	cases := []struct {
		time int64
		want int
	}{
		{-1, -1},
		{0, 0},
		{9, 0},
		{10, 2}, // Presentation order puts ordinal 2 at time 10.
		{19, 2},
		{20, 1},
		{29, 1},
		{30, 3},
		{55, 5},
		{1000, 5},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, x.OrdinalAt(tc.time), "time %d", tc.time)
	}

	require.Equal(t, -1, x.KeyOrdinalAt(-1))
	require.Equal(t, 0, x.KeyOrdinalAt(0))
	require.Equal(t, 0, x.KeyOrdinalAt(29))
	require.Equal(t, 3, x.KeyOrdinalAt(30))
	require.Equal(t, 3, x.KeyOrdinalAt(1000))
}

func TestIndexLocation(t *testing.T) {
	x := testIndex()

	off, size := x.Location(0)
	require.Equal(t, int64(1000), off)
	require.Equal(t, int64(100), size)

	// Third sample of the first chunk.
	off, size = x.Location(2)
	require.Equal(t, int64(1000+100+101), off)
	require.Equal(t, int64(102), size)

	// First sample of the second chunk.
	off, size = x.Location(3)
	require.Equal(t, int64(2000), off)
	require.Equal(t, int64(103), size)

	off, size = x.Location(5)
	require.Equal(t, int64(2000+103+104), off)
	require.Equal(t, int64(105), size)
}

func TestIndexConstantSize(t *testing.T) {
	x := &Index{
		Count: 4,
		Timing: []TimingRun{
			{StartOrdinal: 0, StartTime: 0, Count: 4, Delta: 1},
		},
		KeyAll:       true,
		ChunkOffsets: []int64{500},
		Layout: []LayoutRun{
			{StartOrdinal: 0, StartChunk: 0, SamplesPerChunk: 4, ChunkCount: 1},
		},
		ConstantSize: 2,
	}
	require.NoError(t, x.Validate())

	off, size := x.Location(3)
	require.Equal(t, int64(506), off)
	require.Equal(t, int64(2), size)
}

func TestIndexValidateErrors(t *testing.T) {
	x := testIndex()
	x.Timing[0].Count = 5
	require.Error(t, x.Validate())

	x = testIndex()
	x.Layout[0].ChunkCount = 1
	require.Error(t, x.Validate())

	x = testIndex()
	x.Sizes = x.Sizes[:3]
	require.Error(t, x.Validate())

	x = testIndex()
	x.PresOrder[0] = x.PresOrder[1]
	require.Error(t, x.Validate())
}
