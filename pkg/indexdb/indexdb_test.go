package indexdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mediakit/pkg/media"
)

func testIndex() *media.Index {
	return &media.Index{
		Count: 4,
		Timing: []media.TimingRun{
			{StartOrdinal: 0, StartTime: 0, Count: 4, Delta: 10},
		},
		Keys:         []int32{0, 2},
		Sizes:        []int64{100, 101, 102, 103},
		ChunkOffsets: []int64{4096},
		Layout: []media.LayoutRun{
			{StartOrdinal: 0, StartChunk: 0, SamplesPerChunk: 4, ChunkCount: 1},
		},
	}
}

func TestPutGetIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(dbPath)
	require.NoError(t, err)

	want := testIndex()
	require.NoError(t, db.PutIndex("rec1.mp4", 1, want))

	got, err := db.GetIndex("rec1.mp4", 1)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// A miss is not an error.
	got, err = db.GetIndex("rec1.mp4", 2)
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = db.GetIndex("rec2.mp4", 1)
	require.NoError(t, err)
	require.Nil(t, got)

	// The database persists across opens.
	require.NoError(t, db.Close())
	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	got, err = db.GetIndex("rec1.mp4", 1)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEncodeKeyDistinct(t *testing.T) {
	// The length prefix keeps ambiguous pairs apart.
	a := encodeKey("ab", 1)
	b := encodeKey("a", 1)
	require.NotEqual(t, a, b)

	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutIndex("ab", 1, testIndex()))
	got, err := db.GetIndex("a", 1)
	require.NoError(t, err)
	require.Nil(t, got)
}
