package mp4

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mediakit/pkg/mp4/bitio"
	"mediakit/pkg/sliceio"
)

func marshalPayload(t *testing.T, b ImmutableBox) []byte {
	t.Helper()
	var buf sliceio.Buffer
	w := bitio.NewWriter(&buf)
	require.NoError(t, b.Marshal(w))
	require.Equal(t, b.Size(), buf.Len())
	return buf.Bytes()
}

func TestBoxTypes(t *testing.T) {
	testCases := []struct {
		name string
		src  ImmutableBox
		bin  []byte
	}{
		{
			name: "stts",
			src: &Stts{
				Entries: []SttsEntry{
					{SampleCount: 3, SampleDelta: 512},
					{SampleCount: 1, SampleDelta: 1024},
				},
			},
			bin: []byte{
				0,                // version
				0x00, 0x00, 0x00, // flags
				0x00, 0x00, 0x00, 0x02, // entry count
				0x00, 0x00, 0x00, 0x03, // sample count
				0x00, 0x00, 0x02, 0x00, // sample delta
				0x00, 0x00, 0x00, 0x01, // sample count
				0x00, 0x00, 0x04, 0x00, // sample delta
			},
		},
		{
			name: "ctts: negative offset",
			src: &Ctts{
				FullBox: NewFullBox(1, 0),
				Entries: []CttsEntry{
					{SampleCount: 1, SampleOffset: -512},
				},
			},
			bin: []byte{
				1,                // version
				0x00, 0x00, 0x00, // flags
				0x00, 0x00, 0x00, 0x01, // entry count
				0x00, 0x00, 0x00, 0x01, // sample count
				0xff, 0xff, 0xfe, 0x00, // sample offset
			},
		},
		{
			name: "elst: version 1",
			src: &Elst{
				FullBox: NewFullBox(1, 0),
				Entries: []ElstEntry{
					{
						SegmentDuration:  3000,
						MediaTime:        512,
						MediaRateInteger: 1,
					},
				},
			},
			bin: []byte{
				1,                // version
				0x00, 0x00, 0x00, // flags
				0x00, 0x00, 0x00, 0x01, // entry count
				0, 0, 0, 0, 0, 0, 0x0b, 0xb8, // segment duration
				0, 0, 0, 0, 0, 0, 0x02, 0x00, // media time
				0x00, 0x01, // media rate integer
				0x00, 0x00, // media rate fraction
			},
		},
		{
			name: "tfhd: default base is moof",
			src: &Tfhd{
				FullBox: NewFullBox(0, TfhdDefaultBaseIsMoof|TfhdDefaultSampleDurationPresent),
				TrackID: 2,

				DefaultSampleDuration: 256,
			},
			bin: []byte{
				0,                // version
				0x02, 0x00, 0x08, // flags
				0x00, 0x00, 0x00, 0x02, // track ID
				0x00, 0x00, 0x01, 0x00, // default sample duration
			},
		},
		{
			name: "trun: per sample fields",
			src: &Trun{
				FullBox: NewFullBox(1, TrunDataOffsetPresent|
					TrunSampleDurationPresent|
					TrunSampleSizePresent|
					TrunSampleCompositionTimeOffsetPresent),
				DataOffset: 200,
				Entries: []TrunEntry{
					{SampleDuration: 512, SampleSize: 4, SampleCompositionTimeOffset: -512},
				},
			},
			bin: []byte{
				1,                // version
				0x00, 0x0b, 0x01, // flags
				0x00, 0x00, 0x00, 0x01, // sample count
				0x00, 0x00, 0x00, 0xc8, // data offset
				0x00, 0x00, 0x02, 0x00, // sample duration
				0x00, 0x00, 0x00, 0x04, // sample size
				0xff, 0xff, 0xfe, 0x00, // sample composition time offset
			},
		},
		{
			name: "tfra",
			src: &Tfra{
				TrackID: 1,
				Entries: []TfraEntry{
					{Time: 90000, MoofOffset: 4096, TrafNumber: 1, TrunNumber: 1, SampleNum: 1},
				},
			},
			bin: []byte{
				1,                // version
				0x00, 0x00, 0x00, // flags
				0x00, 0x00, 0x00, 0x01, // track ID
				0x00, 0x00, 0x00, 0x00, // length fields
				0x00, 0x00, 0x00, 0x01, // entry count
				0, 0, 0, 0, 0, 0x01, 0x5f, 0x90, // time
				0, 0, 0, 0, 0, 0, 0x10, 0x00, // moof offset
				1, // traf number
				1, // trun number
				1, // sample number
			},
		},
		{
			name: "mfro",
			src: &Mfro{
				MfraSize: 0x12345678,
			},
			bin: []byte{
				0,                // version
				0x00, 0x00, 0x00, // flags
				0x12, 0x34, 0x56, 0x78, // mfra size
			},
		},
		{
			name: "free",
			src:  &Free{PadSize: 4},
			bin:  []byte{0, 0, 0, 0},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.bin, marshalPayload(t, tc.src))
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Run("stts", func(t *testing.T) {
		src := &Stts{Entries: []SttsEntry{{SampleCount: 5, SampleDelta: 100}}}
		got, err := ParseStts(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.Entries, got.Entries)
	})

	t.Run("ctts", func(t *testing.T) {
		src := &Ctts{
			FullBox: NewFullBox(1, 0),
			Entries: []CttsEntry{{SampleCount: 1, SampleOffset: -20}},
		}
		got, err := ParseCtts(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.Entries, got.Entries)
	})

	t.Run("elst", func(t *testing.T) {
		src := &Elst{
			FullBox: NewFullBox(1, 0),
			Entries: []ElstEntry{{SegmentDuration: 9000, MediaTime: 512, MediaRateInteger: 1}},
		}
		got, err := ParseElst(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.Entries, got.Entries)
	})

	t.Run("tfhd", func(t *testing.T) {
		src := &Tfhd{
			FullBox: NewFullBox(0, TfhdDefaultBaseIsMoof|TfhdDefaultSampleSizePresent),
			TrackID: 3,

			DefaultSampleSize: 777,
		}
		got, err := ParseTfhd(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.TrackID, got.TrackID)
		require.Equal(t, src.DefaultSampleSize, got.DefaultSampleSize)
		require.True(t, got.CheckFlag(TfhdDefaultBaseIsMoof))
	})

	t.Run("trun", func(t *testing.T) {
		src := &Trun{
			FullBox: NewFullBox(1, TrunDataOffsetPresent|
				TrunSampleDurationPresent|
				TrunSampleSizePresent|
				TrunSampleCompositionTimeOffsetPresent),
			DataOffset: 112,
			Entries: []TrunEntry{
				{SampleDuration: 512, SampleSize: 1000, SampleCompositionTimeOffset: 512},
				{SampleDuration: 512, SampleSize: 20, SampleCompositionTimeOffset: -512},
			},
		}
		got, err := ParseTrun(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.DataOffset, got.DataOffset)
		require.Equal(t, src.Entries, got.Entries)
	})

	t.Run("tfra", func(t *testing.T) {
		src := &Tfra{
			TrackID: 1,
			Entries: []TfraEntry{
				{Time: 1000, MoofOffset: 2000, TrafNumber: 1, TrunNumber: 1, SampleNum: 1},
				{Time: 3000, MoofOffset: 4000, TrafNumber: 1, TrunNumber: 1, SampleNum: 1},
			},
		}
		got, err := ParseTfra(marshalPayload(t, src))
		require.NoError(t, err)
		require.Equal(t, src.TrackID, got.TrackID)
		require.Equal(t, src.Entries, got.Entries)
	})
}

func TestWriteSingleBoxAndScan(t *testing.T) {
	var buf sliceio.Buffer
	w := bitio.NewWriter(&buf)

	_, err := WriteSingleBox(w, &Mfro{MfraSize: 42})
	require.NoError(t, err)
	_, err = WriteSingleBox(w, &Free{PadSize: 3})
	require.NoError(t, err)

	scan := NewScanner(buf.Source(), 0, int64(buf.Len()))

	b, err := scan.Next()
	require.NoError(t, err)
	require.Equal(t, Str("mfro"), b.BoxType)
	require.Equal(t, int64(16), b.Size)

	payload, err := ReadPayload(buf.Source(), b, 1<<20)
	require.NoError(t, err)
	mfro, err := ParseMfro(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), mfro.MfraSize)

	b, err = scan.Next()
	require.NoError(t, err)
	require.Equal(t, Str("free"), b.BoxType)

	b, err = scan.Next()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestWriteBoxHeaderLarge(t *testing.T) {
	// The smallest content size whose total no longer fits in 32 bits
	// switches the header to the 16-byte largesize form.
	big := maxUint32 - 7
	require.Equal(t, int64(8), HeaderSize(big-1))
	require.Equal(t, int64(16), HeaderSize(big))

	var buf sliceio.Buffer
	w := bitio.NewWriter(&buf)
	require.NoError(t, WriteBoxHeader(w, Str("mdat"), big))
	want := []byte{
		0x00, 0x00, 0x00, 0x01,
		'm', 'd', 'a', 't',
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x08, // largesize
	}
	require.Equal(t, want, buf.Bytes())
}

func TestReadBoxInfoLargesize(t *testing.T) {
	// size==1 moves the real size into a 64-bit field after the type.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, // size marker
		'm', 'd', 'a', 't',
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x18, // largesize 24
		1, 2, 3, 4, 5, 6, 7, 8,
	}
	b, err := ReadBoxInfo(sliceio.NewBytesSource(data), 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, Str("mdat"), b.BoxType)
	require.Equal(t, int64(24), b.Size)
	require.Equal(t, int64(16), b.HeaderSize)
	require.Equal(t, int64(24), b.End())
}

func TestReadBoxInfoToEnd(t *testing.T) {
	// size==0 extends the box to the end of the file.
	data := []byte{
		0x00, 0x00, 0x00, 0x00,
		'm', 'd', 'a', 't',
		1, 2, 3, 4,
	}
	b, err := ReadBoxInfo(sliceio.NewBytesSource(data), 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, Str("mdat"), b.BoxType)
	require.Equal(t, int64(12), b.Size)
}
