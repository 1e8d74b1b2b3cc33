package matroska

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"mediakit/pkg/ebml"
	"mediakit/pkg/media"
	"mediakit/pkg/sliceio"
)

func vdata(i int) []byte { return bytes.Repeat([]byte{byte(0x10 + i)}, 10+i) }
func adata(i int) []byte { return bytes.Repeat([]byte{byte(0xa0 + i)}, 8) }

func TestMuxDemuxRoundTrip(t *testing.T) {
	buf := &sliceio.Buffer{}
	m := NewMuxer(buf, MuxOptions{})

	video, err := m.AddTrack(&media.Track{
		Kind: media.KindVideo, Codec: "V_MPEG4/ISO/AVC",
		Width: 640, Height: 480, Default: true,
		CodecPrivate:    []byte{1, 0x64, 0, 0x1f},
		DefaultDuration: 100,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1000), video.Timescale)

	audio, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Codec: "A_OPUS", Default: true,
		SampleRate: 48000, Channels: 2, BitDepth: 16,
		CodecPrivate: []byte("OpusHead"),
	})
	require.NoError(t, err)

	// Decode order with reordered presentation times in the first
	// key-to-key batch.
	vs := []MuxSample{
		{Data: vdata(0), Time: 0, Key: true},
		{Data: vdata(1), Time: 300},
		{Data: vdata(2), Time: 100},
		{Data: vdata(3), Time: 200},
		{Data: vdata(4), Time: 400, Key: true},
		{Data: vdata(5), Time: 500},
		{Data: vdata(6), Time: 600, Duration: 100},
	}
	for _, s := range vs {
		require.NoError(t, m.WriteSample(video.ID, s))
	}
	for i := 0; i < 7; i++ {
		s := MuxSample{Data: adata(i), Time: int64(i) * 100}
		if i == 6 {
			s.Duration = 100
		}
		require.NoError(t, m.WriteSample(audio.ID, s))
	}
	require.NoError(t, m.Finalize())

	d, err := Open(buf.Source(), nil)
	require.NoError(t, err)

	tracks := d.Tracks()
	require.Len(t, tracks, 2)

	gv := tracks[0]
	require.Equal(t, int64(1), gv.ID)
	require.Equal(t, media.KindVideo, gv.Kind)
	require.Equal(t, uint32(1000), gv.Timescale)
	require.Equal(t, "V_MPEG4/ISO/AVC", gv.Codec)
	require.Equal(t, 640, gv.Width)
	require.Equal(t, 480, gv.Height)
	require.True(t, gv.Default)
	require.Equal(t, int64(100), gv.DefaultDuration)
	require.Equal(t, []byte{1, 0x64, 0, 0x1f}, gv.CodecPrivate)

	ga := tracks[1]
	require.Equal(t, media.KindAudio, ga.Kind)
	require.Equal(t, "A_OPUS", ga.Codec)
	require.Equal(t, 48000, ga.SampleRate)
	require.Equal(t, 2, ga.Channels)
	require.Equal(t, 16, ga.BitDepth)
	require.Equal(t, []byte("OpusHead"), ga.CodecPrivate)

	vr, err := d.Reader(gv.ID)
	require.NoError(t, err)

	// Blocks come back in storage order, which is the decode order
	// they were written in; only their timestamps are reordered.
	wantTimes := []int64{0, 300, 100, 200, 400, 500, 600}
	p, err := vr.First(media.ReadOptions{})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NotNil(t, p, "block %d", i)
		require.Equal(t, wantTimes[i], p.Time, "block %d", i)
		require.Equal(t, int64(100), p.Duration, "block %d", i)
		require.Equal(t, vdata(i), p.Data, "block %d", i)
		require.Equal(t, i == 0 || i == 4, p.IsKey(), "block %d", i)
		p, err = vr.Next(p, media.ReadOptions{})
		require.NoError(t, err)
	}
	require.Nil(t, p)

	// At drives the cue-backed lookup; the cues sit behind the
	// clusters and resolve through the seek head.
	p, err = vr.At(350, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(300), p.Time)
	require.Equal(t, vdata(1), p.Data)

	p, err = vr.At(-1, media.ReadOptions{})
	require.NoError(t, err)
	require.Nil(t, p)

	p, err = vr.KeyAt(650, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(400), p.Time)
	require.True(t, p.IsKey())

	dur, err := vr.Duration()
	require.NoError(t, err)
	require.Equal(t, int64(700), dur)

	ar, err := d.Reader(ga.ID)
	require.NoError(t, err)
	p, err = ar.First(media.ReadOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Time)
	require.Nil(t, p.Data)
	require.Equal(t, int64(8), p.Size)
	require.True(t, p.IsKey())

	_, err = vr.Next(p, media.ReadOptions{})
	require.ErrorIs(t, err, media.ErrForeignPacket)
}

func TestMuxPCMGapAndTrim(t *testing.T) {
	buf := &sliceio.Buffer{}
	m := NewMuxer(buf, MuxOptions{})

	pcm, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Codec: "A_PCM/INT/LIT", Default: true,
		SampleRate: 8000, Channels: 1, BitDepth: 16, PCM: true,
	})
	require.NoError(t, err)

	b0 := bytes.Repeat([]byte{1, 2}, 800)
	b1 := bytes.Repeat([]byte{3, 4}, 800)
	b2 := bytes.Repeat([]byte{5, 6}, 600)

	require.NoError(t, m.WriteSample(pcm.ID, MuxSample{Data: b0, Time: 0}))
	// 100 tick gap, filled with an 800 frame silence block.
	require.NoError(t, m.WriteSample(pcm.ID, MuxSample{Data: b1, Time: 200}))
	// 50 tick overlap, 400 frames trimmed off the front.
	require.NoError(t, m.WriteSample(pcm.ID, MuxSample{Data: b2, Time: 250}))
	require.NoError(t, m.Finalize())

	d, err := Open(buf.Source(), nil)
	require.NoError(t, err)
	require.True(t, d.Tracks()[0].PCM)

	r, err := d.Reader(pcm.ID)
	require.NoError(t, err)

	wantTimes := []int64{0, 100, 200, 300}
	wantData := [][]byte{b0, make([]byte, 1600), b1, b2[400:]}
	p, err := r.First(media.ReadOptions{})
	require.NoError(t, err)
	for i := range wantTimes {
		require.NotNil(t, p, "block %d", i)
		require.Equal(t, wantTimes[i], p.Time, "block %d", i)
		require.Equal(t, wantData[i], p.Data, "block %d", i)
		require.True(t, p.IsKey(), "block %d", i)
		p, err = r.Next(p, media.ReadOptions{})
		require.NoError(t, err)
	}
	require.Nil(t, p)

	dur, err := r.Duration()
	require.NoError(t, err)
	require.Equal(t, int64(300), dur)
}

func TestExpandLacing(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		sizes, pos, err := expandLacing([]byte{0, 0, 0, 1, 2, 3, 4, 5}, 3, laceNone)
		require.NoError(t, err)
		require.Equal(t, []int64{5}, sizes)
		require.Equal(t, 3, pos)
	})

	t.Run("xiph", func(t *testing.T) {
		// 3 frames, first size 255+1 spans a continuation byte.
		data := append([]byte{2, 0xff, 0x01, 3}, make([]byte, 256+3+5)...)
		sizes, pos, err := expandLacing(data, 0, laceXiph)
		require.NoError(t, err)
		require.Equal(t, []int64{256, 3, 5}, sizes)
		require.Equal(t, 4, pos)
	})

	t.Run("fixed", func(t *testing.T) {
		data := append([]byte{2}, make([]byte, 9)...)
		sizes, pos, err := expandLacing(data, 0, laceFixed)
		require.NoError(t, err)
		require.Equal(t, []int64{3, 3, 3}, sizes)
		require.Equal(t, 1, pos)
	})

	t.Run("fixed remainder", func(t *testing.T) {
		data := append([]byte{2}, make([]byte, 8)...)
		_, _, err := expandLacing(data, 0, laceFixed)
		require.Error(t, err)
	})

	t.Run("ebml", func(t *testing.T) {
		// First size 2 as a vint, then delta +1 as a signed vint.
		data := append([]byte{2, 0x82, 0xc0}, make([]byte, 2+3+4)...)
		sizes, pos, err := expandLacing(data, 0, laceEBML)
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3, 4}, sizes)
		require.Equal(t, 3, pos)
	})

	t.Run("short", func(t *testing.T) {
		_, _, err := expandLacing([]byte{2, 200, 200}, 0, laceXiph)
		require.ErrorIs(t, err, ebml.ErrShortData)
	})
}

// buildEncodedFile hand-assembles a segment with three tracks: one
// encrypted, one zlib-compressed and one with header stripping, plus a
// laced block on the stripped track.
func buildEncodedFile() []byte {
	frames := [][]byte{{0x11, 0x12}, {0x21, 0x22, 0x23}, {0x31, 0x32, 0x33, 0x34}}

	var f []byte
	f = ebml.Master(f, idEBML, func(b []byte) []byte {
		b = ebml.AppendString(b, idDocType, "matroska")
		b = ebml.AppendUint(b, idDocTypeVersion, 4)
		b = ebml.AppendUint(b, idDocTypeReadVersion, 2)
		return b
	})
	return ebml.Master(f, idSegment, func(b []byte) []byte {
		b = ebml.Master(b, idInfo, func(i []byte) []byte {
			return ebml.AppendUint(i, idTimecodeScl, 1000000)
		})
		b = ebml.Master(b, idTracks, func(tr []byte) []byte {
			tr = ebml.Master(tr, idTrackEntry, func(e []byte) []byte {
				e = ebml.AppendUint(e, idTrackNumber, 1)
				e = ebml.AppendUint(e, idTrackType, trackTypeAudio)
				e = ebml.AppendString(e, idCodecID, "A_AAC")
				return ebml.Master(e, idContentEncodings, func(ce []byte) []byte {
					return ebml.Master(ce, idContentEncoding, func(c []byte) []byte {
						return ebml.AppendUint(c, idContentEncType, encTypeEncryption)
					})
				})
			})
			tr = ebml.Master(tr, idTrackEntry, func(e []byte) []byte {
				e = ebml.AppendUint(e, idTrackNumber, 2)
				e = ebml.AppendUint(e, idTrackType, trackTypeAudio)
				e = ebml.AppendString(e, idCodecID, "A_FLAC")
				return ebml.Master(e, idContentEncodings, func(ce []byte) []byte {
					return ebml.Master(ce, idContentEncoding, func(c []byte) []byte {
						// Empty compression, algorithm defaults to
						// zlib.
						return ebml.Master(c, idContentCompression,
							func(cc []byte) []byte { return cc })
					})
				})
			})
			return ebml.Master(tr, idTrackEntry, func(e []byte) []byte {
				e = ebml.AppendUint(e, idTrackNumber, 3)
				e = ebml.AppendUint(e, idTrackType, trackTypeAudio)
				e = ebml.AppendUint(e, idDefaultDuration, 20000000)
				e = ebml.AppendString(e, idCodecID, "A_AAC")
				e = ebml.Master(e, idAudio, func(a []byte) []byte {
					a = ebml.AppendFloat(a, idSamplingFreq, 48000)
					return ebml.AppendUint(a, idChannels, 2)
				})
				return ebml.Master(e, idContentEncodings, func(ce []byte) []byte {
					return ebml.Master(ce, idContentEncoding, func(c []byte) []byte {
						return ebml.Master(c, idContentCompression, func(cc []byte) []byte {
							cc = ebml.AppendUint(cc, idContentCompAlgo, compAlgoHeaderStrip)
							return ebml.AppendBinary(cc, idContentCompSettings, []byte{0xab, 0xcd})
						})
					})
				})
			})
		})
		return ebml.Master(b, idCluster, func(c []byte) []byte {
			c = ebml.AppendUint(c, idTimecode, 0)
			payload := ebml.AppendSize(nil, 3)
			payload = append(payload, 0, 0)
			payload = append(payload, 0x80|laceXiph, 2, 2, 3)
			for _, fr := range frames {
				payload = append(payload, fr...)
			}
			return ebml.AppendBinary(c, idSimpleBlock, payload)
		})
	})
}

func TestContentEncodings(t *testing.T) {
	src := sliceio.NewBytesSource(buildEncodedFile())
	d, err := Open(src, nil)
	require.NoError(t, err)

	// The encrypted and compressed tracks are gone.
	tracks := d.Tracks()
	require.Len(t, tracks, 1)
	require.Equal(t, int64(3), tracks[0].ID)
	require.Equal(t, int64(20), tracks[0].DefaultDuration)

	_, err = d.Reader(1)
	require.ErrorIs(t, err, ErrNoSuchTrack)

	r, err := d.Reader(3)
	require.NoError(t, err)

	// The stripped prefix is restored on every laced frame, and the
	// frames advance by the default duration.
	want := []struct {
		time int64
		data []byte
	}{
		{0, []byte{0xab, 0xcd, 0x11, 0x12}},
		{20, []byte{0xab, 0xcd, 0x21, 0x22, 0x23}},
		{40, []byte{0xab, 0xcd, 0x31, 0x32, 0x33, 0x34}},
	}
	p, err := r.First(media.ReadOptions{})
	require.NoError(t, err)
	for i, w := range want {
		require.NotNil(t, p, "frame %d", i)
		require.Equal(t, w.time, p.Time, "frame %d", i)
		require.Equal(t, w.data, p.Data, "frame %d", i)
		require.Equal(t, int64(len(w.data)), p.Size, "frame %d", i)
		require.True(t, p.IsKey(), "frame %d", i)
		p, err = r.Next(p, media.ReadOptions{})
		require.NoError(t, err)
	}
	require.Nil(t, p)

	dur, err := r.Duration()
	require.NoError(t, err)
	require.Equal(t, int64(60), dur)
}

// buildGroupFile hand-assembles a cluster using BlockGroups, where
// keyness follows from reference blocks and durations and side data are
// explicit.
func buildGroupFile() []byte {
	var f []byte
	f = ebml.Master(f, idEBML, func(b []byte) []byte {
		b = ebml.AppendString(b, idDocType, "matroska")
		b = ebml.AppendUint(b, idDocTypeReadVersion, 2)
		return b
	})
	return ebml.Master(f, idSegment, func(b []byte) []byte {
		b = ebml.Master(b, idInfo, func(i []byte) []byte {
			return ebml.AppendUint(i, idTimecodeScl, 1000000)
		})
		b = ebml.Master(b, idTracks, func(tr []byte) []byte {
			return ebml.Master(tr, idTrackEntry, func(e []byte) []byte {
				e = ebml.AppendUint(e, idTrackNumber, 1)
				e = ebml.AppendUint(e, idTrackType, trackTypeAudio)
				return ebml.AppendString(e, idCodecID, "A_AAC")
			})
		})
		return ebml.Master(b, idCluster, func(c []byte) []byte {
			c = ebml.AppendUint(c, idTimecode, 10)
			c = ebml.Master(c, idBlockGroup, func(g []byte) []byte {
				block := append(ebml.AppendSize(nil, 1), 0, 5, 0)
				block = append(block, 0xde, 0xad)
				g = ebml.AppendBinary(g, idBlock, block)
				g = ebml.AppendUint(g, idBlockDuration, 30)
				return ebml.Master(g, idBlockAdds, func(a []byte) []byte {
					return ebml.Master(a, idBlockMore, func(mo []byte) []byte {
						return ebml.AppendBinary(mo, idBlockAdd, []byte{0x5a})
					})
				})
			})
			return ebml.Master(c, idBlockGroup, func(g []byte) []byte {
				block := append(ebml.AppendSize(nil, 1), 0, 40, 0)
				block = append(block, 0xbe, 0xef)
				g = ebml.AppendBinary(g, idBlock, block)
				return ebml.AppendBinary(g, idRefBlock, []byte{0x81})
			})
		})
	})
}

func TestBlockGroups(t *testing.T) {
	src := sliceio.NewBytesSource(buildGroupFile())
	d, err := Open(src, nil)
	require.NoError(t, err)

	r, err := d.Reader(1)
	require.NoError(t, err)

	p, err := r.First(media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(15), p.Time)
	require.Equal(t, int64(30), p.Duration)
	require.Equal(t, []byte{0xde, 0xad}, p.Data)
	require.Equal(t, []byte{0x5a}, p.Side)
	require.True(t, p.IsKey(), "no reference block means key")

	p2, err := r.Next(p, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(50), p2.Time)
	require.Equal(t, []byte{0xbe, 0xef}, p2.Data)
	require.False(t, p2.IsKey(), "referenced block is a delta")
	require.Nil(t, p2.Side)

	// The second block is not a key, so the key walk runs dry.
	p3, err := r.NextKey(p, media.ReadOptions{})
	require.NoError(t, err)
	require.Nil(t, p3)
}

func TestMuxErrors(t *testing.T) {
	m := NewMuxer(&sliceio.Buffer{}, MuxOptions{})
	tr, err := m.AddTrack(&media.Track{Kind: media.KindAudio, Codec: "A_OPUS"})
	require.NoError(t, err)

	err = m.WriteSample(99, MuxSample{Data: []byte{1}})
	require.ErrorIs(t, err, ErrUnknownTrk)

	require.NoError(t, m.WriteSample(tr.ID, MuxSample{Data: []byte{1}, Time: 0}))
	_, err = m.AddTrack(&media.Track{Kind: media.KindVideo, Codec: "V_VP9"})
	require.ErrorIs(t, err, ErrStarted)

	require.NoError(t, m.Finalize())
	require.ErrorIs(t, m.WriteSample(tr.ID, MuxSample{Data: []byte{1}}), ErrFinalized)
	require.ErrorIs(t, m.Finalize(), ErrFinalized)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(sliceio.NewBytesSource([]byte("not a matroska file")), nil)
	require.Error(t, err)

	var f []byte
	f = ebml.Master(f, idEBML, func(b []byte) []byte {
		return ebml.AppendString(b, idDocType, "avi")
	})
	_, err = Open(sliceio.NewBytesSource(f), nil)
	require.ErrorIs(t, err, ErrNotMatroska)
}
