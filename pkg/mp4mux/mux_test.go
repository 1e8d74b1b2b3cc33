package mp4mux

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
	"mediakit/pkg/mp4demux"
	"mediakit/pkg/sliceio"
)

func vdata(i int) []byte { return bytes.Repeat([]byte{byte(0x10 + i)}, 10+i) }
func adata(i int) []byte { return bytes.Repeat([]byte{byte(0xa0 + i)}, 8) }

// videoInput is a key-to-key reordered stream in decode order. The
// first batch presents 0,300,100,200 so the muxer must derive decode
// times and a composition shift.
func videoInput() []Sample {
	return []Sample{
		{Data: vdata(0), Time: 0, Key: true},
		{Data: vdata(1), Time: 300},
		{Data: vdata(2), Time: 100},
		{Data: vdata(3), Time: 200},
		{Data: vdata(4), Time: 400, Key: true},
		{Data: vdata(5), Time: 500},
		{Data: vdata(6), Time: 600, Duration: 100},
	}
}

func audioInput() []Sample {
	var samples []Sample
	for i := 0; i < 7; i++ {
		samples = append(samples, Sample{Data: adata(i), Time: int64(i) * 100})
	}
	samples[6].Duration = 100
	return samples
}

// writeAV serializes the standard test streams through a muxer with the
// given options and returns the finished file.
func writeAV(t *testing.T, opts Options) *sliceio.Buffer {
	t.Helper()
	buf := &sliceio.Buffer{}
	m := NewMuxer(buf, opts)

	video, err := m.AddTrack(&media.Track{
		Kind: media.KindVideo, Timescale: 1000, Codec: "avc1",
		Width: 640, Height: 480, CodecPrivate: []byte{1, 0x64, 0, 0x1f},
	})
	require.NoError(t, err)
	audio, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Timescale: 1000, Codec: "Opus",
		SampleRate: 48000, Channels: 2, BitDepth: 16,
		CodecPrivate: []byte("OpusHead"),
	})
	require.NoError(t, err)

	vs, as := videoInput(), audioInput()
	for i := range vs {
		require.NoError(t, m.WriteSample(video.ID, vs[i]))
		require.NoError(t, m.WriteSample(audio.ID, as[i]))
	}
	require.NoError(t, m.Finalize())
	return buf
}

func topLevelBoxes(t *testing.T, buf *sliceio.Buffer) []string {
	t.Helper()
	scan := mp4.NewScanner(buf.Source(), 0, int64(buf.Len()))
	var types []string
	for {
		b, err := scan.Next()
		require.NoError(t, err)
		if b == nil {
			return types
		}
		types = append(types, b.BoxType.String())
	}
}

// checkAV verifies the demuxed tracks and packets against the standard
// test streams.
func checkAV(t *testing.T, buf *sliceio.Buffer) {
	t.Helper()
	d, err := mp4demux.Open(buf.Source(), nil)
	require.NoError(t, err)

	tracks := d.Tracks()
	require.Len(t, tracks, 2)

	video := tracks[0]
	require.Equal(t, int64(1), video.ID)
	require.Equal(t, media.KindVideo, video.Kind)
	require.Equal(t, uint32(1000), video.Timescale)
	require.Equal(t, "avc1", video.Codec)
	require.Equal(t, 640, video.Width)
	require.Equal(t, 480, video.Height)
	require.True(t, video.Default)
	require.Equal(t, []byte{1, 0x64, 0, 0x1f}, video.CodecPrivate)

	audio := tracks[1]
	require.Equal(t, media.KindAudio, audio.Kind)
	require.Equal(t, "Opus", audio.Codec)
	require.Equal(t, 48000, audio.SampleRate)
	require.Equal(t, 2, audio.Channels)
	require.Equal(t, 16, audio.BitDepth)
	require.Equal(t, []byte("OpusHead"), audio.CodecPrivate)

	vr, err := d.Reader(video.ID)
	require.NoError(t, err)

	// Decode order with the original presentation times restored.
	wantTimes := []int64{0, 300, 100, 200, 400, 500, 600}
	p, err := vr.First(media.ReadOptions{})
	require.NoError(t, err)
	for i, want := range wantTimes {
		require.NotNil(t, p, "sample %d", i)
		require.Equal(t, want, p.Time, "sample %d", i)
		require.Equal(t, int64(100), p.Duration, "sample %d", i)
		require.Equal(t, vdata(i), p.Data, "sample %d", i)
		wantKey := i == 0 || i == 4
		require.Equal(t, wantKey, p.IsKey(), "sample %d", i)
		p, err = vr.Next(p, media.ReadOptions{})
		require.NoError(t, err)
	}
	require.Nil(t, p)

	// At returns the greatest presentation time not after t.
	p, err = vr.At(250, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(200), p.Time)
	require.Equal(t, vdata(3), p.Data)

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

	ar, err := d.Reader(audio.ID)
	require.NoError(t, err)
	p, err = ar.First(media.ReadOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Time)
	require.Nil(t, p.Data)
	require.True(t, p.IsKey())

	// Audio packets are rejected by the video reader.
	_, err = vr.Next(p, media.ReadOptions{})
	require.ErrorIs(t, err, media.ErrForeignPacket)
}

func TestMuxPostHoc(t *testing.T) {
	buf := writeAV(t, Options{ChunkDuration: time.Second})
	require.Equal(t, []string{"ftyp", "free", "mdat", "moov"}, topLevelBoxes(t, buf))
	checkAV(t, buf)
}

func TestMuxReserve(t *testing.T) {
	buf := writeAV(t, Options{
		Placement:          PlacementReserve,
		MaximumPacketCount: 64,
		ChunkDuration:      time.Second,
	})
	boxes := topLevelBoxes(t, buf)
	require.Equal(t, "ftyp", boxes[0])
	require.Equal(t, "moov", boxes[1], "header must land in the reservation")
	require.Equal(t, "mdat", boxes[len(boxes)-1])
	checkAV(t, buf)
}

func TestMuxTwoPass(t *testing.T) {
	buf := writeAV(t, Options{Placement: PlacementTwoPass, ChunkDuration: time.Second})
	require.Equal(t, []string{"ftyp", "moov", "mdat"}, topLevelBoxes(t, buf))
	checkAV(t, buf)
}

func TestMuxFragmented(t *testing.T) {
	buf := &sliceio.Buffer{}
	m := NewMuxer(buf, Options{Fragmented: true})

	video, err := m.AddTrack(&media.Track{
		Kind: media.KindVideo, Timescale: 1000, Codec: "avc1",
		Width: 320, Height: 240,
	})
	require.NoError(t, err)
	audio, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Timescale: 1000, Codec: "Opus",
		SampleRate: 48000, Channels: 1, BitDepth: 16,
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		s := Sample{Data: vdata(i), Time: int64(i) * 100, Key: i%3 == 0}
		if i == 5 {
			s.Duration = 100
		}
		require.NoError(t, m.WriteSample(video.ID, s))
		a := Sample{Data: adata(i), Time: int64(i) * 100}
		if i == 5 {
			a.Duration = 100
		}
		require.NoError(t, m.WriteSample(audio.ID, a))
	}
	require.NoError(t, m.Finalize())

	boxes := topLevelBoxes(t, buf)
	require.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat", "mfra"}, boxes)

	d, err := mp4demux.Open(buf.Source(), nil)
	require.NoError(t, err)
	require.Len(t, d.Tracks(), 2)

	vr, err := d.Reader(video.ID)
	require.NoError(t, err)

	p, err := vr.First(media.ReadOptions{})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NotNil(t, p, "sample %d", i)
		require.Equal(t, int64(i)*100, p.Time, "sample %d", i)
		require.Equal(t, int64(100), p.Duration, "sample %d", i)
		require.Equal(t, vdata(i), p.Data, "sample %d", i)
		require.Equal(t, i%3 == 0, p.IsKey(), "sample %d", i)
		p, err = vr.Next(p, media.ReadOptions{})
		require.NoError(t, err)
	}
	require.Nil(t, p)

	// KeyAt crosses into the second fragment via the mfra lookup.
	p, err = vr.KeyAt(450, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(300), p.Time)
	require.True(t, p.IsKey())

	// NextKey from the first fragment's key finds the second's.
	p, err = vr.First(media.ReadOptions{MetadataOnly: true})
	require.NoError(t, err)
	p, err = vr.NextKey(p, media.ReadOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.Equal(t, int64(300), p.Time)

	dur, err := vr.Duration()
	require.NoError(t, err)
	require.Equal(t, int64(600), dur)

	ar, err := d.Reader(audio.ID)
	require.NoError(t, err)
	p, err = ar.At(250, media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(200), p.Time)
	require.Equal(t, adata(2), p.Data)
}

func TestMuxPCM(t *testing.T) {
	buf := &sliceio.Buffer{}
	m := NewMuxer(buf, Options{})

	pcm, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Timescale: 8000, Codec: "sowt",
		SampleRate: 8000, Channels: 1, BitDepth: 16, PCM: true,
	})
	require.NoError(t, err)

	b0 := bytes.Repeat([]byte{1, 2}, 1600)
	b1 := bytes.Repeat([]byte{3, 4}, 800)
	b2 := bytes.Repeat([]byte{5, 6}, 200)

	require.NoError(t, m.WriteSample(pcm.ID, Sample{Data: b0, Time: 0}))
	// A 400 frame gap gets filled with silence.
	require.NoError(t, m.WriteSample(pcm.ID, Sample{Data: b1, Time: 2000}))
	// A 100 frame overlap gets trimmed off the front.
	require.NoError(t, m.WriteSample(pcm.ID, Sample{Data: b2, Time: 2700}))
	require.NoError(t, m.Finalize())

	d, err := mp4demux.Open(buf.Source(), nil)
	require.NoError(t, err)
	got := d.Tracks()[0]
	require.True(t, got.PCM)
	require.Equal(t, uint32(8000), got.Timescale)
	require.Equal(t, 16, got.BitDepth)

	r, err := d.Reader(pcm.ID)
	require.NoError(t, err)

	// The whole chunk comes back as one logical packet.
	p, err := r.First(media.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Time)
	require.Equal(t, int64(2900), p.Duration)
	require.Equal(t, int64(5800), p.Size)
	require.True(t, p.IsKey())

	require.Equal(t, b0, p.Data[:3200])
	require.Equal(t, make([]byte, 800), p.Data[3200:4000], "gap must be silence")
	require.Equal(t, b1, p.Data[4000:5600])
	require.Equal(t, b2[200:], p.Data[5600:5800], "overlap must be trimmed")

	next, err := r.Next(p, media.ReadOptions{})
	require.NoError(t, err)
	require.Nil(t, next)

	dur, err := r.Duration()
	require.NoError(t, err)
	require.Equal(t, int64(2900), dur)
}

func TestMuxPCMTimescaleMismatch(t *testing.T) {
	m := NewMuxer(&sliceio.Buffer{}, Options{})
	pcm, err := m.AddTrack(&media.Track{
		Kind: media.KindAudio, Timescale: 1000, Codec: "sowt",
		SampleRate: 8000, Channels: 1, BitDepth: 16, PCM: true,
	})
	require.NoError(t, err)
	err = m.WriteSample(pcm.ID, Sample{Data: []byte{0, 0}, Time: 0})
	require.Error(t, err)
}

func TestMuxErrors(t *testing.T) {
	m := NewMuxer(&sliceio.Buffer{}, Options{})
	tr, err := m.AddTrack(&media.Track{Kind: media.KindAudio, Timescale: 1000, Codec: "Opus"})
	require.NoError(t, err)

	err = m.WriteSample(99, Sample{Data: []byte{1}})
	require.ErrorIs(t, err, ErrUnknownTrk)

	require.NoError(t, m.WriteSample(tr.ID, Sample{Data: []byte{1}, Time: 0}))
	_, err = m.AddTrack(&media.Track{Kind: media.KindVideo, Timescale: 1000, Codec: "avc1"})
	require.ErrorIs(t, err, ErrStarted)

	require.NoError(t, m.Finalize())
	require.ErrorIs(t, m.WriteSample(tr.ID, Sample{Data: []byte{1}}), ErrFinalized)
	require.ErrorIs(t, m.Finalize(), ErrFinalized)
}

func TestMuxReserveLimits(t *testing.T) {
	t.Run("missing maximum", func(t *testing.T) {
		m := NewMuxer(&sliceio.Buffer{}, Options{Placement: PlacementReserve})
		tr, err := m.AddTrack(&media.Track{Kind: media.KindAudio, Timescale: 1000, Codec: "Opus"})
		require.NoError(t, err)
		err = m.WriteSample(tr.ID, Sample{Data: []byte{1}, Time: 0})
		require.ErrorIs(t, err, ErrNoPacketLimit)
		require.ErrorIs(t, m.Finalize(), ErrNoPacketLimit)
	})

	t.Run("count exceeded", func(t *testing.T) {
		buf := &sliceio.Buffer{}
		m := NewMuxer(buf, Options{Placement: PlacementReserve, MaximumPacketCount: 2})
		tr, err := m.AddTrack(&media.Track{Kind: media.KindAudio, Timescale: 1000, Codec: "Opus"})
		require.NoError(t, err)

		require.NoError(t, m.WriteSample(tr.ID, Sample{Data: adata(0), Time: 0}))
		require.NoError(t, m.WriteSample(tr.ID, Sample{Data: adata(1), Time: 100}))
		err = m.WriteSample(tr.ID, Sample{Data: adata(2), Time: 200, Duration: 100})
		require.ErrorIs(t, err, ErrPacketLimit)

		// The accepted samples still finalize into a valid file with
		// the header inside the reservation.
		require.NoError(t, m.Finalize())
		boxes := topLevelBoxes(t, buf)
		require.Equal(t, "moov", boxes[1])
		require.Equal(t, "mdat", boxes[len(boxes)-1])
	})
}
