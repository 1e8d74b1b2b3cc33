package matroska

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"mediakit/pkg/ebml"
	"mediakit/pkg/media"
	"mediakit/pkg/sliceio"
)

// Muxer errors.
var (
	ErrFinalized  = errors.New("muxer already finalized")
	ErrStarted    = errors.New("tracks must be added before the first block")
	ErrUnknownTrk = errors.New("unknown track")
)

// MuxOptions configure a Muxer.
type MuxOptions struct {
	// TimecodeScale is nanoseconds per timecode tick. Zero means 1ms.
	TimecodeScale uint64

	// ClusterDuration is the target duration of one cluster. Zero
	// means one second.
	ClusterDuration time.Duration

	WritingApp string
}

// MuxSample is one input block. Time is the presentation time in
// timecode ticks. Samples arrive in decode order; presentation times
// within a key-to-key batch may be out of order.
type MuxSample struct {
	Data     []byte
	Time     int64
	Duration int64
	Key      bool
}

// seekReserve is the byte size of the seek head placeholder written at
// the start of the segment and patched at finalize.
const seekReserve = 80

// relTimecodeMax bounds the int16 block timecode relative to the
// cluster.
const relTimecodeMax = 32767

// Muxer writes one Matroska file. Blocks are written as SimpleBlocks
// grouped into clusters cut on key frames and a duration threshold.
// Safe for concurrent use.
type Muxer struct {
	mu sync.Mutex

	sink *sliceio.Sink
	opts MuxOptions

	tracks    []*wtrack
	started   bool
	finalized bool

	// Patch offsets, absolute.
	segSizeOff  int64
	segDataOff  int64
	seekHeadOff int64
	durValOff   int64

	// Seek head targets, relative to segDataOff.
	infoPos   int64
	tracksPos int64
	cuesPos   int64

	// Open cluster.
	clusterBuf   []byte
	clusterTC    int64
	clusterOpen  bool
	clusterCueTC int64
	clusterCued  bool

	cueTrack int64
	cues     []cuePoint

	duration int64 // Presentation end in timecode ticks.
}

// wtrack is the per-track accumulation state.
type wtrack struct {
	track media.Track

	// Unresolved batch, video only.
	pending []MuxSample

	// PCM accumulation.
	pcmNext   int64 // Next expected time in timecode ticks.
	pcmFrames int64 // Frames written so far.
	pcmBase   int64 // Time of the first PCM write.
	pcmSet    bool
}

type cuePoint struct {
	time       int64
	clusterPos int64 // Relative to the segment data.
}

// NewMuxer returns a Muxer writing to out. The seek head, segment size
// and duration are patched at finalize, so out must be seekable.
func NewMuxer(out io.WriteSeeker, opts MuxOptions) *Muxer {
	if opts.TimecodeScale == 0 {
		opts.TimecodeScale = defaultTimecodeScale
	}
	if opts.ClusterDuration == 0 {
		opts.ClusterDuration = time.Second
	}
	if opts.WritingApp == "" {
		opts.WritingApp = "mediakit"
	}
	return &Muxer{
		sink: sliceio.NewSink(out),
		opts: opts,
	}
}

// AddTrack registers a track. The returned track carries the assigned
// number. Must precede the first WriteSample.
func (m *Muxer) AddTrack(t *media.Track) (*media.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, ErrFinalized
	}
	if m.started {
		return nil, ErrStarted
	}
	mt := &wtrack{track: *t}
	if mt.track.ID == 0 {
		mt.track.ID = int64(len(m.tracks) + 1)
	}
	mt.track.Timescale = m.tickRate()
	m.tracks = append(m.tracks, mt)
	// Cues point at the first video track, or the first track overall.
	if m.cueTrack == 0 || (mt.track.Kind == media.KindVideo && !m.cueIsVideo()) {
		m.cueTrack = mt.track.ID
	}
	return &mt.track, nil
}

func (m *Muxer) cueIsVideo() bool {
	for _, mt := range m.tracks {
		if mt.track.ID == m.cueTrack {
			return mt.track.Kind == media.KindVideo
		}
	}
	return false
}

// tickRate returns timecode ticks per second.
func (m *Muxer) tickRate() uint32 {
	return uint32(1e9 / m.opts.TimecodeScale)
}

func (m *Muxer) trackByID(id int64) *wtrack {
	for _, mt := range m.tracks {
		if mt.track.ID == id {
			return mt
		}
	}
	return nil
}

// WriteSample accepts one block for a track. Video samples are held
// until the next key frame so that a whole key-to-key batch lands in
// one cluster; other kinds are written through.
func (m *Muxer) WriteSample(trackID int64, s MuxSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	mt := m.trackByID(trackID)
	if mt == nil {
		return fmt.Errorf("track %d: %w", trackID, ErrUnknownTrk)
	}
	if !m.started {
		if err := m.start(); err != nil {
			return err
		}
	}

	if mt.track.PCM {
		return m.writePCM(mt, s)
	}
	if mt.track.Kind != media.KindVideo {
		s.Key = true
		return m.emit(mt, s)
	}

	if s.Key && len(mt.pending) > 0 {
		if err := m.resolveBatch(mt); err != nil {
			return err
		}
	}
	mt.pending = append(mt.pending, s)
	return nil
}

// resolveBatch writes out the pending video samples. Arrival order is
// kept: block storage order is the decode order, and reordered frames
// only differ in the presentation timestamps they carry.
func (m *Muxer) resolveBatch(mt *wtrack) error {
	batch := mt.pending
	mt.pending = nil
	for _, s := range batch {
		if err := m.emit(mt, s); err != nil {
			return err
		}
	}
	return nil
}

// writePCM writes uncompressed audio, synthesizing silence over gaps
// and trimming overlap so the stream stays contiguous.
func (m *Muxer) writePCM(mt *wtrack, s MuxSample) error {
	if mt.track.SampleRate == 0 {
		return fmt.Errorf("track %d: pcm track without sample rate", mt.track.ID)
	}
	bpf := mt.track.BytesPerFrame()
	rate := int64(mt.track.SampleRate)
	tick := int64(m.tickRate())

	if !mt.pcmSet {
		mt.pcmSet = true
		mt.pcmBase = s.Time
		mt.pcmNext = s.Time
	}

	if s.Time > mt.pcmNext {
		gapFrames := (s.Time - mt.pcmNext) * rate / tick
		if gapFrames > 0 {
			silence := MuxSample{
				Data: make([]byte, gapFrames*bpf),
				Time: mt.pcmNext,
				Key:  true,
			}
			if err := m.emit(mt, silence); err != nil {
				return err
			}
			mt.pcmFrames += gapFrames
			mt.pcmNext = mt.pcmBase + mt.pcmFrames*tick/rate
		}
	} else if s.Time < mt.pcmNext {
		// Overlap, trim the front.
		trimFrames := (mt.pcmNext - s.Time) * rate / tick
		if trim := trimFrames * bpf; trim >= int64(len(s.Data)) {
			return nil
		} else if trim > 0 {
			s.Data = s.Data[trim:]
		}
	}

	frames := int64(len(s.Data)) / bpf
	s.Time = mt.pcmNext
	s.Key = true
	if err := m.emit(mt, s); err != nil {
		return err
	}
	mt.pcmFrames += frames
	mt.pcmNext = mt.pcmBase + mt.pcmFrames*tick/rate
	return nil
}

// emit appends one block to the open cluster, cutting first when the
// block starts a new key-aligned group or no longer fits.
func (m *Muxer) emit(mt *wtrack, s MuxSample) error {
	cut := false
	switch {
	case !m.clusterOpen:
	case mt.track.Kind == media.KindVideo && s.Key:
		cut = true
	case s.Time-m.clusterTC > relTimecodeMax || s.Time < m.clusterTC-relTimecodeMax-1:
		cut = true
	case s.Time-m.clusterTC > m.clusterTicks():
		cut = true
	}
	if cut {
		if err := m.flushCluster(); err != nil {
			return err
		}
	}
	if !m.clusterOpen {
		m.clusterOpen = true
		m.clusterTC = s.Time
		m.clusterCued = false
	}

	rel := s.Time - m.clusterTC
	flags := byte(laceNone)
	if s.Key {
		flags |= 0x80
	}

	payload := ebml.AppendSize(nil, mt.track.ID)
	payload = append(payload, byte(rel>>8), byte(rel))
	payload = append(payload, flags)
	payload = append(payload, s.Data...)

	m.clusterBuf = ebml.AppendBinary(m.clusterBuf, idSimpleBlock, payload)

	if !m.clusterCued && mt.track.ID == m.cueTrack {
		m.clusterCueTC = s.Time
		m.clusterCued = true
	}

	end := s.Time + s.Duration
	if s.Duration == 0 {
		end = s.Time + mt.track.DefaultDuration
	}
	if end > m.duration {
		m.duration = end
	}
	return nil
}

func (m *Muxer) clusterTicks() int64 {
	return int64(m.opts.ClusterDuration) * int64(m.tickRate()) / int64(time.Second)
}

// flushCluster writes the open cluster and records its cue point.
func (m *Muxer) flushCluster() error {
	if !m.clusterOpen {
		return nil
	}
	pos := m.sink.Pos()

	var buf []byte
	buf = ebml.AppendID(buf, idCluster)
	inner := ebml.AppendUint(nil, idTimecode, uint64(m.clusterTC))
	inner = append(inner, m.clusterBuf...)
	buf = ebml.AppendSize(buf, int64(len(inner)))
	buf = append(buf, inner...)
	if _, err := m.sink.Write(buf); err != nil {
		return err
	}

	cueTC := m.clusterTC
	if m.clusterCued {
		cueTC = m.clusterCueTC
	}
	m.cues = append(m.cues, cuePoint{
		time:       cueTC,
		clusterPos: pos - m.segDataOff,
	})

	m.clusterBuf = m.clusterBuf[:0]
	m.clusterOpen = false
	return nil
}

// start writes the EBML header, the segment opening, the seek head
// placeholder, the info and the track entries.
func (m *Muxer) start() error {
	m.started = true

	var buf []byte
	buf = ebml.Master(buf, idEBML, func(b []byte) []byte {
		b = ebml.AppendUint(b, idEBMLVersion, 1)
		b = ebml.AppendUint(b, idEBMLReadVersion, 1)
		b = ebml.AppendUint(b, idEBMLMaxIDLength, 4)
		b = ebml.AppendUint(b, idEBMLMaxSizeLength, 8)
		b = ebml.AppendString(b, idDocType, "matroska")
		b = ebml.AppendUint(b, idDocTypeVersion, 4)
		b = ebml.AppendUint(b, idDocTypeReadVersion, 2)
		return b
	})

	buf = ebml.AppendID(buf, idSegment)
	m.segSizeOff = m.sink.Pos() + int64(len(buf))
	buf = ebml.AppendUnknownSize(buf, 8)
	m.segDataOff = m.sink.Pos() + int64(len(buf))

	// Seek head placeholder, patched at finalize.
	m.seekHeadOff = m.sink.Pos() + int64(len(buf))
	buf = ebml.AppendVoid(buf, seekReserve)

	m.infoPos = m.sink.Pos() + int64(len(buf)) - m.segDataOff
	inner := ebml.AppendUint(nil, idTimecodeScl, m.opts.TimecodeScale)
	inner = ebml.AppendString(inner, idMuxingApp, "mediakit")
	inner = ebml.AppendString(inner, idWritingApp, m.opts.WritingApp)
	// Duration value bytes start after the 2-byte ID and the 1-byte
	// size.
	durOffInInner := len(inner) + 3
	inner = ebml.AppendFloat(inner, idDuration, 0)
	buf = ebml.AppendID(buf, idInfo)
	buf = ebml.AppendSize(buf, int64(len(inner)))
	m.durValOff = m.sink.Pos() + int64(len(buf)) + int64(durOffInInner)
	buf = append(buf, inner...)

	m.tracksPos = m.sink.Pos() + int64(len(buf)) - m.segDataOff
	buf = ebml.Master(buf, idTracks, func(b []byte) []byte {
		for _, mt := range m.tracks {
			b = appendTrackEntry(b, mt, m.opts.TimecodeScale)
		}
		return b
	})

	_, err := m.sink.Write(buf)
	return err
}

func appendTrackEntry(buf []byte, mt *wtrack, timecodeScale uint64) []byte {
	return ebml.Master(buf, idTrackEntry, func(b []byte) []byte {
		b = ebml.AppendUint(b, idTrackNumber, uint64(mt.track.ID))
		b = ebml.AppendUint(b, idTrackUID, uint64(mt.track.ID))
		var typ uint64
		switch mt.track.Kind {
		case media.KindVideo:
			typ = trackTypeVideo
		case media.KindAudio:
			typ = trackTypeAudio
		case media.KindSubtitle:
			typ = trackTypeSubtitle
		}
		b = ebml.AppendUint(b, idTrackType, typ)
		if !mt.track.Default {
			b = ebml.AppendUint(b, idFlagDefault, 0)
		}
		if mt.track.Forced {
			b = ebml.AppendUint(b, idFlagForced, 1)
		}
		b = ebml.AppendUint(b, idFlagLacing, 0)
		if mt.track.DefaultDuration > 0 {
			b = ebml.AppendUint(b, idDefaultDuration,
				uint64(mt.track.DefaultDuration)*timecodeScale)
		}
		b = ebml.AppendString(b, idCodecID, mt.track.Codec)
		if len(mt.track.CodecPrivate) > 0 {
			b = ebml.AppendBinary(b, idCodecPrivate, mt.track.CodecPrivate)
		}
		switch mt.track.Kind {
		case media.KindVideo:
			b = ebml.Master(b, idVideo, func(v []byte) []byte {
				v = ebml.AppendUint(v, idPixelWidth, uint64(mt.track.Width))
				v = ebml.AppendUint(v, idPixelHeight, uint64(mt.track.Height))
				return v
			})
		case media.KindAudio:
			b = ebml.Master(b, idAudio, func(a []byte) []byte {
				a = ebml.AppendFloat(a, idSamplingFreq, float64(mt.track.SampleRate))
				a = ebml.AppendUint(a, idChannels, uint64(mt.track.Channels))
				if mt.track.BitDepth > 0 {
					a = ebml.AppendUint(a, idBitDepth, uint64(mt.track.BitDepth))
				}
				return a
			})
		}
		return b
	})
}

// Finalize resolves the remaining batches, writes the cues and patches
// the seek head, the segment size and the duration.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	m.finalized = true
	if !m.started {
		if err := m.start(); err != nil {
			return err
		}
	}

	for _, mt := range m.tracks {
		if err := m.resolveBatch(mt); err != nil {
			return err
		}
	}
	if err := m.flushCluster(); err != nil {
		return err
	}

	m.cuesPos = m.sink.Pos() - m.segDataOff
	cues := ebml.Master(nil, idCues, func(b []byte) []byte {
		for _, cp := range m.cues {
			b = ebml.Master(b, idCuePoint, func(p []byte) []byte {
				p = ebml.AppendUint(p, idCueTime, uint64(cp.time))
				p = ebml.Master(p, idCueTrackPs, func(t []byte) []byte {
					t = ebml.AppendUint(t, idCueTrack, uint64(m.cueTrack))
					t = ebml.AppendUint(t, idCueClusPos, uint64(cp.clusterPos))
					return t
				})
				return p
			})
		}
		return b
	})
	if _, err := m.sink.Write(cues); err != nil {
		return err
	}
	segEnd := m.sink.Pos()

	// Segment size.
	var sz [8]byte
	ebml.PutSizeWidth(sz[:], segEnd-m.segDataOff, 8)
	if err := m.sink.Seek(m.segSizeOff); err != nil {
		return err
	}
	if _, err := m.sink.Write(sz[:]); err != nil {
		return err
	}

	// Duration.
	var dur [8]byte
	binary.BigEndian.PutUint64(dur[:], math.Float64bits(float64(m.duration)))
	if err := m.sink.Seek(m.durValOff); err != nil {
		return err
	}
	if _, err := m.sink.Write(dur[:]); err != nil {
		return err
	}

	// Seek head.
	head := ebml.Master(nil, idSeekHead, func(b []byte) []byte {
		b = appendSeek(b, idInfo, m.infoPos)
		b = appendSeek(b, idTracks, m.tracksPos)
		b = appendSeek(b, idCues, m.cuesPos)
		return b
	})
	if len(head) > seekReserve-2 {
		return fmt.Errorf("seek head of %d bytes overflows its reservation", len(head))
	}
	head = ebml.AppendVoid(head, seekReserve-len(head))
	if err := m.sink.Seek(m.seekHeadOff); err != nil {
		return err
	}
	if _, err := m.sink.Write(head); err != nil {
		return err
	}

	return m.sink.Seek(segEnd)
}

// appendSeek appends one seek entry with a fixed-width position so the
// head size stays deterministic.
func appendSeek(buf []byte, id uint32, pos int64) []byte {
	return ebml.Master(buf, idSeek, func(b []byte) []byte {
		idBytes := ebml.AppendID(nil, id)
		b = ebml.AppendBinary(b, idSeekID, idBytes)
		b = ebml.AppendID(b, idSeekPos)
		b = ebml.AppendSize(b, 8)
		for i := 7; i >= 0; i-- {
			b = append(b, byte(pos>>uint(8*i)))
		}
		return b
	})
}
