package mp4mux

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
	"mediakit/pkg/mp4/bitio"
	"mediakit/pkg/sliceio"
)

// Placement selects where the movie header ends up in the file.
type Placement int

// Placement strategies.
const (
	// PlacementPostHoc writes sample data first and appends the movie
	// header at the end. Single pass, one backward seek to patch the
	// mdat size.
	PlacementPostHoc Placement = iota

	// PlacementReserve reserves header space up front, sized from
	// MaximumPacketCount, and fills it at finalize. Writing past the
	// declared count fails; writing around it would corrupt the
	// reserved layout.
	PlacementReserve

	// PlacementTwoPass buffers all sample data in memory and writes
	// the finished file header-first, with no backward seeks.
	PlacementTwoPass
)

// Options configure a Muxer.
type Options struct {
	Placement  Placement
	Fragmented bool

	// MaximumPacketCount is the per-track sample count the Reserve
	// placement sizes its header space for. Required for Reserve,
	// ignored by the other placements.
	MaximumPacketCount int

	// ChunkDuration is the target duration of one chunk of interleaved
	// sample data. Zero means 500ms.
	ChunkDuration time.Duration

	// FragmentDuration is the minimum duration of one fragment. Zero
	// cuts at every key-aligned boundary.
	FragmentDuration time.Duration
}

// Sample is one input sample. Time is the presentation time in track
// timescale ticks. Samples arrive in decode order; presentation times
// within a key-to-key batch may be out of order.
type Sample struct {
	Data     []byte
	Time     int64
	Duration int64 // Optional, used for the final sample of the track.
	Key      bool
}

// Muxer errors.
var (
	ErrFinalized  = errors.New("muxer already finalized")
	ErrStarted    = errors.New("tracks must be added before the first sample")
	ErrUnknownTrk = errors.New("unknown track")

	// ErrNoPacketLimit is returned by the Reserve placement when
	// MaximumPacketCount was not set.
	ErrNoPacketLimit = errors.New("reserve placement needs a maximum packet count")

	// ErrPacketLimit is returned when a track exceeds the declared
	// MaximumPacketCount under the Reserve placement.
	ErrPacketLimit = errors.New("maximum packet count exceeded")
)

// Muxer writes one ISO base media file. Safe for concurrent use.
type Muxer struct {
	mu sync.Mutex

	out  io.WriteSeeker
	sink *sliceio.Sink
	opts Options

	tracks    []*mtrack
	started   bool
	finalized bool

	// Non-fragmented layout offsets.
	reserveStart int64
	reserveSize  int64
	mdatHdrOff   int64 // Start of the 16-byte free+mdat header area.
	buf          *sliceio.Buffer

	frag *fragWriter
}

// mtrack is the per-track accumulation state.
type mtrack struct {
	track media.Track
	tbl   *trackTables

	// Unresolved batch, video only.
	pending []Sample

	baseSet bool
	base    int64 // First decode time, subtracted so tracks start at 0.

	hasPrev bool
	prevDTS int64
	lastDur int64
	endDTS  int64

	dtsShift int64

	// Open chunk.
	chunkBuf      []byte
	chunkSamples  int
	chunkStart    int64
	chunkStartSet bool

	// PCM accumulation.
	pcmNext int64

	// Samples accepted so far, checked against MaximumPacketCount
	// under the Reserve placement.
	written int

	// Fragmented queue of resolved samples.
	queue []resolved
}

// resolved is a sample with its decode time assigned.
type resolved struct {
	data []byte
	dts  int64
	pts  int64
	key  bool
	dur  int64 // Duration hint from the input sample.
}

// NewMuxer returns a Muxer writing to out.
func NewMuxer(out io.WriteSeeker, opts Options) *Muxer {
	if opts.ChunkDuration == 0 {
		opts.ChunkDuration = 500 * time.Millisecond
	}
	m := &Muxer{out: out, opts: opts}
	if opts.Fragmented || opts.Placement == PlacementTwoPass {
		m.sink = sliceio.NewMonotonicSink(out)
	} else {
		m.sink = sliceio.NewSink(out)
	}
	return m
}

// AddTrack registers a track. All tracks must be added before the first
// sample. A zero ID is assigned the next free one.
func (m *Muxer) AddTrack(t *media.Track) (*media.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, ErrFinalized
	}
	if m.started {
		return nil, ErrStarted
	}
	mt := &mtrack{track: *t, tbl: newTrackTables()}
	if mt.track.ID == 0 {
		mt.track.ID = int64(len(m.tracks)) + 1
	}
	m.tracks = append(m.tracks, mt)
	return &mt.track, nil
}

func (m *Muxer) trackByID(id int64) *mtrack {
	for _, mt := range m.tracks {
		if mt.track.ID == id {
			return mt
		}
	}
	return nil
}

// WriteSample appends one sample to a track.
func (m *Muxer) WriteSample(trackID int64, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	mt := m.trackByID(trackID)
	if mt == nil {
		return fmt.Errorf("track %d: %w", trackID, ErrUnknownTrk)
	}
	if err := m.start(); err != nil {
		return err
	}

	if m.reserved() {
		if mt.written >= m.opts.MaximumPacketCount {
			return fmt.Errorf("track %d: %w", trackID, ErrPacketLimit)
		}
		mt.written++
	}

	if mt.track.PCM {
		return m.writePCM(mt, s)
	}

	// Video needs decode-order resolution; everything else carries its
	// decode time in the presentation time.
	if mt.track.Kind != media.KindVideo {
		return m.emit(mt, resolved{
			data: s.Data, dts: s.Time, pts: s.Time, key: true, dur: s.Duration,
		})
	}

	if s.Key && len(mt.pending) > 0 {
		if err := m.resolveBatch(mt); err != nil {
			return err
		}
	}
	mt.pending = append(mt.pending, s)
	return nil
}

// resolveBatch assigns decode times to the pending key-to-key batch.
// The sorted presentation times, taken in arrival order, become the
// decode times; reordered frames then carry the difference as their
// composition offset.
func (m *Muxer) resolveBatch(mt *mtrack) error {
	if len(mt.pending) == 0 {
		return nil
	}
	batch := mt.pending
	mt.pending = nil

	dts := make([]int64, len(batch))
	for i, s := range batch {
		dts[i] = s.Time
	}
	sort.Slice(dts, func(a, b int) bool { return dts[a] < dts[b] })

	for i, s := range batch {
		err := m.emit(mt, resolved{
			data: s.Data, dts: dts[i], pts: s.Time, key: s.Key, dur: s.Duration,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// emit routes one resolved sample to the active layout.
func (m *Muxer) emit(mt *mtrack, r resolved) error {
	if !mt.baseSet {
		mt.base = r.dts
		mt.baseSet = true
	}
	r.dts -= mt.base
	r.pts -= mt.base

	if shift := r.dts - r.pts; shift > mt.dtsShift {
		mt.dtsShift = shift
	}

	if m.opts.Fragmented {
		mt.queue = append(mt.queue, r)
		return m.frag.maybeCut(m)
	}
	return m.emitProgressive(mt, r)
}

func (m *Muxer) emitProgressive(mt *mtrack, r resolved) error {
	if mt.hasPrev {
		mt.tbl.addDelta(r.dts - mt.prevDTS)
	}
	mt.hasPrev = true
	mt.prevDTS = r.dts
	mt.lastDur = r.dur

	mt.tbl.addSize(uint32(len(r.data)))
	if r.key {
		mt.tbl.markKey()
	}
	mt.tbl.addOffset(r.pts - r.dts)

	if !mt.chunkStartSet {
		mt.chunkStart = r.dts
		mt.chunkStartSet = true
	}
	mt.chunkBuf = append(mt.chunkBuf, r.data...)
	mt.chunkSamples++

	chunkTicks := int64(m.opts.ChunkDuration) * int64(mt.track.Timescale) / int64(time.Second)
	if r.dts-mt.chunkStart >= chunkTicks {
		return m.flushChunk(mt)
	}
	return nil
}

func (m *Muxer) flushChunk(mt *mtrack) error {
	if mt.chunkSamples == 0 {
		return nil
	}
	off, err := m.writeData(mt.chunkBuf)
	if err != nil {
		return err
	}
	mt.tbl.addChunk(off, mt.chunkSamples)
	mt.chunkBuf = mt.chunkBuf[:0]
	mt.chunkSamples = 0
	mt.chunkStartSet = false
	return nil
}

// writeData appends sample bytes to the data region and returns the
// recorded chunk offset, which is file-relative except under TwoPass
// where it stays buffer-relative until finalize.
func (m *Muxer) writeData(data []byte) (uint64, error) {
	if m.buf != nil {
		off := uint64(m.buf.Len())
		_, err := m.buf.Write(data)
		return off, err
	}
	off := uint64(m.sink.Pos())
	_, err := m.sink.Write(data)
	return off, err
}

// reserved reports whether the Reserve layout is active.
func (m *Muxer) reserved() bool {
	return !m.opts.Fragmented && m.opts.Placement == PlacementReserve
}

// start lays out the file head on the first sample.
func (m *Muxer) start() error {
	if m.started {
		return nil
	}
	if m.reserved() && m.opts.MaximumPacketCount <= 0 {
		return ErrNoPacketLimit
	}
	m.started = true

	if m.opts.Fragmented {
		m.frag = newFragWriter(m)
		return m.frag.writeHeader(m)
	}

	switch m.opts.Placement {
	case PlacementTwoPass:
		m.buf = &sliceio.Buffer{}
		return nil
	case PlacementReserve:
		m.reserveSize = reserveWorstCase(m.tracks, m.opts.MaximumPacketCount)
	}

	w := bitio.NewWriter(m.sink)
	ftyp := ftypBox(false)
	if err := ftyp.Marshal(w); err != nil {
		return err
	}
	if m.opts.Placement == PlacementReserve {
		m.reserveStart = m.sink.Pos()
		if _, err := mp4.WriteSingleBox(w, &mp4.Free{PadSize: int(m.reserveSize) - 8}); err != nil {
			return err
		}
	}
	return m.writeMdatHeaderArea(w)
}

// writeMdatHeaderArea writes a free box followed by a zero-sized mdat
// header. When the final size overflows 32 bits the 16 bytes are
// rewritten as one largesize mdat header.
func (m *Muxer) writeMdatHeaderArea(w *bitio.Writer) error {
	m.mdatHdrOff = m.sink.Pos()
	if _, err := mp4.WriteSingleBox(w, &mp4.Free{}); err != nil {
		return err
	}
	w.TryWriteUint32(0)
	w.TryWrite([]byte("mdat"))
	return w.TryError
}

func (m *Muxer) patchMdat() error {
	dataEnd := m.sink.Pos()
	dataSize := dataEnd - (m.mdatHdrOff + 16)

	w := bitio.NewWriter(m.sink)
	if dataSize+8 <= int64(^uint32(0)) {
		if err := m.sink.Seek(m.mdatHdrOff + 8); err != nil {
			return err
		}
		w.TryWriteUint32(uint32(dataSize + 8))
		w.TryWrite([]byte("mdat"))
	} else {
		if err := m.sink.Seek(m.mdatHdrOff); err != nil {
			return err
		}
		w.TryWriteUint32(1)
		w.TryWrite([]byte("mdat"))
		w.TryWriteUint64(uint64(dataSize + 16))
	}
	if w.TryError != nil {
		return w.TryError
	}
	return m.sink.Seek(dataEnd)
}

// Finalize flushes everything and completes the file.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	m.finalized = true
	if err := m.start(); err != nil {
		return err
	}

	if m.opts.Fragmented {
		return m.frag.finalize(m)
	}

	for _, mt := range m.tracks {
		if mt.track.PCM {
			if err := m.flushPCM(mt); err != nil {
				return err
			}
			continue
		}
		if err := m.resolveBatch(mt); err != nil {
			return err
		}
		if mt.hasPrev {
			// The stream cannot say how long its final sample lasts;
			// the caller's duration hint or nothing.
			dur := mt.lastDur
			if dur == 0 {
				dur = mt.track.DefaultDuration
			}
			mt.tbl.addDelta(dur)
			mt.endDTS = mt.prevDTS + dur
		}
		if err := m.flushChunk(mt); err != nil {
			return err
		}
		mt.tbl.shiftOffsets(mt.dtsShift)
	}

	if m.opts.Placement == PlacementTwoPass {
		return m.finalizeTwoPass()
	}
	if err := m.patchMdat(); err != nil {
		return err
	}

	moov := m.buildMoov()
	if m.opts.Placement == PlacementReserve {
		return m.placeReserved(moov)
	}
	w := bitio.NewWriter(m.sink)
	return moov.Marshal(w)
}

// placeReserved writes the moov into the reserved space, padding the
// rest with a free box.
func (m *Muxer) placeReserved(moov mp4.Boxes) error {
	end := m.sink.Pos()
	moovSize := int64(moov.Size())
	leftover := m.reserveSize - moovSize

	w := bitio.NewWriter(m.sink)
	if leftover == 0 || leftover >= 8 {
		if err := m.sink.Seek(m.reserveStart); err != nil {
			return err
		}
		if err := moov.Marshal(w); err != nil {
			return err
		}
		if leftover > 0 {
			if _, err := mp4.WriteSingleBox(w, &mp4.Free{PadSize: int(leftover) - 8}); err != nil {
				return err
			}
		}
		return m.sink.Seek(end)
	}
	return fmt.Errorf("movie header size %d exceeds the %d byte reservation: %w",
		moovSize, m.reserveSize, ErrPacketLimit)
}

func (m *Muxer) finalizeTwoPass() error {
	ftyp := ftypBox(false)
	mdatHdr := mp4.HeaderSize(int64(m.buf.Len()))

	moov := m.buildMoov()
	base := uint64(ftyp.Size()) + uint64(moov.Size()) + uint64(mdatHdr)

	// Shifting the offsets can push stco into co64, which grows the
	// moov and moves the base once more.
	grown := false
	for _, mt := range m.tracks {
		if len(mt.tbl.chunkOffsets) == 0 {
			continue
		}
		last := mt.tbl.chunkOffsets[len(mt.tbl.chunkOffsets)-1]
		if last+base > uint64(^uint32(0)) && !mt.tbl.needCo64() {
			mt.tbl.force64 = true
			grown = true
		}
	}
	if grown {
		moov = m.buildMoov()
		base = uint64(ftyp.Size()) + uint64(moov.Size()) + uint64(mdatHdr)
	}
	for _, mt := range m.tracks {
		mt.tbl.shiftChunks(base)
	}
	moov = m.buildMoov()

	w := bitio.NewWriter(m.sink)
	if err := ftyp.Marshal(w); err != nil {
		return err
	}
	if err := moov.Marshal(w); err != nil {
		return err
	}
	if err := mp4.WriteBoxHeader(w, mp4.Str("mdat"), int64(m.buf.Len())); err != nil {
		return err
	}
	_, err := m.sink.Write(m.buf.Bytes())
	return err
}

// reserveWorstCase sizes the Reserve placement's header space for up to
// maxSamples samples per track, every table at its per-sample worst.
func reserveWorstCase(tracks []*mtrack, maxSamples int) int64 {
	const perSample = 8 + 8 + 4 + 12 + 8 + 4 // stts, ctts, stsz, stsc, co64, stss
	const perTrack = 1024
	total := int64(1024)
	for range tracks {
		total += perTrack + int64(maxSamples)*perSample
	}
	return total
}
