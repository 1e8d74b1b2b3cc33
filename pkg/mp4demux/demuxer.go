// Package mp4demux reads ISO base media files, progressive and
// fragmented, and exposes per-track packet retrieval.
package mp4demux

import (
	"errors"
	"fmt"
	"sync"

	"mediakit/pkg/log"
	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
	"mediakit/pkg/sliceio"
)

// Open errors.
var (
	ErrNoMoov      = errors.New("no moov box found")
	ErrNoSuchTrack = errors.New("no such track")
)

// maxPayload caps single metadata box payload reads.
const maxPayload = 64 << 20

// Demuxer reads one ISO base media file. Safe for concurrent use.
type Demuxer struct {
	src sliceio.Source

	mu     sync.Mutex
	tracks []*trackState

	movieTimescale uint32
	fragmented     bool

	// Optional persistent index store.
	store   media.IndexStore
	fileKey string

	logger *log.Logger

	// Fragment scanning state, all guarded by mu.
	fragScanStart int64 // First offset that may hold a moof.
	fragScanPos   int64 // High-water mark of the sequential scan.
	fragScanDone  bool
	frags         map[int64]*fragment // Keyed by moof offset.
	nextBaseTime  map[uint32]int64    // Accumulated decode time for tfdt-less files.
	mfraLoaded    bool
}

// trackState is one track plus its lazily-built index.
type trackState struct {
	track media.Track

	// Raw sample tables, kept until the index is built.
	tables *sampleTables

	// editShift is subtracted from every decode time. A single-entry
	// edit list with a positive media time maps to this.
	editShift int64

	index     *media.Index
	indexErr  error
	indexOnce sync.Once

	// Fragment lookup state, per track.
	trex   *mp4.Trex
	lookup *media.LookupTable
	cache  media.PositionCache
}

// sampleTables holds the parsed stbl boxes of one track.
type sampleTables struct {
	stts *mp4.Stts
	ctts *mp4.Ctts
	stsc *mp4.Stsc
	stsz *mp4.Stsz
	stss *mp4.Stss

	chunkOffsets []int64 // From stco or co64.
}

// Open parses the file-level metadata and returns a Demuxer. Sample
// indexes are built lazily on first retrieval. The logger receives
// dropped-track and corruption-recovery warnings; nil is silent.
func Open(src sliceio.Source, logger *log.Logger) (*Demuxer, error) {
	d := &Demuxer{
		src:          src,
		logger:       logger,
		frags:        map[int64]*fragment{},
		nextBaseTime: map[uint32]int64{},
	}

	scan := mp4.NewScanner(src, 0, srcEnd(src))
	var moov *mp4.BoxInfo
	for {
		b, err := scan.Next()
		if err != nil {
			return nil, fmt.Errorf("scan top level: %w", err)
		}
		if b == nil {
			break
		}
		if b.BoxType == mp4.Str("moov") {
			moov = b
			break
		}
	}
	if moov == nil {
		return nil, ErrNoMoov
	}
	if err := d.parseMoov(scan, moov); err != nil {
		return nil, err
	}

	d.fragScanStart = moov.End()
	d.fragScanPos = d.fragScanStart
	if !d.fragmented {
		d.fragScanDone = true
	}
	return d, nil
}

func srcEnd(src sliceio.Source) int64 {
	size := src.Size()
	if size == sliceio.SizeUnknown {
		return mp4.SizeToEnd
	}
	return size
}

// Tracks returns the discovered tracks in file order.
func (d *Demuxer) Tracks() []*media.Track {
	out := make([]*media.Track, len(d.tracks))
	for i, ts := range d.tracks {
		out[i] = &ts.track
	}
	return out
}

// Reader returns the retrieval surface for one track.
func (d *Demuxer) Reader(trackID int64) (media.TrackReader, error) {
	ts := d.state(trackID)
	if ts == nil {
		return nil, fmt.Errorf("track %d: %w", trackID, ErrNoSuchTrack)
	}
	return &trackReader{d: d, ts: ts}, nil
}

func (d *Demuxer) state(trackID int64) *trackState {
	for _, ts := range d.tracks {
		if ts.track.ID == trackID {
			return ts
		}
	}
	return nil
}

func (d *Demuxer) parseMoov(top *mp4.Scanner, moov *mp4.BoxInfo) error {
	children := top.Children(moov, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan moov: %w", err)
		}
		if b == nil {
			return nil
		}
		switch b.BoxType {
		case mp4.Str("mvhd"):
			payload, err := mp4.ReadPayload(d.src, b, maxPayload)
			if err != nil {
				return err
			}
			mvhd, err := mp4.ParseMvhd(payload)
			if err != nil {
				return fmt.Errorf("mvhd: %w", err)
			}
			d.movieTimescale = mvhd.Timescale
		case mp4.Str("trak"):
			ts, err := d.parseTrak(children, b)
			if err != nil {
				return err
			}
			if ts != nil {
				d.tracks = append(d.tracks, ts)
			}
		case mp4.Str("mvex"):
			d.fragmented = true
			if err := d.parseMvex(children, b); err != nil {
				return err
			}
		}
	}
}

// parseTrak parses one trak box. Returns (nil, nil) for tracks the
// engine cannot represent, which are dropped rather than failing the
// whole file.
func (d *Demuxer) parseTrak(parent *mp4.Scanner, trak *mp4.BoxInfo) (*trackState, error) {
	ts := &trackState{}

	children := parent.Children(trak, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return nil, fmt.Errorf("scan trak: %w", err)
		}
		if b == nil {
			break
		}
		switch b.BoxType {
		case mp4.Str("tkhd"):
			payload, err := mp4.ReadPayload(d.src, b, maxPayload)
			if err != nil {
				return nil, err
			}
			tkhd, err := mp4.ParseTkhd(payload)
			if err != nil {
				return nil, fmt.Errorf("tkhd: %w", err)
			}
			ts.track.ID = int64(tkhd.TrackID)
			ts.track.Default = tkhd.CheckFlag(mp4.TkhdFlagEnabled)
		case mp4.Str("edts"):
			drop, err := d.parseEdts(children, b, ts)
			if err != nil {
				return nil, err
			}
			if drop {
				d.logger.Warn().Src("mp4").
					Msgf("track %d: multi-entry edit list, dropping track", ts.track.ID)
				return nil, nil
			}
		case mp4.Str("mdia"):
			if err := d.parseMdia(children, b, ts); err != nil {
				return nil, err
			}
		}
	}

	// Tracks without sample tables are kept; fragmented files declare
	// all samples in moofs and mvex may not have been seen yet.
	return ts, nil
}

// parseEdts handles the edit list. A single entry with a non-negative
// media time becomes a decode-time shift. Anything more elaborate makes
// the track unrepresentable and drops it.
func (d *Demuxer) parseEdts(parent *mp4.Scanner, edts *mp4.BoxInfo, ts *trackState) (bool, error) {
	children := parent.Children(edts, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return false, fmt.Errorf("scan edts: %w", err)
		}
		if b == nil {
			return false, nil
		}
		if b.BoxType != mp4.Str("elst") {
			continue
		}
		payload, err := mp4.ReadPayload(d.src, b, maxPayload)
		if err != nil {
			return false, err
		}
		elst, err := mp4.ParseElst(payload)
		if err != nil {
			return false, fmt.Errorf("elst: %w", err)
		}
		switch len(elst.Entries) {
		case 0:
		case 1:
			entry := elst.Entries[0]
			if entry.MediaTime < 0 {
				// Initial delay only; presentation keeps its own zero.
				return false, nil
			}
			ts.editShift = entry.MediaTime
		default:
			return true, nil
		}
	}
}

func (d *Demuxer) parseMdia(parent *mp4.Scanner, mdia *mp4.BoxInfo, ts *trackState) error {
	children := parent.Children(mdia, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan mdia: %w", err)
		}
		if b == nil {
			return nil
		}
		switch b.BoxType {
		case mp4.Str("mdhd"):
			payload, err := mp4.ReadPayload(d.src, b, maxPayload)
			if err != nil {
				return err
			}
			mdhd, err := mp4.ParseMdhd(payload)
			if err != nil {
				return fmt.Errorf("mdhd: %w", err)
			}
			ts.track.Timescale = mdhd.Timescale
		case mp4.Str("hdlr"):
			payload, err := mp4.ReadPayload(d.src, b, maxPayload)
			if err != nil {
				return err
			}
			hdlr, err := mp4.ParseHdlr(payload)
			if err != nil {
				return fmt.Errorf("hdlr: %w", err)
			}
			ts.track.Kind = handlerKind(hdlr.HandlerType)
		case mp4.Str("minf"):
			if err := d.parseMinf(children, b, ts); err != nil {
				return err
			}
		}
	}
}

func handlerKind(handler [4]byte) media.Kind {
	switch handler {
	case [4]byte{'v', 'i', 'd', 'e'}:
		return media.KindVideo
	case [4]byte{'s', 'o', 'u', 'n'}:
		return media.KindAudio
	case [4]byte{'t', 'e', 'x', 't'}, [4]byte{'s', 'b', 't', 'l'}, [4]byte{'s', 'u', 'b', 't'}:
		return media.KindSubtitle
	}
	return media.KindUnknown
}

func (d *Demuxer) parseMinf(parent *mp4.Scanner, minf *mp4.BoxInfo, ts *trackState) error {
	children := parent.Children(minf, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan minf: %w", err)
		}
		if b == nil {
			return nil
		}
		if b.BoxType == mp4.Str("stbl") {
			if err := d.parseStbl(children, b, ts); err != nil {
				return err
			}
		}
	}
}

func (d *Demuxer) parseStbl(parent *mp4.Scanner, stbl *mp4.BoxInfo, ts *trackState) error {
	tables := &sampleTables{}
	ts.tables = tables

	children := parent.Children(stbl, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan stbl: %w", err)
		}
		if b == nil {
			return nil
		}
		if b.BoxType == mp4.Str("stsd") {
			if err := d.parseStsd(children, b, ts); err != nil {
				return err
			}
			continue
		}
		payload, err := mp4.ReadPayload(d.src, b, maxPayload)
		if err != nil {
			return err
		}
		switch b.BoxType {
		case mp4.Str("stts"):
			tables.stts, err = mp4.ParseStts(payload)
		case mp4.Str("ctts"):
			tables.ctts, err = mp4.ParseCtts(payload)
		case mp4.Str("stsc"):
			tables.stsc, err = mp4.ParseStsc(payload)
		case mp4.Str("stsz"):
			tables.stsz, err = mp4.ParseStsz(payload)
		case mp4.Str("stss"):
			tables.stss, err = mp4.ParseStss(payload)
		case mp4.Str("stco"):
			stco, perr := mp4.ParseStco(payload)
			if perr != nil {
				return fmt.Errorf("stco: %w", perr)
			}
			tables.chunkOffsets = make([]int64, len(stco.ChunkOffsets))
			for i, off := range stco.ChunkOffsets {
				tables.chunkOffsets[i] = int64(off)
			}
		case mp4.Str("co64"):
			co64, perr := mp4.ParseCo64(payload)
			if perr != nil {
				return fmt.Errorf("co64: %w", perr)
			}
			tables.chunkOffsets = make([]int64, len(co64.ChunkOffsets))
			for i, off := range co64.ChunkOffsets {
				tables.chunkOffsets[i] = int64(off)
			}
		}
		if err != nil {
			return fmt.Errorf("%v: %w", b.BoxType, err)
		}
	}
}

// parseStsd reads the first sample description entry. Additional
// entries are rare and ignored; samples referencing them still decode
// against the first description.
func (d *Demuxer) parseStsd(parent *mp4.Scanner, stsd *mp4.BoxInfo, ts *trackState) error {
	// Skip the stsd full-box header and entry count.
	entries := parent.Children(stsd, 8)
	entry, err := entries.Next()
	if err != nil || entry == nil {
		return err
	}
	payload, err := mp4.ReadPayload(d.src, entry, maxPayload)
	if err != nil {
		return err
	}

	ts.track.Codec = entry.BoxType.String()

	var childOffset int
	switch ts.track.Kind {
	case media.KindVideo:
		info, err := mp4.ParseVisualSampleEntry(entry.BoxType, payload)
		if err != nil {
			return fmt.Errorf("sample entry %v: %w", entry.BoxType, err)
		}
		ts.track.Width = int(info.Width)
		ts.track.Height = int(info.Height)
		childOffset = info.ChildOffset
	case media.KindAudio:
		info, err := mp4.ParseAudioSampleEntry(entry.BoxType, payload)
		if err != nil {
			return fmt.Errorf("sample entry %v: %w", entry.BoxType, err)
		}
		ts.track.Channels = int(info.ChannelCount)
		ts.track.BitDepth = int(info.SampleSize)
		ts.track.SampleRate = int(info.SampleRate)
		childOffset = info.ChildOffset
		ts.track.PCM = isPCMFourcc(entry.BoxType)
	default:
		// Opaque entry, keep the whole payload as configuration.
		ts.track.CodecPrivate = append([]byte(nil), payload...)
		return nil
	}

	// The first child carrying decoder configuration becomes
	// CodecPrivate.
	boxes := parent.Children(entry, int64(childOffset))
	for {
		child, err := boxes.Next()
		if err != nil || child == nil {
			return err
		}
		if isConfigFourcc(child.BoxType) {
			cfg, err := mp4.ReadPayload(d.src, child, maxPayload)
			if err != nil {
				return err
			}
			ts.track.CodecPrivate = append([]byte(nil), cfg...)
			return nil
		}
	}
}

func isPCMFourcc(t mp4.BoxType) bool {
	switch t {
	case mp4.Str("ipcm"), mp4.Str("lpcm"), mp4.Str("sowt"), mp4.Str("twos"), mp4.Str("raw "):
		return true
	}
	return false
}

func isConfigFourcc(t mp4.BoxType) bool {
	switch t {
	case mp4.Str("avcC"), mp4.Str("hvcC"), mp4.Str("vpcC"),
		mp4.Str("av1C"), mp4.Str("esds"), mp4.Str("dOps"),
		mp4.Str("dfLa"), mp4.Str("pcmC"):
		return true
	}
	return false
}

func (d *Demuxer) parseMvex(parent *mp4.Scanner, mvex *mp4.BoxInfo) error {
	children := parent.Children(mvex, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan mvex: %w", err)
		}
		if b == nil {
			return nil
		}
		if b.BoxType != mp4.Str("trex") {
			continue
		}
		payload, err := mp4.ReadPayload(d.src, b, maxPayload)
		if err != nil {
			return err
		}
		trex, err := mp4.ParseTrex(payload)
		if err != nil {
			return fmt.Errorf("trex: %w", err)
		}
		if ts := d.state(int64(trex.TrackID)); ts != nil {
			ts.trex = trex
		}
	}
}
