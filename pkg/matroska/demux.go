package matroska

import (
	"errors"
	"fmt"
	"sync"

	"mediakit/pkg/ebml"
	"mediakit/pkg/log"
	"mediakit/pkg/media"
	"mediakit/pkg/sliceio"
)

// Open errors.
var (
	ErrNotMatroska = errors.New("not a matroska file")
	ErrNoSegment   = errors.New("no segment element")
	ErrNoSuchTrack = errors.New("no such track")
)

// maxMetaSize caps metadata element reads.
const maxMetaSize = 64 << 20

// defaultTimecodeScale is nanoseconds per timecode tick.
const defaultTimecodeScale = 1000000

// Demuxer reads one Matroska or WebM file. Safe for concurrent use.
type Demuxer struct {
	src    sliceio.Source
	logger *log.Logger

	mu sync.Mutex

	timecodeScale uint64
	infoDuration  float64 // In timecode ticks, 0 when absent.
	docType       string

	tracks []*trackState

	segData      int64 // Segment data offset; seek positions are relative to it.
	segEnd       int64 // Or ebml.SizeUnknown.
	clusterStart int64 // Offset of the first cluster.
	clusters     map[int64]*cluster
}

// trackState is one track plus its retrieval state.
type trackState struct {
	track media.Track

	// stripPrefix is prepended to every frame, from the header
	// stripping content encoding.
	stripPrefix []byte

	defDur int64 // Per-frame duration in timecode ticks.

	lookup *media.LookupTable
	cache  media.PositionCache
}

// Open parses the file-level metadata and returns a Demuxer. Clusters
// are scanned lazily. The logger receives dropped-track and
// corruption-recovery warnings; nil is silent.
func Open(src sliceio.Source, logger *log.Logger) (*Demuxer, error) {
	d := &Demuxer{
		src:           src,
		logger:        logger,
		timecodeScale: defaultTimecodeScale,
		clusters:      map[int64]*cluster{},
	}

	scan := ebml.NewScanner(src, 0, srcEnd(src))
	header, err := scan.Next()
	if err != nil {
		return nil, err
	}
	if header == nil || header.ID != idEBML {
		return nil, ErrNotMatroska
	}
	if err := d.parseEBMLHeader(scan, header); err != nil {
		return nil, err
	}

	var segment *ebml.Element
	for {
		e, err := scan.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNoSegment
		}
		if e.ID == idSegment {
			segment = e
			break
		}
	}
	d.segData = segment.DataOffset()
	d.segEnd = segment.End()
	if d.segEnd == ebml.SizeUnknown {
		d.segEnd = srcEnd(src)
	}

	return d, d.parseSegment(scan, segment)
}

func srcEnd(src sliceio.Source) int64 {
	size := src.Size()
	if size == sliceio.SizeUnknown {
		return ebml.SizeUnknown
	}
	return size
}

func (d *Demuxer) parseEBMLHeader(parent *ebml.Scanner, header *ebml.Element) error {
	children := parent.Children(header)
	for {
		e, err := children.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		data, err := ebml.ReadData(d.src, e, maxMetaSize)
		if err != nil {
			return err
		}
		switch e.ID {
		case idDocType:
			d.docType = string(data)
		case idDocTypeReadVersion:
			if v := ebml.ParseUint(data); v > 4 {
				return fmt.Errorf("doctype read version %d: %w", v, ErrNotMatroska)
			}
		}
	}
	if d.docType != "matroska" && d.docType != "webm" {
		return fmt.Errorf("doctype %q: %w", d.docType, ErrNotMatroska)
	}
	return nil
}

// parseSegment walks the segment children up to the first cluster, then
// resolves anything still missing (typically trailing cues) through the
// seek head.
func (d *Demuxer) parseSegment(parent *ebml.Scanner, segment *ebml.Element) error {
	var seeks map[uint32]int64
	var sawInfo, sawTracks, sawCues bool

	children := parent.Children(segment)
	for {
		e, err := children.Peek()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		if e.ID == idCluster {
			d.clusterStart = e.Offset
			break
		}
		children.Skip(e)

		switch e.ID {
		case idSeekHead:
			seeks, err = d.parseSeekHead(children, e)
		case idInfo:
			sawInfo = true
			err = d.parseInfo(children, e)
		case idTracks:
			sawTracks = true
			err = d.parseTracks(children, e)
		case idCues:
			sawCues = true
			err = d.parseCues(children, e)
		}
		if err != nil {
			return err
		}
	}

	// Elements placed after the clusters are reachable only through
	// the seek head.
	resolve := func(id uint32, parse func(*ebml.Scanner, *ebml.Element) error) error {
		pos, ok := seeks[id]
		if !ok {
			return nil
		}
		scan := ebml.NewScanner(d.src, d.segData+pos, d.segEnd)
		e, err := scan.Next()
		if err != nil || e == nil || e.ID != id {
			return err
		}
		return parse(scan, e)
	}
	if !sawInfo {
		if err := resolve(idInfo, d.parseInfo); err != nil {
			return err
		}
	}
	if !sawTracks {
		if err := resolve(idTracks, d.parseTracks); err != nil {
			return err
		}
	}
	if !sawCues {
		if err := resolve(idCues, d.parseCues); err != nil {
			return err
		}
	}

	if len(d.tracks) == 0 {
		return fmt.Errorf("segment without tracks: %w", ErrNotMatroska)
	}
	return nil
}

func (d *Demuxer) parseSeekHead(parent *ebml.Scanner, head *ebml.Element) (map[uint32]int64, error) {
	seeks := map[uint32]int64{}
	children := parent.Children(head)
	for {
		e, err := children.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return seeks, nil
		}
		if e.ID != idSeek {
			continue
		}
		var target uint32
		var pos int64
		entries := children.Children(e)
		for {
			f, err := entries.Next()
			if err != nil {
				return nil, err
			}
			if f == nil {
				break
			}
			data, err := ebml.ReadData(d.src, f, maxMetaSize)
			if err != nil {
				return nil, err
			}
			switch f.ID {
			case idSeekID:
				target = uint32(ebml.ParseUint(data))
			case idSeekPos:
				pos = int64(ebml.ParseUint(data))
			}
		}
		if target != 0 {
			seeks[target] = pos
		}
	}
}

func (d *Demuxer) parseInfo(parent *ebml.Scanner, info *ebml.Element) error {
	children := parent.Children(info)
	for {
		e, err := children.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		data, err := ebml.ReadData(d.src, e, maxMetaSize)
		if err != nil {
			return err
		}
		switch e.ID {
		case idTimecodeScl:
			if v := ebml.ParseUint(data); v > 0 {
				d.timecodeScale = v
			}
		case idDuration:
			d.infoDuration, err = ebml.ParseFloat(data)
			if err != nil {
				return err
			}
		}
	}
}

// trackTimescale is the tick rate shared by all tracks of a file,
// derived from the timecode scale.
func (d *Demuxer) trackTimescale() uint32 {
	return uint32(1e9 / d.timecodeScale)
}

func (d *Demuxer) parseTracks(parent *ebml.Scanner, tracks *ebml.Element) error {
	children := parent.Children(tracks)
	for {
		e, err := children.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.ID != idTrackEntry {
			continue
		}
		ts, err := d.parseTrackEntry(children, e)
		if err != nil {
			return err
		}
		if ts != nil {
			d.tracks = append(d.tracks, ts)
		}
	}
}

// parseTrackEntry parses one track. Returns (nil, nil) for tracks the
// engine cannot serve, which are dropped.
func (d *Demuxer) parseTrackEntry(parent *ebml.Scanner, entry *ebml.Element) (*trackState, error) {
	ts := &trackState{}
	ts.track.Timescale = d.trackTimescale()
	ts.track.Default = true

	children := parent.Children(entry)
	for {
		e, err := children.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		switch e.ID {
		case idVideo, idAudio:
			if err := d.parseTrackMedia(children, e, ts); err != nil {
				return nil, err
			}
			continue
		case idContentEncodings:
			drop, err := d.parseContentEncodings(children, e, ts)
			if err != nil {
				return nil, err
			}
			if drop {
				d.logger.Warn().Src("matroska").
					Msgf("track %d: unsupported content encoding, dropping track", ts.track.ID)
				return nil, nil
			}
			continue
		}
		data, err := ebml.ReadData(d.src, e, maxMetaSize)
		if err != nil {
			return nil, err
		}
		switch e.ID {
		case idTrackNumber:
			ts.track.ID = int64(ebml.ParseUint(data))
		case idTrackType:
			switch ebml.ParseUint(data) {
			case trackTypeVideo:
				ts.track.Kind = media.KindVideo
			case trackTypeAudio:
				ts.track.Kind = media.KindAudio
			case trackTypeSubtitle:
				ts.track.Kind = media.KindSubtitle
			}
		case idFlagDefault:
			ts.track.Default = ebml.ParseUint(data) != 0
		case idFlagForced:
			ts.track.Forced = ebml.ParseUint(data) != 0
		case idDefaultDuration:
			// Nanoseconds to timecode ticks.
			ts.defDur = int64(ebml.ParseUint(data) / d.timecodeScale)
			ts.track.DefaultDuration = ts.defDur
		case idCodecID:
			ts.track.Codec = string(data)
		case idCodecPrivate:
			ts.track.CodecPrivate = append([]byte(nil), data...)
		}
	}

	ts.track.PCM = isPCMCodec(ts.track.Codec)
	return ts, nil
}

func isPCMCodec(codec string) bool {
	switch codec {
	case "A_PCM/INT/LIT", "A_PCM/INT/BIG", "A_PCM/FLOAT/IEEE":
		return true
	}
	return false
}

func (d *Demuxer) parseTrackMedia(parent *ebml.Scanner, el *ebml.Element, ts *trackState) error {
	children := parent.Children(el)
	for {
		e, err := children.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		data, err := ebml.ReadData(d.src, e, maxMetaSize)
		if err != nil {
			return err
		}
		switch e.ID {
		case idPixelWidth:
			ts.track.Width = int(ebml.ParseUint(data))
		case idPixelHeight:
			ts.track.Height = int(ebml.ParseUint(data))
		case idSamplingFreq:
			f, err := ebml.ParseFloat(data)
			if err != nil {
				return err
			}
			ts.track.SampleRate = int(f)
		case idChannels:
			ts.track.Channels = int(ebml.ParseUint(data))
		case idBitDepth:
			ts.track.BitDepth = int(ebml.ParseUint(data))
		}
	}
}

// parseContentEncodings handles the content encoding list. Header
// stripping is applied transparently; encrypted tracks and compression
// algorithms the engine cannot undo drop the track.
func (d *Demuxer) parseContentEncodings(parent *ebml.Scanner, el *ebml.Element, ts *trackState) (bool, error) {
	encodings := parent.Children(el)
	for {
		enc, err := encodings.Next()
		if err != nil {
			return false, err
		}
		if enc == nil {
			return false, nil
		}
		if enc.ID != idContentEncoding {
			continue
		}

		children := encodings.Children(enc)
		for {
			e, err := children.Next()
			if err != nil {
				return false, err
			}
			if e == nil {
				break
			}
			switch e.ID {
			case idContentEncType:
				data, err := ebml.ReadData(d.src, e, maxMetaSize)
				if err != nil {
					return false, err
				}
				if ebml.ParseUint(data) == encTypeEncryption {
					return true, nil
				}
			case idContentEncryption:
				return true, nil
			case idContentCompression:
				drop, err := d.parseCompression(children, e, ts)
				if err != nil || drop {
					return drop, err
				}
			}
		}
	}
}

func (d *Demuxer) parseCompression(parent *ebml.Scanner, el *ebml.Element, ts *trackState) (bool, error) {
	algo := uint64(compAlgoZlib)
	var settings []byte

	children := parent.Children(el)
	for {
		e, err := children.Next()
		if err != nil {
			return false, err
		}
		if e == nil {
			break
		}
		data, err := ebml.ReadData(d.src, e, maxMetaSize)
		if err != nil {
			return false, err
		}
		switch e.ID {
		case idContentCompAlgo:
			algo = ebml.ParseUint(data)
		case idContentCompSettings:
			settings = append([]byte(nil), data...)
		}
	}

	if algo != compAlgoHeaderStrip {
		// Real decompression is out of reach here.
		return true, nil
	}
	ts.stripPrefix = settings
	return false, nil
}

func (d *Demuxer) parseCues(parent *ebml.Scanner, cues *ebml.Element) error {
	tables := map[int64]*media.LookupTable{}

	children := parent.Children(cues)
	for {
		point, err := children.Next()
		if err != nil {
			return err
		}
		if point == nil {
			break
		}
		if point.ID != idCuePoint {
			continue
		}

		var cueTime int64
		entries := children.Children(point)
		for {
			e, err := entries.Next()
			if err != nil {
				return err
			}
			if e == nil {
				break
			}
			switch e.ID {
			case idCueTime:
				data, err := ebml.ReadData(d.src, e, maxMetaSize)
				if err != nil {
					return err
				}
				cueTime = int64(ebml.ParseUint(data))
			case idCueTrackPs:
				var trackNum int64
				var clusterPos int64
				positions := entries.Children(e)
				for {
					f, err := positions.Next()
					if err != nil {
						return err
					}
					if f == nil {
						break
					}
					data, err := ebml.ReadData(d.src, f, maxMetaSize)
					if err != nil {
						return err
					}
					switch f.ID {
					case idCueTrack:
						trackNum = int64(ebml.ParseUint(data))
					case idCueClusPos:
						clusterPos = int64(ebml.ParseUint(data))
					}
				}
				if trackNum != 0 {
					t := tables[trackNum]
					if t == nil {
						t = &media.LookupTable{}
						tables[trackNum] = t
					}
					t.Entries = append(t.Entries, media.LookupEntry{
						Time:   cueTime,
						Offset: d.segData + clusterPos,
					})
				}
			}
		}
	}

	for num, table := range tables {
		if ts := d.state(num); ts != nil {
			ts.lookup = table
		}
	}
	return nil
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
