package mp4demux

import (
	"fmt"
	"sort"

	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
	"mediakit/pkg/sliceio"
)

// fragment is one parsed moof and the samples it declares.
type fragment struct {
	offset int64 // Moof offset, also the implicit data base.
	end    int64 // Offset of the first sibling after the moof.
	seq    uint32
	tracks map[int64]*fragTrack
}

// fragTrack is one track's samples within a fragment.
type fragTrack struct {
	blocks    []fragBlock // Decode order.
	presOrder []int32
	startPres int64
	endPres   int64
}

// fragBlock is one sample. Time is presentation time.
type fragBlock struct {
	time   int64
	dur    int64
	offset int64
	size   int64
	key    bool
}

// blockAt returns the index of the block with the greatest presentation
// time not after t, keys only when wantKey, or -1.
func (ft *fragTrack) blockAt(t int64, wantKey bool) int {
	n := sort.Search(len(ft.presOrder), func(k int) bool {
		return ft.blocks[ft.presOrder[k]].time > t
	})
	for n > 0 {
		n--
		i := int(ft.presOrder[n])
		if !wantKey || ft.blocks[i].key {
			return i
		}
	}
	return -1
}

// nextBlock returns the decode index of the next block after i,
// keys only when wantKey, or -1.
func (ft *fragTrack) nextBlock(i int, wantKey bool) int {
	for k := i + 1; k < len(ft.blocks); k++ {
		if !wantKey || ft.blocks[k].key {
			return k
		}
	}
	return -1
}

// firstBlock returns the first block in decode order, keys only when
// wantKey, or -1.
func (ft *fragTrack) firstBlock(wantKey bool) int {
	return ft.nextBlock(-1, wantKey)
}

// fragmentAt parses and memoizes the fragment whose moof starts at off.
// Caller holds d.mu.
func (d *Demuxer) fragmentAt(off int64) (*fragment, error) {
	if f, ok := d.frags[off]; ok {
		return f, nil
	}
	info, err := mp4.ReadBoxInfo(d.src, off, srcEnd(d.src))
	if err != nil {
		return nil, err
	}
	if info == nil || info.BoxType != mp4.Str("moof") {
		return nil, fmt.Errorf("no moof at offset %d", off)
	}
	f, err := d.parseFragment(info)
	if err != nil {
		return nil, err
	}
	d.frags[off] = f
	for id, ft := range f.tracks {
		if ts := d.state(id); ts != nil && len(ft.blocks) > 0 {
			ts.cache.Insert(ft.startPres, off)
		}
	}
	return f, nil
}

func (d *Demuxer) parseFragment(moof *mp4.BoxInfo) (*fragment, error) {
	f := &fragment{
		offset: moof.Offset,
		end:    moof.End(),
		tracks: map[int64]*fragTrack{},
	}

	children := mp4.NewScanner(d.src, moof.DataOffset(), moof.End())
	for {
		b, err := children.Next()
		if err != nil {
			return nil, fmt.Errorf("scan moof at %d: %w", moof.Offset, err)
		}
		if b == nil {
			break
		}
		switch b.BoxType {
		case mp4.Str("mfhd"):
			payload, err := mp4.ReadPayload(d.src, b, maxPayload)
			if err != nil {
				return nil, err
			}
			mfhd, err := mp4.ParseMfhd(payload)
			if err != nil {
				return nil, fmt.Errorf("mfhd: %w", err)
			}
			f.seq = mfhd.SequenceNumber
		case mp4.Str("traf"):
			if err := d.parseTraf(children, b, f); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func (d *Demuxer) parseTraf(parent *mp4.Scanner, traf *mp4.BoxInfo, f *fragment) error {
	var tfhd *mp4.Tfhd
	var tfdt *mp4.Tfdt
	var truns []*mp4.Trun

	children := parent.Children(traf, 0)
	for {
		b, err := children.Next()
		if err != nil {
			return fmt.Errorf("scan traf: %w", err)
		}
		if b == nil {
			break
		}
		payload, perr := mp4.ReadPayload(d.src, b, maxPayload)
		if perr != nil {
			return perr
		}
		switch b.BoxType {
		case mp4.Str("tfhd"):
			tfhd, err = mp4.ParseTfhd(payload)
		case mp4.Str("tfdt"):
			tfdt, err = mp4.ParseTfdt(payload)
		case mp4.Str("trun"):
			var trun *mp4.Trun
			trun, err = mp4.ParseTrun(payload)
			if err == nil {
				truns = append(truns, trun)
			}
		}
		if err != nil {
			return fmt.Errorf("%v: %w", b.BoxType, err)
		}
	}
	if tfhd == nil {
		return fmt.Errorf("traf in moof at %d: missing tfhd", f.offset)
	}

	ts := d.state(int64(tfhd.TrackID))
	if ts == nil {
		// Unknown track, skip.
		return nil
	}

	base := f.offset
	if tfhd.CheckFlag(mp4.TfhdBaseDataOffsetPresent) {
		base = int64(tfhd.BaseDataOffset)
	}

	var decodeTime int64
	if tfdt != nil {
		decodeTime = int64(tfdt.BaseMediaDecodeTime)
	} else {
		// Valid only when fragments are visited in file order; random
		// access into tfdt-less files is best-effort.
		decodeTime = d.nextBaseTime[tfhd.TrackID]
	}

	defaults := sampleDefaults(tfhd, ts.trex)

	ft := &fragTrack{}
	dataPos := base
	for _, trun := range truns {
		if trun.CheckFlag(mp4.TrunDataOffsetPresent) {
			dataPos = base + int64(trun.DataOffset)
		}
		for i, entry := range trun.Entries {
			dur := int64(defaults.duration)
			if trun.CheckFlag(mp4.TrunSampleDurationPresent) {
				dur = int64(entry.SampleDuration)
			}
			size := int64(defaults.size)
			if trun.CheckFlag(mp4.TrunSampleSizePresent) {
				size = int64(entry.SampleSize)
			}
			flags := defaults.flags
			if trun.CheckFlag(mp4.TrunSampleFlagsPresent) {
				flags = entry.SampleFlags
			} else if i == 0 && trun.CheckFlag(mp4.TrunFirstSampleFlagsPresent) {
				flags = trun.FirstSampleFlags
			}
			var cts int64
			if trun.CheckFlag(mp4.TrunSampleCompositionTimeOffsetPresent) {
				cts = int64(entry.SampleCompositionTimeOffset)
			}

			ft.blocks = append(ft.blocks, fragBlock{
				time:   decodeTime + cts - ts.editShift,
				dur:    dur,
				offset: dataPos,
				size:   size,
				key:    flags&mp4.SampleIsNonSync == 0,
			})
			decodeTime += dur
			dataPos += size
		}
	}
	d.nextBaseTime[tfhd.TrackID] = decodeTime

	if len(ft.blocks) == 0 {
		return nil
	}
	ft.derivePresentation()
	f.tracks[int64(tfhd.TrackID)] = ft
	return nil
}

type defaults struct {
	duration uint32
	size     uint32
	flags    uint32
}

func sampleDefaults(tfhd *mp4.Tfhd, trex *mp4.Trex) defaults {
	var d defaults
	if trex != nil {
		d.duration = trex.DefaultSampleDuration
		d.size = trex.DefaultSampleSize
		d.flags = trex.DefaultSampleFlags
	}
	if tfhd.CheckFlag(mp4.TfhdDefaultSampleDurationPresent) {
		d.duration = tfhd.DefaultSampleDuration
	}
	if tfhd.CheckFlag(mp4.TfhdDefaultSampleSizePresent) {
		d.size = tfhd.DefaultSampleSize
	}
	if tfhd.CheckFlag(mp4.TfhdDefaultSampleFlagsPresent) {
		d.flags = tfhd.DefaultSampleFlags
	}
	return d
}

func (ft *fragTrack) derivePresentation() {
	order := make([]int32, len(ft.blocks))
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ft.blocks[order[a]].time < ft.blocks[order[b]].time
	})
	ft.presOrder = order
	ft.startPres = ft.blocks[order[0]].time
	last := ft.blocks[order[len(order)-1]]
	ft.endPres = last.time + last.dur
}

// visitFragments walks the top level from `from`, parsing each moof and
// calling visit with it. visit returns true to stop. Other box types
// are skipped; a structural error triggers a bounded resync to the next
// plausible moof. Caller holds d.mu.
func (d *Demuxer) visitFragments(from int64, visit func(*fragment) (bool, error)) error {
	end := srcEnd(d.src)
	scan := mp4.NewScanner(d.src, from, end)
	for {
		b, err := scan.Next()
		if err != nil {
			d.logger.Warn().Src("mp4").
				Msgf("structural error at %d, resyncing: %v", scan.Pos(), err)
			off, rerr := mp4.Resync(d.src, scan.Pos()+1, end, func(t mp4.BoxType) bool {
				return t == mp4.Str("moof")
			})
			if rerr != nil {
				return rerr
			}
			if off < 0 {
				d.markScanned(scan.Pos())
				return nil
			}
			scan = mp4.NewScanner(d.src, off, end)
			continue
		}
		if b == nil {
			d.markScanned(scan.Pos())
			d.fragScanDone = true
			return nil
		}
		if b.BoxType != mp4.Str("moof") {
			continue
		}
		f, err := d.fragmentAt(b.Offset)
		if err != nil {
			return err
		}
		d.markScanned(b.Offset)
		stop, err := visit(f)
		if err != nil || stop {
			return err
		}
	}
}

func (d *Demuxer) markScanned(pos int64) {
	if pos > d.fragScanPos {
		d.fragScanPos = pos
	}
}

// loadLookup reads the mfra lookup tables, located through the trailing
// mfro box. Missing or malformed tables are not an error; retrieval
// falls back to linear scanning. Caller holds d.mu.
func (d *Demuxer) loadLookup() {
	if d.mfraLoaded {
		return
	}
	d.mfraLoaded = true

	size := d.src.Size()
	if size == sliceio.SizeUnknown || size < 16 {
		return
	}
	tail, err := d.src.Slice(size-16, 16)
	if err != nil || len(tail) < 16 {
		return
	}
	info, err := mp4.ReadBoxInfo(sliceio.NewBytesSource(tail), 0, 16)
	if err != nil || info == nil || info.BoxType != mp4.Str("mfro") {
		return
	}
	mfro, err := mp4.ParseMfro(tail[8:])
	if err != nil {
		return
	}
	mfraOff := size - int64(mfro.MfraSize)
	if mfraOff < 0 {
		return
	}
	mfra, err := mp4.ReadBoxInfo(d.src, mfraOff, size)
	if err != nil || mfra == nil || mfra.BoxType != mp4.Str("mfra") {
		return
	}

	scan := mp4.NewScanner(d.src, mfra.DataOffset(), mfra.End())
	for {
		b, err := scan.Next()
		if err != nil || b == nil {
			return
		}
		if b.BoxType != mp4.Str("tfra") {
			continue
		}
		payload, err := mp4.ReadPayload(d.src, b, maxPayload)
		if err != nil {
			continue
		}
		tfra, err := mp4.ParseTfra(payload)
		if err != nil {
			continue
		}
		ts := d.state(int64(tfra.TrackID))
		if ts == nil {
			continue
		}
		table := &media.LookupTable{}
		for _, e := range tfra.Entries {
			table.Entries = append(table.Entries, media.LookupEntry{
				Time:   int64(e.Time) - ts.editShift,
				Offset: int64(e.MoofOffset),
			})
		}
		ts.lookup = table
	}
}
