package mp4mux

import (
	"math"
	"time"

	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
	"mediakit/pkg/mp4/bitio"
)

// fragWriter drives the fragmented layout: a moov with empty sample
// tables up front, then moof+mdat pairs cut at boundaries where every
// video track starts on a key frame, and an mfra lookup at the end.
type fragWriter struct {
	seq  uint32
	tfra map[int64][]mp4.TfraEntry

	// fragStart is the decode time of the first video track at the
	// last cut, used for the minimum-duration check.
	fragStart int64

	cutting bool
}

func newFragWriter(m *Muxer) *fragWriter {
	return &fragWriter{tfra: map[int64][]mp4.TfraEntry{}}
}

func (fw *fragWriter) writeHeader(m *Muxer) error {
	w := bitio.NewWriter(m.sink)
	ftyp := ftypBox(true)
	if err := ftyp.Marshal(w); err != nil {
		return err
	}
	moov := m.buildMoov()
	return moov.Marshal(w)
}

// maybeCut checks whether a fragment boundary is complete and writes
// the fragment if so. A boundary is the presentation time of the next
// pending key frame, and requires every video track to have both a
// fully resolved batch queued and its next key waiting.
func (fw *fragWriter) maybeCut(m *Muxer) error {
	if fw.cutting {
		return nil
	}
	var video []*mtrack
	for _, mt := range m.tracks {
		if mt.track.Kind == media.KindVideo {
			video = append(video, mt)
		}
	}

	if len(video) == 0 {
		// Audio or subtitle only: cut when any queue spans the minimum
		// fragment duration.
		minDur := m.opts.FragmentDuration
		if minDur == 0 {
			minDur = time.Second
		}
		for _, mt := range m.tracks {
			if len(mt.queue) < 2 {
				continue
			}
			span := mt.queue[len(mt.queue)-1].dts - mt.queue[0].dts
			if span >= durTicks(minDur, mt.track.Timescale) {
				return fw.cut(m, math.MaxInt64)
			}
		}
		return nil
	}

	boundary := int64(math.MaxInt64)
	for _, mt := range video {
		if len(mt.queue) == 0 || len(mt.pending) == 0 {
			return nil
		}
		t := mt.pending[0].Time - mt.base
		if t < boundary {
			boundary = t
		}
	}

	if m.opts.FragmentDuration > 0 {
		ts := video[0].track.Timescale
		if boundary-fw.fragStart < durTicks(m.opts.FragmentDuration, ts) {
			return nil
		}
	}

	if err := fw.cut(m, boundary); err != nil {
		return err
	}
	fw.fragStart = boundary
	return nil
}

func durTicks(d time.Duration, timescale uint32) int64 {
	return int64(d) * int64(timescale) / int64(time.Second)
}

// drained is one track's contribution to a fragment.
type drained struct {
	mt      *mtrack
	samples []resolved
	durs    []int64
}

// cut writes one fragment holding every queued sample with a
// presentation time before the boundary.
func (fw *fragWriter) cut(m *Muxer, boundary int64) error {
	fw.cutting = true
	defer func() { fw.cutting = false }()

	var parts []*drained
	for _, mt := range m.tracks {
		if mt.track.PCM && boundary != math.MaxInt64 {
			// Align the uncompressed track with the boundary.
			if err := m.padPCMTo(mt, boundary+mt.base); err != nil {
				return err
			}
			if err := m.flushPCMChunk(mt); err != nil {
				return err
			}
		}
		d := fw.drain(mt, boundary)
		if d != nil {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return fw.writeFragment(m, parts)
}

// drain removes the samples before the boundary from the queue and
// assigns their durations from the decode-time deltas.
func (fw *fragWriter) drain(mt *mtrack, boundary int64) *drained {
	n := 0
	for n < len(mt.queue) && mt.queue[n].pts < boundary {
		n++
	}
	if n == 0 {
		return nil
	}
	samples := mt.queue[:n:n]
	mt.queue = mt.queue[n:]

	durs := make([]int64, n)
	for i := 0; i < n-1; i++ {
		durs[i] = samples[i+1].dts - samples[i].dts
	}

	last := n - 1
	switch {
	case len(mt.queue) > 0:
		durs[last] = mt.queue[0].dts - samples[last].dts
	case samples[last].dur > 0:
		durs[last] = samples[last].dur
	case boundary != math.MaxInt64 && boundary > samples[last].dts:
		durs[last] = boundary - samples[last].dts
	default:
		durs[last] = mt.track.DefaultDuration
	}

	mt.endDTS = samples[last].dts + durs[last]
	return &drained{mt: mt, samples: samples, durs: durs}
}

// segment is a contiguous run of one track's samples in the interleaved
// data order. Each segment becomes one trun.
type segment struct {
	part  *drained
	first int // Index into part.samples.
	count int
	bytes int64
}

// interleave orders the drained samples by their global timestamp,
// taking a run from whichever track has the smallest head time.
func interleave(parts []*drained) []segment {
	heads := make([]int, len(parts))
	var segs []segment

	headTime := func(i int) (num, den int64, ok bool) {
		p := parts[i]
		if heads[i] >= len(p.samples) {
			return 0, 0, false
		}
		return p.samples[heads[i]].dts, int64(p.mt.track.Timescale), true
	}

	for {
		best := -1
		var bn, bd int64
		for i := range parts {
			num, den, ok := headTime(i)
			if !ok {
				continue
			}
			if best < 0 || num*bd < bn*den {
				best, bn, bd = i, num, den
			}
		}
		if best < 0 {
			return segs
		}

		// Extend the run while this track still holds the smallest
		// head.
		seg := segment{part: parts[best], first: heads[best]}
		for {
			num, den, ok := headTime(best)
			if !ok {
				break
			}
			smallest := true
			for i := range parts {
				if i == best {
					continue
				}
				onum, oden, ook := headTime(i)
				if ook && onum*den < num*oden {
					smallest = false
					break
				}
			}
			if !smallest {
				break
			}
			seg.bytes += int64(len(parts[best].samples[heads[best]].data))
			seg.count++
			heads[best]++
		}
		if seg.count > 0 {
			segs = append(segs, seg)
		}
	}
}

// trafState is one track's traf under construction.
type trafState struct {
	truns []*mp4.Trun
	segs  []segment
}

// writeFragment builds the moof in two passes: sizes first, then the
// per-run data offsets once the moof size is known.
func (fw *fragWriter) writeFragment(m *Muxer, parts []*drained) error {
	fw.seq++
	segs := interleave(parts)

	moof := mp4.Boxes{
		Box: &mp4.Moof{},
		Children: []mp4.Boxes{{
			Box: &mp4.Mfhd{SequenceNumber: fw.seq},
		}},
	}

	// One traf per track, its truns in segment order.
	trafs := map[*drained]*trafState{}
	var trafOrder []*drained

	for _, part := range parts {
		ctsUsed := false
		for _, s := range part.samples {
			if s.pts != s.dts {
				ctsUsed = true
				break
			}
		}

		st := &trafState{}
		trafs[part] = st
		trafOrder = append(trafOrder, part)

		for _, seg := range segs {
			if seg.part != part {
				continue
			}
			flags := uint32(mp4.TrunDataOffsetPresent |
				mp4.TrunSampleDurationPresent |
				mp4.TrunSampleSizePresent |
				mp4.TrunSampleFlagsPresent)
			if ctsUsed {
				flags |= mp4.TrunSampleCompositionTimeOffsetPresent
			}
			trun := &mp4.Trun{FullBox: mp4.NewFullBox(1, flags)}
			for i := seg.first; i < seg.first+seg.count; i++ {
				s := part.samples[i]
				sampleFlags := uint32(0)
				if !s.key {
					sampleFlags = mp4.SampleIsNonSync
				}
				trun.Entries = append(trun.Entries, mp4.TrunEntry{
					SampleDuration:              uint32(part.durs[i]),
					SampleSize:                  uint32(len(s.data)),
					SampleFlags:                 sampleFlags,
					SampleCompositionTimeOffset: int32(s.pts - s.dts),
				})
			}
			st.truns = append(st.truns, trun)
			st.segs = append(st.segs, seg)
		}

		traf := mp4.Boxes{
			Box: &mp4.Traf{},
			Children: []mp4.Boxes{
				{Box: &mp4.Tfhd{
					FullBox: mp4.NewFullBox(0, mp4.TfhdDefaultBaseIsMoof),
					TrackID: uint32(part.mt.track.ID),
				}},
				{Box: &mp4.Tfdt{
					FullBox:             mp4.NewFullBox(1, 0),
					BaseMediaDecodeTime: uint64(part.samples[0].dts),
				}},
			},
		}
		for _, trun := range st.truns {
			traf.Children = append(traf.Children, mp4.Boxes{Box: trun})
		}
		moof.Children = append(moof.Children, traf)
	}

	// Pass two: the trun sizes are fixed, so the moof size is known and
	// the data offsets can be filled in.
	var mdatSize int64
	for _, seg := range segs {
		mdatSize += seg.bytes
	}
	dataPos := int64(moof.Size()) + mp4.HeaderSize(mdatSize)
	next := map[*drained]int{}
	for _, seg := range segs {
		st := trafs[seg.part]
		st.truns[next[seg.part]].DataOffset = int32(dataPos)
		next[seg.part]++
		dataPos += seg.bytes
	}

	moofOff := m.sink.Pos()
	w := bitio.NewWriter(m.sink)
	if err := moof.Marshal(w); err != nil {
		return err
	}
	if err := mp4.WriteBoxHeader(w, mp4.Str("mdat"), mdatSize); err != nil {
		return err
	}
	for _, seg := range segs {
		for i := seg.first; i < seg.first+seg.count; i++ {
			w.TryWrite(seg.part.samples[i].data)
		}
	}
	if w.TryError != nil {
		return w.TryError
	}

	fw.recordTfra(trafOrder, trafs, moofOff)
	return nil
}

// recordTfra remembers the first key sample of each track for the
// trailing lookup table.
func (fw *fragWriter) recordTfra(order []*drained, trafs map[*drained]*trafState, moofOff int64) {
	for trafNum, part := range order {
		st := trafs[part]
		found := false
		for trunNum, seg := range st.segs {
			for i := 0; i < seg.count && !found; i++ {
				s := part.samples[seg.first+i]
				if !s.key {
					continue
				}
				fw.tfra[part.mt.track.ID] = append(fw.tfra[part.mt.track.ID], mp4.TfraEntry{
					Time:       uint64(s.pts),
					MoofOffset: uint64(moofOff),
					TrafNumber: uint32(trafNum + 1),
					TrunNumber: uint32(trunNum + 1),
					SampleNum:  uint32(i + 1),
				})
				found = true
			}
			if found {
				break
			}
		}
	}
}

// finalize flushes the remaining queues as a last fragment and writes
// the mfra lookup.
func (fw *fragWriter) finalize(m *Muxer) error {
	for _, mt := range m.tracks {
		if mt.track.PCM {
			if err := m.flushPCMChunk(mt); err != nil {
				return err
			}
			continue
		}
		if err := m.resolveBatch(mt); err != nil {
			return err
		}
	}
	if err := fw.cut(m, math.MaxInt64); err != nil {
		return err
	}

	mfra := mp4.Boxes{Box: &mp4.Mfra{}}
	for _, mt := range m.tracks {
		entries := fw.tfra[mt.track.ID]
		if len(entries) == 0 {
			continue
		}
		mfra.Children = append(mfra.Children, mp4.Boxes{
			Box: &mp4.Tfra{TrackID: uint32(mt.track.ID), Entries: entries},
		})
	}
	if len(mfra.Children) == 0 {
		return nil
	}
	mfro := &mp4.Mfro{}
	mfra.Children = append(mfra.Children, mp4.Boxes{Box: mfro})
	mfro.MfraSize = uint32(mfra.Size())

	w := bitio.NewWriter(m.sink)
	return mfra.Marshal(w)
}
