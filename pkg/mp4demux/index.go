package mp4demux

import (
	"fmt"

	"mediakit/pkg/media"
)

// SetIndexStore attaches a persistent index store. fileKey identifies
// the file across runs; stale entries are the caller's problem, so the
// key should change when the file does.
func (d *Demuxer) SetIndexStore(store media.IndexStore, fileKey string) {
	d.store = store
	d.fileKey = fileKey
}

// Index returns the track's sample index, building it on first use.
func (ts *trackState) Index(d *Demuxer) (*media.Index, error) {
	ts.indexOnce.Do(func() {
		ts.index, ts.indexErr = d.buildIndex(ts)
		ts.tables = nil
	})
	return ts.index, ts.indexErr
}

func (d *Demuxer) buildIndex(ts *trackState) (*media.Index, error) {
	if d.store != nil {
		if x, err := d.store.GetIndex(d.fileKey, ts.track.ID); err == nil && x != nil {
			if x.Validate() == nil {
				return x, nil
			}
		}
	}

	t := ts.tables
	if t == nil || t.stts == nil {
		// Fragmented track, samples live in moofs.
		return &media.Index{}, nil
	}

	x := &media.Index{}

	time := -ts.editShift
	ordinal := 0
	for _, e := range t.stts.Entries {
		if e.SampleCount == 0 {
			continue
		}
		x.Timing = append(x.Timing, media.TimingRun{
			StartOrdinal: ordinal,
			StartTime:    time,
			Count:        int(e.SampleCount),
			Delta:        int64(e.SampleDelta),
		})
		ordinal += int(e.SampleCount)
		time += int64(e.SampleCount) * int64(e.SampleDelta)
	}
	x.Count = ordinal

	if t.ctts != nil {
		ordinal = 0
		for _, e := range t.ctts.Entries {
			if e.SampleCount == 0 {
				continue
			}
			x.Offsets = append(x.Offsets, media.OffsetRun{
				StartOrdinal: ordinal,
				Count:        int(e.SampleCount),
				Offset:       int64(e.SampleOffset),
			})
			ordinal += int(e.SampleCount)
		}
		if len(x.Offsets) == 0 {
			x.Offsets = nil
		}
	}

	if t.stss == nil {
		x.KeyAll = true
	} else {
		x.Keys = make([]int32, 0, len(t.stss.SampleNumbers)+1)
		for _, num := range t.stss.SampleNumbers {
			if num == 0 || int(num) > x.Count {
				continue
			}
			x.Keys = append(x.Keys, int32(num-1))
		}
		// The first sample is always retrievable as a key, even when
		// the table disagrees.
		if len(x.Keys) == 0 || x.Keys[0] != 0 {
			x.Keys = append([]int32{0}, x.Keys...)
		}
	}

	if t.stsz == nil {
		return nil, fmt.Errorf("track %d: missing stsz", ts.track.ID)
	}
	if t.stsz.SampleSize != 0 {
		x.ConstantSize = int64(t.stsz.SampleSize)
	} else {
		x.Sizes = make([]int64, len(t.stsz.EntrySizes))
		for i, size := range t.stsz.EntrySizes {
			x.Sizes[i] = int64(size)
		}
	}

	x.ChunkOffsets = t.chunkOffsets
	if err := buildLayout(x, t); err != nil {
		return nil, fmt.Errorf("track %d: %w", ts.track.ID, err)
	}

	x.DerivePresentation()

	if ts.track.PCM {
		x = coalescePCM(x)
	}

	if err := x.Validate(); err != nil {
		return nil, fmt.Errorf("track %d: %w", ts.track.ID, err)
	}

	if d.store != nil {
		// Best effort; a failed write never fails retrieval.
		_ = d.store.PutIndex(d.fileKey, ts.track.ID, x)
	}
	return x, nil
}

// buildLayout expands the stsc chunk map into layout runs. Each stsc
// entry covers the chunks up to the next entry's first chunk.
func buildLayout(x *media.Index, t *sampleTables) error {
	if t.stsc == nil || len(t.stsc.Entries) == 0 {
		if x.Count == 0 && len(x.ChunkOffsets) == 0 {
			return nil
		}
		return fmt.Errorf("missing stsc")
	}

	numChunks := len(x.ChunkOffsets)
	ordinal := 0
	for i, e := range t.stsc.Entries {
		if e.SamplesPerChunk == 0 || e.FirstChunk == 0 {
			return fmt.Errorf("stsc entry %d: zero field", i)
		}
		first := int(e.FirstChunk) - 1
		last := numChunks
		if i+1 < len(t.stsc.Entries) {
			last = int(t.stsc.Entries[i+1].FirstChunk) - 1
		}
		if first >= last {
			continue
		}
		count := last - first

		// Clamp to the sample count; some writers leave a short last
		// chunk described by an over-long run.
		remaining := x.Count - ordinal
		if int(e.SamplesPerChunk)*count > remaining {
			count = remaining / int(e.SamplesPerChunk)
			if count == 0 {
				break
			}
		}

		x.Layout = append(x.Layout, media.LayoutRun{
			StartOrdinal:    ordinal,
			StartChunk:      first,
			SamplesPerChunk: int(e.SamplesPerChunk),
			ChunkCount:      count,
		})
		ordinal += int(e.SamplesPerChunk) * count
	}
	if ordinal != x.Count {
		return fmt.Errorf("chunk map covers %d of %d samples", ordinal, x.Count)
	}
	return nil
}

// coalescePCM rewrites the index with one logical sample per chunk.
// Uncompressed audio is stored as one tiny sample per PCM frame, which
// would defeat run-length encoding and make per-packet overhead absurd.
func coalescePCM(x *media.Index) *media.Index {
	if x.Count == 0 || len(x.Layout) == 0 {
		return x
	}

	out := &media.Index{
		KeyAll:       true,
		ChunkOffsets: x.ChunkOffsets,
	}

	chunkIdx := 0
	ordinal := 0 // Ordinal in the original index.
	for _, run := range x.Layout {
		for c := 0; c < run.ChunkCount; c++ {
			n := run.SamplesPerChunk
			start, _ := x.DecodeTime(ordinal)

			var dur int64
			if ordinal+n < x.Count {
				next, _ := x.DecodeTime(ordinal + n)
				dur = next - start
			} else {
				for k := ordinal; k < ordinal+n; k++ {
					_, d := x.DecodeTime(k)
					dur += d
				}
			}

			var size int64
			if x.Sizes == nil {
				size = int64(n) * x.ConstantSize
			} else {
				for k := ordinal; k < ordinal+n; k++ {
					size += x.Sizes[k]
				}
			}

			appendChunkSample(out, chunkIdx, start, dur, size)
			ordinal += n
			chunkIdx++
		}
	}
	out.Count = chunkIdx
	out.Layout = []media.LayoutRun{{
		SamplesPerChunk: 1,
		ChunkCount:      chunkIdx,
	}}
	return out
}

func appendChunkSample(out *media.Index, ordinal int, start, dur, size int64) {
	if n := len(out.Timing); n > 0 {
		prev := &out.Timing[n-1]
		if prev.Delta == dur && prev.StartTime+int64(prev.Count)*prev.Delta == start {
			prev.Count++
			out.Sizes = append(out.Sizes, size)
			return
		}
	}
	out.Timing = append(out.Timing, media.TimingRun{
		StartOrdinal: ordinal,
		StartTime:    start,
		Count:        1,
		Delta:        dur,
	})
	out.Sizes = append(out.Sizes, size)
}
