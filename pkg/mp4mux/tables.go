// Package mp4mux writes ISO base media files, progressive and
// fragmented, from per-track sample streams.
package mp4mux

import (
	"mediakit/pkg/mp4"
)

// trackTables accumulates the sample tables of one track while data is
// being written. Every table is kept run-length encoded as it grows, so
// memory stays proportional to the irregularity of the stream rather
// than its length.
type trackTables struct {
	sampleCount int

	stts []mp4.SttsEntry
	ctts []mp4.CttsEntry
	stsc []mp4.StscEntry
	stss []uint32

	sizes        []uint32
	constantSize uint32 // Valid while constant is true.
	constant     bool

	chunkOffsets []uint64
	numChunks    int
	force64      bool
	implicitKeys bool // Every sample is a key without an stss table.

	cttsUsed bool // Any nonzero composition offset seen.
}

func newTrackTables() *trackTables {
	return &trackTables{constant: true}
}

// addDelta records the decode-time delta of one sample, merging it into
// the previous run when equal.
func (t *trackTables) addDelta(delta int64) {
	if n := len(t.stts); n > 0 && t.stts[n-1].SampleDelta == uint32(delta) {
		t.stts[n-1].SampleCount++
		return
	}
	t.stts = append(t.stts, mp4.SttsEntry{SampleCount: 1, SampleDelta: uint32(delta)})
}

// addOffset records the composition offset of one sample.
func (t *trackTables) addOffset(offset int64) {
	if offset != 0 {
		t.cttsUsed = true
	}
	if n := len(t.ctts); n > 0 && t.ctts[n-1].SampleOffset == int32(offset) {
		t.ctts[n-1].SampleCount++
		return
	}
	t.ctts = append(t.ctts, mp4.CttsEntry{SampleCount: 1, SampleOffset: int32(offset)})
}

// shiftOffsets adds shift to every composition offset. Called once at
// finalize when the decode timeline had to start behind presentation.
func (t *trackTables) shiftOffsets(shift int64) {
	if shift == 0 {
		return
	}
	t.cttsUsed = true
	for i := range t.ctts {
		t.ctts[i].SampleOffset += int32(shift)
	}
}

// addSize records the byte size of one sample.
func (t *trackTables) addSize(size uint32) {
	if t.constant {
		if t.sampleCount == 0 {
			t.constantSize = size
		} else if size != t.constantSize {
			// Fall off the constant path, materialize the sizes so far.
			t.constant = false
			t.sizes = make([]uint32, 0, t.sampleCount+1)
			for i := 0; i < t.sampleCount; i++ {
				t.sizes = append(t.sizes, t.constantSize)
			}
		}
	}
	if !t.constant {
		t.sizes = append(t.sizes, size)
	}
	t.sampleCount++
}

// markKey records the current sample as a sync sample. Must be called
// after addSize for that sample.
func (t *trackTables) markKey() {
	t.stss = append(t.stss, uint32(t.sampleCount))
}

// addChunk records one written chunk, merging the sample count into the
// previous stsc run when equal.
func (t *trackTables) addChunk(offset uint64, samples int) {
	t.chunkOffsets = append(t.chunkOffsets, offset)
	t.numChunks++
	if n := len(t.stsc); n > 0 && t.stsc[n-1].SamplesPerChunk == uint32(samples) {
		return
	}
	t.stsc = append(t.stsc, mp4.StscEntry{
		FirstChunk:             uint32(t.numChunks),
		SamplesPerChunk:        uint32(samples),
		SampleDescriptionIndex: 1,
	})
}

// shiftChunks adds base to every chunk offset. Used by the buffered
// placement, whose offsets are relative until the header size is known.
func (t *trackTables) shiftChunks(base uint64) {
	for i := range t.chunkOffsets {
		t.chunkOffsets[i] += base
	}
}

// needCo64 reports whether any chunk offset exceeds 32 bits.
func (t *trackTables) needCo64() bool {
	if t.force64 {
		return true
	}
	for _, off := range t.chunkOffsets {
		if off > uint64(^uint32(0)) {
			return true
		}
	}
	return false
}

// allKeys reports whether every sample is a sync sample.
func (t *trackTables) allKeys() bool {
	return t.implicitKeys || len(t.stss) == t.sampleCount
}

// addRun records count samples sharing one delta and one size. The PCM
// path uses this to add whole chunks of uncompressed frames at once.
func (t *trackTables) addRun(count int, delta int64, size uint32) {
	if count == 0 {
		return
	}
	if n := len(t.stts); n > 0 && t.stts[n-1].SampleDelta == uint32(delta) {
		t.stts[n-1].SampleCount += uint32(count)
	} else {
		t.stts = append(t.stts, mp4.SttsEntry{SampleCount: uint32(count), SampleDelta: uint32(delta)})
	}
	if t.constant && t.sampleCount == 0 {
		t.constantSize = size
	}
	t.sampleCount += count
}

// stblBoxes builds the sample table box tree.
func (t *trackTables) stblBoxes(stsd mp4.Boxes) mp4.Boxes {
	stbl := mp4.Boxes{
		Box:      &mp4.Stbl{},
		Children: []mp4.Boxes{stsd},
	}

	stbl.Children = append(stbl.Children, mp4.Boxes{
		Box: &mp4.Stts{Entries: t.stts},
	})

	if t.cttsUsed {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Ctts{Entries: t.ctts},
		})
	}

	if !t.allKeys() {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Stss{SampleNumbers: t.stss},
		})
	}

	stsz := &mp4.Stsz{SampleCount: uint32(t.sampleCount)}
	if t.constant {
		stsz.SampleSize = t.constantSize
	} else {
		stsz.EntrySizes = t.sizes
	}
	stbl.Children = append(stbl.Children,
		mp4.Boxes{Box: &mp4.Stsc{Entries: t.stsc}},
		mp4.Boxes{Box: stsz},
	)

	if t.needCo64() {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Co64{ChunkOffsets: t.chunkOffsets},
		})
	} else {
		offsets := make([]uint32, len(t.chunkOffsets))
		for i, off := range t.chunkOffsets {
			offsets[i] = uint32(off)
		}
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Stco{ChunkOffsets: offsets},
		})
	}
	return stbl
}
