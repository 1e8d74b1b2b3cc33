package media

import (
	"fmt"
	"sort"
)

// TimingRun is a run of samples with equal decode-time delta.
type TimingRun struct {
	StartOrdinal int
	StartTime    int64
	Count        int
	Delta        int64
}

// OffsetRun is a run of samples with equal composition offset.
type OffsetRun struct {
	StartOrdinal int
	Count        int
	Offset       int64
}

// LayoutRun is a run of chunks holding the same number of samples.
type LayoutRun struct {
	StartOrdinal    int
	StartChunk      int // Index into ChunkOffsets.
	SamplesPerChunk int
	ChunkCount      int
}

// Index is the per-track sample table. Every structure is run-length
// encoded so memory stays bounded on large files. Ordinals are dense
// [0, Count) in decode order.
type Index struct {
	Count int

	Timing  []TimingRun
	Offsets []OffsetRun // nil when decode order equals presentation order.

	// Presentation-order permutation, derived from Offsets.
	// PresOrder[k] is the ordinal of the k-th sample in presentation order,
	// PresIndex[i] is the presentation position of ordinal i.
	PresOrder []int32
	PresIndex []int32

	KeyAll bool
	Keys   []int32 // Sorted ordinals, used when KeyAll is false.

	ChunkOffsets []int64
	Layout       []LayoutRun

	Sizes        []int64 // Per-ordinal byte sizes; nil when ConstantSize is set.
	ConstantSize int64
}

// Size returns the byte size of sample i.
func (x *Index) Size(i int) int64 {
	if x.Sizes == nil {
		return x.ConstantSize
	}
	return x.Sizes[i]
}

// timingRun returns the run containing ordinal i.
func (x *Index) timingRun(i int) *TimingRun {
	n := sort.Search(len(x.Timing), func(k int) bool {
		return x.Timing[k].StartOrdinal > i
	})
	return &x.Timing[n-1]
}

// DecodeTime returns the decode timestamp and duration of sample i.
func (x *Index) DecodeTime(i int) (int64, int64) {
	run := x.timingRun(i)
	return run.StartTime + int64(i-run.StartOrdinal)*run.Delta, run.Delta
}

// CompositionOffset returns presentation minus decode time for sample i.
func (x *Index) CompositionOffset(i int) int64 {
	if x.Offsets == nil {
		return 0
	}
	n := sort.Search(len(x.Offsets), func(k int) bool {
		return x.Offsets[k].StartOrdinal > i
	})
	return x.Offsets[n-1].Offset
}

// PresentationTime returns the presentation timestamp and duration of sample i.
func (x *Index) PresentationTime(i int) (int64, int64) {
	t, d := x.DecodeTime(i)
	return t + x.CompositionOffset(i), d
}

// IsKey reports whether sample i is a key frame.
func (x *Index) IsKey(i int) bool {
	if x.KeyAll {
		return true
	}
	n := sort.Search(len(x.Keys), func(k int) bool {
		return int(x.Keys[k]) >= i
	})
	return n < len(x.Keys) && int(x.Keys[n]) == i
}

// NextKey returns the first key ordinal greater than i, or -1.
func (x *Index) NextKey(i int) int {
	if x.KeyAll {
		if i+1 < x.Count {
			return i + 1
		}
		return -1
	}
	n := sort.Search(len(x.Keys), func(k int) bool {
		return int(x.Keys[k]) > i
	})
	if n == len(x.Keys) {
		return -1
	}
	return int(x.Keys[n])
}

// OrdinalAt returns the ordinal of the sample with the greatest
// presentation time not after t, or -1 when t precedes the track.
func (x *Index) OrdinalAt(t int64) int {
	if x.Count == 0 {
		return -1
	}
	if x.PresOrder == nil {
		return x.ordinalAtDecode(t)
	}
	n := sort.Search(len(x.PresOrder), func(k int) bool {
		pt, _ := x.PresentationTime(int(x.PresOrder[k]))
		return pt > t
	})
	if n == 0 {
		return -1
	}
	return int(x.PresOrder[n-1])
}

// KeyOrdinalAt returns the key ordinal with the greatest presentation
// time not after t, or -1.
func (x *Index) KeyOrdinalAt(t int64) int {
	if x.KeyAll {
		return x.OrdinalAt(t)
	}
	n := sort.Search(len(x.Keys), func(k int) bool {
		pt, _ := x.PresentationTime(int(x.Keys[k]))
		return pt > t
	})
	if n == 0 {
		return -1
	}
	return int(x.Keys[n-1])
}

func (x *Index) ordinalAtDecode(t int64) int {
	n := sort.Search(len(x.Timing), func(k int) bool {
		return x.Timing[k].StartTime > t
	})
	if n == 0 {
		return -1
	}
	run := &x.Timing[n-1]
	rel := int64(run.Count - 1)
	if run.Delta > 0 {
		if d := (t - run.StartTime) / run.Delta; d < rel {
			rel = d
		}
	}
	return run.StartOrdinal + int(rel)
}

// Location returns the byte offset and size of sample i.
// The offset is derived by walking sample sizes inside the chunk.
func (x *Index) Location(i int) (int64, int64) {
	n := sort.Search(len(x.Layout), func(k int) bool {
		return x.Layout[k].StartOrdinal > i
	})
	run := &x.Layout[n-1]

	rel := i - run.StartOrdinal
	chunkRel := rel / run.SamplesPerChunk
	firstInChunk := run.StartOrdinal + chunkRel*run.SamplesPerChunk

	offset := x.ChunkOffsets[run.StartChunk+chunkRel]
	for k := firstInChunk; k < i; k++ {
		offset += x.Size(k)
	}
	return offset, x.Size(i)
}

// EndTime returns the greatest presentation end time in the index.
func (x *Index) EndTime() int64 {
	if x.Count == 0 {
		return 0
	}
	last := x.Count - 1
	if x.PresOrder != nil {
		last = int(x.PresOrder[len(x.PresOrder)-1])
	}
	t, d := x.PresentationTime(last)
	return t + d
}

// DerivePresentation builds the presentation-order permutation from the
// composition offsets. Stable: ties keep decode order.
func (x *Index) DerivePresentation() {
	if x.Offsets == nil {
		x.PresOrder = nil
		x.PresIndex = nil
		return
	}
	order := make([]int32, x.Count)
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, _ := x.PresentationTime(int(order[a]))
		tb, _ := x.PresentationTime(int(order[b]))
		return ta < tb
	})
	index := make([]int32, x.Count)
	for pos, ord := range order {
		index[ord] = int32(pos)
	}
	x.PresOrder = order
	x.PresIndex = index
}

// Validate checks that every derived structure agrees on Count.
func (x *Index) Validate() error {
	var timed int
	for _, run := range x.Timing {
		if run.StartOrdinal != timed {
			return fmt.Errorf("timing run starts at %d, want %d", run.StartOrdinal, timed)
		}
		if run.Delta < 0 {
			return fmt.Errorf("negative delta %d at ordinal %d", run.Delta, run.StartOrdinal)
		}
		timed += run.Count
	}
	if timed != x.Count {
		return fmt.Errorf("timing covers %d samples, want %d", timed, x.Count)
	}

	var laidOut int
	for _, run := range x.Layout {
		if run.StartOrdinal != laidOut {
			return fmt.Errorf("layout run starts at %d, want %d", run.StartOrdinal, laidOut)
		}
		laidOut += run.SamplesPerChunk * run.ChunkCount
	}
	if laidOut != x.Count {
		return fmt.Errorf("layout covers %d samples, want %d", laidOut, x.Count)
	}

	if x.Sizes != nil && len(x.Sizes) != x.Count {
		return fmt.Errorf("%d sizes, want %d", len(x.Sizes), x.Count)
	}
	if x.PresOrder != nil {
		if len(x.PresOrder) != x.Count || len(x.PresIndex) != x.Count {
			return fmt.Errorf("presentation permutation does not cover %d samples", x.Count)
		}
		seen := make([]bool, x.Count)
		for _, ord := range x.PresOrder {
			if seen[ord] {
				return fmt.Errorf("ordinal %d appears twice in presentation order", ord)
			}
			seen[ord] = true
		}
	}
	return nil
}
