package mp4demux

import (
	"fmt"

	"mediakit/pkg/media"
)

// trackReader implements media.TrackReader for one track.
type trackReader struct {
	d  *Demuxer
	ts *trackState
}

// Track implements media.TrackReader.
func (r *trackReader) Track() *media.Track {
	return &r.ts.track
}

// First implements media.TrackReader.
func (r *trackReader) First(opts media.ReadOptions) (*media.Packet, error) {
	x, err := r.ts.Index(r.d)
	if err != nil {
		return nil, err
	}
	if x.Count > 0 {
		return r.indexPacket(x, 0, opts)
	}
	if !r.d.fragmented {
		return nil, nil
	}
	return r.firstUnitPacket(r.d.fragScanStart, false, opts)
}

// At implements media.TrackReader. Returns the packet with the greatest
// presentation time not after t, nil when t precedes the track.
func (r *trackReader) At(t int64, opts media.ReadOptions) (*media.Packet, error) {
	return r.at(t, false, opts)
}

// KeyAt implements media.TrackReader.
func (r *trackReader) KeyAt(t int64, opts media.ReadOptions) (*media.Packet, error) {
	return r.at(t, true, opts)
}

func (r *trackReader) at(t int64, wantKey bool, opts media.ReadOptions) (*media.Packet, error) {
	x, err := r.ts.Index(r.d)
	if err != nil {
		return nil, err
	}
	if r.d.fragmented {
		f, block, err := r.unitAt(t, wantKey)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return r.unitPacket(f, block, opts)
		}
		// Fall through: t may land in the moov-declared samples.
	}
	if x.Count == 0 {
		return nil, nil
	}
	var ordinal int
	if wantKey {
		ordinal = x.KeyOrdinalAt(t)
	} else {
		ordinal = x.OrdinalAt(t)
	}
	if ordinal < 0 {
		return nil, nil
	}
	return r.indexPacket(x, ordinal, opts)
}

// Next implements media.TrackReader. Advances in decode order.
func (r *trackReader) Next(prev *media.Packet, opts media.ReadOptions) (*media.Packet, error) {
	return r.next(prev, false, opts)
}

// NextKey implements media.TrackReader.
func (r *trackReader) NextKey(prev *media.Packet, opts media.ReadOptions) (*media.Packet, error) {
	return r.next(prev, true, opts)
}

func (r *trackReader) next(prev *media.Packet, wantKey bool, opts media.ReadOptions) (*media.Packet, error) {
	if prev == nil || prev.Seq.TrackID != r.ts.track.ID || prev.Seq.Path == media.PathNone {
		return nil, media.ErrForeignPacket
	}
	x, err := r.ts.Index(r.d)
	if err != nil {
		return nil, err
	}

	switch prev.Seq.Path {
	case media.PathIndex:
		if prev.Seq.Ordinal >= x.Count {
			return nil, media.ErrForeignPacket
		}
		var ordinal int
		if wantKey {
			ordinal = x.NextKey(prev.Seq.Ordinal)
		} else {
			ordinal = prev.Seq.Ordinal + 1
			if ordinal >= x.Count {
				ordinal = -1
			}
		}
		if ordinal >= 0 {
			return r.indexPacket(x, ordinal, opts)
		}
		if !r.d.fragmented {
			return nil, nil
		}
		// Index exhausted, continue into the fragments.
		return r.firstUnitPacket(r.d.fragScanStart, wantKey, opts)

	case media.PathUnit:
		r.d.mu.Lock()
		f, err := r.d.fragmentAt(prev.Seq.UnitOffset)
		if err != nil {
			r.d.mu.Unlock()
			return nil, err
		}
		ft := f.tracks[r.ts.track.ID]
		if ft == nil || prev.Seq.Ordinal >= len(ft.blocks) {
			r.d.mu.Unlock()
			return nil, media.ErrForeignPacket
		}
		if block := ft.nextBlock(prev.Seq.Ordinal, wantKey); block >= 0 {
			r.d.mu.Unlock()
			return r.unitPacket(f, block, opts)
		}
		from := f.end
		r.d.mu.Unlock()
		return r.firstUnitPacket(from, wantKey, opts)
	}
	return nil, media.ErrForeignPacket
}

// Duration implements media.TrackReader.
func (r *trackReader) Duration() (int64, error) {
	x, err := r.ts.Index(r.d)
	if err != nil {
		return 0, err
	}
	end := x.EndTime()
	if !r.d.fragmented {
		return end, nil
	}

	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	err = r.d.visitFragments(r.d.fragScanStart, func(f *fragment) (bool, error) {
		if ft := f.tracks[r.ts.track.ID]; ft != nil && ft.endPres > end {
			end = ft.endPres
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return end, nil
}

// unitAt locates the fragment and block holding the greatest
// presentation time not after t, driving the shared lookup search.
func (r *trackReader) unitAt(t int64, wantKey bool) (*fragment, int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.loadLookup()

	var bestF *fragment
	bestB := -1
	found, err := media.FindUnit(r.ts.lookup, &r.ts.cache, r.d.fragScanStart, t,
		func(from int64) (bool, error) {
			bestF, bestB = nil, -1
			err := r.d.visitFragments(from, func(f *fragment) (bool, error) {
				ft := f.tracks[r.ts.track.ID]
				if ft == nil {
					return false, nil
				}
				if ft.startPres > t {
					return true, nil
				}
				if b := ft.blockAt(t, wantKey); b >= 0 {
					bestF, bestB = f, b
				}
				return false, nil
			})
			if err != nil {
				return false, err
			}
			return bestF != nil, nil
		})
	if err != nil || !found {
		return nil, -1, err
	}
	return bestF, bestB, nil
}

// firstUnitPacket returns the first block at or after file offset from.
func (r *trackReader) firstUnitPacket(from int64, wantKey bool, opts media.ReadOptions) (*media.Packet, error) {
	r.d.mu.Lock()
	var bestF *fragment
	bestB := -1
	err := r.d.visitFragments(from, func(f *fragment) (bool, error) {
		ft := f.tracks[r.ts.track.ID]
		if ft == nil {
			return false, nil
		}
		if b := ft.firstBlock(wantKey); b >= 0 {
			bestF, bestB = f, b
			return true, nil
		}
		return false, nil
	})
	r.d.mu.Unlock()
	if err != nil || bestF == nil {
		return nil, err
	}
	return r.unitPacket(bestF, bestB, opts)
}

func (r *trackReader) indexPacket(x *media.Index, ordinal int, opts media.ReadOptions) (*media.Packet, error) {
	t, dur := x.PresentationTime(ordinal)
	offset, size := x.Location(ordinal)

	p := &media.Packet{
		Type:     media.PacketDelta,
		Time:     t,
		Duration: dur,
		Offset:   offset,
		Size:     size,
		Seq: media.SequenceKey{
			TrackID: r.ts.track.ID,
			Path:    media.PathIndex,
			Ordinal: ordinal,
		},
	}
	if x.IsKey(ordinal) {
		p.Type = media.PacketKey
	}
	if !opts.MetadataOnly {
		data, err := r.readPayload(offset, size)
		if err != nil {
			return nil, err
		}
		p.Data = data
	}
	return p, nil
}

func (r *trackReader) unitPacket(f *fragment, block int, opts media.ReadOptions) (*media.Packet, error) {
	b := f.tracks[r.ts.track.ID].blocks[block]

	p := &media.Packet{
		Type:     media.PacketDelta,
		Time:     b.time,
		Duration: b.dur,
		Offset:   b.offset,
		Size:     b.size,
		Seq: media.SequenceKey{
			TrackID:    r.ts.track.ID,
			Path:       media.PathUnit,
			Ordinal:    block,
			UnitOffset: f.offset,
		},
	}
	if b.key {
		p.Type = media.PacketKey
	}
	if !opts.MetadataOnly {
		data, err := r.readPayload(b.offset, b.size)
		if err != nil {
			return nil, err
		}
		p.Data = data
	}
	return p, nil
}

func (r *trackReader) readPayload(offset, size int64) ([]byte, error) {
	data, err := r.d.src.Slice(offset, int(size))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("sample at %d: want %d bytes, got %d", offset, size, len(data))
	}
	return append([]byte(nil), data...), nil
}
