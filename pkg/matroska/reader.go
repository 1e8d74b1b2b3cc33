package matroska

import (
	"fmt"

	"mediakit/pkg/media"
)

// trackReader implements media.TrackReader for one track. All retrieval
// goes through clusters; matroska has no moov-style sample tables.
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
	return r.firstUnitPacket(r.d.clusterStart, false, opts)
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
	c, block, err := r.unitAt(t, wantKey)
	if err != nil || c == nil {
		return nil, err
	}
	return r.unitPacket(c, block, opts)
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
	if prev == nil || prev.Seq.TrackID != r.ts.track.ID || prev.Seq.Path != media.PathUnit {
		return nil, media.ErrForeignPacket
	}

	r.d.mu.Lock()
	c, err := r.d.clusterAt(prev.Seq.UnitOffset)
	if err != nil {
		r.d.mu.Unlock()
		return nil, err
	}
	ct := c.tracks[r.ts.track.ID]
	if ct == nil || prev.Seq.Ordinal >= len(ct.blocks) {
		r.d.mu.Unlock()
		return nil, media.ErrForeignPacket
	}
	if block := ct.nextBlock(prev.Seq.Ordinal, wantKey); block >= 0 {
		r.d.mu.Unlock()
		return r.unitPacket(c, block, opts)
	}
	from := c.end
	r.d.mu.Unlock()
	return r.firstUnitPacket(from, wantKey, opts)
}

// Duration implements media.TrackReader. The segment info duration is
// trusted when present; otherwise every cluster is scanned.
func (r *trackReader) Duration() (int64, error) {
	if r.d.infoDuration > 0 {
		return int64(r.d.infoDuration), nil
	}

	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var end int64
	err := r.d.visitClusters(r.d.clusterStart, func(c *cluster) (bool, error) {
		if ct := c.tracks[r.ts.track.ID]; ct != nil && ct.endPres > end {
			end = ct.endPres
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return end, nil
}

// unitAt locates the cluster and block holding the greatest
// presentation time not after t, driving the shared lookup search over
// the cue table.
func (r *trackReader) unitAt(t int64, wantKey bool) (*cluster, int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	var bestC *cluster
	bestB := -1
	found, err := media.FindUnit(r.ts.lookup, &r.ts.cache, r.d.clusterStart, t,
		func(from int64) (bool, error) {
			bestC, bestB = nil, -1
			err := r.d.visitClusters(from, func(c *cluster) (bool, error) {
				ct := c.tracks[r.ts.track.ID]
				if ct == nil {
					return false, nil
				}
				if ct.startPres > t {
					return true, nil
				}
				if b := ct.blockAt(t, wantKey); b >= 0 {
					bestC, bestB = c, b
				}
				return false, nil
			})
			if err != nil {
				return false, err
			}
			return bestC != nil, nil
		})
	if err != nil || !found {
		return nil, -1, err
	}
	return bestC, bestB, nil
}

// firstUnitPacket returns the first block at or after file offset from.
func (r *trackReader) firstUnitPacket(from int64, wantKey bool, opts media.ReadOptions) (*media.Packet, error) {
	r.d.mu.Lock()
	var bestC *cluster
	bestB := -1
	err := r.d.visitClusters(from, func(c *cluster) (bool, error) {
		ct := c.tracks[r.ts.track.ID]
		if ct == nil {
			return false, nil
		}
		if b := ct.firstBlock(wantKey); b >= 0 {
			bestC, bestB = c, b
			return true, nil
		}
		return false, nil
	})
	r.d.mu.Unlock()
	if err != nil || bestC == nil {
		return nil, err
	}
	return r.unitPacket(bestC, bestB, opts)
}

func (r *trackReader) unitPacket(c *cluster, block int, opts media.ReadOptions) (*media.Packet, error) {
	b := c.tracks[r.ts.track.ID].blocks[block]

	p := &media.Packet{
		Type:     media.PacketDelta,
		Time:     b.time,
		Duration: b.dur,
		Offset:   b.offset,
		Size:     b.size + int64(len(r.ts.stripPrefix)),
		Side:     b.side,
		Seq: media.SequenceKey{
			TrackID:    r.ts.track.ID,
			Path:       media.PathUnit,
			Ordinal:    block,
			UnitOffset: c.offset,
		},
	}
	if b.key {
		p.Type = media.PacketKey
	}
	if !opts.MetadataOnly {
		data, err := r.readFrame(b.offset, b.size)
		if err != nil {
			return nil, err
		}
		p.Data = data
	}
	return p, nil
}

// readFrame copies one frame, restoring the stripped header prefix.
func (r *trackReader) readFrame(offset, size int64) ([]byte, error) {
	data, err := r.d.src.Slice(offset, int(size))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("frame at %d: want %d bytes, got %d", offset, size, len(data))
	}
	out := make([]byte, 0, int64(len(r.ts.stripPrefix))+size)
	out = append(out, r.ts.stripPrefix...)
	return append(out, data...), nil
}
