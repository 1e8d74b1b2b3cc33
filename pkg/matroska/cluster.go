package matroska

import (
	"fmt"
	"sort"

	"mediakit/pkg/ebml"
)

// maxBlockSize caps one block read.
const maxBlockSize = 64 << 20

// cluster is one parsed cluster and the blocks it declares.
type cluster struct {
	offset   int64 // Cluster element offset.
	end      int64 // Offset of the first sibling after the cluster.
	timecode int64
	tracks   map[int64]*clusterTrack
}

// clusterTrack is one track's frames within a cluster.
type clusterTrack struct {
	blocks    []clusterBlock // Decode order.
	presOrder []int32
	startPres int64
	endPres   int64
}

// clusterBlock is one frame. Time is presentation time in timecode
// ticks.
type clusterBlock struct {
	time   int64
	dur    int64
	offset int64
	size   int64
	key    bool
	side   []byte
}

// blockAt returns the index of the block with the greatest presentation
// time not after t, keys only when wantKey, or -1.
func (ct *clusterTrack) blockAt(t int64, wantKey bool) int {
	n := sort.Search(len(ct.presOrder), func(k int) bool {
		return ct.blocks[ct.presOrder[k]].time > t
	})
	for n > 0 {
		n--
		i := int(ct.presOrder[n])
		if !wantKey || ct.blocks[i].key {
			return i
		}
	}
	return -1
}

// nextBlock returns the decode index of the next block after i, keys
// only when wantKey, or -1.
func (ct *clusterTrack) nextBlock(i int, wantKey bool) int {
	for k := i + 1; k < len(ct.blocks); k++ {
		if !wantKey || ct.blocks[k].key {
			return k
		}
	}
	return -1
}

// firstBlock returns the first block in decode order, keys only when
// wantKey, or -1.
func (ct *clusterTrack) firstBlock(wantKey bool) int {
	return ct.nextBlock(-1, wantKey)
}

func (ct *clusterTrack) derivePresentation() {
	order := make([]int32, len(ct.blocks))
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ct.blocks[order[a]].time < ct.blocks[order[b]].time
	})
	ct.presOrder = order
	ct.startPres = ct.blocks[order[0]].time
	last := ct.blocks[order[len(order)-1]]
	ct.endPres = last.time + last.dur
}

// clusterAt parses and memoizes the cluster starting at off. Caller
// holds d.mu.
func (d *Demuxer) clusterAt(off int64) (*cluster, error) {
	if c, ok := d.clusters[off]; ok {
		return c, nil
	}
	e, err := ebml.ReadElement(d.src, off, d.segEnd)
	if err != nil {
		return nil, err
	}
	if e == nil || e.ID != idCluster {
		return nil, fmt.Errorf("no cluster at offset %d", off)
	}
	c, err := d.parseCluster(e)
	if err != nil {
		return nil, err
	}
	d.clusters[off] = c
	for id, ct := range c.tracks {
		if ts := d.state(id); ts != nil && len(ct.blocks) > 0 {
			ts.cache.Insert(ct.startPres, off)
		}
	}
	return c, nil
}

// parseCluster parses one cluster. Clusters of unknown size end at the
// first element that is not a cluster child.
func (d *Demuxer) parseCluster(el *ebml.Element) (*cluster, error) {
	c := &cluster{
		offset: el.Offset,
		end:    el.End(),
		tracks: map[int64]*clusterTrack{},
	}

	scan := ebml.NewScanner(d.src, el.DataOffset(), clusterScope(el, d.segEnd))
	for {
		e, err := scan.Peek()
		if err != nil {
			return nil, fmt.Errorf("scan cluster at %d: %w", el.Offset, err)
		}
		if e == nil {
			break
		}
		if el.Size == ebml.SizeUnknown && isSegmentChild(e.ID) {
			c.end = e.Offset
			break
		}
		scan.Skip(e)

		switch e.ID {
		case idTimecode:
			data, err := ebml.ReadData(d.src, e, maxMetaSize)
			if err != nil {
				return nil, err
			}
			c.timecode = int64(ebml.ParseUint(data))
		case idSimpleBlock:
			if err := d.parseBlock(c, e, blockMeta{simple: true}); err != nil {
				return nil, err
			}
		case idBlockGroup:
			if err := d.parseBlockGroup(scan, c, e); err != nil {
				return nil, err
			}
		}
	}
	if c.end == ebml.SizeUnknown {
		c.end = scan.Pos()
	}
	for _, ct := range c.tracks {
		ct.derivePresentation()
	}
	return c, nil
}

func clusterScope(el *ebml.Element, segEnd int64) int64 {
	if el.Size == ebml.SizeUnknown {
		return segEnd
	}
	return el.End()
}

// blockMeta carries the block context that lives outside the block
// element itself.
type blockMeta struct {
	simple   bool
	duration int64 // From BlockDuration, 0 when absent.
	hasRef   bool  // A ReferenceBlock was seen.
	side     []byte
}

func (d *Demuxer) parseBlockGroup(parent *ebml.Scanner, c *cluster, group *ebml.Element) error {
	var block *ebml.Element
	var meta blockMeta

	children := parent.Children(group)
	for {
		e, err := children.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.ID {
		case idBlock:
			block = e
		case idBlockDuration:
			data, err := ebml.ReadData(d.src, e, maxMetaSize)
			if err != nil {
				return err
			}
			meta.duration = int64(ebml.ParseUint(data))
		case idRefBlock:
			meta.hasRef = true
		case idBlockAdds:
			meta.side, err = d.parseBlockAdditions(children, e)
			if err != nil {
				return err
			}
		}
	}
	if block == nil {
		return nil
	}
	return d.parseBlock(c, block, meta)
}

func (d *Demuxer) parseBlockAdditions(parent *ebml.Scanner, adds *ebml.Element) ([]byte, error) {
	mores := parent.Children(adds)
	for {
		more, err := mores.Next()
		if err != nil {
			return nil, err
		}
		if more == nil {
			return nil, nil
		}
		if more.ID != idBlockMore {
			continue
		}
		children := mores.Children(more)
		for {
			e, err := children.Next()
			if err != nil {
				return nil, err
			}
			if e == nil {
				break
			}
			if e.ID == idBlockAdd {
				data, err := ebml.ReadData(d.src, e, maxBlockSize)
				if err != nil {
					return nil, err
				}
				return append([]byte(nil), data...), nil
			}
		}
	}
}

// parseBlock decodes one block header, expands its lacing and appends
// the frames to the owning track.
func (d *Demuxer) parseBlock(c *cluster, el *ebml.Element, meta blockMeta) error {
	data, err := ebml.ReadData(d.src, el, maxBlockSize)
	if err != nil {
		return err
	}

	trackNum, nw, err := ebml.ParseVint(data)
	if err != nil {
		return fmt.Errorf("block at %d: %w", el.Offset, err)
	}
	if len(data) < nw+3 {
		return fmt.Errorf("block at %d: %w", el.Offset, ebml.ErrShortData)
	}
	rel := int64(int16(uint16(data[nw])<<8 | uint16(data[nw+1])))
	flags := data[nw+2]
	pos := nw + 3

	ts := d.state(int64(trackNum))
	if ts == nil {
		// Dropped or unknown track.
		return nil
	}

	// SimpleBlock carries a key flag; Block keyness follows from the
	// absence of a ReferenceBlock in the group.
	key := !meta.hasRef
	if meta.simple {
		key = flags&0x80 != 0
	}

	sizes, pos, err := expandLacing(data, pos, flags&0x06)
	if err != nil {
		return fmt.Errorf("block at %d: %w", el.Offset, err)
	}

	dur := ts.defDur
	if meta.duration > 0 {
		dur = meta.duration / int64(len(sizes))
	}

	ct := c.tracks[int64(trackNum)]
	if ct == nil {
		ct = &clusterTrack{}
		c.tracks[int64(trackNum)] = ct
	}

	time := c.timecode + rel
	offset := el.DataOffset() + int64(pos)
	for i, size := range sizes {
		b := clusterBlock{
			time:   time,
			dur:    dur,
			offset: offset,
			size:   size,
			key:    key,
		}
		if i == 0 {
			b.side = meta.side
		}
		ct.blocks = append(ct.blocks, b)
		time += ts.defDur
		offset += size
	}
	return nil
}

// expandLacing returns the frame sizes declared by the lacing bits and
// the offset of the first frame within data.
func expandLacing(data []byte, pos int, mode byte) ([]int64, int, error) {
	if mode == laceNone {
		return []int64{int64(len(data) - pos)}, pos, nil
	}
	if pos >= len(data) {
		return nil, 0, ebml.ErrShortData
	}
	count := int(data[pos]) + 1
	pos++

	sizes := make([]int64, count)
	var consumed int64

	switch mode {
	case laceXiph:
		for i := 0; i < count-1; i++ {
			var size int64
			for {
				if pos >= len(data) {
					return nil, 0, ebml.ErrShortData
				}
				b := data[pos]
				pos++
				size += int64(b)
				if b != 0xff {
					break
				}
			}
			sizes[i] = size
			consumed += size
		}

	case laceFixed:
		rem := int64(len(data) - pos)
		if rem%int64(count) != 0 {
			return nil, 0, fmt.Errorf("fixed lacing remainder: %w", ebml.ErrBadVint)
		}
		each := rem / int64(count)
		for i := range sizes {
			sizes[i] = each
		}
		return sizes, pos, nil

	case laceEBML:
		prev := int64(0)
		for i := 0; i < count-1; i++ {
			if i == 0 {
				u, w, err := ebml.ParseVint(data[pos:])
				if err != nil {
					return nil, 0, err
				}
				prev = int64(u)
				pos += w
			} else {
				delta, w, err := ebml.ParseSvint(data[pos:])
				if err != nil {
					return nil, 0, err
				}
				prev += delta
				pos += w
			}
			sizes[i] = prev
			consumed += prev
		}

	default:
		return nil, 0, fmt.Errorf("lacing mode %#02x: %w", mode, ebml.ErrBadVint)
	}

	last := int64(len(data)-pos) - consumed
	if last < 0 {
		return nil, 0, ebml.ErrShortData
	}
	sizes[count-1] = last
	return sizes, pos, nil
}

// visitClusters walks the segment from `from`, parsing each cluster and
// calling visit with it. visit returns true to stop. A structural error
// triggers a bounded resync to the next plausible cluster. Caller holds
// d.mu.
func (d *Demuxer) visitClusters(from int64, visit func(*cluster) (bool, error)) error {
	pos := from
	for {
		if d.segEnd != ebml.SizeUnknown && pos >= d.segEnd {
			return nil
		}
		e, err := ebml.ReadElement(d.src, pos, d.segEnd)
		if err != nil {
			d.logger.Warn().Src("matroska").
				Msgf("structural error at %d, resyncing: %v", pos, err)
			off, rerr := ebml.Resync(d.src, pos+1, d.segEnd, func(id uint32) bool {
				return id == idCluster
			})
			if rerr != nil {
				return rerr
			}
			if off < 0 {
				return nil
			}
			pos = off
			continue
		}
		if e == nil {
			return nil
		}
		if e.ID != idCluster {
			if e.Size == ebml.SizeUnknown {
				return nil
			}
			pos = e.End()
			continue
		}
		c, err := d.clusterAt(e.Offset)
		if err != nil {
			return err
		}
		stop, err := visit(c)
		if err != nil || stop {
			return err
		}
		pos = c.end
	}
}
