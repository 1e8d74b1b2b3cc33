package mp4mux

import (
	"fmt"
	"time"
)

// writePCM appends uncompressed audio. Each input sample is a block of
// frames positioned by its presentation time; gaps between blocks are
// filled with silence so the decode timeline stays gapless, and
// overlapping bytes are dropped. Frames are stored one-per-sample with
// a delta of one tick, so the track timescale must equal the sample
// rate.
func (m *Muxer) writePCM(mt *mtrack, s Sample) error {
	if int(mt.track.Timescale) != mt.track.SampleRate {
		return fmt.Errorf("pcm track %d: timescale %d != sample rate %d",
			mt.track.ID, mt.track.Timescale, mt.track.SampleRate)
	}
	mt.tbl.implicitKeys = true

	bpf := mt.track.BytesPerFrame()
	if !mt.baseSet {
		mt.base = s.Time
		mt.baseSet = true
	}
	t := s.Time - mt.base

	data := s.Data
	switch {
	case t > mt.pcmNext:
		gap := t - mt.pcmNext
		mt.chunkBuf = append(mt.chunkBuf, make([]byte, gap*bpf)...)
		mt.pcmNext = t
	case t < mt.pcmNext:
		trim := (mt.pcmNext - t) * bpf
		if trim >= int64(len(data)) {
			return nil
		}
		data = data[trim:]
	}

	frames := int64(len(data)) / bpf
	mt.chunkBuf = append(mt.chunkBuf, data[:frames*bpf]...)
	mt.pcmNext += frames

	chunkTicks := int64(m.opts.ChunkDuration) * int64(mt.track.Timescale) / int64(time.Second)
	if int64(len(mt.chunkBuf))/bpf >= chunkTicks {
		return m.flushPCMChunk(mt)
	}
	return nil
}

func (m *Muxer) flushPCMChunk(mt *mtrack) error {
	bpf := mt.track.BytesPerFrame()
	frames := int(int64(len(mt.chunkBuf)) / bpf)
	if frames == 0 {
		return nil
	}

	if m.opts.Fragmented {
		// One logical sample per chunk keeps fragment runs short.
		r := resolved{
			data: append([]byte(nil), mt.chunkBuf[:int64(frames)*bpf]...),
			dts:  mt.pcmNext - int64(frames) + mt.base,
			pts:  mt.pcmNext - int64(frames) + mt.base,
			key:  true,
			dur:  int64(frames),
		}
		mt.chunkBuf = mt.chunkBuf[:0]
		return m.emit(mt, r)
	}

	off, err := m.writeData(mt.chunkBuf[:int64(frames)*bpf])
	if err != nil {
		return err
	}
	mt.tbl.addRun(frames, 1, uint32(bpf))
	mt.tbl.addChunk(off, frames)
	mt.chunkBuf = mt.chunkBuf[:0]
	return nil
}

// flushPCM completes a PCM track at finalize.
func (m *Muxer) flushPCM(mt *mtrack) error {
	if err := m.flushPCMChunk(mt); err != nil {
		return err
	}
	mt.chunkBuf = nil
	mt.endDTS = mt.pcmNext
	return nil
}

// padPCMTo appends silence up to the given presentation time, aligning
// a PCM track with a boundary on another track.
func (m *Muxer) padPCMTo(mt *mtrack, t int64) error {
	if !mt.track.PCM || !mt.baseSet {
		return nil
	}
	rel := t - mt.base
	if rel <= mt.pcmNext {
		return nil
	}
	return m.writePCM(mt, Sample{Time: t, Key: true})
}
