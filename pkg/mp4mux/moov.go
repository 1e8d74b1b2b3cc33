package mp4mux

import (
	"mediakit/pkg/media"
	"mediakit/pkg/mp4"
)

// movieTimescale is the mvhd timescale. Track media keep their own.
const movieTimescale = 1000

func ftypBox(fragmented bool) mp4.Boxes {
	brands := [][4]byte{{'i', 's', 'o', 'm'}, {'i', 's', 'o', '2'}, {'m', 'p', '4', '1'}}
	major := [4]byte{'i', 's', 'o', 'm'}
	if fragmented {
		major = [4]byte{'i', 's', 'o', '5'}
		brands = [][4]byte{{'i', 's', 'o', '5'}, {'i', 's', 'o', '6'}, {'m', 'p', '4', '1'}}
	}
	return mp4.Boxes{Box: &mp4.Ftyp{
		MajorBrand:       major,
		MinorVersion:     512,
		CompatibleBrands: brands,
	}}
}

// buildMoov builds the movie box for the accumulated tracks. In
// fragmented mode the sample tables are empty and mvex declares the
// per-track defaults.
func (m *Muxer) buildMoov() mp4.Boxes {
	var movieDur uint64
	for _, mt := range m.tracks {
		d := mt.movieDuration()
		if d > movieDur {
			movieDur = d
		}
	}

	moov := mp4.Boxes{
		Box: &mp4.Moov{},
		Children: []mp4.Boxes{{
			Box: &mp4.Mvhd{
				Timescale:   movieTimescale,
				DurationV0:  uint32(movieDur),
				Rate:        0x00010000,
				Volume:      0x0100,
				Matrix:      unityMatrix,
				NextTrackID: uint32(len(m.tracks)) + 1,
			},
		}},
	}

	for _, mt := range m.tracks {
		moov.Children = append(moov.Children, m.trakBoxes(mt, movieDur))
	}

	if m.opts.Fragmented {
		mvex := mp4.Boxes{Box: &mp4.Mvex{}}
		for _, mt := range m.tracks {
			mvex.Children = append(mvex.Children, mp4.Boxes{
				Box: &mp4.Trex{
					TrackID:                       uint32(mt.track.ID),
					DefaultSampleDescriptionIndex: 1,
				},
			})
		}
		moov.Children = append(moov.Children, mvex)
	}
	return moov
}

var unityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func (m *Muxer) trakBoxes(mt *mtrack, movieDur uint64) mp4.Boxes {
	tkhd := &mp4.Tkhd{
		FullBox: mp4.NewFullBox(0, mp4.TkhdFlagEnabled|mp4.TkhdFlagInMovie),
		TrackID: uint32(mt.track.ID),
		// Track duration in the movie timescale.
		DurationV0: uint32(mt.movieDuration()),
		Matrix:     unityMatrix,
	}
	if mt.track.Kind == media.KindVideo {
		tkhd.Width = uint32(mt.track.Width) << 16
		tkhd.Height = uint32(mt.track.Height) << 16
	}
	if mt.track.Kind == media.KindAudio {
		tkhd.Volume = 0x0100
	}

	trak := mp4.Boxes{
		Box:      &mp4.Trak{},
		Children: []mp4.Boxes{{Box: tkhd}},
	}

	// A reorder shift delays every presentation time; the edit list
	// restores the original timeline.
	if mt.dtsShift > 0 {
		trak.Children = append(trak.Children, mp4.Boxes{
			Box: &mp4.Edts{},
			Children: []mp4.Boxes{{
				Box: &mp4.Elst{
					Entries: []mp4.ElstEntry{{
						SegmentDuration:  movieDur,
						MediaTime:        mt.dtsShift,
						MediaRateInteger: 1,
					}},
				},
			}},
		})
	}

	trak.Children = append(trak.Children, m.mdiaBoxes(mt))
	return trak
}

func (m *Muxer) mdiaBoxes(mt *mtrack) mp4.Boxes {
	var handler [4]byte
	var name string
	var header mp4.ImmutableBox
	switch mt.track.Kind {
	case media.KindVideo:
		handler = [4]byte{'v', 'i', 'd', 'e'}
		name = "VideoHandler"
		header = &mp4.Vmhd{FullBox: mp4.NewFullBox(0, 1)}
	case media.KindAudio:
		handler = [4]byte{'s', 'o', 'u', 'n'}
		name = "SoundHandler"
		header = &mp4.Smhd{}
	default:
		handler = [4]byte{'t', 'e', 'x', 't'}
		name = "TextHandler"
		header = &mp4.Nmhd{}
	}

	minf := mp4.Boxes{
		Box: &mp4.Minf{},
		Children: []mp4.Boxes{
			{Box: header},
			{
				Box: &mp4.Dinf{},
				Children: []mp4.Boxes{{
					Box: &mp4.Dref{EntryCount: 1},
					Children: []mp4.Boxes{{
						Box: &mp4.URL{FullBox: mp4.NewFullBox(0, 1)},
					}},
				}},
			},
			mt.tbl.stblBoxes(sampleDescription(&mt.track)),
		},
	}

	return mp4.Boxes{
		Box: &mp4.Mdia{},
		Children: []mp4.Boxes{
			{Box: &mp4.Mdhd{
				Timescale:  mt.track.Timescale,
				DurationV0: uint32(mt.endDTS),
				Language:   [3]byte{'u', 'n', 'd'},
			}},
			{Box: &mp4.Hdlr{
				HandlerType: handler,
				Name:        name,
			}},
			minf,
		},
	}
}

// sampleDescription builds the stsd tree for a track.
func sampleDescription(t *media.Track) mp4.Boxes {
	fourcc := mp4.Str(t.Codec)

	var entry mp4.Boxes
	switch t.Kind {
	case media.KindVideo:
		entry = mp4.Boxes{Box: &mp4.VisualSampleEntry{
			SampleEntry:     mp4.SampleEntry{DataReferenceIndex: 1},
			Fourcc:          fourcc,
			Width:           uint16(t.Width),
			Height:          uint16(t.Height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           0x0018,
			PreDefined3:     -1,
		}}
	case media.KindAudio:
		depth := t.BitDepth
		if depth == 0 {
			depth = 16
		}
		entry = mp4.Boxes{Box: &mp4.AudioSampleEntry{
			SampleEntry:  mp4.SampleEntry{DataReferenceIndex: 1},
			Fourcc:       fourcc,
			ChannelCount: uint16(t.Channels),
			SampleSize:   uint16(depth),
			SampleRate:   uint32(t.SampleRate) << 16,
		}}
	default:
		entry = mp4.Boxes{Box: &mp4.RawBox{
			Fourcc: fourcc,
			Data:   t.CodecPrivate,
		}}
		return mp4.Boxes{
			Box:      &mp4.Stsd{EntryCount: 1},
			Children: []mp4.Boxes{entry},
		}
	}

	if len(t.CodecPrivate) > 0 {
		if cfg, ok := mp4.ConfigBoxType(t.Codec); ok {
			entry.Children = append(entry.Children, mp4.Boxes{
				Box: &mp4.RawBox{Fourcc: cfg, Data: t.CodecPrivate},
			})
		}
	}

	return mp4.Boxes{
		Box:      &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{entry},
	}
}

// movieDuration returns the track duration in the movie timescale.
func (mt *mtrack) movieDuration() uint64 {
	if mt.track.Timescale == 0 {
		return 0
	}
	return uint64(mt.endDTS) * movieTimescale / uint64(mt.track.Timescale)
}
