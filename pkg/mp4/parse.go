package mp4

import (
	"errors"
	"fmt"
)

// Parse errors.
var (
	ErrShortPayload = errors.New("payload truncated")
	ErrBadVersion   = errors.New("unsupported box version")
)

// payloadReader extracts big-endian fields from a box payload. The
// first out of bounds read latches ErrShortPayload and every later
// read returns zero.
type payloadReader struct {
	data []byte
	pos  int
	err  error
}

func newPayloadReader(data []byte) *payloadReader {
	return &payloadReader{data: data}
}

func (r *payloadReader) remaining() int {
	return len(r.data) - r.pos
}

func (r *payloadReader) skip(n int) {
	if r.err != nil {
		return
	}
	if r.remaining() < n {
		r.err = ErrShortPayload
		return
	}
	r.pos += n
}

func (r *payloadReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.err = ErrShortPayload
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *payloadReader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 2 {
		r.err = ErrShortPayload
		return 0
	}
	v := be.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *payloadReader) u24() uint32 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 3 {
		r.err = ErrShortPayload
		return 0
	}
	v := uint32(r.data[r.pos])<<16 | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])
	r.pos += 3
	return v
}

func (r *payloadReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 4 {
		r.err = ErrShortPayload
		return 0
	}
	v := be.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *payloadReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 8 {
		r.err = ErrShortPayload
		return 0
	}
	v := be.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *payloadReader) uvar(size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(r.u8())
	}
	return v
}

func (r *payloadReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = ErrShortPayload
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

// fullBox reads the version and flags header common to full boxes.
func (r *payloadReader) fullBox() FullBox {
	version := r.u8()
	var flags [3]byte
	copy(flags[:], r.bytes(3))
	return FullBox{Version: version, Flags: flags}
}

// versioned reads a 32 or 64 bit field depending on the box version.
func (r *payloadReader) versioned(version uint8) uint64 {
	if version == 0 {
		return uint64(r.u32())
	}
	return r.u64()
}

// entryCount validates a declared count against the bytes left for the
// entries, so a corrupt count cannot drive a huge allocation.
func (r *payloadReader) entryCount(entrySize int) int {
	count := int(r.u32())
	if r.err != nil {
		return 0
	}
	if entrySize > 0 && count > r.remaining()/entrySize {
		r.err = fmt.Errorf("entry count %d exceeds payload: %w", count, ErrShortPayload)
		return 0
	}
	return count
}

// ParseMvhd parses a mvhd payload.
func ParseMvhd(data []byte) (*Mvhd, error) {
	r := newPayloadReader(data)
	b := &Mvhd{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("mvhd version %d: %w", b.Version, ErrBadVersion)
	}
	if b.Version == 0 {
		b.CreationTimeV0 = r.u32()
		b.ModificationTimeV0 = r.u32()
		b.Timescale = r.u32()
		b.DurationV0 = r.u32()
	} else {
		b.CreationTimeV1 = r.u64()
		b.ModificationTimeV1 = r.u64()
		b.Timescale = r.u32()
		b.DurationV1 = r.u64()
	}
	b.Rate = int32(r.u32())
	b.Volume = int16(r.u16())
	r.skip(10) // reserved
	for i := range b.Matrix {
		b.Matrix[i] = int32(r.u32())
	}
	r.skip(24) // pre_defined
	b.NextTrackID = r.u32()
	return b, r.err
}

// ParseTkhd parses a tkhd payload.
func ParseTkhd(data []byte) (*Tkhd, error) {
	r := newPayloadReader(data)
	b := &Tkhd{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("tkhd version %d: %w", b.Version, ErrBadVersion)
	}
	if b.Version == 0 {
		b.CreationTimeV0 = r.u32()
		b.ModificationTimeV0 = r.u32()
		b.TrackID = r.u32()
		b.Reserved0 = r.u32()
		b.DurationV0 = r.u32()
	} else {
		b.CreationTimeV1 = r.u64()
		b.ModificationTimeV1 = r.u64()
		b.TrackID = r.u32()
		b.Reserved0 = r.u32()
		b.DurationV1 = r.u64()
	}
	r.skip(8) // reserved
	b.Layer = int16(r.u16())
	b.AlternateGroup = int16(r.u16())
	b.Volume = int16(r.u16())
	r.skip(2) // reserved
	for i := range b.Matrix {
		b.Matrix[i] = int32(r.u32())
	}
	b.Width = r.u32()
	b.Height = r.u32()
	return b, r.err
}

// ParseMdhd parses a mdhd payload.
func ParseMdhd(data []byte) (*Mdhd, error) {
	r := newPayloadReader(data)
	b := &Mdhd{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("mdhd version %d: %w", b.Version, ErrBadVersion)
	}
	if b.Version == 0 {
		b.CreationTimeV0 = r.u32()
		b.ModificationTimeV0 = r.u32()
		b.Timescale = r.u32()
		b.DurationV0 = r.u32()
	} else {
		b.CreationTimeV1 = r.u64()
		b.ModificationTimeV1 = r.u64()
		b.Timescale = r.u32()
		b.DurationV1 = r.u64()
	}
	lang := r.u16()
	b.Pad = lang&0x8000 != 0
	b.Language[0] = byte(lang>>10) & 0x1f
	b.Language[1] = byte(lang>>5) & 0x1f
	b.Language[2] = byte(lang) & 0x1f
	b.PreDefined = r.u16()
	return b, r.err
}

// ParseHdlr parses a hdlr payload.
func ParseHdlr(data []byte) (*Hdlr, error) {
	r := newPayloadReader(data)
	b := &Hdlr{FullBox: r.fullBox()}
	b.PreDefined = r.u32()
	copy(b.HandlerType[:], r.bytes(4))
	for i := range b.Reserved {
		b.Reserved[i] = r.u32()
	}
	if r.err == nil && r.remaining() > 0 {
		name := r.bytes(r.remaining())
		if len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		b.Name = string(name)
	}
	return b, r.err
}

// ParseStts parses a stts payload.
func ParseStts(data []byte) (*Stts, error) {
	r := newPayloadReader(data)
	b := &Stts{FullBox: r.fullBox()}
	count := r.entryCount(8)
	b.Entries = make([]SttsEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.Entries = append(b.Entries, SttsEntry{
			SampleCount: r.u32(),
			SampleDelta: r.u32(),
		})
	}
	return b, r.err
}

// ParseCtts parses a ctts payload. Version 0 offsets are stored
// unsigned but negative values are common in the wild, so both
// versions decode through int32.
func ParseCtts(data []byte) (*Ctts, error) {
	r := newPayloadReader(data)
	b := &Ctts{FullBox: r.fullBox()}
	count := r.entryCount(8)
	b.Entries = make([]CttsEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.Entries = append(b.Entries, CttsEntry{
			SampleCount:  r.u32(),
			SampleOffset: int32(r.u32()),
		})
	}
	return b, r.err
}

// ParseStsc parses a stsc payload.
func ParseStsc(data []byte) (*Stsc, error) {
	r := newPayloadReader(data)
	b := &Stsc{FullBox: r.fullBox()}
	count := r.entryCount(12)
	b.Entries = make([]StscEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.Entries = append(b.Entries, StscEntry{
			FirstChunk:             r.u32(),
			SamplesPerChunk:        r.u32(),
			SampleDescriptionIndex: r.u32(),
		})
	}
	return b, r.err
}

// ParseStsz parses a stsz payload. EntrySizes stays nil when a
// constant sample size is declared.
func ParseStsz(data []byte) (*Stsz, error) {
	r := newPayloadReader(data)
	b := &Stsz{FullBox: r.fullBox()}
	b.SampleSize = r.u32()
	b.SampleCount = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if b.SampleSize == 0 {
		count := int(b.SampleCount)
		if count > r.remaining()/4 {
			return nil, fmt.Errorf("stsz count %d exceeds payload: %w", count, ErrShortPayload)
		}
		b.EntrySizes = make([]uint32, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			b.EntrySizes = append(b.EntrySizes, r.u32())
		}
	}
	return b, r.err
}

// ParseStco parses a stco payload.
func ParseStco(data []byte) (*Stco, error) {
	r := newPayloadReader(data)
	b := &Stco{FullBox: r.fullBox()}
	count := r.entryCount(4)
	b.ChunkOffsets = make([]uint32, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.ChunkOffsets = append(b.ChunkOffsets, r.u32())
	}
	return b, r.err
}

// ParseCo64 parses a co64 payload.
func ParseCo64(data []byte) (*Co64, error) {
	r := newPayloadReader(data)
	b := &Co64{FullBox: r.fullBox()}
	count := r.entryCount(8)
	b.ChunkOffsets = make([]uint64, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.ChunkOffsets = append(b.ChunkOffsets, r.u64())
	}
	return b, r.err
}

// ParseStss parses a stss payload.
func ParseStss(data []byte) (*Stss, error) {
	r := newPayloadReader(data)
	b := &Stss{FullBox: r.fullBox()}
	count := r.entryCount(4)
	b.SampleNumbers = make([]uint32, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.SampleNumbers = append(b.SampleNumbers, r.u32())
	}
	return b, r.err
}

// ParseElst parses an elst payload.
func ParseElst(data []byte) (*Elst, error) {
	r := newPayloadReader(data)
	b := &Elst{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("elst version %d: %w", b.Version, ErrBadVersion)
	}
	entrySize := 12
	if b.Version == 1 {
		entrySize = 20
	}
	count := r.entryCount(entrySize)
	b.Entries = make([]ElstEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		var entry ElstEntry
		if b.Version == 0 {
			entry.SegmentDuration = uint64(r.u32())
			entry.MediaTime = int64(int32(r.u32()))
		} else {
			entry.SegmentDuration = r.u64()
			entry.MediaTime = int64(r.u64())
		}
		entry.MediaRateInteger = int16(r.u16())
		entry.MediaRateFraction = int16(r.u16())
		b.Entries = append(b.Entries, entry)
	}
	return b, r.err
}

// ParseTrex parses a trex payload.
func ParseTrex(data []byte) (*Trex, error) {
	r := newPayloadReader(data)
	b := &Trex{FullBox: r.fullBox()}
	b.TrackID = r.u32()
	b.DefaultSampleDescriptionIndex = r.u32()
	b.DefaultSampleDuration = r.u32()
	b.DefaultSampleSize = r.u32()
	b.DefaultSampleFlags = r.u32()
	return b, r.err
}

// ParseMfhd parses a mfhd payload.
func ParseMfhd(data []byte) (*Mfhd, error) {
	r := newPayloadReader(data)
	b := &Mfhd{FullBox: r.fullBox()}
	b.SequenceNumber = r.u32()
	return b, r.err
}

// ParseTfhd parses a tfhd payload.
func ParseTfhd(data []byte) (*Tfhd, error) {
	r := newPayloadReader(data)
	b := &Tfhd{FullBox: r.fullBox()}
	b.TrackID = r.u32()
	if b.CheckFlag(TfhdBaseDataOffsetPresent) {
		b.BaseDataOffset = r.u64()
	}
	if b.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		b.SampleDescriptionIndex = r.u32()
	}
	if b.CheckFlag(TfhdDefaultSampleDurationPresent) {
		b.DefaultSampleDuration = r.u32()
	}
	if b.CheckFlag(TfhdDefaultSampleSizePresent) {
		b.DefaultSampleSize = r.u32()
	}
	if b.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		b.DefaultSampleFlags = r.u32()
	}
	return b, r.err
}

// ParseTfdt parses a tfdt payload.
func ParseTfdt(data []byte) (*Tfdt, error) {
	r := newPayloadReader(data)
	b := &Tfdt{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("tfdt version %d: %w", b.Version, ErrBadVersion)
	}
	b.BaseMediaDecodeTime = r.versioned(b.Version)
	return b, r.err
}

// ParseTrun parses a trun payload.
func ParseTrun(data []byte) (*Trun, error) {
	r := newPayloadReader(data)
	b := &Trun{FullBox: r.fullBox()}
	count := int(r.u32())
	if b.CheckFlag(TrunDataOffsetPresent) {
		b.DataOffset = int32(r.u32())
	}
	if b.CheckFlag(TrunFirstSampleFlagsPresent) {
		b.FirstSampleFlags = r.u32()
	}
	if r.err != nil {
		return nil, r.err
	}
	if size := b.entrySize(); size > 0 && count > r.remaining()/size {
		return nil, fmt.Errorf("trun count %d exceeds payload: %w", count, ErrShortPayload)
	}
	b.Entries = make([]TrunEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		var entry TrunEntry
		if b.CheckFlag(TrunSampleDurationPresent) {
			entry.SampleDuration = r.u32()
		}
		if b.CheckFlag(TrunSampleSizePresent) {
			entry.SampleSize = r.u32()
		}
		if b.CheckFlag(TrunSampleFlagsPresent) {
			entry.SampleFlags = r.u32()
		}
		if b.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
			entry.SampleCompositionTimeOffset = int32(r.u32())
		}
		b.Entries = append(b.Entries, entry)
	}
	return b, r.err
}

// ParseTfra parses a tfra payload with arbitrary length field sizes.
func ParseTfra(data []byte) (*Tfra, error) {
	r := newPayloadReader(data)
	b := &Tfra{FullBox: r.fullBox()}
	if b.Version > 1 {
		return nil, fmt.Errorf("tfra version %d: %w", b.Version, ErrBadVersion)
	}
	b.TrackID = r.u32()
	lengths := r.u32()
	trafSize := int(lengths>>4&0x3) + 1
	trunSize := int(lengths>>2&0x3) + 1
	sampleSize := int(lengths&0x3) + 1
	timeSize := 4
	if b.Version == 1 {
		timeSize = 8
	}
	entrySize := 2*timeSize + trafSize + trunSize + sampleSize
	count := r.entryCount(entrySize)
	b.Entries = make([]TfraEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		b.Entries = append(b.Entries, TfraEntry{
			Time:       r.versioned(b.Version),
			MoofOffset: r.versioned(b.Version),
			TrafNumber: uint32(r.uvar(trafSize)),
			TrunNumber: uint32(r.uvar(trunSize)),
			SampleNum:  uint32(r.uvar(sampleSize)),
		})
	}
	return b, r.err
}

// ParseMfro parses a mfro payload.
func ParseMfro(data []byte) (*Mfro, error) {
	r := newPayloadReader(data)
	b := &Mfro{FullBox: r.fullBox()}
	b.MfraSize = r.u32()
	return b, r.err
}

// SampleEntryInfo is the decoded prefix of a visual or audio sample
// entry, plus the offset where its child boxes begin.
type SampleEntryInfo struct {
	Fourcc       BoxType
	Width        uint16
	Height       uint16
	ChannelCount uint16
	SampleSize   uint16
	SampleRate   uint32

	// ChildOffset is the offset of the first child box within the
	// entry payload, or len(payload) when there are no children.
	ChildOffset int
}

const (
	visualEntryFixed = 78
	audioEntryFixed  = 28
)

// ParseVisualSampleEntry parses the fixed part of a visual sample
// entry payload.
func ParseVisualSampleEntry(fourcc BoxType, data []byte) (*SampleEntryInfo, error) {
	r := newPayloadReader(data)
	r.skip(8)  // reserved, data_reference_index
	r.skip(16) // pre_defined, reserved
	info := &SampleEntryInfo{Fourcc: fourcc}
	info.Width = r.u16()
	info.Height = r.u16()
	r.skip(50) // resolutions, reserved, frame_count, compressorname, depth, pre_defined
	if r.err != nil {
		return nil, r.err
	}
	info.ChildOffset = visualEntryFixed
	return info, nil
}

// ParseAudioSampleEntry parses the fixed part of an audio sample
// entry payload.
func ParseAudioSampleEntry(fourcc BoxType, data []byte) (*SampleEntryInfo, error) {
	r := newPayloadReader(data)
	r.skip(8) // reserved, data_reference_index
	version := r.u16()
	r.skip(6) // reserved
	info := &SampleEntryInfo{Fourcc: fourcc}
	info.ChannelCount = r.u16()
	info.SampleSize = r.u16()
	r.skip(4) // pre_defined, reserved
	info.SampleRate = r.u32() >> 16
	if r.err != nil {
		return nil, r.err
	}
	info.ChildOffset = audioEntryFixed
	// QuickTime version 1 entries carry four extra fields before the
	// children.
	if version == 1 && r.remaining() >= 16 {
		info.ChildOffset += 16
	}
	return info, nil
}
