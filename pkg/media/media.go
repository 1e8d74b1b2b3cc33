// Package media defines the track, packet and index types shared by the
// container backends.
package media

import (
	"errors"
)

// Kind is the media kind of a track.
type Kind int

// Track kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

// String .
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	}
	return "unknown"
}

// Track is the identity of one media track. Immutable once discovered.
type Track struct {
	ID        int64
	Kind      Kind
	Timescale uint32 // Ticks per second.
	Codec     string

	// Disposition flags.
	Default bool
	Forced  bool

	// Decoder configuration as stored in the container, if any.
	CodecPrivate []byte

	Width  int
	Height int

	SampleRate int
	Channels   int
	BitDepth   int

	// PCM marks uncompressed audio. The index builder coalesces each chunk
	// of a PCM track into a single logical sample.
	PCM bool

	// DefaultDuration is the per-sample duration hint in timescale ticks,
	// zero when the container does not declare one.
	DefaultDuration int64
}

// BytesPerFrame returns the size of one PCM audio frame.
func (t *Track) BytesPerFrame() int64 {
	depth := t.BitDepth
	if depth == 0 {
		depth = 8
	}
	channels := t.Channels
	if channels == 0 {
		channels = 1
	}
	return int64(depth/8) * int64(channels)
}

// PacketType is the frame type of a packet.
type PacketType int

// Packet types.
const (
	PacketKey PacketType = iota
	PacketDelta
)

// String .
func (t PacketType) String() string {
	if t == PacketKey {
		return "key"
	}
	return "delta"
}

// Path identifies which retrieval code path produced a packet.
type Path uint8

// Retrieval paths.
const (
	PathNone Path = iota
	PathIndex
	PathUnit
)

// SequenceKey ties a packet to the position that produced it, so that Next
// calls can resume without re-deriving it.
type SequenceKey struct {
	TrackID    int64
	Path       Path
	Ordinal    int   // Decode ordinal (index path) or block index within the unit.
	UnitOffset int64 // File offset of the fragment or cluster (unit path).
}

// Packet is one retrieved sample. Immutable.
type Packet struct {
	Data     []byte // nil when retrieved metadata-only.
	Type     PacketType
	Time     int64 // Presentation time in track timescale ticks.
	Duration int64
	Offset   int64 // Byte offset of the payload in the file.
	Size     int64
	Side     []byte // Optional side data, e.g. an alpha channel block.
	Seq      SequenceKey
}

// IsKey reports whether the packet is a key frame.
func (p *Packet) IsKey() bool {
	return p.Type == PacketKey
}

// ReadOptions control packet retrieval.
type ReadOptions struct {
	// MetadataOnly skips reading the payload bytes. Used for duration
	// probing where only timing is needed.
	MetadataOnly bool
}

// ErrForeignPacket is returned when a packet is passed back to a track
// that did not produce it.
var ErrForeignPacket = errors.New("packet was not produced by this track")

// TrackReader is the per-track retrieval surface, identical for both
// container formats. Requests outside the track's range return (nil, nil).
type TrackReader interface {
	Track() *Track

	First(opts ReadOptions) (*Packet, error)
	At(time int64, opts ReadOptions) (*Packet, error)
	Next(prev *Packet, opts ReadOptions) (*Packet, error)
	KeyAt(time int64, opts ReadOptions) (*Packet, error)
	NextKey(prev *Packet, opts ReadOptions) (*Packet, error)

	// Duration returns the presentation end time of the last packet.
	Duration() (int64, error)
}
