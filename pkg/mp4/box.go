// Package mp4 implements reading and writing of ISO base media format boxes.
package mp4

import (
	"mediakit/pkg/mp4/bitio"
)

// BoxType is mpeg box type.
type BoxType [4]byte

// Str creates a BoxType from a 4-character string.
func Str(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// String .
func (t BoxType) String() string {
	return string(t[:])
}

// ConfigBoxType returns the decoder configuration child fourcc for a
// sample entry fourcc, or false when the codec carries none.
func ConfigBoxType(codec string) (BoxType, bool) {
	switch codec {
	case "avc1", "avc3":
		return Str("avcC"), true
	case "hvc1", "hev1":
		return Str("hvcC"), true
	case "vp08", "vp09":
		return Str("vpcC"), true
	case "av01":
		return Str("av1C"), true
	case "mp4a":
		return Str("esds"), true
	case "Opus":
		return Str("dOps"), true
	case "fLaC":
		return Str("dfLa"), true
	case "ipcm":
		return Str("pcmC"), true
	}
	return BoxType{}, false
}

// ImmutableBoxes is slice of ImmutableBox.
type ImmutableBoxes []ImmutableBox

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// Boxes is a structure of boxes that can be marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including children.
func (b *Boxes) Size() int {
	total := b.Box.Size() + 8
	for _, child := range b.Children {
		size := child.Size()
		total += size
	}
	return total
}

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	size := b.Size()

	err := writeBoxInfo(w, uint32(size), b.Box.Type())
	if err != nil {
		return err
	}

	// The size of a empty box is 8 bytes.
	if size != 8 {
		err := b.Box.Marshal(w)
		if err != nil {
			return err
		}
	}

	for _, child := range b.Children {
		err := child.Marshal(w)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	w.TryWriteUint32(size)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := 8 + b.Size()

	err := writeBoxInfo(w, uint32(size), b.Type())
	if err != nil {
		return 0, err
	}

	// The size of a empty box is 8 bytes.
	if size != 8 {
		err := b.Marshal(w)
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}

// WriteBoxHeader writes a bare box header. Sizes that do not fit in 32
// bits use the largesize form, so the header is either 8 or 16 bytes;
// HeaderSize reports which one a given content size needs.
func WriteBoxHeader(w *bitio.Writer, typ BoxType, contentSize int64) error {
	total := contentSize + 8
	if total <= maxUint32 {
		w.TryWriteUint32(uint32(total))
		w.TryWrite(typ[:])
		return w.TryError
	}
	w.TryWriteUint32(1)
	w.TryWrite(typ[:])
	w.TryWriteUint64(uint64(contentSize + 16))
	return w.TryError
}

// HeaderSize returns the header size WriteBoxHeader will use.
func HeaderSize(contentSize int64) int64 {
	if contentSize+8 <= maxUint32 {
		return 8
	}
	return 16
}

const maxUint32 = int64(^uint32(0))

// Marshal ImmutableBoxes to writer.
func (boxes ImmutableBoxes) Marshal(w *bitio.Writer) error {
	for _, b := range boxes {
		if _, err := WriteSingleBox(w, b); err != nil {
			return err
		}
	}
	return nil
}

// Size combined size of boxes.
func (boxes ImmutableBoxes) Size() int {
	var n int
	for _, b := range boxes {
		n += 8
		n += b.Size()
	}
	return n
}
