// Package avc reads the H.264 sequence parameter set far enough to
// report the stream identity: profile, level and coded dimensions.
package avc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// Parse errors.
var (
	ErrNotSPS   = errors.New("not a sequence parameter set")
	ErrNoConfig = errors.New("no sps in decoder configuration")
)

// SPS holds the identity fields of one sequence parameter set.
type SPS struct {
	ProfileIDC uint8
	LevelIDC   uint8
	Width      int
	Height     int
}

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)
	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, errors.New("invalid exp-golomb code")
		}
	}

	codeNum := uint32(0)
	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		codeNum |= uint32(b) << (n - 1)
	}
	return (1 << leadingZeroBits) - 1 + codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)
	if vi&0x01 != 0 {
		return (vi + 1) / 2, nil
	}
	return -vi / 2, nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// unescape removes the emulation prevention bytes from a NAL unit.
func unescape(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for i := 0; i < len(nal); i++ {
		b := nal[i]
		if zeros >= 2 && b == 3 && i+1 < len(nal) && nal[i+1] <= 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

func hasChromaInfo(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

// ParseSPS parses one sequence parameter set NAL unit.
func ParseSPS(nal []byte) (*SPS, error) {
	if len(nal) < 4 {
		return nil, ErrNotSPS
	}
	if nal[0]&0x1f != 7 {
		return nil, fmt.Errorf("nal type %d: %w", nal[0]&0x1f, ErrNotSPS)
	}

	s := &SPS{ProfileIDC: nal[1], LevelIDC: nal[3]}
	br := bitio.NewReader(bytes.NewReader(unescape(nal[4:])))

	if _, err := readGolombUnsigned(br); err != nil { // seq_parameter_set_id
		return nil, err
	}

	chromaFormatIDC := uint32(1)
	if hasChromaInfo(s.ProfileIDC) {
		var err error
		chromaFormatIDC, err = readGolombUnsigned(br)
		if err != nil {
			return nil, err
		}
		if chromaFormatIDC == 3 {
			if _, err := br.ReadBits(1); err != nil { // separate_colour_plane_flag
				return nil, err
			}
		}
		if _, err := readGolombUnsigned(br); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := readGolombUnsigned(br); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := br.ReadBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingMatrix, err := br.ReadBits(1)
		if err != nil {
			return nil, err
		}
		if scalingMatrix == 1 {
			lists := 8
			if chromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.ReadBits(1)
				if err != nil {
					return nil, err
				}
				if present == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := skipScalingList(br, size); err != nil {
					return nil, err
				}
			}
		}
	}

	if _, err := readGolombUnsigned(br); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}
	picOrderCntType, err := readGolombUnsigned(br)
	if err != nil {
		return nil, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := readGolombUnsigned(br); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if _, err := br.ReadBits(1); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := readGolombSigned(br); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := readGolombSigned(br); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		cycle, err := readGolombUnsigned(br)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < cycle; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return nil, err
			}
		}
	}

	if _, err := readGolombUnsigned(br); err != nil { // max_num_ref_frames
		return nil, err
	}
	if _, err := br.ReadBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthInMbs, err := readGolombUnsigned(br)
	if err != nil {
		return nil, err
	}
	picHeightInMapUnits, err := readGolombUnsigned(br)
	if err != nil {
		return nil, err
	}
	frameMbsOnly, err := br.ReadBits(1)
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.ReadBits(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if _, err := br.ReadBits(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint32
	cropping, err := br.ReadBits(1)
	if err != nil {
		return nil, err
	}
	if cropping == 1 {
		if cropLeft, err = readGolombUnsigned(br); err != nil {
			return nil, err
		}
		if cropRight, err = readGolombUnsigned(br); err != nil {
			return nil, err
		}
		if cropTop, err = readGolombUnsigned(br); err != nil {
			return nil, err
		}
		if cropBottom, err = readGolombUnsigned(br); err != nil {
			return nil, err
		}
	}

	// Crop units depend on the chroma subsampling and on field coding.
	unitX, unitY := uint32(1), 2-uint32(frameMbsOnly)
	if chromaFormatIDC == 1 || chromaFormatIDC == 2 {
		unitX = 2
	}
	if chromaFormatIDC == 1 {
		unitY *= 2
	}

	s.Width = int((picWidthInMbs+1)*16 - (cropLeft+cropRight)*unitX)
	s.Height = int((2-uint32(frameMbsOnly))*(picHeightInMapUnits+1)*16 -
		(cropTop+cropBottom)*unitY)
	return s, nil
}

// FromDecoderConfig extracts and parses the first sequence parameter
// set of an avcC decoder configuration record.
func FromDecoderConfig(cfg []byte) (*SPS, error) {
	if len(cfg) < 8 || cfg[0] != 1 {
		return nil, ErrNoConfig
	}
	numSPS := int(cfg[5] & 0x1f)
	if numSPS == 0 {
		return nil, ErrNoConfig
	}
	spsLen := int(cfg[6])<<8 | int(cfg[7])
	if len(cfg) < 8+spsLen {
		return nil, ErrNoConfig
	}
	return ParseSPS(cfg[8 : 8+spsLen])
}
