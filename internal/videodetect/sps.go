package videodetect

// RemoveEmulationPrevention strips emulation-prevention bytes from a NAL
// unit payload, turning it into the raw byte sequence payload (RBSP) an
// exp-Golomb reader can walk: every 0x00 0x00 0x03 sequence collapses to
// 0x00 0x00. Idempotent on an already-clean buffer, since a
// clean buffer never contains the 0x00 0x00 0x03 pattern to begin with.
func RemoveEmulationPrevention(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for _, b := range nal {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader reads individual bits and exp-Golomb codes out of an RBSP
// buffer, MSB first within each byte.
type bitReader struct {
	data []byte
	pos  int // bit position from the start of data
}

func newBitReader(data []byte) *bitReader { return &bitReader{data: data} }

func (r *bitReader) bitsLeft() int { return len(r.data)*8 - r.pos }

// bit returns the next bit, or 0 with ok=false if the buffer is exhausted.
func (r *bitReader) bit() (uint32, bool) {
	if r.bitsLeft() <= 0 {
		return 0, false
	}
	byteIdx := r.pos / 8
	bitIdx := 7 - uint(r.pos%8)
	r.pos++
	return uint32(r.data[byteIdx]>>bitIdx) & 1, true
}

// u reads n bits as an unsigned integer, MSB first.
func (r *bitReader) u(n int) (uint32, bool) {
	var v uint32
	for i := 0; i < n; i++ {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		v = v<<1 | b
	}
	return v, true
}

// ue reads an exp-Golomb unsigned code (H.264/H.265 ue(v)).
func (r *bitReader) ue() (uint32, bool) {
	leadingZeros := 0
	for {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		if b == 1 {
			break
		}
		leadingZeros++
		if leadingZeros > 32 {
			return 0, false
		}
	}
	if leadingZeros == 0 {
		return 0, true
	}
	suffix, ok := r.u(leadingZeros)
	if !ok {
		return 0, false
	}
	return (1 << uint(leadingZeros)) - 1 + suffix, true
}

// se reads an exp-Golomb signed code (H.264 se(v)).
func (r *bitReader) se() (int32, bool) {
	code, ok := r.ue()
	if !ok {
		return 0, false
	}
	v := int32((code + 1) / 2)
	if code%2 == 0 {
		v = -v
	}
	return v, true
}

// SPSInfo is the subset of an SPS the engine needs for video metrics
//: profile/level/tier and resolution. Sanity is reported by the parsers'
// ok result, not by a field here.
type SPSInfo struct {
	Codec      Codec
	ProfileIDC uint32
	LevelIDC   uint32
	TierFlag   bool // H.265 only; always false for H.264
	Width      int
	Height     int
}

// minValidDim and maxValidDim bound sane decoded resolutions.
const (
	minValidDim = 64
	maxValidDim = 8192
)

func validDim(v int) bool { return v >= minValidDim && v <= maxValidDim }

// ParseH264SPS parses an H.264 SPS NAL payload (the byte after the NAL
// header byte onward, emulation-prevention bytes already removed) and
// returns the profile/level/resolution, or ok=false if the bitstream ran
// out or the computed resolution fails the sanity check.
func ParseH264SPS(rbsp []byte) (SPSInfo, bool) {
	r := newBitReader(rbsp)

	profileIDC, ok := r.u(8)
	if !ok {
		return SPSInfo{}, false
	}
	if _, ok = r.u(8); !ok { // constraint flags + reserved
		return SPSInfo{}, false
	}
	levelIDC, ok := r.u(8)
	if !ok {
		return SPSInfo{}, false
	}
	if _, ok = r.ue(); !ok { // seq_parameter_set_id
		return SPSInfo{}, false
	}

	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormat, ok := r.ue()
		if !ok {
			return SPSInfo{}, false
		}
		if chromaFormat == 3 {
			if _, ok = r.u(1); !ok { // separate_colour_plane_flag
				return SPSInfo{}, false
			}
		}
		if _, ok = r.ue(); !ok { // bit_depth_luma_minus8
			return SPSInfo{}, false
		}
		if _, ok = r.ue(); !ok { // bit_depth_chroma_minus8
			return SPSInfo{}, false
		}
		if _, ok = r.u(1); !ok { // qpprime_y_zero_transform_bypass_flag
			return SPSInfo{}, false
		}
		seqScalingPresent, ok := r.u(1)
		if !ok {
			return SPSInfo{}, false
		}
		if seqScalingPresent == 1 {
			n := 8
			if chromaFormat == 3 {
				n = 12
			}
			for i := 0; i < n; i++ {
				present, ok := r.u(1)
				if !ok {
					return SPSInfo{}, false
				}
				if present == 1 {
					if !skipScalingList(r, i) {
						return SPSInfo{}, false
					}
				}
			}
		}
	}

	if _, ok = r.ue(); !ok { // log2_max_frame_num_minus4
		return SPSInfo{}, false
	}
	picOrderCntType, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	switch picOrderCntType {
	case 0:
		if _, ok = r.ue(); !ok { // log2_max_pic_order_cnt_lsb_minus4
			return SPSInfo{}, false
		}
	case 1:
		if _, ok = r.u(1); !ok {
			return SPSInfo{}, false
		}
		if _, ok = r.se(); !ok {
			return SPSInfo{}, false
		}
		if _, ok = r.se(); !ok {
			return SPSInfo{}, false
		}
		numRefFrames, ok := r.ue()
		if !ok {
			return SPSInfo{}, false
		}
		for i := uint32(0); i < numRefFrames; i++ {
			if _, ok = r.se(); !ok {
				return SPSInfo{}, false
			}
		}
	}
	if _, ok = r.ue(); !ok { // max_num_ref_frames
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // gaps_in_frame_num_value_allowed_flag
		return SPSInfo{}, false
	}
	picWidthInMbsMinus1, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	picHeightInMapUnitsMinus1, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	frameMbsOnlyFlag, ok := r.u(1)
	if !ok {
		return SPSInfo{}, false
	}
	if frameMbsOnlyFlag == 0 {
		if _, ok = r.u(1); !ok { // mb_adaptive_frame_field_flag
			return SPSInfo{}, false
		}
	}
	if _, ok = r.u(1); !ok { // direct_8x8_inference_flag
		return SPSInfo{}, false
	}
	cropFlag, ok := r.u(1)
	if !ok {
		return SPSInfo{}, false
	}
	var cropLeft, cropRight, cropTop, cropBottom uint32
	if cropFlag == 1 {
		if cropLeft, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropRight, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropTop, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropBottom, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
	}

	width := int(picWidthInMbsMinus1+1) * 16
	heightMapUnits := int(picHeightInMapUnitsMinus1+1) * 16
	heightMul := 1
	if frameMbsOnlyFlag == 0 {
		heightMul = 2
	}
	height := heightMapUnits * heightMul

	// Cropping units: 4:2:0 chroma assumed (the common camera case); crop
	// offsets are in units of 2 luma samples horizontally and
	// 2*(2-frame_mbs_only_flag) vertically per the H.264 spec's SubWidthC/
	// SubHeightC table.
	width -= int(cropLeft+cropRight) * 2
	height -= int(cropTop+cropBottom) * 2 * heightMul

	if !validDim(width) || !validDim(height) {
		return SPSInfo{}, false
	}

	return SPSInfo{
		Codec:      CodecH264,
		ProfileIDC: profileIDC,
		LevelIDC:   levelIDC,
		Width:      width,
		Height:     height,
	}, true
}

func skipScalingList(r *bitReader, _ int) bool {
	size := 16
	lastScale, nextScale := int32(32), int32(32)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, ok := r.se()
			if !ok {
				return false
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return true
}

// ParseH265SPS parses an H.265 SPS NAL payload (after the 2-byte NAL
// header, emulation-prevention bytes already removed) for profile/tier/
// level and resolution.
func ParseH265SPS(rbsp []byte) (SPSInfo, bool) {
	r := newBitReader(rbsp)

	if _, ok := r.u(4); !ok { // sps_video_parameter_set_id
		return SPSInfo{}, false
	}
	maxSubLayersMinus1, ok := r.u(3)
	if !ok {
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // sps_temporal_id_nesting_flag
		return SPSInfo{}, false
	}

	// profile_tier_level(1, maxSubLayersMinus1)
	if _, ok = r.u(2); !ok { // general_profile_space
		return SPSInfo{}, false
	}
	tierFlag, ok := r.u(1)
	if !ok {
		return SPSInfo{}, false
	}
	profileIDC, ok := r.u(5)
	if !ok {
		return SPSInfo{}, false
	}
	if _, ok = r.u(32); !ok { // general_profile_compatibility_flags
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // general_progressive_source_flag
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // general_interlaced_source_flag
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // general_non_packed_constraint_flag
		return SPSInfo{}, false
	}
	if _, ok = r.u(1); !ok { // general_frame_only_constraint_flag
		return SPSInfo{}, false
	}
	if _, ok = r.u(32); !ok { // constraint flags, bits 0-31 of 44
		return SPSInfo{}, false
	}
	if _, ok = r.u(12); !ok { // constraint flags, remaining 12 of 44
		return SPSInfo{}, false
	}
	levelIDC, ok := r.u(8)
	if !ok {
		return SPSInfo{}, false
	}

	subLayerProfilePresent := make([]bool, maxSubLayersMinus1)
	subLayerLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		p, ok := r.u(1)
		if !ok {
			return SPSInfo{}, false
		}
		l, ok := r.u(1)
		if !ok {
			return SPSInfo{}, false
		}
		subLayerProfilePresent[i] = p == 1
		subLayerLevelPresent[i] = l == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, ok = r.u(2); !ok { // reserved
				return SPSInfo{}, false
			}
		}
	}
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			if _, ok = r.u(2+1+5+32+1+1+1+1); !ok {
				return SPSInfo{}, false
			}
			if _, ok = r.u(44); !ok {
				return SPSInfo{}, false
			}
		}
		if subLayerLevelPresent[i] {
			if _, ok = r.u(8); !ok {
				return SPSInfo{}, false
			}
		}
	}

	if _, ok = r.ue(); !ok { // sps_seq_parameter_set_id
		return SPSInfo{}, false
	}
	chromaFormatIDC, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	if chromaFormatIDC == 3 {
		if _, ok = r.u(1); !ok { // separate_colour_plane_flag
			return SPSInfo{}, false
		}
	}
	widthLuma, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	heightLuma, ok := r.ue()
	if !ok {
		return SPSInfo{}, false
	}
	conformanceWindowFlag, ok := r.u(1)
	if !ok {
		return SPSInfo{}, false
	}
	var cropLeft, cropRight, cropTop, cropBottom uint32
	if conformanceWindowFlag == 1 {
		if cropLeft, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropRight, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropTop, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
		if cropBottom, ok = r.ue(); !ok {
			return SPSInfo{}, false
		}
	}

	width := int(widthLuma) - int(cropLeft+cropRight)*2
	height := int(heightLuma) - int(cropTop+cropBottom)*2
	if !validDim(width) || !validDim(height) {
		return SPSInfo{}, false
	}

	return SPSInfo{
		Codec:      CodecH265,
		ProfileIDC: profileIDC,
		LevelIDC:   levelIDC,
		TierFlag:   tierFlag == 1,
		Width:      width,
		Height:     height,
	}, true
}

// EncodeTierProfile folds the H.265 tier flag into bit 7 of the profile
// byte for onward transport as a single integer.
func EncodeTierProfile(info SPSInfo) uint32 {
	p := info.ProfileIDC & 0x7f
	if info.TierFlag {
		p |= 0x80
	}
	return p
}
