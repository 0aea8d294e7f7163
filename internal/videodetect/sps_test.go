package videodetect_test

import (
	"bytes"
	"math/bits"
	"testing"

	"github.com/m-lab/flowlens/internal/videodetect"
)

// bitWriter assembles an RBSP bit by bit, MSB first, so SPS test vectors
// are built from the same field list the parser walks instead of opaque
// hand-computed hex.
type bitWriter struct {
	buf  []byte
	nbit uint
}

func (w *bitWriter) bit(b uint32) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.nbit%8)
	}
	w.nbit++
}

func (w *bitWriter) u(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit((v >> uint(i)) & 1)
	}
}

// ue writes v as an exp-Golomb unsigned code.
func (w *bitWriter) ue(v uint32) {
	code := v + 1
	n := bits.Len32(code)
	for i := 0; i < n-1; i++ {
		w.bit(0)
	}
	w.u(code, n)
}

// insertEPB is the encoder-side inverse of RemoveEmulationPrevention: a
// 0x03 is inserted after every 0x00 0x00 pair followed by a byte ≤ 0x03.
func insertEPB(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp))
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
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

func TestRemoveEmulationPrevention(t *testing.T) {
	in := []byte{0x42, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0xff}
	want := []byte{0x42, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xff}
	got := videodetect.RemoveEmulationPrevention(in)
	if !bytes.Equal(got, want) {
		t.Errorf("RemoveEmulationPrevention = % x, want % x", got, want)
	}
}

func TestRemoveEmulationPreventionIdempotent(t *testing.T) {
	clean := []byte{0x42, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xff}
	once := videodetect.RemoveEmulationPrevention(clean)
	twice := videodetect.RemoveEmulationPrevention(once)
	if !bytes.Equal(once, twice) {
		t.Errorf("second pass changed a clean buffer: % x vs % x", once, twice)
	}
}

// buildH264SPS writes a baseline-profile SPS RBSP for the given macroblock
// geometry and bottom-crop.
func buildH264SPS(profile, level uint32, widthMbsMinus1, heightMapUnitsMinus1, cropBottom uint32) []byte {
	w := &bitWriter{}
	w.u(profile, 8)
	w.u(0, 8) // constraint flags + reserved
	w.u(level, 8)
	w.ue(0) // seq_parameter_set_id
	w.ue(0) // log2_max_frame_num_minus4
	w.ue(0) // pic_order_cnt_type
	w.ue(0) // log2_max_pic_order_cnt_lsb_minus4
	w.ue(0) // max_num_ref_frames
	w.u(0, 1) // gaps_in_frame_num_value_allowed_flag
	w.ue(widthMbsMinus1)
	w.ue(heightMapUnitsMinus1)
	w.u(1, 1) // frame_mbs_only_flag
	w.u(0, 1) // direct_8x8_inference_flag
	if cropBottom > 0 {
		w.u(1, 1) // frame_cropping_flag
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.u(0, 1)
	}
	w.u(1, 1) // rbsp_stop_one_bit
	return w.buf
}

func TestParseH264SPS1080p(t *testing.T) {
	rbsp := buildH264SPS(66, 31, 119, 67, 4) // 1920x1088 cropped to 1080
	info, ok := videodetect.ParseH264SPS(rbsp)
	if !ok {
		t.Fatal("ParseH264SPS failed")
	}
	if info.Codec != videodetect.CodecH264 {
		t.Errorf("Codec = %v, want H264", info.Codec)
	}
	if info.ProfileIDC != 66 || info.LevelIDC != 31 {
		t.Errorf("profile/level = %d/%d, want 66/31", info.ProfileIDC, info.LevelIDC)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("resolution = %dx%d, want 1920x1080", info.Width, info.Height)
	}
}

func TestParseH264SPSRejectsTinyResolution(t *testing.T) {
	rbsp := buildH264SPS(66, 31, 1, 1, 0) // 32x32
	if _, ok := videodetect.ParseH264SPS(rbsp); ok {
		t.Error("expected 32x32 to fail the sanity check")
	}
}

func TestParseH264SPSTruncated(t *testing.T) {
	rbsp := buildH264SPS(66, 31, 119, 67, 4)
	if _, ok := videodetect.ParseH264SPS(rbsp[:4]); ok {
		t.Error("expected truncated bitstream to fail")
	}
}

// buildH265SPS writes an SPS RBSP with the given profile/tier/level and
// luma geometry.
func buildH265SPS(tier, profile, level, width, height uint32) []byte {
	w := &bitWriter{}
	w.u(0, 4) // sps_video_parameter_set_id
	w.u(0, 3) // sps_max_sub_layers_minus1
	w.u(1, 1) // sps_temporal_id_nesting_flag
	// profile_tier_level
	w.u(0, 2) // general_profile_space
	w.u(tier, 1)
	w.u(profile, 5)
	w.u(0x60000000, 32) // general_profile_compatibility_flags
	w.u(1, 1)           // general_progressive_source_flag
	w.u(0, 1)           // general_interlaced_source_flag
	w.u(0, 1)           // general_non_packed_constraint_flag
	w.u(1, 1)           // general_frame_only_constraint_flag
	w.u(0, 32)          // reserved constraint bits
	w.u(0, 12)
	w.u(level, 8)
	w.ue(0) // sps_seq_parameter_set_id
	w.ue(1) // chroma_format_idc
	w.ue(width)
	w.ue(height)
	w.u(0, 1) // conformance_window_flag
	w.u(1, 1) // rbsp_stop_one_bit
	return w.buf
}

func TestParseH265SPSCameraStream(t *testing.T) {
	rbsp := buildH265SPS(0, 1, 150, 2880, 1620)
	info, ok := videodetect.ParseH265SPS(rbsp)
	if !ok {
		t.Fatal("ParseH265SPS failed")
	}
	if info.Codec != videodetect.CodecH265 {
		t.Errorf("Codec = %v, want H265", info.Codec)
	}
	if info.ProfileIDC != 1 || info.LevelIDC != 150 {
		t.Errorf("profile/level = %d/%d, want 1/150", info.ProfileIDC, info.LevelIDC)
	}
	if info.TierFlag {
		t.Error("TierFlag set, want main tier")
	}
	if info.Width != 2880 || info.Height != 1620 {
		t.Errorf("resolution = %dx%d, want 2880x1620", info.Width, info.Height)
	}
}

// TestParseH265SPSThroughEmulationPrevention runs the full NAL path: the
// zero runs in the compatibility flags (0x60000000) and the reserved
// constraint bits force emulation-prevention bytes into the encoded unit,
// which H265SPSPayload must strip before parsing.
func TestParseH265SPSThroughEmulationPrevention(t *testing.T) {
	rbsp := buildH265SPS(0, 1, 150, 2880, 1620)
	nal := append([]byte{0x42, 0x01}, insertEPB(rbsp)...)
	if !bytes.Contains(nal, []byte{0x00, 0x00, 0x03}) {
		t.Fatal("test vector has no emulation-prevention bytes; vector is too weak")
	}
	if !videodetect.IsH265SPS(nal) {
		t.Fatal("IsH265SPS = false")
	}
	info, ok := videodetect.ParseH265SPS(videodetect.H265SPSPayload(nal))
	if !ok {
		t.Fatal("ParseH265SPS failed after EPB removal")
	}
	if info.Width != 2880 || info.Height != 1620 || info.LevelIDC != 150 {
		t.Errorf("got %dx%d level %d, want 2880x1620 level 150", info.Width, info.Height, info.LevelIDC)
	}
}

func TestEncodeTierProfile(t *testing.T) {
	main := videodetect.SPSInfo{ProfileIDC: 1}
	if got := videodetect.EncodeTierProfile(main); got != 1 {
		t.Errorf("EncodeTierProfile(main) = %#x, want 0x1", got)
	}
	high := videodetect.SPSInfo{ProfileIDC: 2, TierFlag: true}
	if got := videodetect.EncodeTierProfile(high); got != 0x82 {
		t.Errorf("EncodeTierProfile(high tier) = %#x, want 0x82", got)
	}
}
