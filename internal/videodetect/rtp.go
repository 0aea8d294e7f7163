// Package videodetect implements RTP/H.264/H.265/MPEG-TS detection and
// classification: RTP header validation, codec classification from the
// payload's leading bytes, exp-Golomb SPS parsing, keyframe detection, and
// MPEG-TS sync/PID/PES inspection.
package videodetect

import "encoding/binary"

// RTPHeader is the fixed 12-byte RTP header (RFC 3550 §5.1) plus whatever
// CSRC/extension the packet declares.
type RTPHeader struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	// PayloadOffset is the byte offset of the RTP payload within the
	// original buffer, after the fixed header, CSRC list, and extension
	// header (if any).
	PayloadOffset int
}

// audioOnlyPayloadTypes are static RTP payload types that are audio, not
// video (PCMU=0, PCMA=8, G.729=18), used to exclude packets that are
// structurally valid RTP but not video traffic.
var audioOnlyPayloadTypes = map[uint8]bool{0: true, 8: true, 18: true}

// IsAudioPayloadType reports whether pt is one of the recognized
// audio-only static payload types.
func IsAudioPayloadType(pt uint8) bool { return audioOnlyPayloadTypes[pt] }

// IsVideoPayloadType reports whether pt should be treated as video: the
// dynamic range 96-127, or any static payload type that isn't one of the
// known audio-only ones.
func IsVideoPayloadType(pt uint8) bool {
	if pt >= 96 && pt <= 127 {
		return true
	}
	return !audioOnlyPayloadTypes[pt] && pt <= 127
}

// ParseRTPHeader validates and parses an RTP header: version must be 2,
// payload type ≤ 127, the declared CSRC count must fit in the packet, an
// optional extension header must fit, and SSRC must not be 0 or
// 0xFFFFFFFF.
func ParseRTPHeader(data []byte) (*RTPHeader, bool) {
	if len(data) < 12 {
		return nil, false
	}
	version := data[0] >> 6
	if version != 2 {
		return nil, false
	}
	padding := data[0]&0x20 != 0
	extension := data[0]&0x10 != 0
	csrcCount := data[0] & 0x0f
	marker := data[1]&0x80 != 0
	pt := data[1] & 0x7f

	offset := 12 + int(csrcCount)*4
	if offset > len(data) {
		return nil, false
	}

	ssrc := binary.BigEndian.Uint32(data[8:12])
	if ssrc == 0 || ssrc == 0xFFFFFFFF {
		return nil, false
	}

	if extension {
		if offset+4 > len(data) {
			return nil, false
		}
		extLenWords := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4 + extLenWords*4
		if offset > len(data) {
			return nil, false
		}
	}

	return &RTPHeader{
		Version:        version,
		Padding:        padding,
		Extension:      extension,
		CSRCCount:      csrcCount,
		Marker:         marker,
		PayloadType:    pt,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           ssrc,
		PayloadOffset:  offset,
	}, true
}
