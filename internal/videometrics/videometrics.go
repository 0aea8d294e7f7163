// Package videometrics implements the per-(Flow, SSRC) RTP stream metrics:
// RFC 3550 jitter, sequence-gap loss/reorder classification, keyframe/GOP
// detection, and a unified 1-second windowed fps/bitrate/mean-jitter
// accumulator, plus the write-once codec/resolution latch.
package videometrics

import (
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/videodetect"
)

// AudioCodec identifies a detected audio payload type.
type AudioCodec int

const (
	AudioUnknown AudioCodec = iota
	AudioPCMU
	AudioPCMA
	AudioG729
)

func audioCodecFor(pt uint8) AudioCodec {
	switch pt {
	case 0:
		return AudioPCMU
	case 8:
		return AudioPCMA
	case 18:
		return AudioG729
	default:
		return AudioUnknown
	}
}

// CodecSource records whether a stream's codec parameters came from
// in-band SPS parsing or an out-of-band RTSP/SDP hint.
type CodecSource int

const (
	SourceNone CodecSource = iota
	SourceInBand
	SourceSDP
)

// clock rates, in Hz: 90kHz for video, 8kHz or 48kHz for audio.
const (
	ClockRateVideo  = 90000
	ClockRatePCM    = 8000
	ClockRateOpus48 = 48000
)

// windowDuration is the fixed 1-second unified accumulation window.
const windowDurationUs = 1_000_000

// seqWrap is the modulus for 16-bit RTP sequence number wraparound.
const seqWrap = 1 << 16

// Stream is the per-(Flow, SSRC) RTP stream state.
type Stream struct {
	SSRC uint32

	ClockRate int64

	hasSeq      bool
	lastSeq     uint16
	hasRTPTS    bool
	lastRTPTS   uint32
	hasArrival  bool
	lastArrival clock.Timestamp

	// JitterScaled16 is the RFC 3550 jitter estimate, stored multiplied by
	// 16.
	JitterScaled16 int64

	Packets        int64
	LossEstimate   int64
	Reordered      int64
	Discontinuities int64

	Codec       videodetect.Codec
	codecLocked bool
	AudioCodec  AudioCodec
	PayloadType uint8

	CodecSource CodecSource
	Width       int
	Height      int
	ProfileTier uint32
	resLocked   bool

	KeyframeCount int64
	FrameCount    int64
	lastFrameNum  int64
	lastKeyframeN int64
	GOPSize       int64

	prevFrameTS      uint32
	prevFrameTSValid bool

	// 1-second unified window accumulators.
	windowStart  clock.Timestamp
	windowOpen   bool
	windowFrames int64
	windowBytes  int64
	jitterSum    int64
	jitterCount  int64

	FPSx100        int64
	BitrateKbps    int64
	MeanJitterUs   int64

	JitterHistogram [12]int64
}

// NewStream creates a fresh Stream for ssrc, arming the clock rate from the
// first packet's payload type classification.
func NewStream(ssrc uint32, clockRate int64) *Stream {
	return &Stream{SSRC: ssrc, ClockRate: clockRate}
}

// seqDelta returns (expected-seq) - actualSeq as a signed value in
// [-32768, 32767], wrap-aware over the 16-bit sequence space.
func seqDelta(expected, actual uint16) int32 {
	d := int32(expected) - int32(actual)
	if d > seqWrap/2 {
		d -= seqWrap
	} else if d < -seqWrap/2 {
		d += seqWrap
	}
	return d
}

// OnPacket folds one RTP packet's arrival into the stream's jitter,
// sequence-continuity, and frame-boundary state. now is the packet's
// arrival time; rtpTS is the packet's RTP timestamp.
func (s *Stream) OnPacket(seq uint16, rtpTS uint32, now clock.Timestamp, payloadBytes int64, isKeyframe bool) {
	s.Packets++
	s.observeSequence(seq)
	s.observeJitter(rtpTS, now)
	s.observeFrame(rtpTS, isKeyframe)
	s.observeWindow(now, payloadBytes)

	s.hasSeq = true
	s.lastSeq = seq
}

func (s *Stream) observeSequence(seq uint16) {
	if !s.hasSeq {
		return
	}
	expected := s.lastSeq + 1
	gap := int32(seq) - int32(expected)
	// Normalize into a signed 16-bit wrap-aware delta.
	if gap > seqWrap/2 {
		gap -= seqWrap
	} else if gap < -seqWrap/2 {
		gap += seqWrap
	}
	switch {
	case gap == 0:
		// in order, nothing to do
	case gap > 0 && gap < 1000:
		s.LossEstimate += int64(gap)
	case gap < 0 && gap > -100:
		s.Reordered++
	default:
		s.Discontinuities++
	}
}

// observeJitter implements the RFC 3550 §6.4.1 recurrence, scaled by 16.
func (s *Stream) observeJitter(rtpTS uint32, now clock.Timestamp) {
	if !s.hasArrival {
		s.hasArrival = true
		s.lastArrival = now
		s.hasRTPTS = true
		s.lastRTPTS = rtpTS
		return
	}
	deltaArrivalUs := clock.SubMicros(now, s.lastArrival)
	deltaArrivalTS := deltaArrivalUs * s.ClockRate / 1_000_000
	deltaRTPTS := int64(int32(rtpTS - s.lastRTPTS))

	d := deltaArrivalTS - deltaRTPTS
	if d < 0 {
		d = -d
	}
	s.JitterScaled16 += d - (s.JitterScaled16 >> 4)

	s.hasArrival = true
	s.lastArrival = now
	s.hasRTPTS = true
	s.lastRTPTS = rtpTS

	jitterTicks := s.JitterScaled16 / 16
	if jitterTicks < 0 {
		jitterTicks = 0
	}
	s.JitterHistogram[clock.LogBucket12Jitter(jitterTicks)]++
	if s.ClockRate > 0 {
		s.jitterSum += jitterTicks * 1_000_000 / s.ClockRate
		s.jitterCount++
	}
}

// observeFrame implements the frame-boundary and keyframe/GOP detector
//: a new frame is any packet whose RTP timestamp differs
// from the previous packet's.
func (s *Stream) observeFrame(rtpTS uint32, isKeyframe bool) {
	newFrame := !s.prevFrameTSValid || rtpTS != s.prevFrameTS
	if newFrame {
		s.FrameCount++
		s.windowFrames++
		if isKeyframe {
			s.KeyframeCount++
			s.GOPSize = s.FrameCount - s.lastKeyframeN
			s.lastKeyframeN = s.FrameCount
		}
		s.prevFrameTS = rtpTS
		s.prevFrameTSValid = true
	}
}

// observeWindow accumulates bytes into the 1-second unified window and
// rotates it once elapsed, computing fps/bitrate/mean-jitter.
func (s *Stream) observeWindow(now clock.Timestamp, payloadBytes int64) {
	if !s.windowOpen {
		s.windowStart = now
		s.windowOpen = true
	}
	s.windowBytes += payloadBytes

	windowUs := clock.SubMicros(now, s.windowStart)
	if windowUs < windowDurationUs {
		return
	}

	s.FPSx100 = s.windowFrames * 100_000_000 / windowUs
	s.BitrateKbps = s.windowBytes * 8000 / windowUs
	if s.jitterCount > 0 {
		s.MeanJitterUs = s.jitterSum / s.jitterCount
	}

	s.windowStart = now
	s.windowFrames = 0
	s.windowBytes = 0
	s.jitterSum = 0
	s.jitterCount = 0
}

// LatchCodec sets the stream's codec the first time it is called for this
// stream with a known codec and ignores every subsequent call; calls with
// CodecUnknown never latch.
func (s *Stream) LatchCodec(codec videodetect.Codec, pt uint8) {
	if s.codecLocked || codec == videodetect.CodecUnknown {
		return
	}
	s.Codec = codec
	s.PayloadType = pt
	s.codecLocked = true
}

// LatchAudioCodec records an audio-only payload type classification; it is
// independent of LatchCodec since a stream is either video or audio, never
// re-evaluated either way.
func (s *Stream) LatchAudioCodec(pt uint8) {
	if s.AudioCodec != AudioUnknown {
		return
	}
	s.AudioCodec = audioCodecFor(pt)
	s.PayloadType = pt
}

// LatchSPS records resolution/profile/level/tier from the first SPS that
// parses to a sane resolution.
func (s *Stream) LatchSPS(info videodetect.SPSInfo, source CodecSource) {
	if s.resLocked {
		return
	}
	s.Width = info.Width
	s.Height = info.Height
	s.ProfileTier = videodetect.EncodeTierProfile(info)
	s.CodecSource = source
	s.resLocked = true
}

// LatchSDPHint overlays out-of-band codec parameters from an RTSP/SDP
// tap, only where no in-band SPS has already been latched.
func (s *Stream) LatchSDPHint(width, height int, profileLevel uint32) {
	if s.resLocked {
		return
	}
	s.Width = width
	s.Height = height
	s.ProfileTier = profileLevel
	s.CodecSource = SourceSDP
	s.resLocked = true
}
