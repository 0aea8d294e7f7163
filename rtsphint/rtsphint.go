// Package rtsphint defines the optional RTSP/SDP tap collaborator: a
// passive out-of-band hint source that may overlay codec parameters onto a
// tracked RTP stream once SDP negotiation reveals them.
package rtsphint

import "github.com/m-lab/flowlens/internal/flow"

// CodecHint is one out-of-band codec-parameter update for a single
// (Flow, SSRC) stream.
type CodecHint struct {
	Flow         flow.FlowKey
	SSRC         uint32
	Width        int
	Height       int
	ProfileLevel uint32
}

// Sink is implemented by the engine: it accepts codec hints the RTSP/SDP
// tap discovers out of band and overlays them onto the matching stream
// (videometrics.Stream.LatchSDPHint), subject to the same write-once
// sticky policy as in-band SPS parsing.
type Sink interface {
	UpdateCodecParams(hint CodecHint)
}
