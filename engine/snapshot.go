package engine

import (
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/tcprtt"
	"github.com/m-lab/flowlens/internal/tcpwindow"
	"github.com/m-lab/flowlens/internal/videodetect"
	"github.com/m-lab/flowlens/internal/videometrics"
)

// RTTSnapshot is the published view of a TCP connection's RTT tracker.
// EwmaUs is -1 and State is tcprtt.Unknown when no TCP connection has been
// observed for the flow.
type RTTSnapshot struct {
	EwmaUs    int64
	HasSample bool
	State     tcprtt.State
	Histogram [14]int64
}

// notAvailableRTT is the sentinel returned for a flow with no TCP RTT
// tracker: never an error, just values consumers can recognize as absent.
var notAvailableRTT = RTTSnapshot{EwmaUs: -1, State: tcprtt.Unknown}

// WindowSnapshot is the published view of one flow's TCP window tracker,
// read from the opposite-direction sender: the window advertised by the
// flow's destination is what limits the flow's own throughput.
type WindowSnapshot struct {
	ScaledWindow     int64
	ScaleStatus      tcpwindow.ScaleStatus
	ZeroWindowEvents int64
	DupAckEvents     int64
	RetransmitCount  int64
	ECECount         int64
	CWRCount         int64
}

// VideoSnapshot is the published view of a flow's most recently active RTP
// stream.
type VideoSnapshot struct {
	SSRC            uint32
	Codec           videodetect.Codec
	AudioCodec      videometrics.AudioCodec
	PayloadType     uint8
	CodecSource     videometrics.CodecSource
	Width           int
	Height          int
	ProfileTier     uint32
	JitterUs        int64
	PacketsLost     int64
	Reordered       int64
	Discontinuities int64
	KeyframeCount   int64
	FrameCount      int64
	GOPSize         int64
	FPSx100         int64
	BitrateKbps     int64
	MeanJitterUs    int64
	JitterHistogram [12]int64
}

// IntervalFlow is one interval table's contribution to a published
// FlowRecord: a rate (not a raw count) plus that interval's own
// recent_events bitmask.
type IntervalFlow struct {
	BytesPerSec   float64
	PacketsPerSec float64
	RecentEvents  uint32
	HasData       bool
}

// SnapshotFlow is one flow's full published row: the sliding-window totals,
// one IntervalFlow per configured interval, and the sticky TCP/video/
// histogram fields.
type SnapshotFlow struct {
	Key     flow.FlowKey
	Bytes   int64
	Packets int64

	Intervals []IntervalFlow

	RTT    RTTSnapshot
	Window WindowSnapshot
	Video  *VideoSnapshot

	IPGMeanUs    int64
	IPGHistogram [12]int64

	PacketSizeMin       int64
	PacketSizeMax       int64
	PacketSizeMeanBytes float64
	PacketSizeHistogram [20]int64

	PPSHistogram [12]int64

	// Conditions is the OR of WindowCondition bits.
	Conditions uint8
}

// WindowCondition bits, computed from accumulated per-interval window
// min/max at index-0 rotation.
const (
	CondZeroSeen uint8 = 1 << iota
	CondLow
	CondStarving
	CondRecovered
)

// Snapshot is the immutable per-tick structure readers observe. Once
// published it is never mutated again; the writer allocates a new Snapshot
// every tick and publishes it with an atomic pointer store. No snapshot
// buffer is reused between ticks.
type Snapshot struct {
	Timestamp          clock.Timestamp
	FlowCount          int
	TotalBytesPerSec   float64
	TotalPacketsPerSec float64
	Flows              []SnapshotFlow
}
