// Package histogram implements the per-flow, allocation-free histograms:
// inter-packet-gap (IPG), packet size, and packets-per-second (PPS). All
// three are fixed-size bucket arrays updated with plain arithmetic; the
// Prometheus client never touches this path.
package histogram

import "github.com/m-lab/flowlens/internal/clock"

// packetSizeEdges are the 20 non-uniform upper bounds (inclusive) for the
// packet-size histogram, tuned for VoIP RTP (~160-220B), common MPEG-TS
// multiples (188B and its ×7 PES-aligned multiple 1316B), Ethernet/PPPoE
// MTUs, and jumbo frames. The final bucket is an overflow catch-all.
var packetSizeEdges = [20]int64{
	64, 128, 160, 192, 224, 256, 320, 384, 512, 576,
	768, 1024, 1316, 1400, 1460, 1500, 2048, 4096, 9000, 1<<63 - 1,
}

// IPG is the inter-packet-gap histogram: 12 log-scale buckets plus running
// sum/sample count for the mean.
type IPG struct {
	Buckets     [12]int64
	Sum         int64
	Samples     int64
	lastPkt     clock.Timestamp
	hasLastPkt  bool
}

// Observe bumps the bucket for the gap between now and the previous
// observed packet time, if this isn't the first packet.
func (h *IPG) Observe(now clock.Timestamp) {
	if h.hasLastPkt {
		delta := clock.SubMicros(now, h.lastPkt)
		if delta > 0 {
			h.Buckets[clock.LogBucket12(delta)]++
			h.Sum += delta
			h.Samples++
		}
	}
	h.lastPkt = now
	h.hasLastPkt = true
}

// Mean returns Sum/Samples, or 0 if there are no samples yet.
func (h *IPG) Mean() int64 {
	if h.Samples == 0 {
		return 0
	}
	return h.Sum / h.Samples
}

// PacketSize is the 20-bucket packet-size histogram plus min/max/sum/
// sum-of-squares for variance.
type PacketSize struct {
	Buckets   [20]int64
	Min, Max  int64
	Sum       int64
	SumSquare int64
	Samples   int64
}

// Observe bumps the bucket matching size and updates the running stats.
func (h *PacketSize) Observe(size int64) {
	for i, edge := range packetSizeEdges {
		if size <= edge {
			h.Buckets[i]++
			break
		}
	}
	if h.Samples == 0 || size < h.Min {
		h.Min = size
	}
	if h.Samples == 0 || size > h.Max {
		h.Max = size
	}
	h.Sum += size
	h.SumSquare += size * size
	h.Samples++
}

// Variance returns the population variance of observed sizes, or 0 if
// fewer than 2 samples have been observed.
func (h *PacketSize) Variance() float64 {
	if h.Samples < 2 {
		return 0
	}
	n := float64(h.Samples)
	mean := float64(h.Sum) / n
	return float64(h.SumSquare)/n - mean*mean
}

// PPS is the packets-per-second histogram: 12 log-scale buckets, updated
// once per index-0 interval rotation from the packet
// count observed during that interval.
type PPS struct {
	Buckets [12]int64
}

// Observe bumps the bucket for packetsThisInterval. Values are already a
// per-second-equivalent rate by the time they reach here if the rotating
// interval isn't exactly 1 second; callers are responsible for that
// conversion since this histogram only knows about buckets.
func (h *PPS) Observe(packetsThisInterval int64) {
	h.Buckets[clock.LogBucket12(packetsThisInterval)]++
}
