package engine

import (
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/flowtable"
	"github.com/m-lab/flowlens/metrics"
)

// assembleSnapshot builds the Snapshot for the current tick: the sliding
// window totals, the top-N flows by bytes, and each flow's stitched-together
// interval/RTT/window/video/histogram view.
func (e *Engine) assembleSnapshot(now clock.Timestamp) *Snapshot {
	totals := e.flows.Totals()
	metrics.FlowCount.Set(float64(e.flows.FlowCount()))

	var top []rankedFlow
	e.flows.Each(func(k flow.FlowKey, rec *flowtable.Record) {
		top = insertTopN(top, rankedFlow{key: k, rec: *rec}, e.cfg.TopN)
	})

	flows := make([]SnapshotFlow, 0, len(top))
	for _, rf := range top {
		flows = append(flows, e.buildSnapshotFlow(rf.key, rf.rec))
	}

	windowSecs := e.cfg.SlidingWindow.Seconds()
	var totalBps, totalPps float64
	if windowSecs > 0 {
		totalBps = float64(totals.Bytes) / windowSecs
		totalPps = float64(totals.Packets) / windowSecs
	}

	return &Snapshot{
		Timestamp:          now,
		FlowCount:          e.flows.FlowCount(),
		TotalBytesPerSec:   totalBps,
		TotalPacketsPerSec: totalPps,
		Flows:              flows,
	}
}

func (e *Engine) buildSnapshotFlow(key flow.FlowKey, rec flowtable.Record) SnapshotFlow {
	sf := SnapshotFlow{
		Key:       key,
		Bytes:     rec.Bytes,
		Packets:   rec.Packets,
		Intervals: e.intervalFlowsFor(key),
		RTT:       e.rttSnapshotFor(key),
		Window:    e.windowSnapshotFor(key),
		Video:     e.videoSnapshotFor(key),
	}

	if h, ok := e.histograms[key]; ok {
		sf.IPGMeanUs = h.IPG.Mean()
		sf.IPGHistogram = h.IPG.Buckets
		sf.PacketSizeMin = h.PacketSize.Min
		sf.PacketSizeMax = h.PacketSize.Max
		if h.PacketSize.Samples > 0 {
			sf.PacketSizeMeanBytes = float64(h.PacketSize.Sum) / float64(h.PacketSize.Samples)
		}
		sf.PacketSizeHistogram = h.PacketSize.Buckets
		sf.PPSHistogram = h.PPS.Buckets
	}

	if st, ok := e.winCond[key]; ok {
		sf.Conditions = st.conditions
	}

	return sf
}

// intervalFlowsFor returns one IntervalFlow per configured interval
// duration, each reading key's last fully completed generation in that
// table.
func (e *Engine) intervalFlowsFor(key flow.FlowKey) []IntervalFlow {
	out := make([]IntervalFlow, e.bank.Len())
	for i := range out {
		t := e.bank.Table(i)
		entry, ok := t.Complete()[key]
		if !ok {
			continue
		}
		secs := t.Duration.Seconds()
		var bps, pps float64
		if secs > 0 {
			bps = float64(entry.Bytes) / secs
			pps = float64(entry.Packets) / secs
		}
		out[i] = IntervalFlow{
			BytesPerSec:   bps,
			PacketsPerSec: pps,
			RecentEvents:  entry.RecentEvents,
			HasData:       true,
		}
	}
	return out
}

// rttSnapshotFor returns key's TCP RTT tracker view, or the "not available"
// sentinel if no TCP connection has been observed for the flow.
func (e *Engine) rttSnapshotFor(key flow.FlowKey) RTTSnapshot {
	if key.L4Proto != flow.ProtoTCP {
		return notAvailableRTT
	}
	ck, _ := flow.Canonicalize(key)
	rc, ok := e.rttConns[ck]
	if !ok {
		return notAvailableRTT
	}
	return RTTSnapshot{
		EwmaUs:    rc.conn.EWMA,
		HasSample: rc.conn.HasSample,
		State:     rc.conn.State,
		Histogram: rc.conn.Histogram,
	}
}

// windowSnapshotFor returns key's TCP window tracker view, read from the
// opposite-direction sender: the window reported for flow
// (src, dst) is the one dst advertises, which travels in segments dst
// sends — the canonical direction opposite the one key's own source sits
// on.
func (e *Engine) windowSnapshotFor(key flow.FlowKey) WindowSnapshot {
	if key.L4Proto != flow.ProtoTCP {
		return WindowSnapshot{}
	}
	ck, forward := flow.Canonicalize(key)
	wc, ok := e.windowConn[ck]
	if !ok {
		return WindowSnapshot{}
	}
	reporter := !forward
	d := wc.conn.Direction(reporter)
	return WindowSnapshot{
		ScaledWindow:     wc.lastScaledWindow[dirIndex(reporter)],
		ScaleStatus:      wc.conn.ScaleStatus(reporter),
		ZeroWindowEvents: d.ZeroWindowEvents,
		DupAckEvents:     d.DupAckEvents,
		RetransmitCount:  d.RetransmitCount,
		ECECount:         d.ECECount,
		CWRCount:         d.CWRCount,
	}
}

// videoSnapshotFor returns key's most recently active RTP stream's view, or
// nil if no RTP traffic has been observed for the flow.
func (e *Engine) videoSnapshotFor(key flow.FlowKey) *VideoSnapshot {
	ssrc, ok := e.flowLatestSSRC[key]
	if !ok {
		return nil
	}
	ve, ok := e.videos[videoKey{flow: key, ssrc: ssrc}]
	if !ok {
		return nil
	}
	s := ve.stream
	return &VideoSnapshot{
		SSRC:            s.SSRC,
		Codec:           s.Codec,
		AudioCodec:      s.AudioCodec,
		PayloadType:     s.PayloadType,
		CodecSource:     s.CodecSource,
		Width:           s.Width,
		Height:          s.Height,
		ProfileTier:     s.ProfileTier,
		JitterUs:        s.JitterScaled16 * 1_000_000 / (16 * s.ClockRate),
		PacketsLost:     s.LossEstimate,
		Reordered:       s.Reordered,
		Discontinuities: s.Discontinuities,
		KeyframeCount:   s.KeyframeCount,
		FrameCount:      s.FrameCount,
		GOPSize:         s.GOPSize,
		FPSx100:         s.FPSx100,
		BitrateKbps:     s.BitrateKbps,
		MeanJitterUs:    s.MeanJitterUs,
		JitterHistogram: s.JitterHistogram,
	}
}
