// Package engine implements the scheduler/publisher, snapshot model, and
// expiry pass: the single writer-owned object that wires together decode,
// the sliding-window flow table, the interval bank, the per-flow
// histograms, the TCP RTT/window trackers, and the RTP video metrics into one 1ms tick loop publishing a lock-free snapshot.
//
// The writer goroutine exclusively owns every hash table and the ring;
// readers only ever acquire-load the published Snapshot pointer. Engine
// itself must only ever be driven by one goroutine (normally Run's caller's
// goroutine, pinned); there is no internal locking on the hot path.
package engine

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/m-lab/flowlens/capture"
	"github.com/m-lab/flowlens/config"
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/decode"
	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/flowtable"
	"github.com/m-lab/flowlens/internal/histogram"
	"github.com/m-lab/flowlens/internal/interval"
	"github.com/m-lab/flowlens/internal/notify"
	"github.com/m-lab/flowlens/internal/tcprtt"
	"github.com/m-lab/flowlens/internal/tcpwindow"
	"github.com/m-lab/flowlens/internal/videodetect"
	"github.com/m-lab/flowlens/internal/videometrics"
	"github.com/m-lab/flowlens/metrics"
	"github.com/m-lab/flowlens/rtsphint"
)

// decodeErrLog rate-limits the per-packet decode-error log line.
var decodeErrLog = logx.NewLogEvery(nil, time.Second)

type flowHistograms struct {
	IPG        histogram.IPG
	PacketSize histogram.PacketSize
	PPS        histogram.PPS
}

type rttConn struct {
	conn         *tcprtt.Conn
	lastActivity clock.Timestamp
}

type windowConn struct {
	conn             *tcpwindow.Conn
	lastActivity     clock.Timestamp
	lastScaledWindow [2]int64 // indexed by dirIndex(forward)
}

func dirIndex(forward bool) int {
	if forward {
		return 0
	}
	return 1
}

type videoKey struct {
	flow flow.FlowKey
	ssrc uint32
}

type videoEntry struct {
	stream       *videometrics.Stream
	lastActivity clock.Timestamp
}

type windowCondState struct {
	conditions uint8
	lowStreak  int
}

// Stats are free-running counters the engine exposes for diagnostics,
// beyond what metrics already mirrors into Prometheus.
type Stats struct {
	DecodeErrors  int64
	RingOverflows int64
}

// Engine is the single writer-owned flow-accounting and metrics object.
// Construct with New.
type Engine struct {
	cfg    config.Config
	source capture.Source
	notify notify.Server

	flows *flowtable.Table
	bank  *interval.Bank

	histograms map[flow.FlowKey]*flowHistograms
	rttConns   map[flow.CanonicalKey]*rttConn
	windowConn map[flow.CanonicalKey]*windowConn
	videos     map[videoKey]*videoEntry
	winCond    map[flow.FlowKey]*windowCondState

	// flowLatestSSRC tracks, per flow, the SSRC of the most recently active
	// RTP stream. Streams are tracked per (flow, SSRC) but the snapshot
	// publishes one video row per flow, so the latest SSRC wins.
	flowLatestSSRC map[flow.FlowKey]uint32

	known map[flow.FlowKey]bool // drives FlowOpened notification

	published  atomic.Pointer[Snapshot]
	currentNow clock.Timestamp

	stats Stats
}

// New creates an Engine reading from source and publishing snapshots per
// cfg. notifySrv may be notify.NullServer() to disable lifecycle events.
func New(cfg config.Config, source capture.Source, notifySrv notify.Server) (*Engine, error) {
	flows, err := flowtable.New(cfg.RingCapacity, cfg.SlidingWindow.Microseconds())
	if err != nil {
		return nil, err
	}
	now := clock.FromTime(time.Now())
	bank := interval.NewBank(cfg.Intervals, now)

	e := &Engine{
		cfg:            cfg,
		source:         source,
		notify:         notifySrv,
		flows:          flows,
		bank:           bank,
		histograms:     make(map[flow.FlowKey]*flowHistograms),
		rttConns:       make(map[flow.CanonicalKey]*rttConn),
		windowConn:     make(map[flow.CanonicalKey]*windowConn),
		videos:         make(map[videoKey]*videoEntry),
		winCond:        make(map[flow.FlowKey]*windowCondState),
		flowLatestSSRC: make(map[flow.FlowKey]uint32),
		known:          make(map[flow.FlowKey]bool),
	}
	bank.OnRotateIndex0 = e.onRotateIndex0
	flows.OnRemove = e.onFlowRemoved
	return e, nil
}

// Stats returns a copy of the engine's free-running diagnostic counters.
func (e *Engine) Stats() Stats { return e.stats }

// Snapshot returns the most recently published Snapshot, or nil if none has
// been published yet. Safe to call concurrently with the writer's tick
// loop: it is a single acquire-load of the published pointer.
func (e *Engine) Snapshot() *Snapshot { return e.published.Load() }

// windowStart returns the sliding-window deadline for instant now: packets
// older than this have aged out.
func (e *Engine) windowStart(now clock.Timestamp) clock.Timestamp {
	return clock.AddMicros(now, -e.cfg.SlidingWindow.Microseconds())
}

// onFlowRemoved is flowtable.Table's OnRemove hook: it fires with the
// writer's current tick time already set in e.currentNow.
func (e *Engine) onFlowRemoved(key flow.FlowKey) {
	delete(e.known, key)
	delete(e.histograms, key)
	delete(e.winCond, key)
	delete(e.flowLatestSSRC, key)
	e.notify.FlowExpired(e.currentNow.Time(), key)
}

func (e *Engine) getHistograms(key flow.FlowKey) *flowHistograms {
	h, ok := e.histograms[key]
	if !ok {
		h = &flowHistograms{}
		e.histograms[key] = h
	}
	return h
}

func (e *Engine) noteFlowSeen(key flow.FlowKey, now clock.Timestamp) {
	if !e.known[key] {
		e.known[key] = true
		e.notify.FlowOpened(now.Time(), key)
	}
}

// OnPacket decodes and accounts for one captured frame, then runs the
// ring insert, interval add, and TCP/video updates for it. It never blocks
// and never panics on malformed input.
func (e *Engine) OnPacket(pkt capture.Packet) {
	now := clock.FromTime(pkt.Timestamp)
	ld := toDecodeLinkType(pkt.LinkType)

	capped := pkt.Bytes
	if len(capped) > pkt.CapturedLen {
		capped = capped[:pkt.CapturedLen]
	}

	res, err := decode.Decode(ld, pkt.OriginalLen, capped)
	if err != nil {
		e.recordDecodeError(err)
		return
	}

	e.noteFlowSeen(res.Key, now)
	e.flows.Add(res.Key, res.Bytes, now, e.windowStart(now))
	e.bank.Add(res.Key, res.Bytes)

	hist := e.getHistograms(res.Key)
	hist.IPG.Observe(now)
	hist.PacketSize.Observe(res.Bytes)

	if res.L4Offset > len(capped) {
		return
	}
	end := res.L4End
	if end > len(capped) {
		end = len(capped)
	}
	payload := capped[res.L4Offset:end]

	switch res.Key.L4Proto {
	case flow.ProtoTCP:
		e.onTCP(res, payload, now)
	case flow.ProtoUDP:
		e.onUDP(res, payload, now)
	}

	if overflows := e.flows.Ring().Overflows(); overflows != e.stats.RingOverflows {
		metrics.RingOverflowTotal.Add(float64(overflows - e.stats.RingOverflows))
		e.stats.RingOverflows = overflows
	}
}

func (e *Engine) recordDecodeError(err error) {
	e.stats.DecodeErrors++
	kind := "unknown"
	de, ok := err.(*decode.Error)
	if ok {
		kind = strings.ToLower(de.Kind.String())
	}
	metrics.DecodeErrors.WithLabelValues(kind).Inc()
	if ok && de.Kind == decode.KindIgnored {
		return
	}
	decodeErrLog.Println("decode error:", err)
}

func toDecodeLinkType(l capture.LinkType) decode.LinkType {
	switch l {
	case capture.LinuxCooked:
		return decode.LinuxCooked
	default:
		return decode.Ethernet
	}
}

func (e *Engine) getRTTConn(ck flow.CanonicalKey) *rttConn {
	c, ok := e.rttConns[ck]
	if !ok {
		c = &rttConn{conn: tcprtt.New()}
		e.rttConns[ck] = c
	}
	return c
}

func (e *Engine) getWindowConn(ck flow.CanonicalKey) *windowConn {
	c, ok := e.windowConn[ck]
	if !ok {
		c = &windowConn{conn: tcpwindow.New()}
		e.windowConn[ck] = c
	}
	return c
}

func (e *Engine) onTCP(res *decode.Result, payload []byte, now clock.Timestamp) {
	seg, err := decode.ParseTCPSegment(payload)
	if err != nil {
		e.recordDecodeError(err)
		return
	}
	ck, forward := flow.Canonicalize(res.Key)

	rc := e.getRTTConn(ck)
	prevState := rc.conn.State
	rttUs, hasRTT := rc.conn.OnSegment(forward, seg, now)
	rc.lastActivity = now
	if hasRTT {
		metrics.RTTMicrosHistogram.Observe(float64(rttUs))
	}
	if rc.conn.State != prevState {
		e.notify.TCPStateChanged(now.Time(), res.Key, rc.conn.State)
	}

	wc := e.getWindowConn(ck)
	scaledWindow, events := wc.conn.OnSegment(forward, seg, now)
	wc.lastActivity = now
	wc.lastScaledWindow[dirIndex(forward)] = scaledWindow

	e.bank.AddWindow(res.Key, scaledWindow)
	if events != 0 {
		// Events land on the reverse flow's interval-table recent_events:
		// the advertised state applies to the opposite sender.
		e.bank.OrEvents(res.Key.Reverse(), events)
	}
}

// audioClockRate maps a static audio payload type to its RFC 3551 clock
// rate.
func audioClockRate(pt uint8) int64 {
	switch pt {
	case 0, 8, 18: // PCMU, PCMA, G.729
		return videometrics.ClockRatePCM
	default:
		return videometrics.ClockRateOpus48
	}
}

func (e *Engine) getVideoEntry(vk videoKey, clockRate int64) *videoEntry {
	ve, ok := e.videos[vk]
	if !ok {
		ve = &videoEntry{stream: videometrics.NewStream(vk.ssrc, clockRate)}
		e.videos[vk] = ve
	}
	return ve
}

func (e *Engine) onUDP(res *decode.Result, payload []byte, now clock.Timestamp) {
	// payload starts at the 8-byte UDP header; RTP or MPEG-TS follows it.
	if len(payload) < 8 {
		return
	}
	payload = payload[8:]
	hdr, ok := videodetect.ParseRTPHeader(payload)
	if !ok {
		// Not RTP; it may still be raw MPEG-TS over UDP, but the MPEG-TS
		// path is a detector, not a tracked entity with its own lifecycle,
		// so there is nothing further to account here.
		videodetect.DetectMPEGTS(payload)
		return
	}

	rtpPayload := payload[hdr.PayloadOffset:]
	vk := videoKey{flow: res.Key, ssrc: hdr.SSRC}

	switch {
	case videodetect.IsVideoPayloadType(hdr.PayloadType):
		ve := e.getVideoEntry(vk, videometrics.ClockRateVideo)
		codec := videodetect.ClassifyCodec(rtpPayload)
		ve.stream.LatchCodec(codec, hdr.PayloadType)
		// FU-A/FU keyframes are seen only via the start fragment; a lost start fragment means a missed keyframe.
		isKeyframe := videodetect.IsKeyframe(codec, rtpPayload)
		e.tryLatchSPS(ve, codec, rtpPayload)
		ve.stream.OnPacket(hdr.SequenceNumber, hdr.Timestamp, now, int64(len(rtpPayload)), isKeyframe)
		ve.lastActivity = now
		e.flowLatestSSRC[res.Key] = hdr.SSRC
		metrics.JitterMicrosHistogram.Observe(float64(ve.stream.JitterScaled16 * 1_000_000 / (16 * ve.stream.ClockRate)))

	case videodetect.IsAudioPayloadType(hdr.PayloadType):
		ve := e.getVideoEntry(vk, audioClockRate(hdr.PayloadType))
		ve.stream.LatchAudioCodec(hdr.PayloadType)
		ve.stream.OnPacket(hdr.SequenceNumber, hdr.Timestamp, now, int64(len(rtpPayload)), false)
		ve.lastActivity = now
		e.flowLatestSSRC[res.Key] = hdr.SSRC
	}
}

// tryLatchSPS looks for an unfragmented SPS NAL unit in rtpPayload and, if
// found and sane, latches resolution/profile/level onto the stream. A
// fragmented SPS (rare in practice; SPS NAL units are small) is not
// reassembled here and goes unnoticed.
func (e *Engine) tryLatchSPS(ve *videoEntry, codec videodetect.Codec, payload []byte) {
	switch codec {
	case videodetect.CodecH264:
		if videodetect.IsH264SPS(payload) {
			if info, ok := videodetect.ParseH264SPS(videodetect.H264SPSPayload(payload)); ok {
				ve.stream.LatchSPS(info, videometrics.SourceInBand)
			}
		}
	case videodetect.CodecH265:
		if videodetect.IsH265SPS(payload) {
			if info, ok := videodetect.ParseH265SPS(videodetect.H265SPSPayload(payload)); ok {
				ve.stream.LatchSPS(info, videometrics.SourceInBand)
			}
		}
	}
}

// UpdateCodecParams implements rtsphint.Sink: it overlays an out-of-band
// SDP hint onto the matching stream, subject to the same write-once sticky
// policy in-band SPS parsing uses.
func (e *Engine) UpdateCodecParams(hint rtsphint.CodecHint) {
	vk := videoKey{flow: hint.Flow, ssrc: hint.SSRC}
	ve := e.getVideoEntry(vk, videometrics.ClockRateVideo)
	ve.stream.LatchSDPHint(hint.Width, hint.Height, hint.ProfileLevel)
}

// onRotateIndex0 is interval.Bank's OnRotateIndex0 hook: it
// feeds the per-flow PPS histogram and recomputes the window-condition
// flags from the just-completed smallest-interval generation.
func (e *Engine) onRotateIndex0(key flow.FlowKey, entry *interval.Entry) {
	h := e.getHistograms(key)
	secs := e.bank.Table(0).Duration.Seconds()
	if secs > 0 {
		pps := int64(float64(entry.Packets) / secs)
		h.PPS.Observe(pps)
	}

	if !entry.HasWindow {
		return
	}
	threshold := entry.WindowMax / 4
	if threshold < 1460 {
		threshold = 1460
	}
	st, ok := e.winCond[key]
	if !ok {
		st = &windowCondState{}
		e.winCond[key] = st
	}
	st.conditions = 0
	if entry.WindowMin <= 0 {
		st.conditions |= CondZeroSeen
	}
	if entry.WindowMin <= threshold {
		st.conditions |= CondLow
		st.lowStreak++
		if st.lowStreak >= 3 {
			st.conditions |= CondStarving
		}
	} else {
		if st.lowStreak >= 1 {
			st.conditions |= CondRecovered
		}
		st.lowStreak = 0
	}
}

// expireConnections deletes TCP RTT/window entries and RTP streams whose
// last_activity has fallen outside the sliding window.
func (e *Engine) expireConnections(windowStart clock.Timestamp) {
	for k, c := range e.rttConns {
		if clock.Before(c.lastActivity, windowStart) {
			delete(e.rttConns, k)
		}
	}
	for k, c := range e.windowConn {
		if clock.Before(c.lastActivity, windowStart) {
			delete(e.windowConn, k)
		}
	}
	for k, v := range e.videos {
		if clock.Before(v.lastActivity, windowStart) {
			delete(e.videos, k)
		}
	}
}

// Tick runs one scheduler cycle at instant now:
// expire aged-out state, rotate interval tables, assemble and publish a
// snapshot. It does not drain the capture source; callers (normally Run)
// call OnPacket separately, after the snapshot is published.
func (e *Engine) Tick(now clock.Timestamp) *Snapshot {
	e.currentNow = now
	ws := e.windowStart(now)

	e.flows.ExpireTo(ws)
	e.bank.Tick(now)
	e.expireConnections(ws)

	snap := e.assembleSnapshot(now)
	e.publish(snap)
	return snap
}

func (e *Engine) publish(snap *Snapshot) {
	e.published.Store(snap)
	metrics.SnapshotPublishTotal.Inc()
}

// Run drives the 1ms tick loop until ctx is canceled or the capture source
// reports a fatal error. It locks itself to one OS thread for the engine's
// lifetime and applies the configured affinity and real-time priority,
// both best effort.
func (e *Engine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	applyRealTime(e.cfg)

	deadline := clock.FromTime(time.Now())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tickStart := time.Now()
		e.Tick(deadline)
		metrics.TickPhaseSeconds.WithLabelValues("snapshot").Observe(time.Since(tickStart).Seconds())

		dispatchStart := time.Now()
		fatal := e.drain()
		metrics.TickPhaseSeconds.WithLabelValues("dispatch").Observe(time.Since(dispatchStart).Seconds())
		if fatal != nil {
			return fatal
		}

		deadline = clock.Add(deadline, e.cfg.TickInterval)
		sleepUntil := deadline.Time()
		if d := time.Until(sleepUntil); d > 0 {
			time.Sleep(d)
		} else if d < 0 {
			metrics.TickDeadlineSlipSeconds.Observe(-d.Seconds())
		}
	}
}

// drain dispatches up to cfg.MaxDispatchPerTick packets from the capture
// source. It returns a non-nil error only when the
// source reports a fatal (non-EAGAIN) condition.
func (e *Engine) drain() error {
	for i := 0; i < e.cfg.MaxDispatchPerTick; i++ {
		pkt, err := e.source.NextPacket()
		if err == capture.ErrNoPacket {
			return nil
		}
		if err != nil {
			return err
		}
		e.OnPacket(pkt)
	}
	return nil
}

// Close releases the capture source.
func (e *Engine) Close() error {
	return e.source.Close()
}
