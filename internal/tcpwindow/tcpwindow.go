// Package tcpwindow implements the per-connection TCP window tracker:
// window-scale capture, scaled-window sampling, and the
// zero-window / triple-duplicate-ACK / retransmit / ECE / CWR event
// detectors, each stamped with a last-seen time and foldable into a
// recent_events bitmask.
package tcpwindow

import (
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/decode"
)

// ScaleStatus records what is known about a direction's window-scale
// option, which TCP only carries on SYN/SYN-ACK (RFC 7323).
type ScaleStatus int

const (
	ScaleUnknown ScaleStatus = iota
	ScaleSeen
	ScaleNotPresent
)

// Event bits, ORed together into a recent_events bitmask that can be folded
// into an interval.Entry via interval.Bank.OrEvents.
const (
	EventZeroWindow uint32 = 1 << iota
	EventDupAck
	EventRetransmit
	EventECE
	EventCWR
)

// maxWindowScale is the RFC 7323 cap on the window-scale shift count.
const maxWindowScale = 14

const tcpOptKindWindowScale = 3

// extractWindowScale scans raw TCP options for a window-scale option
// (kind 3, length 3), returning its capped value and whether one was found.
func extractWindowScale(opts []byte) (uint8, bool) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 0: // End of options list
			return 0, false
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, false
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return 0, false
		}
		if kind == tcpOptKindWindowScale && length == 3 {
			scale := opts[i+2]
			if scale > maxWindowScale {
				scale = maxWindowScale
			}
			return scale, true
		}
		i += length
	}
	return 0, false
}

// direction holds the per-sender state needed by the detectors. Each TCP
// connection has two: forward and reverse.
type direction struct {
	scaleStatus ScaleStatus
	scale       uint8

	maxWindow     int64
	zeroRecovered bool // true once the window has recovered above hysteresis

	hasLastAck   bool
	lastAck      uint32
	dupAckStreak int

	hasHighestSeqEnd bool
	highestSeqEnd    uint32

	ZeroWindowRaw    int64
	ZeroWindowEvents int64
	DupAckEvents     int64
	RetransmitCount  int64
	ECECount         int64
	CWRCount         int64

	LastZeroWindow clock.Timestamp
	LastDupAck     clock.Timestamp
	LastRetransmit clock.Timestamp
	LastECE        clock.Timestamp
	LastCWR        clock.Timestamp
}

// newDirection starts with zeroRecovered true, so the very first zero
// window observed fires an event (there is no prior "low" state to have
// been edge-triggered from).
func newDirection() *direction { return &direction{zeroRecovered: true} }

// Conn is the window tracker for one bidirectional TCP connection.
type Conn struct {
	fwd, rev *direction
}

// New returns a fresh Conn.
func New() *Conn { return &Conn{fwd: newDirection(), rev: newDirection()} }

func (c *Conn) dir(forward bool) *direction {
	if forward {
		return c.fwd
	}
	return c.rev
}

// Direction exposes read-only counters for the given leg, for snapshot
// assembly. forward == true is the canonical lo→hi leg.
func (c *Conn) Direction(forward bool) *direction { return c.dir(forward) }

// ScaleStatus reports what is known about the given leg's window-scale
// option.
func (c *Conn) ScaleStatus(forward bool) ScaleStatus { return c.dir(forward).scaleStatus }

// hysteresisThreshold is 5% of the largest window seen so far, floored at 1
// byte.
func hysteresisThreshold(maxWindow int64) int64 {
	t := maxWindow / 20
	if t < 1 {
		t = 1
	}
	return t
}

func isPureACK(f decode.TCPFlags, payloadLen int) bool {
	return payloadLen == 0 && f.ACK && !f.SYN && !f.FIN && !f.RST
}

// OnSegment updates the tracker with one observed TCP segment traveling in
// the given direction and returns the segment's scaled window plus any
// event bits that fired.
func (c *Conn) OnSegment(forward bool, seg *decode.TCPSegment, now clock.Timestamp) (scaledWindow int64, events uint32) {
	d := c.dir(forward)

	if seg.Flags.SYN && d.scaleStatus == ScaleUnknown {
		if scale, ok := extractWindowScale(seg.Options); ok {
			d.scaleStatus = ScaleSeen
			d.scale = scale
		} else {
			d.scaleStatus = ScaleNotPresent
		}
	}

	raw := int64(seg.Window)
	if d.scaleStatus == ScaleSeen {
		scaledWindow = raw << d.scale
	} else {
		scaledWindow = raw
	}

	if scaledWindow > d.maxWindow {
		d.maxWindow = scaledWindow
	}
	if raw == 0 {
		d.ZeroWindowRaw++
		if d.zeroRecovered {
			d.ZeroWindowEvents++
			d.zeroRecovered = false
			d.LastZeroWindow = now
			events |= EventZeroWindow
		}
	} else if scaledWindow >= hysteresisThreshold(d.maxWindow) {
		d.zeroRecovered = true
	}

	if isPureACK(seg.Flags, seg.PayloadLen) {
		if d.hasLastAck && seg.AckNum == d.lastAck {
			d.dupAckStreak++
			if d.dupAckStreak == 3 {
				d.DupAckEvents++
				d.LastDupAck = now
				events |= EventDupAck
				d.dupAckStreak = 0
			}
		} else {
			d.dupAckStreak = 1
		}
		d.lastAck = seg.AckNum
		d.hasLastAck = true
	}

	if seg.PayloadLen > 0 {
		seqEnd := seg.SeqNum + uint32(seg.PayloadLen)
		if !seg.Flags.SYN && d.hasHighestSeqEnd && int32(seg.SeqNum-d.highestSeqEnd) < 0 {
			d.RetransmitCount++
			d.LastRetransmit = now
			events |= EventRetransmit
		}
		if !d.hasHighestSeqEnd || int32(seqEnd-d.highestSeqEnd) > 0 {
			d.highestSeqEnd = seqEnd
			d.hasHighestSeqEnd = true
		}
	}

	if seg.Flags.ECE {
		d.ECECount++
		d.LastECE = now
		events |= EventECE
	}
	if seg.Flags.CWR {
		d.CWRCount++
		d.LastCWR = now
		events |= EventCWR
	}

	return scaledWindow, events
}
