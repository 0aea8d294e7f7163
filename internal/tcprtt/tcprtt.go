// Package tcprtt implements the per-connection TCP RTT tracker: an
// outstanding-seq ring per direction, EWMA smoothing, a 14-bucket RTT
// histogram, and a simplified 5-state connection FSM.
package tcprtt

import (
	"fmt"

	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/decode"
)

// State is a simplified TCP connection lifecycle state.
type State int32

const (
	Unknown State = iota
	SynSeen
	Active
	FinWait
	Closed
)

var stateName = map[State]string{
	Unknown: "UNKNOWN",
	SynSeen: "SYN_SEEN",
	Active:  "ACTIVE",
	FinWait: "FIN_WAIT",
	Closed:  "CLOSED",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", int32(s))
}

type segment struct {
	seqEnd uint32
	ts     clock.Timestamp
}

// direction is the outstanding-seq ring for one sender. It grows and
// shrinks with in-flight unacked data; in steady state it stays small, so a
// plain slice (rather than internal/ring's fixed power-of-two buffer) is
// adequate here; this isn't the per-packet sliding-window hot structure.
type direction struct {
	outstanding []segment
}

func (d *direction) push(seqEnd uint32, ts clock.Timestamp) {
	d.outstanding = append(d.outstanding, segment{seqEnd: seqEnd, ts: ts})
}

// covered reports whether ack covers seqEnd using wrap-aware signed 32-bit
// comparison.
func covered(ack, seqEnd uint32) bool {
	return int32(ack-seqEnd) >= 0
}

// consume removes every outstanding entry covered by ack, in push order,
// and returns the RTT sample computed from the last (most recently pushed)
// covered entry.
func (d *direction) consume(ack uint32, now clock.Timestamp) (rttUs int64, ok bool) {
	var lastTS clock.Timestamp
	kept := d.outstanding[:0]
	for _, o := range d.outstanding {
		if covered(ack, o.seqEnd) {
			lastTS = o.ts
			ok = true
			continue
		}
		kept = append(kept, o)
	}
	d.outstanding = kept
	if !ok {
		return 0, false
	}
	return clock.SubMicros(now, lastTS), true
}

// Conn is the RTT tracker for one bidirectional TCP connection.
type Conn struct {
	State     State
	fwd, rev  direction
	EWMA      int64 // microseconds
	HasSample bool
	Histogram [14]int64
}

// New returns a fresh Conn in the Unknown state.
func New() *Conn { return &Conn{} }

func (c *Conn) ring(forward bool) *direction {
	if forward {
		return &c.fwd
	}
	return &c.rev
}

// advance runs the connection-state FSM: Unknown→SynSeen on
// SYN; SynSeen→Active on first data or ACK after the SYN; Active→FinWait on
// FIN; FinWait→Closed on FIN+ACK; any RST forces Closed from any state.
func (c *Conn) advance(f decode.TCPFlags, hasPayload bool) {
	if f.RST {
		c.State = Closed
		return
	}
	switch c.State {
	case Unknown:
		if f.SYN {
			c.State = SynSeen
		}
	case SynSeen:
		switch {
		case f.FIN:
			c.State = FinWait
		case hasPayload || f.ACK:
			c.State = Active
		}
	case Active:
		if f.FIN {
			c.State = FinWait
		}
	case FinWait:
		if f.FIN && f.ACK {
			c.State = Closed
		}
	}
}

func (c *Conn) recordSample(rttUs int64) {
	if !c.HasSample {
		c.EWMA = rttUs
		c.HasSample = true
	} else {
		c.EWMA += (rttUs - c.EWMA) >> 3
	}
	c.Histogram[clock.LogBucket14(rttUs)]++
}

// OnSegment processes one observed TCP segment traveling in the given
// direction (forward == true for the canonical lo→hi leg of the
// connection, per internal/flow.Canonicalize). It returns the RTT sample
// produced, if any.
//
// Pure ACKs (no payload) never arm a new outstanding-seq entry, but they
// still consume and can complete an existing one — this is in fact the
// common case: a data segment arms the measurement, and the receiver's
// bare ACK (not piggybacked on data of its own) is what completes it.
func (c *Conn) OnSegment(forward bool, seg *decode.TCPSegment, now clock.Timestamp) (rttUs int64, hasRTT bool) {
	c.advance(seg.Flags, seg.PayloadLen > 0)

	if seg.PayloadLen > 0 {
		c.ring(forward).push(seg.SeqNum+uint32(seg.PayloadLen), now)
	}
	if !seg.Flags.ACK {
		return 0, false
	}
	rttUs, hasRTT = c.ring(!forward).consume(seg.AckNum, now)
	if hasRTT {
		c.recordSample(rttUs)
	}
	return rttUs, hasRTT
}
