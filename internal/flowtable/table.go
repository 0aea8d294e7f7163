// Package flowtable implements the sliding-window top-talker table: a
// ring of accounted packets backing a hash map from FlowKey to cumulative
// bytes/packets over the configured window.
package flowtable

import (
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/ring"
)

// Record is the cumulative byte/packet count for one flow over the sliding
// window. It intentionally carries none of the TCP/video/histogram
// metric fields — those live in their own per-component maps (internal/tcprtt,
// internal/tcpwindow, internal/histogram, internal/videometrics) keyed by
// the same FlowKey or its CanonicalKey, and are stitched together only when
// the engine assembles a snapshot (engine.Snapshot), so that this table
// stays a tight bytes/packets accumulator on the hottest part of the hot
// path.
type Record struct {
	Bytes   int64
	Packets int64
}

// Totals is the sliding-window aggregate across all flows.
type Totals struct {
	Bytes   int64
	Packets int64
}

// Table is the sliding-window flow table. It is single-writer.
type Table struct {
	size    int64 // window size in microseconds, informational only
	ring    *ring.Ring
	records map[flow.FlowKey]*Record
	totals  Totals

	// OnRemove, if set, is called whenever a flow's bytes reach 0 and its
	// entry is removed from the table — the engine uses this to drive
	// FlowExpired lifecycle notification without this
	// package needing to know about internal/notify.
	OnRemove func(flow.FlowKey)
}

// New creates a Table whose ring has the given power-of-two capacity and
// whose sliding window spans windowUsec microseconds.
func New(ringCapacity int, windowUsec int64) (*Table, error) {
	r, err := ring.New(ringCapacity)
	if err != nil {
		return nil, err
	}
	return &Table{
		size:    windowUsec,
		ring:    r,
		records: make(map[flow.FlowKey]*Record, ringCapacity/4+1),
	}, nil
}

// Totals returns the current sliding-window totals.
func (t *Table) Totals() Totals { return t.totals }

// FlowCount returns the number of distinct flows currently tracked.
func (t *Table) FlowCount() int { return len(t.records) }

// Get returns the Record for key, or nil if the flow has no live traffic in
// the window.
func (t *Table) Get(key flow.FlowKey) *Record { return t.records[key] }

// Ring exposes the backing ring, e.g. for Overflows() metrics.
func (t *Table) Ring() *ring.Ring { return t.ring }

// RingFull reports whether the next Add is guaranteed to overwrite a live
// entry rather than an already-expired one — a cheap pre-check callers can
// use before logging, since Add itself does the actual expiry+overwrite
// work and doesn't need this check.
func (t *Table) RingFull() bool { return t.ring.Len() == t.ring.Cap() }

// Add expires packets that have aged out of the window as of windowStart,
// then accounts for one new packet (key, bytes, 1 packet) arriving at ts.
// windowStart is normally ts minus the window size, computed by the caller
// (the engine) and passed explicitly so tests can drive expiry
// deterministically.
func (t *Table) Add(key flow.FlowKey, bytes int64, ts clock.Timestamp, windowStart clock.Timestamp) {
	t.expireBefore(windowStart)

	overwritten, did := t.ring.Push(ring.Entry{Key: key, Bytes: bytes, Timestamp: ts})
	if did {
		t.remove(overwritten.Key, overwritten.Bytes)
	}
	t.add(key, bytes)
}

// ExpireTo expires every packet older than windowStart without inserting a
// new one — used by the tick loop to age the table out even when no new
// packet for a given flow arrives.
func (t *Table) ExpireTo(windowStart clock.Timestamp) {
	t.expireBefore(windowStart)
}

func (t *Table) expireBefore(windowStart clock.Timestamp) {
	t.ring.ExpireBefore(windowStart, func(e ring.Entry) {
		t.remove(e.Key, e.Bytes)
	})
}

func (t *Table) add(key flow.FlowKey, bytes int64) {
	rec, ok := t.records[key]
	if !ok {
		rec = &Record{}
		t.records[key] = rec
	}
	rec.Bytes += bytes
	rec.Packets++
	t.totals.Bytes += bytes
	t.totals.Packets++
}

func (t *Table) remove(key flow.FlowKey, bytes int64) {
	rec, ok := t.records[key]
	if !ok {
		return
	}
	rec.Bytes -= bytes
	rec.Packets--
	t.totals.Bytes -= bytes
	t.totals.Packets--
	if rec.Bytes <= 0 {
		delete(t.records, key)
		if t.OnRemove != nil {
			t.OnRemove(key)
		}
	}
}

// Each calls fn for every live flow record. Iteration order is unspecified;
// the engine's ranker is responsible for ordering.
func (t *Table) Each(fn func(flow.FlowKey, *Record)) {
	for k, r := range t.records {
		fn(k, r)
	}
}
