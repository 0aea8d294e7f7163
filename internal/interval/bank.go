// Package interval implements the interval table bank: N hash tables,
// one per configured interval duration, each rotating between an
// "incomplete" (currently accumulating) and "complete" (last full
// interval, frozen for readers) generation. Rotation swaps the two and
// allocates a fresh incomplete generation sized off the outgoing one.
package interval

import (
	"time"

	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/flow"
)

// Entry is one flow's accumulation within a single interval generation.
type Entry struct {
	Bytes   int64
	Packets int64

	WindowSum int64
	WindowMin int64
	WindowMax int64
	HasWindow bool

	// RecentEvents is a bitmask of tcpwindow event kinds ORed in during this
	// interval.
	RecentEvents uint32
}

// Table is one (incomplete, complete) generation pair rotating every
// Duration.
type Table struct {
	Duration time.Duration

	incomplete map[flow.FlowKey]*Entry
	complete   map[flow.FlowKey]*Entry
	start      clock.Timestamp
	end        clock.Timestamp
}

func newTable(d time.Duration, start clock.Timestamp) *Table {
	t := &Table{
		Duration:   d,
		incomplete: make(map[flow.FlowKey]*Entry, 64),
		complete:   make(map[flow.FlowKey]*Entry, 64),
		start:      start,
	}
	t.end = clock.AddMicros(start, d.Microseconds())
	return t
}

// Start and End report the current incomplete generation's deadlines.
func (t *Table) Start() clock.Timestamp { return t.start }
func (t *Table) End() clock.Timestamp   { return t.end }

// entry returns (creating if necessary) the incomplete-generation Entry for
// key.
func (t *Table) entry(key flow.FlowKey) *Entry {
	e, ok := t.incomplete[key]
	if !ok {
		e = &Entry{}
		t.incomplete[key] = e
	}
	return e
}

// Add accounts one packet of bytes for key in the current incomplete
// generation.
func (t *Table) Add(key flow.FlowKey, bytes int64) {
	e := t.entry(key)
	e.Bytes += bytes
	e.Packets++
}

// AddWindow folds one TCP scaled-window sample into the running sum/min/max
// used by the window-condition flags.
func (t *Table) AddWindow(key flow.FlowKey, window int64) {
	e := t.entry(key)
	if !e.HasWindow {
		e.WindowMin, e.WindowMax = window, window
		e.HasWindow = true
	} else {
		if window < e.WindowMin {
			e.WindowMin = window
		}
		if window > e.WindowMax {
			e.WindowMax = window
		}
	}
	e.WindowSum += window
}

// OrEvents ORs mask into key's recent_events bitmask for the current
// incomplete generation.
func (t *Table) OrEvents(key flow.FlowKey, mask uint32) {
	e := t.entry(key)
	e.RecentEvents |= mask
}

// Complete returns the last fully rotated generation. Callers must not
// mutate the returned map; it is shared until the next Rotate.
func (t *Table) Complete() map[flow.FlowKey]*Entry { return t.complete }

// Rotate advances the generation if now is past the current deadline. It
// returns the freshly completed generation, the same map Complete() returns
// afterwards (nil if no rotation occurred); the previous complete
// generation is discarded. Rotation itself is an O(1) pointer swap; the
// caller inherits the O(n) cost of whatever it does with the returned map.
func (t *Table) Rotate(now clock.Timestamp) map[flow.FlowKey]*Entry {
	if clock.Before(now, t.end) {
		return nil
	}
	t.complete = t.incomplete
	t.incomplete = make(map[flow.FlowKey]*Entry, len(t.complete)+len(t.complete)/10+4)
	t.start = t.end
	t.end = clock.AddMicros(t.start, t.Duration.Microseconds())
	return t.complete
}

// Bank is the full set of interval tables, one per configured duration.
// Index 0 is the smallest interval and is the one that drives the PPS
// histogram and window-condition flag updates.
type Bank struct {
	tables []*Table
	// OnRotateIndex0 is invoked once per flow present in the completed
	// index-0 generation, immediately after it rotates, so the caller
	// (normally the engine) can feed the per-flow PPS histogram and
	// recompute Zero/Low/Starving/Recovered window-condition flags without
	// this package importing internal/histogram or internal/tcpwindow.
	OnRotateIndex0 func(flow.FlowKey, *Entry)
}

// NewBank creates a Bank with one Table per duration, all starting at
// start.
func NewBank(durations []time.Duration, start clock.Timestamp) *Bank {
	tables := make([]*Table, len(durations))
	for i, d := range durations {
		tables[i] = newTable(d, start)
	}
	return &Bank{tables: tables}
}

// Len reports how many interval tables the bank holds.
func (b *Bank) Len() int { return len(b.tables) }

// Table returns the i'th interval table.
func (b *Bank) Table(i int) *Table { return b.tables[i] }

// Add accounts one packet of bytes for key in every interval table.
func (b *Bank) Add(key flow.FlowKey, bytes int64) {
	for _, t := range b.tables {
		t.Add(key, bytes)
	}
}

// AddWindow folds a scaled-window sample into every interval table.
func (b *Bank) AddWindow(key flow.FlowKey, window int64) {
	for _, t := range b.tables {
		t.AddWindow(key, window)
	}
}

// OrEvents ORs mask into key's recent_events in every interval table.
func (b *Bank) OrEvents(key flow.FlowKey, mask uint32) {
	for _, t := range b.tables {
		t.OrEvents(key, mask)
	}
}

// Tick rotates every table whose deadline has passed, then feeds index 0's
// freshly completed generation — the interval that just ended, not the one
// being discarded — to OnRotateIndex0. It is called once per scheduler
// tick.
func (b *Bank) Tick(now clock.Timestamp) {
	for i, t := range b.tables {
		if t.Rotate(now) == nil {
			continue
		}
		if i == 0 && b.OnRotateIndex0 != nil {
			for k, e := range t.Complete() {
				b.OnRotateIndex0(k, e)
			}
		}
	}
}
