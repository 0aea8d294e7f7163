// Package ring implements the bounded packet ring that backs the
// sliding-window flow table. A statically sized, power-of-two-capacity
// array means insertion and expiry are both O(1) with no allocation on the
// hot path.
package ring

import (
	"errors"

	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/flow"
)

// ErrNotPowerOfTwo is returned by New if capacity isn't a power of two.
var ErrNotPowerOfTwo = errors.New("ring: capacity must be a power of two")

// Entry is one accounted packet: its flow identity, its on-the-wire byte
// count, the arrival timestamp, and optional scaled receive window fields.
// internal/flowtable leaves ScaledWindow/HasWindow unset; the
// window-condition rollups read interval.Entry instead.
type Entry struct {
	Key          flow.FlowKey
	Bytes        int64
	Timestamp    clock.Timestamp
	ScaledWindow int64
	HasWindow    bool
}

// Ring is a bounded circular buffer of Entry. It is single-writer: only the
// engine's tick goroutine ever calls Push/Pop.
type Ring struct {
	buf        []Entry
	mask       uint64
	head, tail uint64 // head is next-write index count; tail is next-read index count
	overflows  int64
}

// New creates a Ring with the given power-of-two capacity.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	return &Ring{
		buf:  make([]Entry, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Len returns the number of live entries currently in the ring.
func (r *Ring) Len() int { return int(r.head - r.tail) }

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Overflows returns the number of times Push has overwritten a not-yet-
// expired entry because the ring was full. On-time expiry normally keeps
// this at zero; the counter surfaces the data loss when it does not.
func (r *Ring) Overflows() int64 { return r.overflows }

// Push appends e to the ring. If the ring is already full, the oldest entry
// is silently overwritten and
// Overflows is incremented; the overwritten entry is returned so the caller
// can reconcile the flow table against its contribution, since Push itself
// has no view of the flow table.
func (r *Ring) Push(e Entry) (overwritten Entry, didOverwrite bool) {
	if r.Len() == int(len(r.buf)) {
		overwritten = r.buf[r.tail&r.mask]
		r.tail++
		r.overflows++
		didOverwrite = true
	}
	r.buf[r.head&r.mask] = e
	r.head++
	return overwritten, didOverwrite
}

// PeekTail returns the oldest live entry and true, or the zero Entry and
// false if the ring is empty.
func (r *Ring) PeekTail() (Entry, bool) {
	if r.Len() == 0 {
		return Entry{}, false
	}
	return r.buf[r.tail&r.mask], true
}

// PopTail removes and returns the oldest live entry.
func (r *Ring) PopTail() (Entry, bool) {
	e, ok := r.PeekTail()
	if !ok {
		return Entry{}, false
	}
	r.tail++
	return e, true
}

// ExpireBefore pops every entry whose Timestamp is strictly before
// deadline, invoking fn for each. Pulled out of the per-packet insert path
// so it can also run once per tick against the scheduling deadline rather
// than only on packet arrival.
func (r *Ring) ExpireBefore(deadline clock.Timestamp, fn func(Entry)) {
	for {
		e, ok := r.PeekTail()
		if !ok || !clock.Before(e.Timestamp, deadline) {
			return
		}
		r.PopTail()
		fn(e)
	}
}
