// Package config defines the engine's init-time configuration: nothing
// here is mutated after the engine starts, and none of it is sourced from
// flags or environment variables inside the core. That belongs to the
// caller (cmd/flowlensd).
package config

import "time"

// DefaultIntervals is the default ordered list of interval-table durations
//: 100ms, 200ms, 500ms, 1s, 3s, 5s, 10s, 60s.
var DefaultIntervals = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	60 * time.Second,
}

// DefaultSlidingWindow is the default sliding-window size.
const DefaultSlidingWindow = 3 * time.Second

// DefaultRingCapacity is a default packet-ring capacity, a power of two
// comfortably large enough for a few seconds of traffic at a few hundred
// thousand packets per second.
const DefaultRingCapacity = 1 << 20

// DefaultTopN is the number of top-talker flows published per snapshot.
const DefaultTopN = 20

// DefaultTickInterval is the scheduler's tick period.
const DefaultTickInterval = time.Millisecond

// DefaultMaxDispatchPerTick bounds how many packets one tick will drain
// from the capture source in one cycle.
const DefaultMaxDispatchPerTick = 1000

// Config is the full set of engine init-time parameters.
type Config struct {
	// SlidingWindow is the sliding-window top-talker horizon.
	SlidingWindow time.Duration

	// Intervals is the ordered list of interval-table durations. Index 0 must be the smallest; it drives PPS histogram updates
	// and window-condition flag recomputation.
	Intervals []time.Duration

	// RingCapacity is the packet-ring capacity; must be a power of two
	// (enforced by internal/ring.New).
	RingCapacity int

	// TopN is the number of flows published per snapshot.
	TopN int

	// TickInterval is the scheduler's tick period, normally 1ms.
	TickInterval time.Duration

	// MaxDispatchPerTick bounds packets drained from the capture source per
	// tick.
	MaxDispatchPerTick int

	// RealTimePriority, when non-zero, is the SCHED_FIFO priority the
	// scheduler attempts to set for its pinned thread. Best effort:
	// failure to apply it is logged once and otherwise ignored.
	RealTimePriority int

	// CPUAffinity, when non-negative, is the CPU the scheduler attempts to
	// pin its thread to. -1 means no affinity is requested.
	CPUAffinity int

	// NotifySocketPath, when non-empty, is the Unix domain socket path the
	// engine's internal/notify server listens on. Empty
	// disables lifecycle notification.
	NotifySocketPath string
}

// Default returns a Config populated with the defaults above.
func Default() Config {
	return Config{
		SlidingWindow:      DefaultSlidingWindow,
		Intervals:          append([]time.Duration(nil), DefaultIntervals...),
		RingCapacity:       DefaultRingCapacity,
		TopN:               DefaultTopN,
		TickInterval:       DefaultTickInterval,
		MaxDispatchPerTick: DefaultMaxDispatchPerTick,
		RealTimePriority:   0,
		CPUAffinity:        -1,
	}
}
