//go:build !linux

package engine

import "github.com/m-lab/flowlens/config"

// applyRealTime is a no-op off Linux; SCHED_FIFO and thread affinity are
// Linux-specific.
func applyRealTime(config.Config) {}
