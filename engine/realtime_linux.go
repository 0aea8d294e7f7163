package engine

import (
	"log"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/flowlens/config"
)

// applyRealTime applies the configured CPU affinity and SCHED_FIFO priority
// to the calling thread. Both are best effort: without CAP_SYS_NICE the
// scheduler call fails, and the engine continues at normal priority after
// logging once.
func applyRealTime(cfg config.Config) {
	if cfg.CPUAffinity >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cfg.CPUAffinity)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			log.Println("could not pin to CPU", cfg.CPUAffinity, "-", err)
		}
	}
	if cfg.RealTimePriority > 0 {
		param := struct{ priority int32 }{int32(cfg.RealTimePriority)}
		_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0,
			uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
		if errno != 0 {
			log.Println("could not set SCHED_FIFO priority", cfg.RealTimePriority, "-", errno)
		}
	}
}
