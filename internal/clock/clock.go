// Package clock provides monotonic-safe timestamp arithmetic and the
// log-scale bucket mapping shared by the per-flow histograms and the TCP/RTP
// latency trackers.
//
// All timestamps in the engine are expressed as (seconds, microseconds)
// pairs rather than time.Time, because the hot path needs cheap, allocation
// free arithmetic and wrap-safe comparison; time.Time's monotonic reading is
// not guaranteed to survive once a value has been copied through a channel
// or stored in a struct that also sets wall-clock fields.
package clock

import "time"

// Timestamp is a monotonic-safe instant expressed in whole seconds plus a
// microsecond remainder in [0, 1e6).
type Timestamp struct {
	Sec  int64
	Usec int64
}

// FromTime converts a time.Time into a Timestamp, truncating to microsecond
// resolution.
func FromTime(t time.Time) Timestamp {
	usec := t.UnixMicro()
	return Timestamp{Sec: usec / 1e6, Usec: usec % 1e6}
}

// Time converts a Timestamp back into a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(t.Sec*1e6 + t.Usec).UTC()
}

// normalize brings Usec back into [0, 1e6) after arithmetic that may have
// carried or borrowed.
func normalize(sec, usec int64) Timestamp {
	for usec < 0 {
		usec += 1e6
		sec--
	}
	for usec >= 1e6 {
		usec -= 1e6
		sec++
	}
	return Timestamp{Sec: sec, Usec: usec}
}

// Add returns t + d.
func Add(t Timestamp, d time.Duration) Timestamp {
	return normalize(t.Sec+int64(d/time.Second), t.Usec+int64(d%time.Second)/1000)
}

// AddMicros returns t advanced by the given number of microseconds (may be
// negative).
func AddMicros(t Timestamp, usec int64) Timestamp {
	return normalize(t.Sec, t.Usec+usec)
}

// Sub returns a - b as a duration, accurate to the microsecond.
func Sub(a, b Timestamp) time.Duration {
	return time.Duration(a.Sec-b.Sec)*time.Second + time.Duration(a.Usec-b.Usec)*time.Microsecond
}

// SubMicros returns a - b in whole microseconds.
func SubMicros(a, b Timestamp) int64 {
	return (a.Sec-b.Sec)*1e6 + (a.Usec - b.Usec)
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Timestamp) int {
	switch {
	case a.Sec != b.Sec:
		if a.Sec < b.Sec {
			return -1
		}
		return 1
	case a.Usec != b.Usec:
		if a.Usec < b.Usec {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Before reports whether a happens strictly before b.
func Before(a, b Timestamp) bool { return Compare(a, b) < 0 }

// After reports whether a happens strictly after b.
func After(a, b Timestamp) bool { return Compare(a, b) > 0 }

// LogBucket12 maps a non-negative microsecond duration onto one of 12
// log-scale buckets, as used by the IPG and PPS histograms.
//
// Bucket i holds values below edges[i] (and at or above edges[i-1]); the
// edges, in microseconds, are 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
// 10000, 25000, 100000. Values at or above 100000 also land in the last
// bucket, so bucket 11 covers everything from 25000 upwards and the 100ms
// edge does not split it.
func LogBucket12(us int64) int {
	edges := [...]int64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 100000}
	for i, e := range edges {
		if us < e {
			return i
		}
	}
	return len(edges) - 1
}

// LogBucket14 maps a non-negative microsecond duration onto one of the 14
// log-scale buckets used by the TCP RTT histogram: bucket 0 is <1ms, and
// bucket 13 covers everything from 4.096s upwards (values at or above the
// 10s edge land there too; that edge does not split it).
func LogBucket14(us int64) int {
	edges := [...]int64{
		1000, 2000, 4000, 8000, 16000, 32000, 64000,
		128000, 256000, 512000, 1024000, 2048000, 4096000, 10000000,
	}
	for i, e := range edges {
		if us < e {
			return i
		}
	}
	return len(edges) - 1
}

// LogBucket12Jitter maps a jitter value (RTP timestamp units, unscaled)
// onto one of the 12 log-scale buckets of the per-stream jitter histogram.
func LogBucket12Jitter(v int64) int {
	return LogBucket12(v)
}
