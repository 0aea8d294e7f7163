// Package metrics defines the Prometheus metrics the flowlensd binary
// exports for operators: decode error counts, ring overflow counts, per-tick
// phase latency, snapshot publish count, and exported distributions for
// RTT/jitter (distinct from the in-engine per-flow histograms in
// internal/histogram and internal/videometrics, which are plain arrays kept
// off this path so the hot loop stays allocation-free).
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecodeErrors counts dropped frames by decode-error kind: "ignored",
	// "malformed", "unsupported".
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowlens_decode_errors_total",
			Help: "Frames dropped during link decode, by error kind.",
		}, []string{"kind"})

	// RingOverflowTotal counts packet-ring overwrites that occurred before
	// the aged-out entry could be reconciled against the flow table.
	RingOverflowTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowlens_ring_overflow_total",
			Help: "Number of packet-ring slots overwritten before on-time expiry.",
		})

	// TickPhaseSeconds tracks how long each phase of the 1ms tick loop
	// takes: "snapshot" (expiry, rotation, assembly and publish together)
	// and "dispatch".
	TickPhaseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flowlens_tick_phase_seconds",
			Help: "Per-tick phase latency distribution (seconds).",
			Buckets: []float64{
				0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
			},
		}, []string{"phase"})

	// TickDeadlineSlipSeconds tracks how far a tick's completion slipped
	// past its scheduled deadline.
	TickDeadlineSlipSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowlens_tick_deadline_slip_seconds",
			Help:    "How far a tick's completion slipped past its 1ms deadline.",
			Buckets: prometheus.LinearBuckets(0, 0.0005, 20),
		})

	// SnapshotPublishTotal counts every successful pointer-swap publish.
	SnapshotPublishTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowlens_snapshot_publish_total",
			Help: "Number of snapshots published.",
		})

	// FlowCount is a gauge of the current sliding-window flow count.
	FlowCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowlens_flow_count",
			Help: "Number of distinct flows currently tracked in the sliding window.",
		})

	// RTTMicrosHistogram exports the distribution of RTT samples across all
	// tracked TCP connections, using the same 14-bucket log-scale edges as
	// the in-engine per-connection histogram (internal/clock.LogBucket14).
	RTTMicrosHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "flowlens_tcp_rtt_microseconds",
			Help: "Observed TCP RTT sample distribution across all connections (microseconds).",
			Buckets: []float64{
				1000, 2000, 4000, 8000, 16000, 32000, 64000,
				128000, 256000, 512000, 1024000, 2048000, 4096000, 10000000,
			},
		})

	// JitterMicrosHistogram exports the distribution of RFC 3550 jitter
	// samples across all tracked RTP streams.
	JitterMicrosHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "flowlens_rtp_jitter_microseconds",
			Help: "Observed RTP jitter sample distribution across all streams (microseconds).",
			Buckets: []float64{
				10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 100000,
			},
		})

	// FlowEventsTotal counts lifecycle events published on internal/notify's
	// Unix-domain socket, by kind: "opened", "expired", "tcp_state_change".
	FlowEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowlens_flow_events_total",
			Help: "Number of flow lifecycle events published, by kind.",
		}, []string{"kind"})

	// FlowEventsDroppedTotal counts lifecycle events dropped because the
	// broadcast buffer was full; the writer thread never blocks on a slow
	// subscriber.
	FlowEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowlens_flow_events_dropped_total",
			Help: "Number of flow lifecycle events dropped due to a full broadcast buffer.",
		})
)

func init() {
	log.Println("Prometheus metrics in flowlens/metrics are registered.")
}
