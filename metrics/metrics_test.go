package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/m-lab/flowlens/metrics"
)

func TestMetricsRegistered(t *testing.T) {
	metrics.DecodeErrors.WithLabelValues("malformed").Inc()
	metrics.RingOverflowTotal.Inc()
	metrics.TickPhaseSeconds.WithLabelValues("dispatch").Observe(0.0005)
	metrics.TickDeadlineSlipSeconds.Observe(0.0001)
	metrics.SnapshotPublishTotal.Inc()
	metrics.FlowCount.Set(3)
	metrics.RTTMicrosHistogram.Observe(50000)
	metrics.JitterMicrosHistogram.Observe(120)
	metrics.FlowEventsTotal.WithLabelValues("opened").Inc()
	metrics.FlowEventsDroppedTotal.Inc()

	var m dto.Metric
	if err := metrics.SnapshotPublishTotal.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("SnapshotPublishTotal = %v, want 1", m.GetCounter().GetValue())
	}
}
