package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/simplemux/simplemux/internal/metrics"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.BundlesSent == nil || c.BundlesReceived == nil || c.PacketsSent == nil ||
		c.PacketsReceived == nil || c.PacketsDropped == nil || c.BlastResends == nil ||
		c.BlastDuplicates == nil || c.BlastAcksSent == nil || c.BlastAcksReceived == nil ||
		c.Unconfirmed == nil {
		t.Fatal("NewCollector left a metric nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSyncAddsDeltasNotAbsolutes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.Sync(1, 0, 3, 0, 1, 0, 0, 0, 0, 2)
	c.Sync(1, 0, 2, 0, 0, 0, 0, 0, 0, 5)

	if got := testutil.ToFloat64(c.BundlesSent); got != 2 {
		t.Errorf("BundlesSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.PacketsSent); got != 5 {
		t.Errorf("PacketsSent = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.PacketsDropped); got != 1 {
		t.Errorf("PacketsDropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Unconfirmed); got != 5 {
		t.Errorf("Unconfirmed = %v, want 5 (gauge is an absolute Set, not a delta)", got)
	}
}

func TestSyncBlastCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.Sync(0, 0, 0, 0, 0, 4, 2, 6, 5, 0)

	if got := testutil.ToFloat64(c.BlastResends); got != 4 {
		t.Errorf("BlastResends = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.BlastDuplicates); got != 2 {
		t.Errorf("BlastDuplicates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.BlastAcksSent); got != 6 {
		t.Errorf("BlastAcksSent = %v, want 6", got)
	}
	if got := testutil.ToFloat64(c.BlastAcksReceived); got != 5 {
		t.Errorf("BlastAcksReceived = %v, want 5", got)
	}
}
