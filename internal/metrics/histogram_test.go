package metrics

import (
	"testing"
	"time"
)

func TestSafeHistogram_Percentiles(t *testing.T) {
	h := NewSafeHistogram()
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	if got := h.TotalCount(); got != 100 {
		t.Errorf("TotalCount() = %d, want 100", got)
	}

	snap := h.Snapshot()
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"min", snap.Min, 1},
		{"max", snap.Max, 100},
		{"med", snap.Med, 50},
		{"p90", snap.P90, 90},
		{"p95", snap.P95, 95},
		{"p99", snap.P99, 99},
	}
	for _, c := range checks {
		if diff := c.got - c.want; diff < -0.5 || diff > 0.5 {
			t.Errorf("%s = %.3f, want ~%.0f", c.name, c.got, c.want)
		}
	}
}

func TestSafeHistogram_Clamp(t *testing.T) {
	h := NewSafeHistogram()
	h.Record(0)
	h.Record(2 * time.Hour)

	snap := h.Snapshot()
	if snap.Count != 2 {
		t.Fatalf("Count = %d, want 2", snap.Count)
	}
	if snap.Min > 0.002 {
		t.Errorf("Min = %f, want clamped to 1µs", snap.Min)
	}
}

func TestSafeHistogram_SnapshotIsIndependent(t *testing.T) {
	h := NewSafeHistogram()
	h.Record(time.Millisecond)
	snap := h.Snapshot()
	h.Record(time.Second)

	if snap.Count != 1 {
		t.Errorf("snapshot Count = %d after later Record, want 1", snap.Count)
	}
	if p := snap.Percentile(100); p > 1.01 {
		t.Errorf("snapshot Percentile(100) = %f, want ~1ms", p)
	}
}

func TestTrendSnapshot_EmptyPercentile(t *testing.T) {
	var nilSnap *TrendSnapshot
	if got := nilSnap.Percentile(95); got != 0 {
		t.Errorf("nil Percentile = %f, want 0", got)
	}
	if got := NewSafeHistogram().Snapshot().Percentile(95); got != 0 {
		t.Errorf("empty Percentile = %f, want 0", got)
	}
}
