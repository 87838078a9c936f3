package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// histogramMin is the lowest recordable latency in microseconds.
	histogramMin = 1
	// histogramMax is the highest recordable latency in microseconds (1 hour).
	histogramMax = int64(time.Hour / time.Microsecond)
	// histogramSigFigs is the number of significant figures kept.
	histogramSigFigs = 3
)

// SafeHistogram is a mutex-guarded HDR histogram of durations.
// RecordValue on hdrhistogram.Histogram is not safe for concurrent use.
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

// NewSafeHistogram creates a histogram covering 1µs to 1h with 3 significant figures.
func NewSafeHistogram() *SafeHistogram {
	return &SafeHistogram{
		hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// Record records a duration, clamped to the histogram range.
func (h *SafeHistogram) Record(d time.Duration) {
	v := d.Microseconds()
	if v < histogramMin {
		v = histogramMin
	}
	if v > histogramMax {
		v = histogramMax
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Value is clamped above, so RecordValue cannot fail.
	_ = h.hist.RecordValue(v)
}

// TotalCount returns the number of recorded values.
func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Snapshot returns an independent copy summarised as a TrendSnapshot.
func (h *SafeHistogram) Snapshot() *TrendSnapshot {
	h.mu.Lock()
	copied := hdrhistogram.Import(h.hist.Export())
	h.mu.Unlock()

	return newTrendSnapshot(copied)
}

// TrendSnapshot summarises a trend metric. All values are in milliseconds.
type TrendSnapshot struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Med   float64 `json:"med"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`

	hist *hdrhistogram.Histogram
}

func newTrendSnapshot(hist *hdrhistogram.Histogram) *TrendSnapshot {
	t := &TrendSnapshot{
		Count: hist.TotalCount(),
		hist:  hist,
	}
	if t.Count == 0 {
		return t
	}

	t.Min = microsToMillis(hist.Min())
	t.Max = microsToMillis(hist.Max())
	t.Avg = hist.Mean() / 1000
	t.Med = t.Percentile(50)
	t.P90 = t.Percentile(90)
	t.P95 = t.Percentile(95)
	t.P99 = t.Percentile(99)
	return t
}

// Percentile returns the value at quantile q (0-100) in milliseconds.
func (t *TrendSnapshot) Percentile(q float64) float64 {
	if t == nil || t.hist == nil || t.Count == 0 {
		return 0
	}
	return microsToMillis(t.hist.ValueAtQuantile(q))
}

func microsToMillis(v int64) float64 {
	return float64(v) / 1000
}
