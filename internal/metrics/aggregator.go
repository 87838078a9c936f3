// Package metrics aggregates check outcomes, request counts and latency trends
// for a load test run, both over the whole run and per stage window.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Built-in metric names.
const (
	MetricChecks            = "checks"
	MetricHTTPReqs          = "http_reqs"
	MetricHTTPReqFailed     = "http_req_failed"
	MetricHTTPReqDuration   = "http_req_duration"
	MetricIterations        = "iterations"
	MetricIterationDuration = "iteration_duration"
	MetricDataReceived      = "data_received"
)

// Kind is the type of a metric and decides which aggregations apply to it.
type Kind string

const (
	// KindRate tracks passes out of a total.
	KindRate Kind = "rate"
	// KindCounter is a monotonically increasing count.
	KindCounter Kind = "counter"
	// KindTrend is a distribution of durations.
	KindTrend Kind = "trend"
)

var builtinKinds = map[string]Kind{
	MetricChecks:            KindRate,
	MetricHTTPReqFailed:     KindRate,
	MetricHTTPReqs:          KindCounter,
	MetricIterations:        KindCounter,
	MetricDataReceived:      KindCounter,
	MetricHTTPReqDuration:   KindTrend,
	MetricIterationDuration: KindTrend,
}

// CheckMetric returns the per-check metric name, e.g. checks{status was 200}.
func CheckMetric(check string) string {
	return MetricChecks + "{" + check + "}"
}

// CheckName extracts the check name from a per-check metric name.
func CheckName(metric string) (string, bool) {
	if !strings.HasPrefix(metric, MetricChecks+"{") || !strings.HasSuffix(metric, "}") {
		return "", false
	}
	name := metric[len(MetricChecks)+1 : len(metric)-1]
	return name, name != ""
}

// KindOf reports the kind of a known metric name.
func KindOf(metric string) (Kind, bool) {
	if k, ok := builtinKinds[metric]; ok {
		return k, true
	}
	if _, ok := CheckName(metric); ok {
		return KindRate, true
	}
	return "", false
}

// rateMetric guards passes and total together so a read never sees one
// updated without the other.
type rateMetric struct {
	mu     sync.Mutex
	passes int64
	total  int64
}

func (r *rateMetric) add(passed bool) {
	r.mu.Lock()
	r.total++
	if passed {
		r.passes++
	}
	r.mu.Unlock()
}

func (r *rateMetric) load() (passes, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes, r.total
}

// window is one set of metrics covering a time range of the run.
type window struct {
	mu       sync.RWMutex
	rates    map[string]*rateMetric
	counters map[string]*atomic.Int64
	trends   map[string]*SafeHistogram

	started atomic.Int64 // unix nanos, 0 until opened
	ended   atomic.Int64 // unix nanos, 0 while open
}

func newWindow() *window {
	w := &window{
		rates:    make(map[string]*rateMetric),
		counters: make(map[string]*atomic.Int64),
		trends:   make(map[string]*SafeHistogram),
	}
	for name, kind := range builtinKinds {
		switch kind {
		case KindRate:
			w.rates[name] = &rateMetric{}
		case KindCounter:
			w.counters[name] = &atomic.Int64{}
		case KindTrend:
			w.trends[name] = NewSafeHistogram()
		}
	}
	return w
}

func loadOrCreate[T any](mu *sync.RWMutex, m map[string]*T, name string, create func() *T) *T {
	mu.RLock()
	v, ok := m[name]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	v = create()
	m[name] = v
	return v
}

func (w *window) rate(name string) *rateMetric {
	return loadOrCreate(&w.mu, w.rates, name, func() *rateMetric { return &rateMetric{} })
}

func (w *window) counter(name string) *atomic.Int64 {
	return loadOrCreate(&w.mu, w.counters, name, func() *atomic.Int64 { return &atomic.Int64{} })
}

func (w *window) trend(name string) *SafeHistogram {
	return loadOrCreate(&w.mu, w.trends, name, NewSafeHistogram)
}

func (w *window) open(now time.Time) {
	w.started.CompareAndSwap(0, now.UnixNano())
}

func (w *window) close(now time.Time) {
	if w.started.Load() != 0 {
		w.ended.CompareAndSwap(0, now.UnixNano())
	}
}

func (w *window) elapsed(now time.Time) time.Duration {
	start := w.started.Load()
	if start == 0 {
		return 0
	}
	end := w.ended.Load()
	if end == 0 {
		end = now.UnixNano()
	}
	return time.Duration(end - start)
}

func (w *window) snapshot(now time.Time) *Snapshot {
	s := &Snapshot{
		Metrics:   make(map[string]*MetricSnapshot),
		Elapsed:   w.elapsed(now),
		Timestamp: now,
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for name, r := range w.rates {
		passes, total := r.load()
		m := &MetricSnapshot{
			Name:   name,
			Kind:   KindRate,
			Passes: passes,
			Fails:  total - passes,
			Total:  total,
		}
		if total > 0 {
			m.Rate = float64(passes) / float64(total)
		}
		s.Metrics[name] = m
	}
	for name, c := range w.counters {
		s.Metrics[name] = &MetricSnapshot{Name: name, Kind: KindCounter, Count: c.Load()}
	}
	for name, h := range w.trends {
		t := h.Snapshot()
		s.Metrics[name] = &MetricSnapshot{Name: name, Kind: KindTrend, Count: t.Count, Trend: t}
	}
	return s
}

// Aggregator collects samples into a run total window and, when stages are
// configured, into the window of the currently active stage.
//
// All Record methods are safe for concurrent use.
type Aggregator struct {
	total  *window
	stages []*window
	// current is the active stage index, -1 when no stage is active.
	current atomic.Int32

	activeVUs  atomic.Int64
	desiredVUs atomic.Int64

	now func() time.Time
}

// NewAggregator creates an aggregator with one window per stage.
func NewAggregator(stages int) *Aggregator {
	a := &Aggregator{
		total:  newWindow(),
		stages: make([]*window, stages),
		now:    time.Now,
	}
	for i := range a.stages {
		a.stages[i] = newWindow()
	}
	a.current.Store(-1)
	return a
}

// Register pre-creates per-check rate metrics so that declared checks that
// never run are reported as having no data.
func (a *Aggregator) Register(checks ...string) {
	for _, name := range checks {
		a.total.rate(CheckMetric(name))
		for _, w := range a.stages {
			w.rate(CheckMetric(name))
		}
	}
}

// Start opens the run total window.
func (a *Aggregator) Start() {
	a.total.open(a.now())
}

// SetStage makes stage i the window that receives new samples. The previous
// stage window is closed. An index outside the stage range closes the active
// stage without opening another.
func (a *Aggregator) SetStage(i int) {
	now := a.now()
	a.total.open(now)
	prev := int(a.current.Swap(int32(i)))
	if prev >= 0 && prev < len(a.stages) && prev != i {
		a.stages[prev].close(now)
	}
	if i >= 0 && i < len(a.stages) {
		a.stages[i].open(now)
	}
}

// Stop closes the active stage window and the run total window.
func (a *Aggregator) Stop() {
	now := a.now()
	if cur := int(a.current.Load()); cur >= 0 && cur < len(a.stages) {
		a.stages[cur].close(now)
	}
	a.total.close(now)
}

// CurrentStage returns the index of the stage receiving samples, or -1.
func (a *Aggregator) CurrentStage() int {
	return int(a.current.Load())
}

// windows returns the run window and the active stage window, if any.
func (a *Aggregator) windows() (*window, *window) {
	cur := int(a.current.Load())
	if cur >= 0 && cur < len(a.stages) {
		return a.total, a.stages[cur]
	}
	return a.total, nil
}

// Record records one check outcome under its own name and the aggregate checks metric.
func (a *Aggregator) Record(check string, passed bool) {
	name := CheckMetric(check)
	total, stage := a.windows()
	total.rate(name).add(passed)
	total.rate(MetricChecks).add(passed)
	if stage != nil {
		stage.rate(name).add(passed)
		stage.rate(MetricChecks).add(passed)
	}
}

// RecordRequest records one HTTP request.
func (a *Aggregator) RecordRequest(d time.Duration, failed bool, bytes int64) {
	total, stage := a.windows()
	for _, w := range []*window{total, stage} {
		if w == nil {
			continue
		}
		w.counter(MetricHTTPReqs).Add(1)
		w.rate(MetricHTTPReqFailed).add(failed)
		w.trend(MetricHTTPReqDuration).Record(d)
		if bytes > 0 {
			w.counter(MetricDataReceived).Add(bytes)
		}
	}
}

// RecordIteration records one completed VU iteration.
func (a *Aggregator) RecordIteration(d time.Duration) {
	total, stage := a.windows()
	for _, w := range []*window{total, stage} {
		if w == nil {
			continue
		}
		w.counter(MetricIterations).Add(1)
		w.trend(MetricIterationDuration).Record(d)
	}
}

// Add increments a counter metric by n.
func (a *Aggregator) Add(counter string, n int64) {
	total, stage := a.windows()
	total.counter(counter).Add(n)
	if stage != nil {
		stage.counter(counter).Add(n)
	}
}

// SetVUs publishes the live and desired VU counts for snapshots.
func (a *Aggregator) SetVUs(active, desired int) {
	a.activeVUs.Store(int64(active))
	a.desiredVUs.Store(int64(desired))
}

// Snapshot returns a point-in-time copy of the run total window.
func (a *Aggregator) Snapshot() *Snapshot {
	s := a.total.snapshot(a.now())
	s.Stage = a.CurrentStage()
	s.ActiveVUs = int(a.activeVUs.Load())
	s.DesiredVUs = int(a.desiredVUs.Load())
	return s
}

// StageSnapshot returns a point-in-time copy of stage i's window, or nil
// when i is out of range.
func (a *Aggregator) StageSnapshot(i int) *Snapshot {
	if i < 0 || i >= len(a.stages) {
		return nil
	}
	s := a.stages[i].snapshot(a.now())
	s.Stage = i
	return s
}

// Snapshot is an immutable view of a metrics window.
type Snapshot struct {
	Metrics    map[string]*MetricSnapshot `json:"metrics"`
	Elapsed    time.Duration              `json:"elapsed"`
	Stage      int                        `json:"stage"`
	ActiveVUs  int                        `json:"activeVUs"`
	DesiredVUs int                        `json:"desiredVUs"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Metric returns the named metric or nil.
func (s *Snapshot) Metric(name string) *MetricSnapshot {
	if s == nil {
		return nil
	}
	return s.Metrics[name]
}

// Count returns a counter value, 0 when absent.
func (s *Snapshot) Count(name string) int64 {
	if m := s.Metric(name); m != nil {
		return m.Count
	}
	return 0
}

// Checks returns the per-check rate metrics sorted by check name.
func (s *Snapshot) Checks() []*MetricSnapshot {
	if s == nil {
		return nil
	}
	var out []*MetricSnapshot
	for name, m := range s.Metrics {
		if _, ok := CheckName(name); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MetricSnapshot is the value of one metric at snapshot time.
type MetricSnapshot struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Rate metrics.
	Passes int64   `json:"passes,omitempty"`
	Fails  int64   `json:"fails,omitempty"`
	Total  int64   `json:"total,omitempty"`
	Rate   float64 `json:"rate,omitempty"`

	// Counter metrics, and sample count for trends.
	Count int64 `json:"count,omitempty"`

	Trend *TrendSnapshot `json:"trend,omitempty"`
}

// NoData reports whether the metric has no samples.
func (m *MetricSnapshot) NoData() bool {
	if m == nil {
		return true
	}
	switch m.Kind {
	case KindRate:
		return m.Total == 0
	case KindTrend:
		return m.Trend == nil || m.Trend.Count == 0
	default:
		return false
	}
}
