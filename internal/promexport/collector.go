// Package promexport exposes live run metrics in the Prometheus format.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyorama2/stagehand/internal/metrics"
)

const namespace = "stagehand"

// Source provides run total snapshots. *engine.Engine implements it.
type Source interface {
	Snapshot() *metrics.Snapshot
}

// Collector converts aggregator snapshots to Prometheus metrics at scrape time.
type Collector struct {
	src Source

	checks        *prometheus.Desc
	requests      *prometheus.Desc
	failed        *prometheus.Desc
	iterations    *prometheus.Desc
	dataReceived  *prometheus.Desc
	duration      *prometheus.Desc
	vus           *prometheus.Desc
	stage         *prometheus.Desc
	elapsedSecond *prometheus.Desc
}

// NewCollector creates a collector for src. runID is attached as a constant label.
func NewCollector(src Source, runID string) *Collector {
	labels := prometheus.Labels{"run": runID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}
	return &Collector{
		src:           src,
		checks:        desc("checks_total", "Check evaluations by check and result.", "check", "result"),
		requests:      desc("http_reqs_total", "HTTP requests sent."),
		failed:        desc("http_req_failed_total", "HTTP requests that failed at transport level or returned status >= 400."),
		iterations:    desc("iterations_total", "Completed VU iterations."),
		dataReceived:  desc("data_received_bytes_total", "Response body bytes received."),
		duration:      desc("http_req_duration_seconds", "HTTP request duration."),
		vus:           desc("vus", "Virtual users by state.", "state"),
		stage:         desc("stage", "Index of the active stage, -1 outside the timeline."),
		elapsedSecond: desc("elapsed_seconds", "Time since the run started."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checks
	ch <- c.requests
	ch <- c.failed
	ch <- c.iterations
	ch <- c.dataReceived
	ch <- c.duration
	ch <- c.vus
	ch <- c.stage
	ch <- c.elapsedSecond
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	if snap == nil {
		return
	}

	for _, m := range snap.Checks() {
		name, _ := metrics.CheckName(m.Name)
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(m.Passes), name, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(m.Fails), name, "fail")
	}

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.Count(metrics.MetricHTTPReqs)))
	var failed int64
	if m := snap.Metric(metrics.MetricHTTPReqFailed); m != nil {
		// For http_req_failed a "pass" is a failed request.
		failed = m.Passes
	}
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(failed))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(snap.Count(metrics.MetricIterations)))
	ch <- prometheus.MustNewConstMetric(c.dataReceived, prometheus.CounterValue, float64(snap.Count(metrics.MetricDataReceived)))

	if m := snap.Metric(metrics.MetricHTTPReqDuration); !m.NoData() {
		t := m.Trend
		ch <- prometheus.MustNewConstSummary(c.duration,
			uint64(t.Count),
			t.Avg*float64(t.Count)/1000,
			map[float64]float64{
				0.5:  t.Med / 1000,
				0.9:  t.P90 / 1000,
				0.95: t.P95 / 1000,
				0.99: t.P99 / 1000,
			})
	}

	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(snap.ActiveVUs), "active")
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(snap.DesiredVUs), "desired")
	ch <- prometheus.MustNewConstMetric(c.stage, prometheus.GaugeValue, float64(snap.Stage))
	ch <- prometheus.MustNewConstMetric(c.elapsedSecond, prometheus.GaugeValue, snap.Elapsed.Seconds())
}
