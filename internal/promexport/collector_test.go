package promexport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stagehand/internal/metrics"
)

type staticSource struct{ snap *metrics.Snapshot }

func (s staticSource) Snapshot() *metrics.Snapshot { return s.snap }

func liveSource() staticSource {
	agg := metrics.NewAggregator(2)
	agg.Register("status was 200")
	agg.Start()
	agg.SetStage(1)
	for i := 0; i < 100; i++ {
		passed := i%5 != 0
		agg.RecordRequest(20*time.Millisecond, !passed, 10)
		agg.Record("status was 200", passed)
		agg.RecordIteration(25 * time.Millisecond)
	}
	agg.SetVUs(7, 10)
	return staticSource{snap: agg.Snapshot()}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(liveSource(), "r1")

	expected := `
# HELP stagehand_checks_total Check evaluations by check and result.
# TYPE stagehand_checks_total counter
stagehand_checks_total{check="status was 200",result="fail",run="r1"} 20
stagehand_checks_total{check="status was 200",result="pass",run="r1"} 80
# HELP stagehand_http_reqs_total HTTP requests sent.
# TYPE stagehand_http_reqs_total counter
stagehand_http_reqs_total{run="r1"} 100
# HELP stagehand_http_req_failed_total HTTP requests that failed at transport level or returned status >= 400.
# TYPE stagehand_http_req_failed_total counter
stagehand_http_req_failed_total{run="r1"} 20
# HELP stagehand_iterations_total Completed VU iterations.
# TYPE stagehand_iterations_total counter
stagehand_iterations_total{run="r1"} 100
# HELP stagehand_data_received_bytes_total Response body bytes received.
# TYPE stagehand_data_received_bytes_total counter
stagehand_data_received_bytes_total{run="r1"} 1000
# HELP stagehand_vus Virtual users by state.
# TYPE stagehand_vus gauge
stagehand_vus{run="r1",state="active"} 7
stagehand_vus{run="r1",state="desired"} 10
# HELP stagehand_stage Index of the active stage, -1 outside the timeline.
# TYPE stagehand_stage gauge
stagehand_stage{run="r1"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"stagehand_checks_total",
		"stagehand_http_reqs_total",
		"stagehand_http_req_failed_total",
		"stagehand_iterations_total",
		"stagehand_data_received_bytes_total",
		"stagehand_vus",
		"stagehand_stage",
	)
	require.NoError(t, err)
}

func TestCollector_DurationSummary(t *testing.T) {
	c := NewCollector(liveSource(), "r1")
	assert.Equal(t, 1, testutil.CollectAndCount(c, "stagehand_http_req_duration_seconds"))
}

func TestCollector_EmptySnapshot(t *testing.T) {
	agg := metrics.NewAggregator(0)
	c := NewCollector(staticSource{snap: agg.Snapshot()}, "r1")
	// No checks and no durations: the fixed counters and gauges only.
	assert.Equal(t, 0, testutil.CollectAndCount(c, "stagehand_checks_total"))
	assert.Equal(t, 0, testutil.CollectAndCount(c, "stagehand_http_req_duration_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "stagehand_http_reqs_total"))
}

func TestCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(liveSource(), "r1"))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestHandler(t *testing.T) {
	h, err := Handler(liveSource(), "r1")
	require.NoError(t, err)
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `stagehand_http_reqs_total{run="r1"} 100`)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Post(server.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", liveSource(), "r1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not shut down")
	}
}
