package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/stagehand/internal/engine"
	"github.com/wesleyorama2/stagehand/internal/metrics"
	"github.com/wesleyorama2/stagehand/internal/threshold"
)

func sampleResult() *engine.Result {
	return &engine.Result{
		RunID:    "0b6c2a3e-run",
		Name:     "geocoder",
		Duration: 30 * time.Second,
		Passed:   false,
		Checks: []engine.CheckSummary{
			{Name: "status was 200", Passes: 85, Fails: 15, Total: 100, Rate: 0.85},
		},
		Stages: []engine.StageResult{
			{Index: 0, Name: "stage-1", Target: 10, Passed: true},
			{Index: 1, Name: "stage-2", Target: 20, Passed: false, Thresholds: []threshold.Result{
				{Metric: "checks", Expression: "rate>0.9", Value: 0.85, Message: "rate is 0.85, threshold: > 0.9"},
			}},
		},
		Metrics: &metrics.Snapshot{Metrics: map[string]*metrics.MetricSnapshot{
			metrics.MetricHTTPReqs: {Name: metrics.MetricHTTPReqs, Kind: metrics.KindCounter, Count: 100},
		}},
	}
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleResult()))

	doc := buf.String()
	assert.Equal(t, int64(Version), gjson.Get(doc, "version").Int())
	assert.Equal(t, "geocoder", gjson.Get(doc, "result.name").String())
	assert.False(t, gjson.Get(doc, "result.passed").Bool())
	assert.Equal(t, 0.85, gjson.Get(doc, "result.checks.0.rate").Float())
	assert.Equal(t, "rate is 0.85, threshold: > 0.9", gjson.Get(doc, "result.stages.1.thresholds.0.message").String())
	assert.Equal(t, int64(100), gjson.Get(doc, `result.metrics.metrics.http_reqs.count`).Int())
}

func TestWriteFile_Stdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFile(Stdout, sampleResult(), &buf))
	assert.True(t, gjson.Valid(buf.String()))
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, WriteFile(path, sampleResult(), nil))

	doc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0b6c2a3e-run", doc.Result.RunID)
	require.Len(t, doc.Result.Stages, 2)
	assert.False(t, doc.Result.Stages[1].Passed)

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFile_MissingDirectory(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "missing", "result.json"), sampleResult(), nil)
	assert.Error(t, err)
}
