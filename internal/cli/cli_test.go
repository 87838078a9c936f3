package cli

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/stagehand/internal/history"
	"github.com/wesleyorama2/stagehand/internal/report"
	"github.com/wesleyorama2/stagehand/internal/targetserver"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	root, _ := newRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), ExitCode(err)
}

// geocoder starts the bundled target server without a quota.
func geocoder(t *testing.T) string {
	t.Helper()
	cfg := targetserver.DefaultConfig()
	cfg.QuotaBurst = 0
	srv, err := targetserver.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL + "/?lat=50.9&lng=7.2&results=2"
}

func quickRun(url string, extra ...string) []string {
	args := []string{
		"run",
		"--url", url,
		"--stages", "200ms:2,200ms:2h",
		"--sleep", "10ms",
		"--grace", "1s",
		"--quiet",
		"--no-color",
	}
	return append(args, extra...)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailed, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitUsage, ExitCode(usageError(errors.New("bad flag"))))
	assert.Equal(t, ExitFailed, ExitCode(failure(errors.New("thresholds crossed"))))

	err := &ExitError{Code: 3}
	assert.Equal(t, "exit status 3", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestRun_QuickModePasses(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "result.json")
	historyPath := filepath.Join(dir, "history.db")

	stdout, _, code := execute(t, quickRun(geocoder(t),
		"--threshold", "checks:rate>0.9",
		"--threshold", "http_req_failed:rate<0.01",
		"--out", reportPath,
		"--history", historyPath,
	)...)
	require.Equal(t, ExitOK, code, stdout)
	assert.Contains(t, stdout, "PASSED")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	doc := string(data)
	assert.True(t, gjson.Get(doc, "result.passed").Bool())
	assert.Equal(t, int64(2), gjson.Get(doc, "result.stagesReached").Int())
	assert.Equal(t, int64(2), gjson.Get(doc, "result.thresholds.#").Int())
	assert.Greater(t, gjson.Get(doc, "result.checks.0.total").Int(), int64(0))

	store, err := history.Open(historyPath)
	require.NoError(t, err)
	entries, err := store.List(0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Passed)
	assert.Equal(t, gjson.Get(doc, "result.runId").String(), entries[0].ID)
}

func TestRun_ReportToStdout(t *testing.T) {
	stdout, stderr, code := execute(t, quickRun(geocoder(t), "--out", report.Stdout)...)
	require.Equal(t, ExitOK, code, stderr)

	assert.True(t, gjson.Valid(stdout), stdout)
	assert.Equal(t, int64(report.Version), gjson.Get(stdout, "version").Int())
	assert.True(t, gjson.Get(stdout, "result.passed").Bool())
	assert.Contains(t, stderr, "PASSED")
}

func TestRun_ThresholdFailureExitsOne(t *testing.T) {
	stdout, _, code := execute(t, quickRun(geocoder(t),
		"--threshold", "http_req_duration:p(95)<0",
	)...)
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, stdout, "FAILED")
}

func TestRun_UsageErrorsExitTwo(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no target", []string{"run"}},
		{"both modes", []string{"run", "-c", "test.yaml", "--url", "http://localhost"}},
		{"url without stages", []string{"run", "--url", "http://localhost"}},
		{"bad stages", []string{"run", "--url", "http://localhost", "--stages", "5s"}},
		{"bad threshold flag", quickRun("http://localhost", "--threshold", "checks")},
		{"unknown metric", quickRun("http://localhost", "--threshold", "bogus:rate>0.9")},
		{"bad sleep", quickRun("http://localhost", "--sleep", "soon")},
		{"missing config file", []string{"run", "-c", "does-not-exist.yaml"}},
		{"unknown flag", []string{"run", "--bogus"}},
		{"positional argument", []string{"run", "extra"}},
		{"bad log level", []string{"run", "--log-level", "chatty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, code := execute(t, tt.args...)
			assert.Equal(t, ExitUsage, code)
		})
	}
}

func TestRun_MetricsAddrFromEnvironment(t *testing.T) {
	t.Setenv("STAGEHAND_METRICS_ADDR", "127.0.0.1:99999")

	_, _, code := execute(t, quickRun(geocoder(t))...)
	assert.Equal(t, ExitUsage, code)
}

func TestRun_HistoryFromEnvironment(t *testing.T) {
	historyPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("STAGEHAND_HISTORY", historyPath)

	_, _, code := execute(t, quickRun(geocoder(t))...)
	require.Equal(t, ExitOK, code)

	stdout, _, code := execute(t, "history")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "RUN ID")
	assert.Contains(t, stdout, "passed")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
name: geocoder ramp
target:
  url: http://127.0.0.1:5353
  query:
    lat: "50.9"
    lng: "7.2"
stages:
  - duration: 5s
    target: 10
  - duration: 25s
    target: 20
    thresholds:
      checks: ["rate>0.9"]
thresholds:
  http_req_duration: ["p(95)<500ms"]
`)

	stdout, _, code := execute(t, "validate", "-c", path, "--no-color")
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "✓ geocoder ramp is valid: 2 stages over 30s, 1 checks, 2 thresholds\n", stdout)
}

func TestValidate_ExampleFile(t *testing.T) {
	stdout, _, code := execute(t, "validate", "-c", filepath.Join("..", "..", "examples", "geocoder.yaml"), "--no-color")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "geocoder ramp is valid: 2 stages over 30s, 2 checks, 2 thresholds")
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, `
target:
  url: http://127.0.0.1:5353
stages:
  - duration: 5s
    target: -1
`)

	_, _, code := execute(t, "validate", "-c", path)
	assert.Equal(t, ExitUsage, code)

	_, _, code = execute(t, "validate")
	assert.Equal(t, ExitUsage, code)
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	stdout, _, code := execute(t, "history", "--history", path)
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "No runs recorded.\n", stdout)

	_, _, code = execute(t, quickRun(geocoder(t), "--history", path)...)
	require.Equal(t, ExitOK, code)

	store, err := history.Open(path)
	require.NoError(t, err)
	entries, err := store.List(1)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, entries, 1)

	stdout, _, code = execute(t, "history", "--history", path, entries[0].ID)
	require.Equal(t, ExitOK, code)
	assert.Equal(t, entries[0].ID, gjson.Get(stdout, "id").String())
	assert.Equal(t, "stagehand", gjson.Get(stdout, "name").String())

	_, _, code = execute(t, "history", "--history", path, "unknown-run")
	assert.Equal(t, ExitFailed, code)

	_, _, code = execute(t, "history")
	assert.Equal(t, ExitUsage, code)
}

func TestServeConfig(t *testing.T) {
	cmd := newServeCmd(&app{})
	require.NoError(t, cmd.Flags().Set("addr", "127.0.0.1:0"))
	require.NoError(t, cmd.Flags().Set("quota-burst", "5"))
	require.NoError(t, cmd.Flags().Set("fail-rate", "0.25"))
	require.NoError(t, cmd.Flags().Set("latency", "5ms"))

	cfg, err := serveConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Addr)
	assert.Equal(t, 5, cfg.QuotaBurst)
	assert.Equal(t, targetserver.DefaultQuotaInterval, cfg.QuotaInterval)
	assert.Equal(t, 0.25, cfg.FailRate)
	assert.Len(t, cfg.Cities, len(targetserver.BuiltinCities()))
}

func TestServe_InvalidFlagsExitTwo(t *testing.T) {
	_, _, code := execute(t, "serve", "--fail-rate", "2")
	assert.Equal(t, ExitUsage, code)

	_, _, code = execute(t, "serve", "--data", "does-not-exist.tsv")
	assert.Equal(t, ExitUsage, code)
}

func TestMain_PrintsError(t *testing.T) {
	var stderr bytes.Buffer
	code := Main([]string{"validate"}, &stderr)
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "Error: --config is required")
}
