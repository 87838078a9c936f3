package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stagehand/internal/threshold"
)

func validConfig() *TestConfig {
	return &TestConfig{
		Name: "geocoder",
		Target: TargetConfig{
			URL:     "http://localhost:5353",
			Query:   map[string]string{"lng": "7.2", "lat": "50.9", "results": "2"},
			Headers: map[string]string{"Accept": "application/json"},
		},
		Stages: []StageConfig{
			{Duration: "5s", Target: 10},
			{Duration: "25s", Target: 20, Thresholds: map[string][]string{"checks": {"rate>0.9"}}},
		},
		Thresholds: map[string][]string{
			"http_req_duration":      {"p(95)<500", "avg<200"},
			"checks{status was 200}": {"rate>=0.99"},
		},
	}
}

func TestCompile_Valid(t *testing.T) {
	plan, err := validConfig().Compile()
	require.NoError(t, err)

	assert.Equal(t, "geocoder", plan.Name)
	assert.Equal(t, "GET", plan.Request.Method)
	u, err := plan.Request.ResolvedURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5353?lat=50.9&lng=7.2&results=2", u.String())
	assert.Equal(t, "application/json", plan.Request.Headers["Accept"])

	assert.Equal(t, 100*time.Millisecond, plan.Sleep)
	assert.Equal(t, 30*time.Second, plan.GracefulStop)
	assert.Equal(t, 100*time.Millisecond, plan.ReconcileInterval)
	assert.Equal(t, 30*time.Second, plan.Client.Timeout)

	require.Len(t, plan.Stages, 2)
	assert.Equal(t, 5*time.Second, plan.Stages[0].Duration)
	assert.Equal(t, 20, plan.Stages[1].Target)
	assert.Equal(t, "stage-2", plan.Stages[1].Name)
	require.Len(t, plan.Stages[1].Thresholds, 1)
	assert.Equal(t, threshold.AggRate, plan.Stages[1].Thresholds[0].Aggregation)

	// Run thresholds are ordered by metric name.
	require.Len(t, plan.Thresholds, 3)
	assert.Equal(t, "checks{status was 200}", plan.Thresholds[0].Metric)
	assert.Equal(t, "http_req_duration", plan.Thresholds[1].Metric)
	assert.Equal(t, 4, plan.ThresholdCount())

	tl, err := plan.Timeline()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, tl.Total())
	assert.Equal(t, 15, tl.DesiredAt(17500*time.Millisecond))
}

func TestCompile_HTTPSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Target.Timeout = "5s"
	cfg.HTTP = HTTPSettings{MaxIdleConnsPerHost: 10, MaxConnsPerHost: 50, DisableKeepAlives: true, UserAgent: "probe"}

	plan, err := cfg.Compile()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, plan.Client.Timeout)
	assert.Equal(t, 10, plan.Client.MaxIdleConnsPerHost)
	assert.Equal(t, 50, plan.Client.MaxConnsPerHost)
	assert.True(t, plan.Client.DisableKeepAlives)
	assert.Equal(t, "probe", plan.Client.UserAgent)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *TestConfig)
		field  string
	}{
		{"missing url", func(c *TestConfig) { c.Target.URL = "" }, "target.url"},
		{"bad scheme", func(c *TestConfig) { c.Target.URL = "ftp://host" }, "target.url"},
		{"no host", func(c *TestConfig) { c.Target.URL = "http://" }, "target.url"},
		{"bad method", func(c *TestConfig) { c.Target.Method = "FETCH" }, "target.method"},
		{"bad timeout", func(c *TestConfig) { c.Target.Timeout = "0s" }, "target.timeout"},
		{"no stages", func(c *TestConfig) { c.Stages = nil }, "stages"},
		{"zero duration", func(c *TestConfig) { c.Stages[0].Duration = "0s" }, "stages[0].duration"},
		{"unparsable duration", func(c *TestConfig) { c.Stages[0].Duration = "later" }, "stages[0].duration"},
		{"negative target", func(c *TestConfig) { c.Stages[1].Target = -3 }, "stages[1].target"},
		{"malformed threshold", func(c *TestConfig) {
			c.Stages[1].Thresholds["checks"] = []string{"rate>>0.9"}
		}, "stages[1].thresholds.checks[0]"},
		{"unknown metric", func(c *TestConfig) {
			c.Thresholds["vus"] = []string{"count<10"}
		}, "thresholds.vus[0]"},
		{"non-finite threshold", func(c *TestConfig) {
			c.Stages[1].Thresholds["checks"] = []string{"rate>NaN"}
		}, "stages[1].thresholds.checks[0]"},
		{"wrong aggregation", func(c *TestConfig) {
			c.Thresholds["checks"] = []string{"p(95)<1"}
		}, "thresholds.checks[0]"},
		{"undeclared check", func(c *TestConfig) {
			c.Thresholds["checks{body ok}"] = []string{"rate>0.5"}
		}, "thresholds.checks{body ok}"},
		{"unknown check type", func(c *TestConfig) {
			c.Checks = []CheckConfig{{Name: "x", Type: "latency"}}
			delete(c.Thresholds, "checks{status was 200}")
		}, "checks[0]"},
		{"duplicate check", func(c *TestConfig) {
			c.Checks = []CheckConfig{
				{Name: "status was 200", Type: "status", Value: "200"},
				{Name: "status was 200", Type: "status", Value: "201"},
			}
		}, "checks[1].name"},
		{"negative sleep", func(c *TestConfig) { c.Sleep = "-1s" }, "sleep"},
		{"zero grace", func(c *TestConfig) { c.GracefulStop = "0" }, "gracefulStop"},
		{"bad interval", func(c *TestConfig) { c.ReconcileInterval = "fast" }, "reconcileInterval"},
		{"negative conns", func(c *TestConfig) { c.HTTP.MaxConnsPerHost = -1 }, "http.maxConnsPerHost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			plan, err := cfg.Compile()
			require.Error(t, err)
			assert.Nil(t, plan)

			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs), "error should be *ValidationErrors, got %T", err)
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}
}

func TestCompile_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Target.URL = ""
	cfg.Stages[0].Target = -1
	cfg.Thresholds["checks"] = []string{"nonsense"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "3 validation errors:"), err.Error())
}

func TestCompile_ZeroSleepAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Sleep = "0s"
	plan, err := cfg.Compile()
	require.NoError(t, err)
	assert.Zero(t, plan.Sleep)
}

func TestValidationError_Format(t *testing.T) {
	e := &ValidationError{Field: "stages[0].target", Message: "must be non-negative"}
	assert.Equal(t, "validation error on field 'stages[0].target': must be non-negative", e.Error())

	e = &ValidationError{Message: "broken"}
	assert.Equal(t, "validation error: broken", e.Error())

	errs := &ValidationErrors{}
	assert.False(t, errs.HasErrors())
	assert.Equal(t, "no validation errors", errs.Error())
}
