// Package config defines the declarative load test format and compiles it
// into a validated, typed Plan.
package config

// TestConfig is the root of a load test definition.
//
// Example YAML:
//
//	name: geocoder ramp
//	target:
//	  method: GET
//	  url: http://localhost:5353
//	  query:
//	    lat: "50.9"
//	    lng: "7.2"
//	    results: "2"
//	checks:
//	  - name: status was 200
//	    type: status
//	    condition: eq
//	    value: "200"
//	stages:
//	  - duration: 5s
//	    target: 10
//	  - duration: 25s
//	    target: 20
//	    thresholds:
//	      checks: ["rate>0.9"]
//	sleep: 100ms
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target is the request every iteration sends
	Target TargetConfig `json:"target" yaml:"target"`

	// Checks run against every response
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`

	// Stages define the VU ramp, in order
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Thresholds are evaluated against the whole run, keyed by metric name
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Sleep is the pause between iterations of one VU
	Sleep string `json:"sleep,omitempty" yaml:"sleep,omitempty"`

	// GracefulStop bounds how long draining waits for in-flight iterations
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// ReconcileInterval is how often the VU population is adjusted
	ReconcileInterval string `json:"reconcileInterval,omitempty" yaml:"reconcileInterval,omitempty"`

	// HTTP holds client transport settings
	HTTP HTTPSettings `json:"http,omitempty" yaml:"http,omitempty"`
}

// TargetConfig describes the HTTP request.
type TargetConfig struct {
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CheckConfig declares one named check.
type CheckConfig struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

// StageConfig declares one stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of this stage
	Target int `json:"target" yaml:"target"`

	// Hold keeps the VU count flat at Target instead of ramping to it
	Hold bool `json:"hold,omitempty" yaml:"hold,omitempty"`

	// Name for this stage (optional, used in reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Thresholds are evaluated against this stage's window when it ends
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// HTTPSettings tunes the shared HTTP client.
type HTTPSettings struct {
	MaxIdleConnsPerHost int    `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	MaxConnsPerHost     int    `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`
	InsecureSkipVerify  bool   `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
	DisableKeepAlives   bool   `json:"disableKeepAlives,omitempty" yaml:"disableKeepAlives,omitempty"`
	UserAgent           string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}
