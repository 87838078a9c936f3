package config

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/wesleyorama2/stagehand/internal/check"
	"github.com/wesleyorama2/stagehand/internal/httpclient"
	"github.com/wesleyorama2/stagehand/internal/metrics"
	"github.com/wesleyorama2/stagehand/internal/scheduler"
	"github.com/wesleyorama2/stagehand/internal/threshold"
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Plan is a validated, fully typed test ready to run.
type Plan struct {
	Name        string
	Description string

	Request *httpclient.Request
	Client  httpclient.ClientConfig
	Checks  []*check.Check

	Stages []PlanStage
	// Thresholds are evaluated against the run total.
	Thresholds []*threshold.Threshold

	Sleep             time.Duration
	GracefulStop      time.Duration
	ReconcileInterval time.Duration
}

// PlanStage is a stage with its parsed thresholds.
type PlanStage struct {
	scheduler.Stage
	Thresholds []*threshold.Threshold
}

// Timeline builds the scheduler timeline for the plan's stages.
func (p *Plan) Timeline() (*scheduler.Timeline, error) {
	stages := make([]scheduler.Stage, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = s.Stage
	}
	return scheduler.NewTimeline(stages)
}

// TotalDuration returns the sum of all stage durations.
func (p *Plan) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p.Stages {
		total += s.Duration
	}
	return total
}

// CheckNames returns the check names in declaration order.
func (p *Plan) CheckNames() []string {
	names := make([]string, len(p.Checks))
	for i, c := range p.Checks {
		names[i] = c.Name()
	}
	return names
}

// ThresholdCount returns the number of stage and run thresholds.
func (p *Plan) ThresholdCount() int {
	n := len(p.Thresholds)
	for _, s := range p.Stages {
		n += len(s.Thresholds)
	}
	return n
}

// Compile applies defaults to c, validates it and builds a Plan. Every
// problem found is reported in the returned *ValidationErrors. Threshold
// expressions and checks are parsed here and nowhere else.
func (c *TestConfig) Compile() (*Plan, error) {
	c.ApplyDefaults()
	errs := &ValidationErrors{}

	plan := &Plan{
		Name:        c.Name,
		Description: c.Description,
	}

	plan.Request = compileTarget(&c.Target, errs)
	plan.Client = compileHTTP(c, errs)

	checkNames := make(map[string]bool, len(c.Checks))
	for i, cc := range c.Checks {
		field := fmt.Sprintf("checks[%d]", i)
		if checkNames[cc.Name] {
			errs.Addf(field+".name", "duplicate check name %q", cc.Name)
			continue
		}
		compiled, err := check.Compile(check.Spec{
			Name:      cc.Name,
			Type:      cc.Type,
			Condition: cc.Condition,
			Value:     cc.Value,
			Path:      cc.Path,
		})
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}
		checkNames[cc.Name] = true
		plan.Checks = append(plan.Checks, compiled)
	}

	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i, sc := range c.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		d, err := ParseDurationString(sc.Duration)
		switch {
		case err != nil:
			errs.Add(field+".duration", err.Error())
		case d <= 0:
			errs.Add(field+".duration", "duration must be positive")
		}
		if sc.Target < 0 {
			errs.Addf(field+".target", "target must be non-negative, got %d", sc.Target)
		}
		plan.Stages = append(plan.Stages, PlanStage{
			Stage: scheduler.Stage{
				Duration: d,
				Target:   sc.Target,
				Hold:     sc.Hold,
				Name:     sc.Name,
			},
			Thresholds: compileThresholds(field+".thresholds", sc.Thresholds, checkNames, errs),
		})
	}

	plan.Thresholds = compileThresholds("thresholds", c.Thresholds, checkNames, errs)

	plan.Sleep = compileDuration("sleep", c.Sleep, false, errs)
	plan.GracefulStop = compileDuration("gracefulStop", c.GracefulStop, true, errs)
	plan.ReconcileInterval = compileDuration("reconcileInterval", c.ReconcileInterval, true, errs)

	if errs.HasErrors() {
		return nil, errs
	}
	return plan, nil
}

func compileTarget(t *TargetConfig, errs *ValidationErrors) *httpclient.Request {
	if !allowedMethods[t.Method] {
		errs.Addf("target.method", "unsupported HTTP method %q", t.Method)
	}

	if t.URL == "" {
		errs.Add("target.url", "url is required")
	} else if u, err := url.Parse(t.URL); err != nil {
		errs.Addf("target.url", "invalid url: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.Addf("target.url", "url scheme must be http or https, got %q", u.Scheme)
	} else if u.Host == "" {
		errs.Add("target.url", "url must include a host")
	}

	req := httpclient.NewRequest(t.Method, t.URL)
	// Sorted so the encoded query is stable.
	keys := make([]string, 0, len(t.Query))
	for k := range t.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.WithQueryParam(k, t.Query[k])
	}
	for k, v := range t.Headers {
		req.WithHeader(k, v)
	}
	req.WithBody(t.Body)
	return req
}

func compileHTTP(c *TestConfig, errs *ValidationErrors) httpclient.ClientConfig {
	cfg := httpclient.DefaultClientConfig()
	cfg.Timeout = compileDuration("target.timeout", c.Target.Timeout, true, errs)

	h := c.HTTP
	if h.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "must be non-negative")
	} else if h.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = h.MaxIdleConnsPerHost
	}
	if h.MaxConnsPerHost < 0 {
		errs.Add("http.maxConnsPerHost", "must be non-negative")
	} else {
		cfg.MaxConnsPerHost = h.MaxConnsPerHost
	}
	cfg.InsecureSkipVerify = h.InsecureSkipVerify
	cfg.DisableKeepAlives = h.DisableKeepAlives
	if h.UserAgent != "" {
		cfg.UserAgent = h.UserAgent
	}
	return cfg
}

func compileDuration(field, value string, positive bool, errs *ValidationErrors) time.Duration {
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, err.Error())
		return 0
	}
	if d < 0 || (positive && d == 0) {
		errs.Addf(field, "duration must be positive, got %s", value)
		return 0
	}
	return d
}

func compileThresholds(field string, spec map[string][]string, checks map[string]bool, errs *ValidationErrors) []*threshold.Threshold {
	metricNames := make([]string, 0, len(spec))
	for m := range spec {
		metricNames = append(metricNames, m)
	}
	sort.Strings(metricNames)

	var out []*threshold.Threshold
	for _, m := range metricNames {
		if name, ok := metrics.CheckName(m); ok && !checks[name] {
			errs.Addf(field+"."+m, "threshold references undeclared check %q", name)
			continue
		}
		for i, expr := range spec[m] {
			t, err := threshold.Parse(m, expr)
			if err != nil {
				errs.Add(fmt.Sprintf("%s.%s[%d]", field, m, i), err.Error())
				continue
			}
			out = append(out, t)
		}
	}
	return out
}
