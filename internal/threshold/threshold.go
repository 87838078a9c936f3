// Package threshold parses and evaluates pass/fail expressions over metric snapshots.
//
// An expression has the form <aggregation><operator><literal>, for example
// "rate>0.9", "p(95) < 500ms" or "count >= 1000". Expressions are parsed once
// when a test is loaded; evaluation is pure.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/stagehand/internal/metrics"
)

// Aggregation selects which value of a metric is compared.
type Aggregation string

const (
	AggRate       Aggregation = "rate"
	AggCount      Aggregation = "count"
	AggAvg        Aggregation = "avg"
	AggMin        Aggregation = "min"
	AggMax        Aggregation = "max"
	AggMed        Aggregation = "med"
	AggPercentile Aggregation = "p"
)

// Operator is a comparison operator.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

var (
	// Longer operators come first so ">=" is not read as ">" followed by "=...".
	expressionRe = regexp.MustCompile(`^([a-z]+(?:\(\s*[0-9.]+\s*\)|[0-9.]+)?)\s*(>=|<=|==|!=|>|<)\s*(.+)$`)
	percentileRe = regexp.MustCompile(`^p(?:\(\s*([0-9.]+)\s*\)|([0-9.]+))$`)
)

// allowed lists the aggregations that make sense for each metric kind.
var allowed = map[metrics.Kind][]Aggregation{
	metrics.KindRate:    {AggRate},
	metrics.KindCounter: {AggCount, AggRate},
	metrics.KindTrend:   {AggAvg, AggMin, AggMax, AggMed, AggPercentile},
}

// Threshold is a parsed expression bound to a metric.
type Threshold struct {
	Metric      string
	Expression  string
	Kind        metrics.Kind
	Aggregation Aggregation
	// Percentile is set for AggPercentile, in the range (0, 100].
	Percentile float64
	Operator   Operator
	// Literal is the comparison value; trend literals are in milliseconds.
	Literal float64
}

// Parse parses expr as a threshold on metric.
func Parse(metric, expr string) (*Threshold, error) {
	kind, ok := metrics.KindOf(metric)
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	trimmed := strings.TrimSpace(expr)
	matches := expressionRe.FindStringSubmatch(trimmed)
	if len(matches) != 4 {
		return nil, fmt.Errorf("invalid threshold expression %q: expected <aggregation><operator><value>", expr)
	}

	t := &Threshold{
		Metric:     metric,
		Expression: trimmed,
		Kind:       kind,
		Operator:   Operator(matches[2]),
	}

	if err := t.parseAggregation(matches[1]); err != nil {
		return nil, fmt.Errorf("invalid threshold expression %q: %w", expr, err)
	}
	if !t.aggregationAllowed() {
		return nil, fmt.Errorf("invalid threshold expression %q: aggregation %q does not apply to %s metric %s",
			expr, matches[1], kind, metric)
	}

	literal, err := t.parseLiteral(strings.TrimSpace(matches[3]))
	if err != nil {
		return nil, fmt.Errorf("invalid threshold expression %q: %w", expr, err)
	}
	t.Literal = literal

	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(metric, expr string) *Threshold {
	t, err := Parse(metric, expr)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Threshold) parseAggregation(s string) error {
	switch Aggregation(s) {
	case AggRate, AggCount, AggAvg, AggMin, AggMax, AggMed:
		t.Aggregation = Aggregation(s)
		return nil
	}

	m := percentileRe.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("unknown aggregation %q", s)
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil || p <= 0 || p > 100 {
		return fmt.Errorf("percentile must be in (0, 100], got %q", raw)
	}
	t.Aggregation = AggPercentile
	t.Percentile = p
	return nil
}

func (t *Threshold) aggregationAllowed() bool {
	for _, a := range allowed[t.Kind] {
		if a == t.Aggregation {
			return true
		}
	}
	return false
}

func (t *Threshold) parseLiteral(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("value %q is not a finite number", s)
		}
		return v, nil
	}
	if t.Kind == metrics.KindTrend {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("value %q is neither a number of milliseconds nor a duration", s)
		}
		return float64(d) / float64(time.Millisecond), nil
	}
	return 0, fmt.Errorf("value %q is not a number", s)
}

// String returns the metric and expression, e.g. "checks: rate>0.9".
func (t *Threshold) String() string {
	return t.Metric + ": " + t.Expression
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Passed     bool    `json:"passed"`
	NoData     bool    `json:"noData,omitempty"`
	Value      float64 `json:"value"`
	Message    string  `json:"message,omitempty"`
}

// Evaluate compares the threshold against a snapshot. A metric with no samples
// yields a passing result marked NoData.
func (t *Threshold) Evaluate(snap *metrics.Snapshot) Result {
	res := Result{
		Metric:     t.Metric,
		Expression: t.Expression,
	}

	value, ok := t.value(snap)
	if !ok {
		res.Passed = true
		res.NoData = true
		res.Message = "no data"
		return res
	}

	res.Value = value
	res.Passed = compare(value, t.Operator, t.Literal)
	if !res.Passed {
		res.Message = fmt.Sprintf("%s is %s, threshold: %s %s",
			t.aggregationLabel(), formatValue(value), t.Operator, formatValue(t.Literal))
	}
	return res
}

func (t *Threshold) value(snap *metrics.Snapshot) (float64, bool) {
	m := snap.Metric(t.Metric)
	if m.NoData() {
		return 0, false
	}

	switch t.Kind {
	case metrics.KindRate:
		return m.Rate, true
	case metrics.KindCounter:
		if t.Aggregation == AggCount {
			return float64(m.Count), true
		}
		if snap.Elapsed <= 0 {
			return 0, false
		}
		return float64(m.Count) / snap.Elapsed.Seconds(), true
	case metrics.KindTrend:
		switch t.Aggregation {
		case AggAvg:
			return m.Trend.Avg, true
		case AggMin:
			return m.Trend.Min, true
		case AggMax:
			return m.Trend.Max, true
		case AggMed:
			return m.Trend.Med, true
		case AggPercentile:
			return m.Trend.Percentile(t.Percentile), true
		}
	}
	return 0, false
}

func (t *Threshold) aggregationLabel() string {
	if t.Aggregation == AggPercentile {
		return "p(" + strconv.FormatFloat(t.Percentile, 'f', -1, 64) + ")"
	}
	return string(t.Aggregation)
}

func compare(actual float64, op Operator, threshold float64) bool {
	switch op {
	case OpLess:
		return actual < threshold
	case OpLessEqual:
		return actual <= threshold
	case OpGreater:
		return actual > threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	default:
		return false
	}
}

// FormattedValue returns Value as printed in failure messages.
func (r Result) FormattedValue() string {
	return formatValue(r.Value)
}

// formatValue prints at most four decimals without trailing zeros.
func formatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// EvaluateAll evaluates every threshold against snap and reports whether all passed.
func EvaluateAll(thresholds []*Threshold, snap *metrics.Snapshot) ([]Result, bool) {
	results := make([]Result, 0, len(thresholds))
	passed := true
	for _, t := range thresholds {
		r := t.Evaluate(snap)
		if !r.Passed {
			passed = false
		}
		results = append(results, r)
	}
	return results, passed
}
