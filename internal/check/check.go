// Package check implements named pass/fail predicates evaluated on every response.
package check

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wesleyorama2/stagehand/internal/httpclient"
)

// Type selects what part of the response a check inspects.
type Type string

const (
	TypeStatus   Type = "status"
	TypeBody     Type = "body"
	TypeHeader   Type = "header"
	TypeDuration Type = "duration"
	TypeJSONPath Type = "jsonpath"
	TypeSchema   Type = "schema"
)

// Condition is the comparison a check applies.
type Condition string

const (
	CondEq       Condition = "eq"
	CondNe       Condition = "ne"
	CondLt       Condition = "lt"
	CondLte      Condition = "lte"
	CondGt       Condition = "gt"
	CondGte      Condition = "gte"
	CondIn       Condition = "in"
	CondContains Condition = "contains"
	CondMatches  Condition = "matches"
	CondExists   Condition = "exists"
)

// conditions lists the conditions each type accepts; the first is the default.
var conditions = map[Type][]Condition{
	TypeStatus:   {CondEq, CondNe, CondLt, CondLte, CondGt, CondGte, CondIn},
	TypeBody:     {CondContains, CondMatches, CondEq, CondNe},
	TypeHeader:   {CondExists, CondEq, CondNe, CondContains, CondMatches},
	TypeDuration: {CondLt, CondLte, CondGt, CondGte},
	TypeJSONPath: {CondExists, CondEq, CondNe, CondContains, CondMatches, CondLt, CondLte, CondGt, CondGte},
	TypeSchema:   {""},
}

// Spec is the declarative form of a check.
type Spec struct {
	Name      string
	Type      string
	Condition string
	Value     string
	// Path is the header name for header checks and the JSON path for jsonpath checks.
	Path string
}

// DefaultSpec is the check used when a test declares none.
func DefaultSpec() Spec {
	return Spec{Name: "status was 200", Type: string(TypeStatus), Condition: string(CondEq), Value: "200"}
}

// Check is a compiled, immutable check. Evaluate is safe for concurrent use.
type Check struct {
	name      string
	typ       Type
	condition Condition
	value     string
	path      string

	number   float64
	statuses []int
	exists   bool
	re       *regexp.Regexp
	schema   *jsonschema.Schema
}

// Result is the outcome of one check on one response.
type Result struct {
	Name    string
	Passed  bool
	Message string
}

// Compile validates spec and precompiles its regex, schema or numeric operand.
func Compile(spec Spec) (*Check, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("check name is required")
	}

	typ := Type(strings.ToLower(spec.Type))
	allowed, ok := conditions[typ]
	if !ok {
		return nil, fmt.Errorf("unknown check type %q", spec.Type)
	}

	cond := Condition(strings.ToLower(spec.Condition))
	if cond == "" {
		cond = allowed[0]
	}
	if !containsCondition(allowed, cond) {
		return nil, fmt.Errorf("condition %q is not supported for %s checks", spec.Condition, typ)
	}

	c := &Check{
		name:      spec.Name,
		typ:       typ,
		condition: cond,
		value:     spec.Value,
		path:      spec.Path,
	}

	var err error
	switch typ {
	case TypeStatus:
		err = c.compileStatus()
	case TypeBody:
		err = c.compileMatch()
	case TypeHeader:
		if c.path == "" {
			return nil, errors.New("header checks require a path naming the header")
		}
		err = c.compileMatch()
	case TypeDuration:
		c.number, err = parseMillis(c.value)
	case TypeJSONPath:
		if c.path == "" {
			return nil, errors.New("jsonpath checks require a path")
		}
		c.path = toGJSONPath(c.path)
		err = c.compileJSONPath()
	case TypeSchema:
		c.schema, err = compileSchema(c.value)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(spec Spec) *Check {
	c, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func containsCondition(list []Condition, c Condition) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func (c *Check) compileStatus() error {
	if c.condition == CondIn {
		for _, part := range strings.Split(c.value, ",") {
			code, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("invalid status code %q", part)
			}
			c.statuses = append(c.statuses, code)
		}
		return nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(c.value))
	if err != nil {
		return fmt.Errorf("invalid status code %q", c.value)
	}
	c.number = float64(code)
	return nil
}

func (c *Check) compileMatch() error {
	switch c.condition {
	case CondMatches:
		re, err := regexp.Compile(c.value)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", c.value, err)
		}
		c.re = re
	case CondExists:
		return c.compileExists()
	}
	return nil
}

func (c *Check) compileExists() error {
	if c.value == "" {
		c.exists = true
		return nil
	}
	b, err := strconv.ParseBool(c.value)
	if err != nil {
		return fmt.Errorf("exists value must be true or false, got %q", c.value)
	}
	c.exists = b
	return nil
}

func (c *Check) compileJSONPath() error {
	switch c.condition {
	case CondLt, CondLte, CondGt, CondGte:
		n, err := strconv.ParseFloat(c.value, 64)
		if err != nil {
			return fmt.Errorf("numeric condition %s requires a number, got %q", c.condition, c.value)
		}
		c.number = n
		return nil
	}
	return c.compileMatch()
}

// parseMillis accepts a number of milliseconds or a duration string.
func parseMillis(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}

// Name returns the check name.
func (c *Check) Name() string {
	return c.name
}

// Type returns the check type.
func (c *Check) Type() Type {
	return c.typ
}

// Evaluate applies the check to resp.
func (c *Check) Evaluate(resp *httpclient.Response) Result {
	if resp == nil {
		return c.fail("no response")
	}

	switch c.typ {
	case TypeStatus:
		return c.evalStatus(resp.StatusCode)
	case TypeBody:
		return c.evalString("body", string(resp.Body), true)
	case TypeHeader:
		return c.evalHeader(resp)
	case TypeDuration:
		ms := float64(resp.Duration()) / float64(time.Millisecond)
		if compareNumber(ms, c.condition, c.number) {
			return c.pass()
		}
		return c.fail(fmt.Sprintf("duration %.1fms is not %s %gms", ms, c.condition, c.number))
	case TypeJSONPath:
		return c.evalJSONPath(resp.Body)
	case TypeSchema:
		return c.evalSchema(resp.Body)
	}
	return c.fail("unsupported check type")
}

func (c *Check) pass() Result {
	return Result{Name: c.name, Passed: true}
}

func (c *Check) fail(msg string) Result {
	return Result{Name: c.name, Message: msg}
}

// Failed returns a failing result for check c caused by err, used when no
// response could be obtained.
func (c *Check) Failed(err error) Result {
	return c.fail(err.Error())
}

func (c *Check) evalStatus(code int) Result {
	if c.condition == CondIn {
		for _, s := range c.statuses {
			if s == code {
				return c.pass()
			}
		}
		return c.fail(fmt.Sprintf("status is %d, expected one of %s", code, c.value))
	}
	if compareNumber(float64(code), c.condition, c.number) {
		return c.pass()
	}
	return c.fail(fmt.Sprintf("status is %d, expected %s %d", code, c.condition, int(c.number)))
}

func (c *Check) evalHeader(resp *httpclient.Response) Result {
	values := resp.Headers.Values(c.path)
	present := len(values) > 0
	if c.condition == CondExists {
		if present == c.exists {
			return c.pass()
		}
		if c.exists {
			return c.fail(fmt.Sprintf("header %s is missing", c.path))
		}
		return c.fail(fmt.Sprintf("header %s is present", c.path))
	}
	if !present {
		return c.fail(fmt.Sprintf("header %s is missing", c.path))
	}
	return c.evalString("header "+c.path, strings.Join(values, ", "), false)
}

// evalString applies eq/ne/contains/matches to actual.
func (c *Check) evalString(subject, actual string, truncate bool) Result {
	ok := false
	switch c.condition {
	case CondEq:
		ok = actual == c.value
	case CondNe:
		ok = actual != c.value
	case CondContains:
		ok = strings.Contains(actual, c.value)
	case CondMatches:
		ok = c.re.MatchString(actual)
	}
	if ok {
		return c.pass()
	}
	shown := actual
	if truncate && len(shown) > 64 {
		shown = shown[:64] + "..."
	}
	return c.fail(fmt.Sprintf("%s %q does not satisfy %s %q", subject, shown, c.condition, c.value))
}

func compareNumber(actual float64, cond Condition, expected float64) bool {
	switch cond {
	case CondEq:
		return actual == expected
	case CondNe:
		return actual != expected
	case CondLt:
		return actual < expected
	case CondLte:
		return actual <= expected
	case CondGt:
		return actual > expected
	case CondGte:
		return actual >= expected
	default:
		return false
	}
}
