package check

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stagehand/internal/httpclient"
)

const geoBody = `{"type":"FeatureCollection","features":[` +
	`{"type":"Feature","properties":{"name":"Siegburg","distance":3.2}},` +
	`{"type":"Feature","properties":{"name":"Bonn","distance":12.5}}]}`

func response(status int, body string, total time.Duration) *httpclient.Response {
	return &httpclient.Response{
		StatusCode: status,
		Headers: http.Header{
			"Content-Type": {"application/geo+json"},
			"X-Request-Id": {"abc"},
		},
		Body:   []byte(body),
		Timing: httpclient.TimingInfo{TotalTime: total},
	}
}

func TestEvaluate(t *testing.T) {
	ok := response(200, geoBody, 40*time.Millisecond)
	bad := response(500, `{"error":"boom"}`, 900*time.Millisecond)

	tests := []struct {
		name   string
		spec   Spec
		resp   *httpclient.Response
		passed bool
	}{
		{"default status pass", DefaultSpec(), ok, true},
		{"default status fail", DefaultSpec(), bad, false},
		{"status ne", Spec{Name: "n", Type: "status", Condition: "ne", Value: "500"}, ok, true},
		{"status lt", Spec{Name: "n", Type: "status", Condition: "lt", Value: "400"}, bad, false},
		{"status in", Spec{Name: "n", Type: "status", Condition: "in", Value: "200, 201,204"}, ok, true},
		{"status in miss", Spec{Name: "n", Type: "status", Condition: "in", Value: "201,204"}, ok, false},
		{"body contains", Spec{Name: "n", Type: "body", Value: "Siegburg"}, ok, true},
		{"body matches", Spec{Name: "n", Type: "body", Condition: "matches", Value: `"name":"B\w+"`}, ok, true},
		{"body eq", Spec{Name: "n", Type: "body", Condition: "eq", Value: "x"}, ok, false},
		{"header exists", Spec{Name: "n", Type: "header", Path: "x-request-id"}, ok, true},
		{"header absent", Spec{Name: "n", Type: "header", Path: "X-Cache", Value: "false"}, ok, true},
		{"header missing", Spec{Name: "n", Type: "header", Path: "X-Cache"}, ok, false},
		{"header contains", Spec{Name: "n", Type: "header", Condition: "contains", Path: "Content-Type", Value: "geo+json"}, ok, true},
		{"duration lt ms", Spec{Name: "n", Type: "duration", Value: "500"}, ok, true},
		{"duration lt string", Spec{Name: "n", Type: "duration", Condition: "lt", Value: "500ms"}, bad, false},
		{"duration gte", Spec{Name: "n", Type: "duration", Condition: "gte", Value: "0.5s"}, bad, true},
		{"jsonpath exists", Spec{Name: "n", Type: "jsonpath", Path: "$.features[1].properties.name"}, ok, true},
		{"jsonpath missing", Spec{Name: "n", Type: "jsonpath", Path: "$.features[5]"}, ok, false},
		{"jsonpath eq", Spec{Name: "n", Type: "jsonpath", Condition: "eq", Path: "$.features[0].properties.name", Value: "Siegburg"}, ok, true},
		{"jsonpath gjson syntax", Spec{Name: "n", Type: "jsonpath", Condition: "eq", Path: "features.#", Value: "2"}, ok, true},
		{"jsonpath lt", Spec{Name: "n", Type: "jsonpath", Condition: "lt", Path: "$.features[0].properties.distance", Value: "5"}, ok, true},
		{"jsonpath gt fails", Spec{Name: "n", Type: "jsonpath", Condition: "gt", Path: "$.features[1].properties.distance", Value: "20"}, ok, false},
		{"jsonpath numeric on string", Spec{Name: "n", Type: "jsonpath", Condition: "gt", Path: "$.type", Value: "1"}, ok, false},
		{"jsonpath invalid body", Spec{Name: "n", Type: "jsonpath", Path: "$.a"}, response(200, "not json", 0), false},
		{"schema pass", Spec{Name: "n", Type: "schema", Value: `{"type":"object","required":["features"]}`}, ok, true},
		{"schema fail", Spec{Name: "n", Type: "schema", Value: `{"type":"object","required":["features"]}`}, bad, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.spec)
			require.NoError(t, err)
			res := c.Evaluate(tt.resp)
			assert.Equal(t, tt.passed, res.Passed, res.Message)
			assert.Equal(t, tt.spec.Name, res.Name)
			if !tt.passed {
				assert.NotEmpty(t, res.Message)
			}
		})
	}
}

func TestEvaluate_StatusMessage(t *testing.T) {
	res := MustCompile(DefaultSpec()).Evaluate(response(503, "", 0))
	assert.Equal(t, "status is 503, expected eq 200", res.Message)
}

func TestEvaluate_NilResponse(t *testing.T) {
	res := MustCompile(DefaultSpec()).Evaluate(nil)
	assert.False(t, res.Passed)
}

func TestFailed(t *testing.T) {
	res := MustCompile(DefaultSpec()).Failed(errors.New("connection refused"))
	assert.False(t, res.Passed)
	assert.Equal(t, "status was 200", res.Name)
	assert.Equal(t, "connection refused", res.Message)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"no name", Spec{Type: "status", Value: "200"}},
		{"unknown type", Spec{Name: "n", Type: "latency"}},
		{"bad condition", Spec{Name: "n", Type: "status", Condition: "contains", Value: "200"}},
		{"bad status", Spec{Name: "n", Type: "status", Value: "ok"}},
		{"bad status list", Spec{Name: "n", Type: "status", Condition: "in", Value: "200,x"}},
		{"bad regex", Spec{Name: "n", Type: "body", Condition: "matches", Value: "("}},
		{"header without path", Spec{Name: "n", Type: "header"}},
		{"bad exists", Spec{Name: "n", Type: "header", Path: "X", Value: "maybe"}},
		{"bad duration", Spec{Name: "n", Type: "duration", Value: "soon"}},
		{"jsonpath without path", Spec{Name: "n", Type: "jsonpath"}},
		{"jsonpath numeric", Spec{Name: "n", Type: "jsonpath", Condition: "gt", Path: "a", Value: "x"}},
		{"empty schema", Spec{Name: "n", Type: "schema"}},
		{"invalid schema", Spec{Name: "n", Type: "schema", Value: `{"type": 12}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec)
			assert.Error(t, err)
		})
	}
}

func TestToGJSONPath(t *testing.T) {
	tests := map[string]string{
		"$":                             "@this",
		"$.features":                    "features",
		"$.features[0].properties.name": "features.0.properties.name",
		"$['type']":                     "type",
		`$["features"][1]`:              "features.1",
		"features.#.properties.name":    "features.#.properties.name",
	}
	for in, want := range tests {
		assert.Equal(t, want, toGJSONPath(in), in)
	}
}
