package check

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// toGJSONPath converts a JSONPath expression such as $.features[0].properties.name
// into gjson syntax (features.0.properties.name). Paths without a leading $ are
// assumed to be gjson paths already.
func toGJSONPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	// Bracketed member names: ['name'] or ["name"]
	for _, q := range []string{"'", `"`} {
		path = strings.ReplaceAll(path, "["+q, ".")
		path = strings.ReplaceAll(path, q+"]", "")
	}
	// Array indexes: [0] -> .0
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.TrimPrefix(path, ".")
}

func (c *Check) evalJSONPath(body []byte) Result {
	if !gjson.ValidBytes(body) {
		return c.fail("response body is not valid JSON")
	}

	res := gjson.GetBytes(body, c.path)
	if c.condition == CondExists {
		if res.Exists() == c.exists {
			return c.pass()
		}
		if c.exists {
			return c.fail(fmt.Sprintf("path %s not found", c.path))
		}
		return c.fail(fmt.Sprintf("path %s exists", c.path))
	}
	if !res.Exists() {
		return c.fail(fmt.Sprintf("path %s not found", c.path))
	}

	switch c.condition {
	case CondLt, CondLte, CondGt, CondGte:
		if res.Type != gjson.Number {
			return c.fail(fmt.Sprintf("path %s is %s, not a number", c.path, res.Type))
		}
		if compareNumber(res.Float(), c.condition, c.number) {
			return c.pass()
		}
		return c.fail(fmt.Sprintf("path %s is %g, expected %s %g", c.path, res.Float(), c.condition, c.number))
	}

	value := res.String()
	if res.Type == gjson.Null {
		value = "null"
	}
	return c.evalString("path "+c.path, value, true)
}
