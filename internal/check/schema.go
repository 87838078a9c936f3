package check

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "schema.json"

func compileSchema(src string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("schema checks require a JSON schema value")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

func (c *Check) evalSchema(body []byte) Result {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return c.fail("response body is not valid JSON")
	}
	if err := c.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return c.fail("schema validation failed: " + verr.Error())
		}
		return c.fail(err.Error())
	}
	return c.pass()
}
