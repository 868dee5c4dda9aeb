package conversation

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// LoadRequirementsSchema compiles the JSON schema requirements payloads must satisfy
func LoadRequirementsSchema(path string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	schema, err := c.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile requirements schema %s: %w", path, err)
	}
	return schema, nil
}
