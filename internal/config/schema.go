package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "toml",
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "lua-embed configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
