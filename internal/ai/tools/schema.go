package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaFor reflects the JSON schema of an argument struct into the plain
// map form the provider SDKs accept.
func SchemaFor(args any) (map[string]any, error) {
	s := reflector.Reflect(args)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	// Function-calling APIs reject object schemas without properties.
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	out["type"] = "object"
	return out, nil
}
