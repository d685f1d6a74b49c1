package blueprint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles a JSON Schema document (as decoded JSON) into a
// validator. Returns nil for an empty schema, which accepts everything.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", parsed); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// SchemaDeclaresField reports whether a schema document declares the given
// top-level property. Schemas without a properties map make no claim and
// accept any field.
func SchemaDeclaresField(doc map[string]any, field string) bool {
	if len(doc) == 0 {
		return true
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return true
	}
	_, declared := props[field]
	return declared
}
