package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// CompileSchema parses and resolves a JSON Schema document. An empty
// document resolves to nil, meaning "accept anything".
func CompileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema: %w", err)
	}
	return resolved, nil
}

// ValidateValue validates a JSON document against a compiled schema. A nil
// schema accepts any well-formed document.
func ValidateValue(resolved *jsonschema.Resolved, data json.RawMessage) error {
	var v interface{}
	if len(bytes.TrimSpace(data)) == 0 {
		v = map[string]interface{}{}
	} else if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if resolved == nil {
		return nil
	}
	return resolved.Validate(v)
}

// ValidateAgainstSchema validates data against a JSON schema document
func ValidateAgainstSchema(data json.RawMessage, schema json.RawMessage) error {
	resolved, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	return ValidateValue(resolved, data)
}

// JSONToStruct unmarshals JSON into a struct with better error messages
func JSONToStruct(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		snippet := data
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return fmt.Errorf("failed to unmarshal JSON: %w (data: %s)", err, string(snippet))
	}
	return nil
}
