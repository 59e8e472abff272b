package cap

import (
	"fmt"
	"strings"

	"github.com/machinefabric/piperpc-go/cbor"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidationError represents errors that occur during JSON schema validation
type SchemaValidationError struct {
	Type      string      `json:"type"`
	Operation string      `json:"operation,omitempty"`
	Argument  string      `json:"argument,omitempty"`
	Details   string      `json:"details"`
	Value     interface{} `json:"value,omitempty"`
}

func (e *SchemaValidationError) Error() string {
	if e.Argument != "" {
		return fmt.Sprintf("Schema validation failed for argument '%s': %s", e.Argument, e.Details)
	}
	return fmt.Sprintf("Schema validation failed: %s", e.Details)
}

// compiledSchema is a JSON Schema Draft-7 document compiled once at registration
type compiledSchema struct {
	schema *gojsonschema.Schema
}

// compileSchema accepts either a JSON document as a string / []byte or an
// already unmarshalled Go value.
func compileSchema(doc interface{}) (*compiledSchema, error) {
	if doc == nil {
		return nil, nil
	}

	var loader gojsonschema.JSONLoader
	switch d := doc.(type) {
	case string:
		loader = gojsonschema.NewStringLoader(d)
	case []byte:
		loader = gojsonschema.NewBytesLoader(d)
	default:
		loader = gojsonschema.NewGoLoader(d)
	}

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, &SchemaValidationError{
			Type:    "SchemaCompilation",
			Details: fmt.Sprintf("Failed to compile schema: %v", err),
		}
	}
	return &compiledSchema{schema: schema}, nil
}

// validate checks a generically decoded value. kind is "argument" or "output".
func (c *compiledSchema) validate(operation, name string, value interface{}, kind string) error {
	if c == nil {
		return nil
	}

	normalized := cbor.Normalize(value)
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(normalized))
	if err != nil {
		return &SchemaValidationError{
			Type:      "InvalidJson",
			Operation: operation,
			Argument:  name,
			Details:   fmt.Sprintf("Failed to load value for validation: %v", err),
			Value:     normalized,
		}
	}

	if result.Valid() {
		return nil
	}

	var errorDetails []string
	for _, desc := range result.Errors() {
		errorDetails = append(errorDetails, fmt.Sprintf("  - %s", desc))
	}

	if kind == "argument" {
		return &SchemaValidationError{
			Type:      "ArgumentValidation",
			Operation: operation,
			Argument:  name,
			Details:   strings.Join(errorDetails, "\n"),
			Value:     normalized,
		}
	}
	return &SchemaValidationError{
		Type:      "OutputValidation",
		Operation: operation,
		Details:   strings.Join(errorDetails, "\n"),
		Value:     normalized,
	}
}
