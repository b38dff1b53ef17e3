package flows

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kaptinlin/jsonschema"
)

// SchemaValidationError represents a schema validation failure.
type SchemaValidationError struct {
	Message string
	Details []string
}

func (e *SchemaValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Details)
}

// Contract is a compiled JSON schema describing a flow's input or output.
// A nil *Contract accepts any JSON value.
type Contract struct {
	raw    json.RawMessage
	schema *jsonschema.Schema
}

// NewContract compiles a JSON schema document.
func NewContract(schema []byte) (*Contract, error) {
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Contract{raw: append(json.RawMessage(nil), schema...), schema: compiled}, nil
}

// MustContract is NewContract for schemas known at compile time.
func MustContract(schema string) *Contract {
	c, err := NewContract([]byte(schema))
	if err != nil {
		panic(err)
	}
	return c
}

// Schema returns the source schema document.
func (c *Contract) Schema() json.RawMessage {
	if c == nil {
		return nil
	}
	return c.raw
}

// Validate checks a JSON document against the contract.
func (c *Contract) Validate(doc json.RawMessage) error {
	if c == nil {
		if !json.Valid(doc) {
			return &SchemaValidationError{Message: "invalid JSON"}
		}
		return nil
	}

	var data interface{}
	if err := json.Unmarshal(doc, &data); err != nil {
		return &SchemaValidationError{
			Message: "invalid JSON",
			Details: []string{err.Error()},
		}
	}

	result := c.schema.Validate(data)
	if !result.IsValid() {
		var details []string
		for _, detail := range result.Errors {
			details = append(details, detail.Message)
		}
		sort.Strings(details)
		return &SchemaValidationError{
			Message: "schema validation failed",
			Details: details,
		}
	}
	return nil
}
