package stack

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mgxai/fabric/ferrors"
)

// ValidateJSONAgainstSchema compiles schemaBytes (a JSON Schema document)
// and validates payloadJSON against it. Used for structured constraints a
// plain keyword Constraint can't express, e.g. requiring package.json's
// "engines" field to pin a Node major version.
func ValidateJSONAgainstSchema(payloadJSON, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return ferrors.Wrap(ferrors.KindInvalidInput, "stack.ValidateJSONAgainstSchema", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadJSON, &payloadDoc); err != nil {
		return ferrors.Wrap(ferrors.KindInvalidInput, "stack.ValidateJSONAgainstSchema", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return ferrors.Wrap(ferrors.KindInvalidInput, "stack.ValidateJSONAgainstSchema", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return ferrors.Wrap(ferrors.KindInvalidInput, "stack.ValidateJSONAgainstSchema", err)
	}
	if err := schema.Validate(payloadDoc); err != nil {
		return ferrors.Wrap(ferrors.KindInvalidInput, "stack.ValidateJSONAgainstSchema", err)
	}
	return nil
}
