package pipeline

import (
	"context"
	"fmt"

	"execplane/internal/types"
)

// Schema is the declarative subset of JSON-Schema the verify_schema
// operator understands: type, properties, required, and items, checked
// recursively. Full-document schema validation for tool specs lives in the
// executor; this subset exists for lightweight in-pipeline shape checks.
type Schema struct {
	// Type is one of null, boolean, number, string, array, object.
	Type string `json:"type" yaml:"type"`

	// Properties declares per-field schemas for objects.
	Properties map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Required lists object fields that must be present.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// Items declares the element schema for arrays.
	Items *Schema `json:"items,omitempty" yaml:"items,omitempty"`
}

// VerifySchema checks the value against a declared schema. The value flows
// through unchanged. Missing required fields report missing_data; type
// mismatches report conflict; nested objects recurse.
type VerifySchema struct {
	Schema *Schema
}

// Name implements Operator.
func (v *VerifySchema) Name() string { return "verify_schema" }

// Execute is the identity transform; verification happens in invariants.
func (v *VerifySchema) Execute(_ context.Context, input types.Value) (types.Value, error) {
	if results := checkSchema(v.Schema, input, "$"); len(results) > 0 {
		return types.Value{}, fmt.Errorf("verify_schema: %s", results[0].Reason)
	}
	return input, nil
}

// ValidateInvariants reports the first schema violation on the input.
func (v *VerifySchema) ValidateInvariants(input types.Value, _ *types.Value) types.ValidationResult {
	if results := checkSchema(v.Schema, input, "$"); len(results) > 0 {
		return results[0]
	}
	return types.ValidResult("value conforms to schema", 1.0)
}

// RunOracleChecks reports every schema violation on the output.
func (v *VerifySchema) RunOracleChecks(_, output types.Value) []types.ValidationResult {
	if results := checkSchema(v.Schema, output, "$"); len(results) > 0 {
		return results
	}
	return []types.ValidationResult{types.ValidResult("output conforms to schema", 1.0)}
}

// checkSchema collects violations of schema at the given JSON path.
func checkSchema(schema *Schema, v types.Value, path string) []types.ValidationResult {
	if schema == nil {
		return nil
	}

	var results []types.ValidationResult

	if schema.Type != "" {
		if actual := kindName(v); actual != schema.Type {
			results = append(results, types.Invalid(types.FailureConflict,
				fmt.Sprintf("%s: expected type %s, got %s", path, schema.Type, actual)))
			return results
		}
	}

	if v.Kind == types.KindMap {
		for _, req := range schema.Required {
			if _, ok := v.Field(req); !ok {
				results = append(results, types.Invalid(types.FailureMissingData,
					fmt.Sprintf("%s: required field %q missing", path, req)))
			}
		}
		for name, propSchema := range schema.Properties {
			if field, ok := v.Field(name); ok {
				results = append(results, checkSchema(propSchema, field, path+"."+name)...)
			}
		}
	}

	if v.Kind == types.KindList && schema.Items != nil {
		for i, elem := range v.List {
			results = append(results, checkSchema(schema.Items, elem, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}

	return results
}

func kindName(v types.Value) string {
	switch v.Kind {
	case types.KindNull, "":
		return "null"
	case types.KindBool:
		return "boolean"
	case types.KindNumber:
		return "number"
	case types.KindString:
		return "string"
	case types.KindList:
		return "array"
	case types.KindMap:
		return "object"
	}
	return string(v.Kind)
}
