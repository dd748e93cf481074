package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"execplane/internal/types"
)

// =============================================================================
// EXTRACT
// =============================================================================

// Extract projects named fields out of a map value, typically raw tool
// output. Missing fields fail with missing_data.
type Extract struct {
	// Fields lists the map keys to project.
	Fields []string

	// Optional allows absent fields to be skipped instead of failing.
	Optional bool
}

// Name implements Operator.
func (e *Extract) Name() string { return "extract" }

// Execute projects the declared fields into a new map value.
func (e *Extract) Execute(_ context.Context, input types.Value) (types.Value, error) {
	if input.Kind != types.KindMap {
		return types.Value{}, fmt.Errorf("extract: expected map input, got %s", input.Kind)
	}
	out := make(map[string]types.Value, len(e.Fields))
	for _, field := range e.Fields {
		v, ok := input.Field(field)
		if !ok {
			if e.Optional {
				continue
			}
			return types.Value{}, fmt.Errorf("extract: field %q absent", field)
		}
		out[field] = v
	}
	return types.MapValue(out), nil
}

// ValidateInvariants requires non-null map input and, post-execution, that
// every mandatory field was projected.
func (e *Extract) ValidateInvariants(input types.Value, output *types.Value) types.ValidationResult {
	if input.IsNull() {
		return types.Invalid(types.FailureMissingData, "extract: input is null")
	}
	if input.Kind != types.KindMap {
		return types.Invalid(types.FailureConflict,
			fmt.Sprintf("extract: expected map input, got %s", input.Kind))
	}
	if output != nil && !e.Optional {
		for _, field := range e.Fields {
			if _, ok := output.Field(field); !ok {
				return types.Invalid(types.FailureMissingData,
					fmt.Sprintf("extract: field %q missing from output", field))
			}
		}
	}
	return types.ValidResult("extract invariants hold", 1.0)
}

// RunOracleChecks verifies the extraction is non-empty.
func (e *Extract) RunOracleChecks(_, output types.Value) []types.ValidationResult {
	if output.Kind == types.KindMap && len(output.Map) == 0 && len(e.Fields) > 0 {
		return []types.ValidationResult{
			types.Invalid(types.FailureMissingData, "extract: no fields extracted"),
		}
	}
	return []types.ValidationResult{types.ValidResult("extracted value non-empty", 0.9)}
}

// =============================================================================
// NORMALIZE
// =============================================================================

// Normalize rewrites a value into canonical form: strings trimmed of
// surrounding whitespace, negative zero collapsed, and null-valued map
// fields dropped. The transform is idempotent by construction:
// normalize(normalize(x)) == normalize(x).
type Normalize struct{}

// Name implements Operator.
func (n *Normalize) Name() string { return "normalize" }

// Execute returns the canonical form of the input.
func (n *Normalize) Execute(_ context.Context, input types.Value) (types.Value, error) {
	return normalizeValue(input), nil
}

// ValidateInvariants confirms post-execution idempotence observationally.
func (n *Normalize) ValidateInvariants(input types.Value, output *types.Value) types.ValidationResult {
	if output != nil {
		again := normalizeValue(*output)
		if !again.Equal(*output) {
			return types.Invalid(types.FailureNonDeterminism, "normalize: not idempotent on this value")
		}
	}
	return types.ValidResult("normalize invariants hold", 1.0)
}

// RunOracleChecks verifies the output conforms to the normalized shape.
func (n *Normalize) RunOracleChecks(_, output types.Value) []types.ValidationResult {
	if reason := findDenormalized(output); reason != "" {
		return []types.ValidationResult{types.Invalid(types.FailureConflict, "normalize: "+reason)}
	}
	return []types.ValidationResult{types.ValidResult("output in normalized shape", 1.0)}
}

func normalizeValue(v types.Value) types.Value {
	switch v.Kind {
	case types.KindString:
		return types.StringValue(strings.TrimSpace(v.Str))
	case types.KindNumber:
		if v.Num == 0 {
			return types.NumberValue(0) // collapse -0
		}
		return v
	case types.KindList:
		out := make([]types.Value, 0, len(v.List))
		for _, elem := range v.List {
			out = append(out, normalizeValue(elem))
		}
		return types.Value{Kind: types.KindList, List: out}
	case types.KindMap:
		out := make(map[string]types.Value, len(v.Map))
		for k, elem := range v.Map {
			if elem.IsNull() {
				continue
			}
			out[k] = normalizeValue(elem)
		}
		return types.MapValue(out)
	default:
		return v
	}
}

// findDenormalized returns a description of the first normalized-shape
// violation, or "" when the value conforms.
func findDenormalized(v types.Value) string {
	switch v.Kind {
	case types.KindString:
		if v.Str != strings.TrimSpace(v.Str) {
			return fmt.Sprintf("string %q carries surrounding whitespace", v.Str)
		}
	case types.KindList:
		for _, elem := range v.List {
			if reason := findDenormalized(elem); reason != "" {
				return reason
			}
		}
	case types.KindMap:
		for k, elem := range v.Map {
			if elem.IsNull() {
				return fmt.Sprintf("map field %q holds null", k)
			}
			if reason := findDenormalized(elem); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// =============================================================================
// COMPARE
// =============================================================================

// Compare accepts {expected, actual} and emits {match, diff}. Equality is
// deep structural equality; the diff is a go-cmp rendering for humans.
type Compare struct{}

// Name implements Operator.
func (c *Compare) Name() string { return "compare" }

// Execute computes the match verdict and diff.
func (c *Compare) Execute(_ context.Context, input types.Value) (types.Value, error) {
	expected, okE := input.Field("expected")
	actual, okA := input.Field("actual")
	if !okE || !okA {
		return types.Value{}, fmt.Errorf("compare: input requires expected and actual fields")
	}

	match := expected.Equal(actual)
	diff := ""
	if !match {
		diff = cmp.Diff(expected.ToInterface(), actual.ToInterface())
	}
	return types.MapValue(map[string]types.Value{
		"match": types.BoolValue(match),
		"diff":  types.StringValue(diff),
	}), nil
}

// ValidateInvariants requires both comparands.
func (c *Compare) ValidateInvariants(input types.Value, _ *types.Value) types.ValidationResult {
	if input.Kind != types.KindMap {
		return types.Invalid(types.FailureConflict, "compare: expected map input")
	}
	if _, ok := input.Field("expected"); !ok {
		return types.Invalid(types.FailureMissingData, "compare: expected field absent")
	}
	if _, ok := input.Field("actual"); !ok {
		return types.Invalid(types.FailureMissingData, "compare: actual field absent")
	}
	return types.ValidResult("compare invariants hold", 1.0)
}

// RunOracleChecks confirms the reported match agrees with deep equality.
func (c *Compare) RunOracleChecks(input, output types.Value) []types.ValidationResult {
	expected, _ := input.Field("expected")
	actual, _ := input.Field("actual")
	reported, ok := output.Field("match")
	if !ok || reported.Kind != types.KindBool {
		return []types.ValidationResult{
			types.Invalid(types.FailureToolError, "compare: output missing match field"),
		}
	}
	if reported.Bool != expected.Equal(actual) {
		return []types.ValidationResult{
			types.Invalid(types.FailureNonDeterminism, "compare: match disagrees with deep equality"),
		}
	}
	return []types.ValidationResult{types.ValidResult("match agrees with deep equality", 1.0)}
}

// =============================================================================
// VERIFY CONSTRAINTS
// =============================================================================

// Constraint is a named predicate over a value.
type Constraint struct {
	Name  string
	Check func(types.Value) (bool, error)
}

// VerifyConstraints evaluates named predicates in order, stopping at the
// first violation. A predicate that returns an error or panics yields
// tool_error; an empty list passes. The value flows through unchanged.
type VerifyConstraints struct {
	Constraints []Constraint
}

// Name implements Operator.
func (v *VerifyConstraints) Name() string { return "verify_constraints" }

// Execute is the identity transform; verification happens in invariants.
func (v *VerifyConstraints) Execute(_ context.Context, input types.Value) (types.Value, error) {
	if res := v.evaluate(input); !res.Valid {
		return types.Value{}, fmt.Errorf("verify_constraints: %s", res.Reason)
	}
	return input, nil
}

// ValidateInvariants evaluates the predicate list against the input.
func (v *VerifyConstraints) ValidateInvariants(input types.Value, _ *types.Value) types.ValidationResult {
	return v.evaluate(input)
}

// RunOracleChecks re-evaluates on the output, which must still conform.
func (v *VerifyConstraints) RunOracleChecks(_, output types.Value) []types.ValidationResult {
	return []types.ValidationResult{v.evaluate(output)}
}

func (v *VerifyConstraints) evaluate(val types.Value) (res types.ValidationResult) {
	for _, c := range v.Constraints {
		ok, err := runConstraint(c, val)
		if err != nil {
			r := types.Invalid(types.FailureToolError,
				fmt.Sprintf("constraint %q failed to evaluate: %v", c.Name, err))
			r.Metadata = map[string]interface{}{"constraint": c.Name}
			return r
		}
		if !ok {
			r := types.Invalid(types.FailurePolicyViolation,
				fmt.Sprintf("constraint %q violated", c.Name))
			r.Metadata = map[string]interface{}{"constraint": c.Name}
			return r
		}
	}
	return types.ValidResult(fmt.Sprintf("%d constraints hold", len(v.Constraints)), 1.0)
}

func runConstraint(c Constraint, val types.Value) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Check(val)
}
