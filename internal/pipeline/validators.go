package pipeline

import (
	"context"

	"execplane/internal/types"
)

// NotNull blocks null values with missing_data. It is the smallest useful
// gate operator: wire it as an input gate to reject empty commits, or as an
// output gate to catch tools that returned nothing.
type NotNull struct{}

// Name implements Operator.
func (n *NotNull) Name() string { return "not_null" }

// Execute passes non-null values through.
func (n *NotNull) Execute(_ context.Context, input types.Value) (types.Value, error) {
	if res := n.ValidateInvariants(input, nil); !res.Valid {
		return types.Value{}, errNull
	}
	return input, nil
}

// ValidateInvariants rejects null input.
func (n *NotNull) ValidateInvariants(input types.Value, _ *types.Value) types.ValidationResult {
	if input.IsNull() {
		return types.Invalid(types.FailureMissingData, "value is null")
	}
	return types.ValidResult("value present", 1.0)
}

// RunOracleChecks confirms the output is still non-null.
func (n *NotNull) RunOracleChecks(_, output types.Value) []types.ValidationResult {
	if output.IsNull() {
		return []types.ValidationResult{types.Invalid(types.FailureMissingData, "output is null")}
	}
	return []types.ValidationResult{types.ValidResult("output present", 1.0)}
}

type nullError struct{}

func (nullError) Error() string { return "not_null: value is null" }

var errNull = nullError{}

// Func adapts a plain function into an Operator for ad-hoc gates. The
// function is its own contract: invariants beyond non-panic are the
// caller's responsibility.
type Func struct {
	OpName string
	Fn     func(ctx context.Context, input types.Value) (types.Value, error)
}

// Name implements Operator.
func (f *Func) Name() string {
	if f.OpName == "" {
		return "func"
	}
	return f.OpName
}

// Execute runs the wrapped function.
func (f *Func) Execute(ctx context.Context, input types.Value) (types.Value, error) {
	return f.Fn(ctx, input)
}

// ValidateInvariants always passes; Func carries no declared contract.
func (f *Func) ValidateInvariants(types.Value, *types.Value) types.ValidationResult {
	return types.ValidResult("no declared invariants", 0.8)
}

// RunOracleChecks always passes.
func (f *Func) RunOracleChecks(_, _ types.Value) []types.ValidationResult {
	return nil
}
