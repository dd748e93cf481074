// Package pipeline implements the validation operator pipeline (CRV): a
// chain of pure transforms over tagged values, each guarded by invariants
// and oracle checks, producing structured validation results with the
// closed failure taxonomy. Pipelines never panic outward; operator panics
// are captured as tool_error results.
package pipeline

import (
	"context"
	"fmt"

	"execplane/internal/logging"
	"execplane/internal/types"
)

// Operator is one stage of a validation pipeline.
// Execute transforms the input; ValidateInvariants guards preconditions
// (output nil) and postconditions (output set); RunOracleChecks performs
// independent verification of the input/output pair.
type Operator interface {
	// Name identifies the operator in results and logs.
	Name() string

	// Execute transforms input to output. Must fail for any input that
	// ValidateInvariants rejects.
	Execute(ctx context.Context, input types.Value) (types.Value, error)

	// ValidateInvariants checks the operator's contract. A nil output
	// checks preconditions only.
	ValidateInvariants(input types.Value, output *types.Value) types.ValidationResult

	// RunOracleChecks independently verifies an execution.
	RunOracleChecks(input, output types.Value) []types.ValidationResult
}

// Pipeline is an ordered list of operators. Each operator's output becomes
// the next operator's input.
type Pipeline struct {
	// Name tags the pipeline in gate results and telemetry.
	Name string

	// Operators run in order.
	Operators []Operator

	// StopOnFailure stops at the first failed operator instead of
	// collecting every failure.
	StopOnFailure bool

	// WarnConfidence downgrades a pass to warning when the minimum
	// result confidence falls below it. Zero disables the downgrade.
	WarnConfidence float64

	// Recovery optionally declares how a failed run is recovered.
	Recovery *RecoveryStrategy
}

// Run feeds input through every operator and aggregates the results.
// The returned gate result always carries the last produced value, even on
// failure, so callers can inspect the offending data.
func (p *Pipeline) Run(ctx context.Context, input types.Value) types.GateResult {
	log := logging.Get(logging.CategoryPipeline)

	current := input
	gate := types.GateResult{Status: types.GatePassed}

	for _, op := range p.Operators {
		select {
		case <-ctx.Done():
			res := types.Invalid(types.FailureToolError, fmt.Sprintf("pipeline cancelled: %v", ctx.Err()))
			gate.Results = append(gate.Results, res)
			p.block(&gate, res)
			out := current
			gate.Output = &out
			return gate
		default:
		}

		stepResults, output, failed := p.runOperator(ctx, op, current)
		gate.Results = append(gate.Results, stepResults...)

		if failed != nil {
			log.Debug("pipeline %s blocked at operator %s: %s", p.Name, op.Name(), failed.Reason)
			p.block(&gate, *failed)
			if p.StopOnFailure {
				out := output
				gate.Output = &out
				return gate
			}
		}
		current = output
	}

	out := current
	gate.Output = &out

	if gate.Status == types.GatePassed && p.WarnConfidence > 0 &&
		gate.MinConfidence() < p.WarnConfidence {
		gate.Status = types.GateWarning
	}
	return gate
}

// runOperator executes one operator under the full contract: precondition
// invariants, execution with panic capture, postcondition invariants, and
// oracle checks. Returns every result produced, the value to feed forward,
// and the first failure if any.
func (p *Pipeline) runOperator(ctx context.Context, op Operator, input types.Value) (results []types.ValidationResult, output types.Value, failed *types.ValidationResult) {
	output = input

	pre := op.ValidateInvariants(input, nil)
	pre.Metadata = withOperator(pre.Metadata, op.Name())
	results = append(results, pre)
	if !pre.Valid {
		failed = &pre
		return results, output, failed
	}

	out, err := safeExecute(ctx, op, input)
	if err != nil {
		res := types.Invalid(types.FailureToolError, fmt.Sprintf("%s: %v", op.Name(), err))
		res.Metadata = withOperator(res.Metadata, op.Name())
		results = append(results, res)
		failed = &res
		return results, output, failed
	}
	output = out

	post := op.ValidateInvariants(input, &out)
	post.Metadata = withOperator(post.Metadata, op.Name())
	results = append(results, post)
	if !post.Valid {
		failed = &post
		return results, output, failed
	}

	for _, oracle := range op.RunOracleChecks(input, out) {
		oracle.Metadata = withOperator(oracle.Metadata, op.Name())
		results = append(results, oracle)
		if !oracle.Valid && failed == nil {
			f := oracle
			failed = &f
		}
	}
	return results, output, failed
}

// block marks the gate blocked with the triggering failure.
func (p *Pipeline) block(gate *types.GateResult, trigger types.ValidationResult) {
	gate.Status = types.GateBlocked
	if gate.FailureCode == "" {
		gate.FailureCode = trigger.FailureCode
		gate.Remediation = trigger.Remediation
	}
}

// safeExecute runs Execute and converts panics into errors.
func safeExecute(ctx context.Context, op Operator, input types.Value) (output types.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operator panic: %v", r)
		}
	}()
	return op.Execute(ctx, input)
}

func withOperator(meta map[string]interface{}, name string) map[string]interface{} {
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta["operator"] = name
	return meta
}
