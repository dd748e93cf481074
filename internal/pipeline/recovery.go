package pipeline

import (
	"context"

	"execplane/internal/types"
)

// RecoveryKind names the strategy applied when a pipeline fails.
type RecoveryKind string

const (
	RecoveryRetryAltTool RecoveryKind = "retry_alt_tool"
	RecoveryAskUser      RecoveryKind = "ask_user"
	RecoveryEscalate     RecoveryKind = "escalate"
	RecoveryIgnore       RecoveryKind = "ignore"
)

// RecoveryStrategy declares how a failed pipeline run is recovered.
// Exactly the fields for its kind are meaningful.
type RecoveryStrategy struct {
	Kind RecoveryKind `json:"kind" yaml:"kind"`

	// Tool and MaxRetries configure retry_alt_tool.
	Tool       string `json:"tool,omitempty" yaml:"tool,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Prompt configures ask_user.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// Reason configures escalate.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// Justification configures ignore.
	Justification string `json:"justification,omitempty" yaml:"justification,omitempty"`
}

// FailureContext hands the recovery executor everything it needs about the
// failed run.
type FailureContext struct {
	Pipeline    string                 `json:"pipeline"`
	FailureCode types.FailureCode      `json:"failure_code"`
	Reason      string                 `json:"reason"`
	Remediation string                 `json:"remediation"`
	Input       types.Value            `json:"input"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RecoveryOutcome is what a recovery attempt produced.
type RecoveryOutcome struct {
	Success bool         `json:"success"`
	Result  *types.Value `json:"result,omitempty"`
}

// RecoveryExecutor carries out the externally-driven strategies
// (retry_alt_tool, ask_user, escalate). The ignore strategy is
// self-contained and never reaches the executor.
type RecoveryExecutor interface {
	Execute(ctx context.Context, strategy RecoveryStrategy, failure FailureContext) (RecoveryOutcome, error)
}

// Recover applies the pipeline's declared strategy to a blocked gate
// result. Ignore converts the block to a warning carrying the
// justification; the other strategies go through the executor. A nil
// executor leaves the gate blocked.
func (p *Pipeline) Recover(ctx context.Context, gate types.GateResult, exec RecoveryExecutor) types.GateResult {
	if p.Recovery == nil || !gate.Blocked() {
		return gate
	}

	if p.Recovery.Kind == RecoveryIgnore {
		gate.Status = types.GateWarning
		gate.Results = append(gate.Results, types.ValidationResult{
			Valid:      true,
			Reason:     "failure ignored: " + p.Recovery.Justification,
			Confidence: 0.5,
		})
		return gate
	}

	if exec == nil {
		return gate
	}

	failure := FailureContext{
		Pipeline:    p.Name,
		FailureCode: gate.FailureCode,
		Remediation: gate.Remediation,
	}
	if ff := gate.FirstFailure(); ff != nil {
		failure.Reason = ff.Reason
		failure.Metadata = ff.Metadata
	}
	if gate.Output != nil {
		failure.Input = *gate.Output
	}

	outcome, err := exec.Execute(ctx, *p.Recovery, failure)
	if err != nil || !outcome.Success {
		return gate
	}

	gate.Status = types.GateWarning
	gate.Output = outcome.Result
	gate.Results = append(gate.Results, types.ValidationResult{
		Valid:      true,
		Reason:     "recovered via " + string(p.Recovery.Kind),
		Confidence: 0.6,
	})
	return gate
}
