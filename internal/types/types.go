// Package types provides shared type definitions used across execplane
// packages: commits entering the plane, validation results with the closed
// failure taxonomy, and gate verdicts. This package exists to break import
// cycles between pipeline, policy, executor, and memory. Types here are
// foundational data structures with no complex dependencies.
package types

import (
	"time"
)

// CommitMeta carries the provenance of a commit through the plane.
type CommitMeta struct {
	WorkflowID    string    `json:"workflow_id"`
	TaskID        string    `json:"task_id"`
	StepID        string    `json:"step_id"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Commit is the unit of work entering the plane: a proposed state change
// constructed by the orchestrator and consumed exactly once.
type Commit struct {
	// ID uniquely identifies the commit.
	ID string `json:"id"`

	// Payload is the opaque structured data the commit proposes.
	Payload Value `json:"payload"`

	// PrevState optionally references the state the payload was derived
	// from, enabling monotonic checks downstream.
	PrevState *Value `json:"prev_state,omitempty"`

	// Meta identifies the workflow, task, and step this commit belongs to.
	Meta CommitMeta `json:"meta"`
}

// FailureCode is the closed taxonomy every failure in the plane maps to.
type FailureCode string

const (
	FailureMissingData     FailureCode = "missing_data"
	FailureConflict        FailureCode = "conflict"
	FailureOutOfScope      FailureCode = "out_of_scope"
	FailureLowConfidence   FailureCode = "low_confidence"
	FailurePolicyViolation FailureCode = "policy_violation"
	FailureToolError       FailureCode = "tool_error"
	FailureNonDeterminism  FailureCode = "non_determinism"
)

// remediationCatalog maps every failure code to its fixed remediation hint.
// Callers use the hint to self-heal: retry an alternative tool, ask the user,
// escalate, or ignore with justification.
var remediationCatalog = map[FailureCode]string{
	FailureMissingData:     "supply the missing field or re-run the producing tool",
	FailureConflict:        "reconcile the conflicting values before retrying",
	FailureOutOfScope:      "narrow the request to the permitted scope",
	FailureLowConfidence:   "escalate for review or gather corroborating evidence",
	FailurePolicyViolation: "request approval or adjust the action to policy",
	FailureToolError:       "retry with an alternative tool or report the tool fault",
	FailureNonDeterminism:  "pin inputs and re-run to confirm reproducibility",
}

// RemediationFor returns the catalog remediation hint for a failure code.
func RemediationFor(code FailureCode) string {
	return remediationCatalog[code]
}

// KnownFailureCode reports whether code belongs to the closed taxonomy.
func KnownFailureCode(code FailureCode) bool {
	_, ok := remediationCatalog[code]
	return ok
}

// ValidationResult captures the outcome of a single operator or validator.
// Failures are values, never panics: control flow does not unwind on an
// invalid result.
type ValidationResult struct {
	// Valid indicates whether the check passed.
	Valid bool `json:"valid"`

	// Reason is the human-readable explanation.
	Reason string `json:"reason"`

	// Confidence is a score from 0.0-1.0 indicating check certainty.
	Confidence float64 `json:"confidence"`

	// FailureCode tags the failure taxonomy when Valid is false.
	FailureCode FailureCode `json:"failure_code,omitempty"`

	// Remediation hints how the caller can self-heal.
	Remediation string `json:"remediation,omitempty"`

	// Metadata carries free-form diagnostic detail.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Invalid builds a failed result with the catalog remediation for code.
func Invalid(code FailureCode, reason string) ValidationResult {
	return ValidationResult{
		Valid:       false,
		Reason:      reason,
		Confidence:  1.0,
		FailureCode: code,
		Remediation: RemediationFor(code),
	}
}

// ValidResult builds a passing result with the given confidence.
func ValidResult(reason string, confidence float64) ValidationResult {
	return ValidationResult{Valid: true, Reason: reason, Confidence: confidence}
}

// GateStatus is the terminal status of a gate run.
type GateStatus string

const (
	GatePassed  GateStatus = "passed"
	GateWarning GateStatus = "warning"
	GateBlocked GateStatus = "blocked"
)

// GateResult aggregates the per-operator validation results of one gate run.
type GateResult struct {
	// Status is the terminal verdict of the gate.
	Status GateStatus `json:"status"`

	// Results holds every validation result produced, in pipeline order.
	Results []ValidationResult `json:"results"`

	// FailureCode is the triggering failure when Status is blocked.
	FailureCode FailureCode `json:"failure_code,omitempty"`

	// Remediation is the hint attached to the triggering failure.
	Remediation string `json:"remediation,omitempty"`

	// Output is the value produced by the last operator that ran, kept even
	// on failure so callers can diagnose the offending data.
	Output *Value `json:"output,omitempty"`
}

// Passed reports whether the gate did not block.
func (g GateResult) Passed() bool {
	return g.Status != GateBlocked
}

// Blocked reports whether the gate blocked the commit.
func (g GateResult) Blocked() bool {
	return g.Status == GateBlocked
}

// FirstFailure returns the first invalid result, or nil if all passed.
func (g GateResult) FirstFailure() *ValidationResult {
	for i := range g.Results {
		if !g.Results[i].Valid {
			return &g.Results[i]
		}
	}
	return nil
}

// MinConfidence returns the lowest confidence across all results,
// or 1.0 when no results were produced.
func (g GateResult) MinConfidence() float64 {
	min := 1.0
	for _, r := range g.Results {
		if r.Confidence < min {
			min = r.Confidence
		}
	}
	return min
}
