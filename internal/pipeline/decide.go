package pipeline

import (
	"fmt"

	"execplane/internal/types"
)

// Decision is the terminal verdict of folding validation results.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionBlock    Decision = "block"
	DecisionEscalate Decision = "escalate"
)

// DecideResult carries the decision with its justification.
type DecideResult struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
}

// Decide folds a slice of validation results into a single decision.
// Default policy: any invalid result blocks; minimum confidence below the
// threshold escalates; otherwise allow. The fold is deterministic:
// identical inputs always produce the identical decision.
type Decide struct {
	// MinConfidence is the escalation threshold. Zero uses the default.
	MinConfidence float64
}

// DefaultMinConfidence is the escalation threshold used when unset.
const DefaultMinConfidence = 0.5

// Execute folds results into a decision.
func (d *Decide) Execute(results []types.ValidationResult) DecideResult {
	threshold := d.MinConfidence
	if threshold == 0 {
		threshold = DefaultMinConfidence
	}

	for _, r := range results {
		if !r.Valid {
			return DecideResult{
				Decision:      DecisionBlock,
				Justification: fmt.Sprintf("invalid result: %s", r.Reason),
			}
		}
	}

	min := 1.0
	var weakest string
	for _, r := range results {
		if r.Confidence < min {
			min = r.Confidence
			weakest = r.Reason
		}
	}
	if min < threshold {
		return DecideResult{
			Decision: DecisionEscalate,
			Justification: fmt.Sprintf("minimum confidence %.2f below threshold %.2f (%s)",
				min, threshold, weakest),
		}
	}

	return DecideResult{
		Decision:      DecisionAllow,
		Justification: fmt.Sprintf("%d results valid, minimum confidence %.2f", len(results), min),
	}
}
