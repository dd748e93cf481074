package effort

import (
	"fmt"
	"time"

	"execplane/internal/logging"
	"execplane/internal/policy"
)

// =============================================================================
// SOFT CONSTRAINTS
// =============================================================================

// Category classifies a soft constraint.
type Category string

const (
	CategoryCost    Category = "cost"
	CategoryRisk    Category = "risk"
	CategoryQuality Category = "quality"
)

// SoftConstraint is one weighted world-model signal. Score is in [0, 1]
// where 1 means the constraint fully favors proceeding.
type SoftConstraint struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Weight   float64  `json:"weight"`
	Score    float64  `json:"score"`
}

// =============================================================================
// EVALUATOR
// =============================================================================

// EffortDecision partitions the composite score.
type EffortDecision string

const (
	DecisionApprove EffortDecision = "approve"
	DecisionReview  EffortDecision = "review"
	DecisionReject  EffortDecision = "reject"
)

// Evaluation is the evaluator's output.
type Evaluation struct {
	Score    float64        `json:"score"`
	Decision EffortDecision `json:"decision"`
	Reasons  []string       `json:"reasons"`
}

// ShortCircuits reports whether the evaluation stops the attempt outright.
// Only reject short-circuits; review forwards to the normal policy path.
func (e Evaluation) ShortCircuits() bool { return e.Decision == DecisionReject }

// Evaluator combines soft constraints, rolling metrics, and action risk
// into a composite score partitioned by two thresholds.
type Evaluator struct {
	// ApproveThreshold: score >= approves.
	ApproveThreshold float64

	// RejectThreshold: score <= rejects. Must be below ApproveThreshold.
	RejectThreshold float64

	// SlowLatency is the latency treated as fully degraded. Zero uses the
	// default.
	SlowLatency time.Duration

	Metrics *MetricsAggregator
}

// Default thresholds and weights.
const (
	DefaultApproveThreshold = 0.7
	DefaultRejectThreshold  = 0.3
	defaultSlowLatency      = 10 * time.Second

	constraintWeight = 0.5
	metricsWeight    = 0.3
	riskWeight       = 0.2
)

// riskScore maps tiers to a proceed-favorability score.
var riskScore = map[policy.RiskTier]float64{
	policy.RiskLow:      1.0,
	policy.RiskMedium:   0.7,
	policy.RiskHigh:     0.4,
	policy.RiskCritical: 0.1,
}

// NewEvaluator creates an evaluator with the given thresholds and metrics
// source. Zero thresholds use the defaults.
func NewEvaluator(approve, reject float64, metrics *MetricsAggregator) *Evaluator {
	if approve == 0 {
		approve = DefaultApproveThreshold
	}
	if reject == 0 {
		reject = DefaultRejectThreshold
	}
	if metrics == nil {
		metrics = NewMetricsAggregator(0)
	}
	return &Evaluator{
		ApproveThreshold: approve,
		RejectThreshold:  reject,
		Metrics:          metrics,
	}
}

// Evaluate produces the composite evaluation for one action attempt.
// The score is a weighted sum of three components, each in [0, 1]:
// soft constraints, rolling metrics, and the action's risk tier.
func (e *Evaluator) Evaluate(action policy.Action, constraints []SoftConstraint) Evaluation {
	var reasons []string

	cScore, cReason := constraintScore(constraints)
	reasons = append(reasons, cReason)

	mScore, mReason := e.metricsScore()
	reasons = append(reasons, mReason)

	rScore, ok := riskScore[action.RiskTier]
	if !ok {
		// Unknown tier scores as critical.
		rScore = riskScore[policy.RiskCritical]
	}
	reasons = append(reasons, fmt.Sprintf("risk tier %s scores %.2f", action.RiskTier, rScore))

	score := constraintWeight*cScore + metricsWeight*mScore + riskWeight*rScore

	decision := DecisionReview
	switch {
	case score >= e.ApproveThreshold:
		decision = DecisionApprove
	case score <= e.RejectThreshold:
		decision = DecisionReject
	}

	logging.Get(logging.CategoryEffort).Debug("action %s: score %.3f -> %s", action.ID, score, decision)

	return Evaluation{Score: score, Decision: decision, Reasons: reasons}
}

// constraintScore folds the weighted soft constraints. No constraints
// scores neutral (1.0): absence of objections is not an objection.
func constraintScore(constraints []SoftConstraint) (float64, string) {
	if len(constraints) == 0 {
		return 1.0, "no soft constraints"
	}
	var weighted, totalWeight float64
	for _, c := range constraints {
		w := c.Weight
		if w <= 0 {
			w = 1.0
		}
		weighted += w * clamp01(c.Score)
		totalWeight += w
	}
	score := weighted / totalWeight
	return score, fmt.Sprintf("%d soft constraints score %.2f", len(constraints), score)
}

// metricsScore folds success rate, latency, and escalation rate.
func (e *Evaluator) metricsScore() (float64, string) {
	if e.Metrics.Count() == 0 {
		return 1.0, "no tool metrics recorded"
	}

	slow := e.SlowLatency
	if slow <= 0 {
		slow = defaultSlowLatency
	}

	success := e.Metrics.SuccessRate()
	latency := 1.0 - clamp01(float64(e.Metrics.MeanLatency())/float64(slow))
	escalation := 1.0 - e.Metrics.EscalationRate()

	score := (success + latency + escalation) / 3.0
	return score, fmt.Sprintf("metrics: success %.2f, latency %.2f, escalation %.2f",
		success, latency, escalation)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
