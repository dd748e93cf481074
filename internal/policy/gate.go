package policy

import (
	"fmt"
	"sync"

	"execplane/internal/logging"
)

// =============================================================================
// GOAL-GUARD GATE
// =============================================================================

// Gate evaluates action attempts against the loaded rule set. Rules are
// swapped atomically on reload; each evaluation sees one consistent rule
// set.
type Gate struct {
	mu    sync.RWMutex
	rules *RuleSet
}

// NewGate creates a gate with the given rules. Nil rules means an empty
// rule set: evaluation then relies purely on the principal's inline
// permissions.
func NewGate(rules *RuleSet) *Gate {
	if rules == nil {
		rules = &RuleSet{}
	}
	return &Gate{rules: rules}
}

// Rules returns the current rule set.
func (g *Gate) Rules() *RuleSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rules
}

// SetRules atomically replaces the rule set. In-flight evaluations finish
// against the rules they started with.
func (g *Gate) SetRules(rules *RuleSet) {
	if rules == nil {
		rules = &RuleSet{}
	}
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
	logging.Get(logging.CategoryPolicy).Info("rule set replaced: %d principals, %d overrides",
		len(rules.Principals), len(rules.Overrides))
}

// Evaluate walks the Goal-Guard state machine for one action attempt.
// The walk starts in evaluating and stops at the first terminal state:
//
//  1. denied if the principal lacks a required permission or zone clearance
//  2. denied if the action's tool is off its allow-list
//  3. risk tier and intent decide among allowed and approval_required
func (g *Gate) Evaluate(principal Principal, action Action) Verdict {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	log := logging.Get(logging.CategoryPolicy)

	principal = rules.merge(principal)

	if v, ok := checkPermissions(principal, action); ok {
		log.Info("action %s by %s: %s", action.ID, principal.ID, v.State)
		return v
	}
	if v, ok := checkToolAllowList(action); ok {
		log.Info("action %s by %s: %s", action.ID, principal.ID, v.State)
		return v
	}

	v := classifyRisk(action, rules.override(action))
	log.Info("action %s by %s: %s", action.ID, principal.ID, v.State)
	return v
}

// checkPermissions verifies the principal holds every required permission
// with sufficient zone clearance. Returns a terminal denied verdict, or
// ok=false to continue evaluation.
func checkPermissions(principal Principal, action Action) (Verdict, bool) {
	zone := action.Zone
	if zone == "" {
		zone = ZonePublic
	}
	if !KnownZone(zone) {
		return Verdict{
			State:     StateDenied,
			Reason:    fmt.Sprintf("unknown data zone %q", zone),
			AuditHint: "zone_unknown",
		}, true
	}

	for _, req := range action.Required {
		granted, ok := principal.MaxZone(req.Action, req.Resource)
		if !ok {
			return Verdict{
				State:     StateDenied,
				Reason:    fmt.Sprintf("principal %s lacks permission %s on %s", principal.ID, req.Action, req.Resource),
				AuditHint: "permission_missing",
			}, true
		}
		need := req.Zone
		if need == "" {
			need = zone
		}
		if !granted.Covers(need) {
			return Verdict{
				State:     StateDenied,
				Reason:    fmt.Sprintf("principal %s cleared for %s, action requires %s", principal.ID, granted, need),
				AuditHint: "zone_insufficient",
			}, true
		}
	}
	return Verdict{}, false
}

// checkToolAllowList verifies the action's tool against its allow-list.
func checkToolAllowList(action Action) (Verdict, bool) {
	if action.Tool == "" || len(action.AllowedTools) == 0 {
		return Verdict{}, false
	}
	for _, t := range action.AllowedTools {
		if t == action.Tool {
			return Verdict{}, false
		}
	}
	return Verdict{
		State:     StateDenied,
		Reason:    fmt.Sprintf("tool %s is not on the allow-list for action %s", action.Tool, action.ID),
		AuditHint: "tool_not_allowed",
	}, true
}

// classifyRisk maps risk tier and intent to the terminal verdict.
func classifyRisk(action Action, override *RiskOverride) Verdict {
	tier := action.RiskTier
	if override != nil && override.RiskTier != "" {
		tier = override.RiskTier
	}

	approval := &ApprovalRequest{
		ActionID:      action.ID,
		RiskTier:      tier,
		Intent:        action.Intent,
		Justification: action.Justification,
	}

	switch tier {
	case RiskLow, "":
		return Verdict{
			State:     StateAllowed,
			Reason:    "low risk tier",
			AuditHint: "risk_low",
		}
	case RiskMedium:
		if action.Intent.Elevated() {
			return Verdict{
				State:            StateApprovalRequired,
				Reason:           fmt.Sprintf("medium risk with elevated intent %s", action.Intent),
				RequiredApproval: approval,
				AuditHint:        "risk_medium_elevated",
			}
		}
		return Verdict{
			State:     StateAllowed,
			Reason:    "medium risk, read intent",
			AuditHint: "risk_medium_read",
		}
	case RiskHigh:
		return Verdict{
			State:            StateApprovalRequired,
			Reason:           "high risk tier",
			RequiredApproval: approval,
			AuditHint:        "risk_high",
		}
	case RiskCritical:
		approval.RequireJustification = true
		return Verdict{
			State:            StateApprovalRequired,
			Reason:           "critical risk tier, justification required",
			RequiredApproval: approval,
			AuditHint:        "risk_critical",
		}
	}

	// Unknown tier fails closed.
	return Verdict{
		State:     StateDenied,
		Reason:    fmt.Sprintf("unknown risk tier %q", tier),
		AuditHint: "risk_unknown",
	}
}
