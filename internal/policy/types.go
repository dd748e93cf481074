// Package policy implements the Goal-Guard gate: a state machine that
// classifies every action attempt as allowed, approval_required, or denied
// based on the principal's permissions, data-zone clearance, tool
// allow-lists, and the action's risk tier and intent.
package policy

import "fmt"

// =============================================================================
// DATA ZONES
// =============================================================================

// DataZone classifies data sensitivity. Zones form a strict chain:
// public < internal < confidential < restricted. Clearance at a zone
// grants access to every zone below it.
type DataZone string

const (
	ZonePublic       DataZone = "public"
	ZoneInternal     DataZone = "internal"
	ZoneConfidential DataZone = "confidential"
	ZoneRestricted   DataZone = "restricted"
)

// zoneRank orders zones for clearance comparison.
var zoneRank = map[DataZone]int{
	ZonePublic:       0,
	ZoneInternal:     1,
	ZoneConfidential: 2,
	ZoneRestricted:   3,
}

// Covers reports whether clearance at z grants access to data in target.
func (z DataZone) Covers(target DataZone) bool {
	zr, ok := zoneRank[z]
	tr, ok2 := zoneRank[target]
	if !ok || !ok2 {
		return false
	}
	return zr >= tr
}

// KnownZone reports whether z is one of the four defined zones.
func KnownZone(z DataZone) bool {
	_, ok := zoneRank[z]
	return ok
}

// =============================================================================
// RISK AND INTENT
// =============================================================================

// RiskTier is a coarse classification of action danger.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Intent declares what kind of effect the action intends.
type Intent string

const (
	IntentRead    Intent = "read"
	IntentWrite   Intent = "write"
	IntentDelete  Intent = "delete"
	IntentExecute Intent = "execute"
	IntentAdmin   Intent = "admin"
)

// Elevated reports whether the intent is side-effecting. Read is the only
// non-elevated intent.
func (i Intent) Elevated() bool {
	return i != IntentRead && i != ""
}

// =============================================================================
// PRINCIPALS AND ACTIONS
// =============================================================================

// Permission grants a principal one verb on one resource within one zone.
type Permission struct {
	Action   string   `json:"action" yaml:"action"`
	Resource string   `json:"resource" yaml:"resource"`
	Zone     DataZone `json:"zone" yaml:"zone"`
}

// Principal is the identity attempting an action.
type Principal struct {
	ID          string       `json:"id" yaml:"id"`
	Type        string       `json:"type" yaml:"type"` // agent, user, service
	Permissions []Permission `json:"permissions" yaml:"permissions"`
}

// MaxZone returns the principal's highest granted zone for the verb and
// resource, or false if no permission matches.
func (p Principal) MaxZone(action, resource string) (DataZone, bool) {
	best := -1
	for _, perm := range p.Permissions {
		if !matchField(perm.Action, action) || !matchField(perm.Resource, resource) {
			continue
		}
		if r, ok := zoneRank[perm.Zone]; ok && r > best {
			best = r
		}
	}
	if best < 0 {
		return "", false
	}
	for z, r := range zoneRank {
		if r == best {
			return z, true
		}
	}
	return "", false
}

// matchField compares a granted pattern against a requested value.
// "*" grants everything.
func matchField(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// Action is the policy view of a tool invocation.
type Action struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	RiskTier RiskTier `json:"risk_tier" yaml:"risk_tier"`
	Intent   Intent   `json:"intent" yaml:"intent"`

	// Required lists the permissions the principal must hold.
	Required []Permission `json:"required" yaml:"required"`

	// Zone is the sensitivity of the data the action touches.
	Zone DataZone `json:"zone" yaml:"zone"`

	// Tool names the tool carrying out the action, if any.
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`

	// AllowedTools restricts which tools may carry out the action. Empty
	// means unrestricted.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`

	// Justification supports critical-tier approval requests.
	Justification string `json:"justification,omitempty" yaml:"justification,omitempty"`
}

// =============================================================================
// VERDICTS
// =============================================================================

// State is a Goal-Guard FSM state.
type State string

const (
	StateEvaluating       State = "evaluating"
	StateAllowed          State = "allowed"
	StateApprovalRequired State = "approval_required"
	StateDenied           State = "denied"
)

// Terminal reports whether the state ends evaluation.
func (s State) Terminal() bool {
	return s == StateAllowed || s == StateApprovalRequired || s == StateDenied
}

// ApprovalRequest describes what a human must sign off on.
type ApprovalRequest struct {
	ActionID      string   `json:"action_id"`
	RiskTier      RiskTier `json:"risk_tier"`
	Intent        Intent   `json:"intent"`
	Justification string   `json:"justification,omitempty"`

	// RequireJustification is set for critical-tier actions: the approval
	// cannot be granted without a non-empty justification.
	RequireJustification bool `json:"require_justification"`
}

// Verdict is the gate's classification of one action attempt.
type Verdict struct {
	State            State            `json:"state"`
	Reason           string           `json:"reason"`
	RequiredApproval *ApprovalRequest `json:"required_approval,omitempty"`

	// AuditHint is a short machine-readable tag for the audit trail.
	AuditHint string `json:"audit_hint"`
}

// Allowed reports whether the action may proceed without approval.
func (v Verdict) Allowed() bool { return v.State == StateAllowed }

// Denied reports whether the action is rejected outright.
func (v Verdict) Denied() bool { return v.State == StateDenied }

func (v Verdict) String() string {
	return fmt.Sprintf("%s (%s)", v.State, v.AuditHint)
}
