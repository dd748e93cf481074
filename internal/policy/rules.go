package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// RULE SET
// =============================================================================

// RuleSet is the declarative policy document. Principals declared here
// supplement the inline permissions an evaluation is called with; overrides
// reclassify named actions' risk tiers.
type RuleSet struct {
	// Version lets operators track which document is live.
	Version string `yaml:"version"`

	// Principals grants permissions by principal ID.
	Principals []Principal `yaml:"principals"`

	// Overrides reclassifies risk for named actions.
	Overrides []RiskOverride `yaml:"overrides"`
}

// RiskOverride pins an action name to a risk tier regardless of what the
// caller declared.
type RiskOverride struct {
	ActionName string   `yaml:"action_name"`
	RiskTier   RiskTier `yaml:"risk_tier"`
	Reason     string   `yaml:"reason,omitempty"`
}

// merge combines a caller-supplied principal with the rule set's grants
// for the same ID.
func (rs *RuleSet) merge(p Principal) Principal {
	for _, declared := range rs.Principals {
		if declared.ID == p.ID {
			merged := p
			merged.Permissions = append(append([]Permission{}, p.Permissions...), declared.Permissions...)
			return merged
		}
	}
	return p
}

// override returns the risk override for the action, if any.
func (rs *RuleSet) override(action Action) *RiskOverride {
	for i := range rs.Overrides {
		if rs.Overrides[i].ActionName == action.Name {
			return &rs.Overrides[i]
		}
	}
	return nil
}

// Validate rejects documents with malformed zones or tiers. Fail-closed at
// load time beats fail-open at evaluation time.
func (rs *RuleSet) Validate() error {
	for _, p := range rs.Principals {
		if p.ID == "" {
			return fmt.Errorf("principal with empty id")
		}
		for _, perm := range p.Permissions {
			if perm.Zone != "" && !KnownZone(perm.Zone) {
				return fmt.Errorf("principal %s: unknown zone %q", p.ID, perm.Zone)
			}
		}
	}
	for _, o := range rs.Overrides {
		if o.ActionName == "" {
			return fmt.Errorf("override with empty action_name")
		}
		switch o.RiskTier {
		case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		default:
			return fmt.Errorf("override %s: unknown risk tier %q", o.ActionName, o.RiskTier)
		}
	}
	return nil
}

// LoadRules parses and validates a YAML policy document.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates a YAML policy document from bytes.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse policy rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}
	return &rs, nil
}
