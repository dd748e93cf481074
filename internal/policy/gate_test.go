package policy

import (
	"testing"
)

func adminPrincipal() Principal {
	return Principal{
		ID:   "agent-1",
		Type: "agent",
		Permissions: []Permission{
			{Action: "*", Resource: "*", Zone: ZoneRestricted},
		},
	}
}

// =============================================================================
// DATA ZONE TESTS
// =============================================================================

func TestDataZone_Chain(t *testing.T) {
	t.Parallel()

	ordered := []DataZone{ZonePublic, ZoneInternal, ZoneConfidential, ZoneRestricted}
	for i, high := range ordered {
		for j, low := range ordered {
			want := i >= j
			if got := high.Covers(low); got != want {
				t.Errorf("%s.Covers(%s) = %v, want %v", high, low, got, want)
			}
		}
	}
}

func TestDataZone_UnknownNeverCovers(t *testing.T) {
	t.Parallel()

	if DataZone("secret").Covers(ZonePublic) {
		t.Error("unknown zone covered public")
	}
	if ZoneRestricted.Covers(DataZone("secret")) {
		t.Error("restricted covered unknown zone")
	}
}

// =============================================================================
// PRINCIPAL TESTS
// =============================================================================

func TestPrincipal_MaxZone(t *testing.T) {
	t.Parallel()

	p := Principal{ID: "p", Permissions: []Permission{
		{Action: "read", Resource: "files", Zone: ZoneInternal},
		{Action: "read", Resource: "files", Zone: ZoneConfidential},
		{Action: "write", Resource: "files", Zone: ZonePublic},
	}}

	zone, ok := p.MaxZone("read", "files")
	if !ok || zone != ZoneConfidential {
		t.Errorf("MaxZone(read, files) = %s, %v", zone, ok)
	}
	if _, ok := p.MaxZone("delete", "files"); ok {
		t.Error("ungranted verb matched")
	}
}

func TestPrincipal_WildcardGrant(t *testing.T) {
	t.Parallel()

	p := adminPrincipal()
	zone, ok := p.MaxZone("execute", "anything")
	if !ok || zone != ZoneRestricted {
		t.Errorf("wildcard grant = %s, %v", zone, ok)
	}
}

// =============================================================================
// GATE FSM TESTS
// =============================================================================

func TestGate_MissingPermissionDenies(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil)
	p := Principal{ID: "limited", Permissions: []Permission{
		{Action: "read", Resource: "files", Zone: ZonePublic},
	}}
	action := Action{
		ID:       "a1",
		RiskTier: RiskLow,
		Intent:   IntentWrite,
		Required: []Permission{{Action: "write", Resource: "files", Zone: ZonePublic}},
	}

	v := gate.Evaluate(p, action)
	if !v.Denied() {
		t.Fatalf("verdict = %+v", v)
	}
	if v.AuditHint != "permission_missing" {
		t.Errorf("hint = %s", v.AuditHint)
	}
}

func TestGate_InsufficientZoneDenies(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil)
	p := Principal{ID: "limited", Permissions: []Permission{
		{Action: "read", Resource: "files", Zone: ZoneInternal},
	}}
	action := Action{
		ID:       "a1",
		RiskTier: RiskLow,
		Intent:   IntentRead,
		Zone:     ZoneConfidential,
		Required: []Permission{{Action: "read", Resource: "files", Zone: ZoneConfidential}},
	}

	v := gate.Evaluate(p, action)
	if !v.Denied() || v.AuditHint != "zone_insufficient" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestGate_ToolOffAllowListDenies(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil)
	action := Action{
		ID:           "a1",
		RiskTier:     RiskLow,
		Intent:       IntentRead,
		Tool:         "shell_exec",
		AllowedTools: []string{"file_read", "file_stat"},
	}

	v := gate.Evaluate(adminPrincipal(), action)
	if !v.Denied() || v.AuditHint != "tool_not_allowed" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestGate_EmptyAllowListUnrestricted(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil)
	v := gate.Evaluate(adminPrincipal(), Action{
		ID: "a1", RiskTier: RiskLow, Intent: IntentRead, Tool: "anything",
	})
	if !v.Allowed() {
		t.Errorf("verdict = %+v", v)
	}
}

func TestGate_RiskIntentMatrix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		tier   RiskTier
		intent Intent
		want   State
	}{
		{"low_read", RiskLow, IntentRead, StateAllowed},
		{"low_admin", RiskLow, IntentAdmin, StateAllowed},
		{"medium_read", RiskMedium, IntentRead, StateAllowed},
		{"medium_write", RiskMedium, IntentWrite, StateApprovalRequired},
		{"medium_delete", RiskMedium, IntentDelete, StateApprovalRequired},
		{"medium_execute", RiskMedium, IntentExecute, StateApprovalRequired},
		{"high_read", RiskHigh, IntentRead, StateApprovalRequired},
		{"critical_read", RiskCritical, IntentRead, StateApprovalRequired},
		{"unknown_tier", RiskTier("weird"), IntentRead, StateDenied},
	}

	gate := NewGate(nil)
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := gate.Evaluate(adminPrincipal(), Action{
				ID: "a", RiskTier: tc.tier, Intent: tc.intent,
			})
			if v.State != tc.want {
				t.Errorf("state = %s, want %s (%s)", v.State, tc.want, v.Reason)
			}
		})
	}
}

func TestGate_CriticalRequiresJustification(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil)
	v := gate.Evaluate(adminPrincipal(), Action{
		ID: "a1", RiskTier: RiskCritical, Intent: IntentAdmin,
		Justification: "rotating compromised credentials",
	})
	if v.State != StateApprovalRequired {
		t.Fatalf("state = %s", v.State)
	}
	if v.RequiredApproval == nil || !v.RequiredApproval.RequireJustification {
		t.Errorf("approval = %+v", v.RequiredApproval)
	}
	if v.RequiredApproval.Justification == "" {
		t.Error("justification not carried through")
	}
}

func TestGate_DenialPrecedesRiskClassification(t *testing.T) {
	t.Parallel()

	// A low-risk action must still be denied when permissions are missing.
	gate := NewGate(nil)
	p := Principal{ID: "nobody"}
	v := gate.Evaluate(p, Action{
		ID: "a1", RiskTier: RiskLow, Intent: IntentRead,
		Required: []Permission{{Action: "read", Resource: "files"}},
	})
	if !v.Denied() {
		t.Errorf("verdict = %+v", v)
	}
}
