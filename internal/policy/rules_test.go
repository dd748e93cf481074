package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleRules = `
version: "2026-08"
principals:
  - id: deploy-bot
    type: service
    permissions:
      - action: write
        resource: manifests
        zone: internal
overrides:
  - action_name: rotate_keys
    risk_tier: critical
    reason: touches signing material
`

// =============================================================================
// RULE SET TESTS
// =============================================================================

func TestParseRules_Sample(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules error: %v", err)
	}
	if rs.Version != "2026-08" {
		t.Errorf("version = %s", rs.Version)
	}
	if len(rs.Principals) != 1 || rs.Principals[0].ID != "deploy-bot" {
		t.Errorf("principals = %+v", rs.Principals)
	}
	if len(rs.Overrides) != 1 || rs.Overrides[0].RiskTier != RiskCritical {
		t.Errorf("overrides = %+v", rs.Overrides)
	}
}

func TestParseRules_RejectsBadZone(t *testing.T) {
	t.Parallel()

	bad := `
principals:
  - id: p
    permissions:
      - action: read
        resource: x
        zone: topsecret
`
	if _, err := ParseRules([]byte(bad)); err == nil {
		t.Error("unknown zone accepted")
	}
}

func TestParseRules_RejectsBadTier(t *testing.T) {
	t.Parallel()

	bad := `
overrides:
  - action_name: x
    risk_tier: extreme
`
	if _, err := ParseRules([]byte(bad)); err == nil {
		t.Error("unknown tier accepted")
	}
}

func TestRuleSet_MergeGrantsDeclaredPermissions(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules error: %v", err)
	}
	gate := NewGate(rs)

	// The caller passes a bare principal; the rule set supplies the grant.
	v := gate.Evaluate(Principal{ID: "deploy-bot", Type: "service"}, Action{
		ID: "a1", RiskTier: RiskLow, Intent: IntentWrite, Zone: ZoneInternal,
		Required: []Permission{{Action: "write", Resource: "manifests", Zone: ZoneInternal}},
	})
	if !v.Allowed() {
		t.Errorf("verdict = %+v", v)
	}
}

func TestRuleSet_OverrideEscalatesTier(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules error: %v", err)
	}
	gate := NewGate(rs)

	// Declared low, overridden to critical.
	v := gate.Evaluate(adminPrincipal(), Action{
		ID: "a1", Name: "rotate_keys", RiskTier: RiskLow, Intent: IntentAdmin,
	})
	if v.State != StateApprovalRequired {
		t.Fatalf("state = %s (%s)", v.State, v.Reason)
	}
	if v.RequiredApproval == nil || !v.RequiredApproval.RequireJustification {
		t.Errorf("approval = %+v", v.RequiredApproval)
	}
}

// =============================================================================
// WATCHER TESTS
// =============================================================================

func TestWatcher_ReloadSwapsRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`version: "v1"`), 0644); err != nil {
		t.Fatal(err)
	}

	gate := NewGate(nil)
	w, err := NewWatcher(path, gate)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()

	w.Reload()
	if gate.Rules().Version != "v1" {
		t.Errorf("version = %s", gate.Rules().Version)
	}

	if err := os.WriteFile(path, []byte(`version: "v2"`), 0644); err != nil {
		t.Fatal(err)
	}
	w.Reload()
	if gate.Rules().Version != "v2" {
		t.Errorf("version = %s", gate.Rules().Version)
	}
	if w.Stats().Reloads != 2 {
		t.Errorf("reloads = %d", w.Stats().Reloads)
	}
}

func TestWatcher_BadDocumentKeepsPreviousRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`version: "good"`), 0644); err != nil {
		t.Fatal(err)
	}

	gate := NewGate(nil)
	w, err := NewWatcher(path, gate)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()

	w.Reload()
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	w.Reload()

	if gate.Rules().Version != "good" {
		t.Errorf("bad document replaced live rules: %s", gate.Rules().Version)
	}
	if w.Stats().RejectedLoads != 1 {
		t.Errorf("rejected = %d", w.Stats().RejectedLoads)
	}
}

func TestWatcher_PicksUpFileWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`version: "v1"`), 0644); err != nil {
		t.Fatal(err)
	}

	gate := NewGate(nil)
	w, err := NewWatcher(path, gate)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	w.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`version: "hot"`), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if gate.Rules().Version == "hot" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("rules not reloaded, version = %s", gate.Rules().Version)
}
