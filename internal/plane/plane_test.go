package plane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"execplane/internal/config"
	"execplane/internal/executor"
	"execplane/internal/memory"
	"execplane/internal/pipeline"
	"execplane/internal/policy"
	"execplane/internal/secrets"
	"execplane/internal/store"
	"execplane/internal/types"
)

func buildTestPlane(t *testing.T, mutate func(*Builder)) *Plane {
	t.Helper()
	b := NewBuilder(config.Default()).WithValidation(&pipeline.Pipeline{
		Name:          "commit",
		Operators:     []pipeline.Operator{&pipeline.NotNull{}},
		StopOnFailure: true,
	})
	if mutate != nil {
		mutate(b)
	}
	p, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testCommit(id, workflow string, payload types.Value) Commit {
	return Commit{
		ID:         id,
		Payload:    payload,
		WorkflowID: workflow,
		TaskID:     "task-" + id,
		Principal:  policy.Principal{ID: "agent-1", Type: "agent"},
	}
}

// =============================================================================
// COMMIT FLOW TESTS
// =============================================================================

func TestProcessCommit_AcceptedAdvancesState(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	payload := types.MustValue(map[string]interface{}{"v": 1})

	res, err := p.ProcessCommit(context.Background(), testCommit("c1", "wf-1", payload))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.AuditEntryID == "" {
		t.Fatalf("result = %+v", res)
	}
	if !p.Snapshots().State().Equal(payload) {
		t.Errorf("tracked state = %v", p.Snapshots().State())
	}

	entries, err := p.Chain().Query(context.Background(), memory.Filter{Action: "commit:accepted"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != res.AuditEntryID {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestProcessCommit_NullPayloadBlocked(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	res, err := p.ProcessCommit(context.Background(), testCommit("c1", "wf-1", types.Null()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("null commit accepted")
	}
	if res.FailureCode != types.FailureMissingData {
		t.Errorf("failure = %s", res.FailureCode)
	}
	if res.Remediation == "" || res.AuditEntryID == "" {
		t.Errorf("rejection missing remediation or audit id: %+v", res)
	}

	// Exactly one rejection entry, nothing in the outbox.
	entries, _ := p.Chain().Query(context.Background(), memory.Filter{})
	if len(entries) != 1 || entries[0].Action != "commit:rejected" {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestProcessCommit_PolicyDenialRejects(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	c := testCommit("c1", "wf-1", types.MustValue(map[string]interface{}{"v": 1}))
	c.Action = &policy.Action{
		ID:       "wipe",
		RiskTier: policy.RiskLow,
		Intent:   policy.IntentDelete,
		Required: []policy.Permission{{Action: "delete", Resource: "prod"}},
	}

	res, err := p.ProcessCommit(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.FailureCode != types.FailurePolicyViolation {
		t.Fatalf("result = %+v", res)
	}
	if res.Verdict == nil || res.Verdict.State != policy.StateDenied {
		t.Errorf("verdict = %+v", res.Verdict)
	}
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestProcessBatch_PreservesPerWorkflowOrder(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	commits := []Commit{
		testCommit("a1", "wf-a", types.MustValue(map[string]interface{}{"n": 1})),
		testCommit("b1", "wf-b", types.MustValue(map[string]interface{}{"n": 2})),
		testCommit("a2", "wf-a", types.MustValue(map[string]interface{}{"n": 3})),
		testCommit("b2", "wf-b", types.MustValue(map[string]interface{}{"n": 4})),
	}

	results, err := p.ProcessBatch(context.Background(), commits)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	for i, res := range results {
		if res.CommitID != commits[i].ID {
			t.Errorf("result %d is for %s", i, res.CommitID)
		}
		if !res.Accepted {
			t.Errorf("commit %s rejected", res.CommitID)
		}
	}

	// Within each workflow, audit order matches input order.
	entries, _ := p.Chain().Query(context.Background(), memory.Filter{})
	seq := map[string]uint64{}
	for _, e := range entries {
		seq[e.Provenance.TaskID] = e.Sequence
	}
	if seq["task-a1"] >= seq["task-a2"] {
		t.Errorf("workflow a out of order: a1=%d a2=%d", seq["task-a1"], seq["task-a2"])
	}
	if seq["task-b1"] >= seq["task-b2"] {
		t.Errorf("workflow b out of order: b1=%d b2=%d", seq["task-b1"], seq["task-b2"])
	}
}

func TestProcessBatch_ConcurrentSafe(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	var commits []Commit
	for i := 0; i < 20; i++ {
		wf := "wf-x"
		if i%2 == 0 {
			wf = "wf-y"
		}
		commits = append(commits, testCommit(string(rune('a'+i)), wf,
			types.MustValue(map[string]interface{}{"i": i})))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.ProcessBatch(context.Background(), commits); err != nil {
			t.Error(err)
		}
	}()
	wg.Wait()

	report, err := p.Chain().Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Entries != 20 {
		t.Errorf("report = %+v", report)
	}
}

// =============================================================================
// TOOL EXECUTION TESTS
// =============================================================================

func TestExecuteTool_AuditsThroughChain(t *testing.T) {
	t.Parallel()

	reg := executor.NewRegistry()
	reg.MustRegister(&executor.ToolSpec{
		ID:          "echo",
		SideEffect:  true,
		Idempotency: executor.IdempotencyCacheReplay,
		Action:      &policy.Action{ID: "echo", RiskTier: policy.RiskLow, Intent: policy.IntentWrite},
		Handler: func(_ context.Context, args types.Value) (types.Value, error) {
			return args, nil
		},
	})
	p := buildTestPlane(t, func(b *Builder) { b.WithRegistry(reg) })

	res, err := p.ExecuteTool(context.Background(), executor.Invocation{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		StepID:     "s1",
		ToolID:     "echo",
		Args:       types.MustValue(map[string]interface{}{"msg": "hi"}),
		Principal:  policy.Principal{ID: "agent-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}

	entry, err := p.Outbox().Get(context.Background(), res.Key)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != store.OutboxCommitted {
		t.Errorf("outbox state = %s", entry.State)
	}
	audits, _ := p.Chain().Query(context.Background(), memory.Filter{Action: "tool_call:echo"})
	if len(audits) != 1 {
		t.Errorf("audit entries = %d", len(audits))
	}
}

// =============================================================================
// SECRETS WIRING TESTS
// =============================================================================

func TestProcessCommit_SignedReceipts(t *testing.T) {
	t.Parallel()

	signer, err := secrets.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	p := buildTestPlane(t, func(b *Builder) { b.WithSigner(signer) })

	res, err := p.ProcessCommit(context.Background(),
		testCommit("c1", "wf-1", types.MustValue(map[string]interface{}{"v": 1})))
	if err != nil {
		t.Fatal(err)
	}
	if res.Receipt == nil {
		t.Fatal("accepted commit has no receipt")
	}
	if res.Receipt.AuditEntryID != res.AuditEntryID {
		t.Errorf("receipt entry = %s, want %s", res.Receipt.AuditEntryID, res.AuditEntryID)
	}
	if !p.VerifyReceipt(*res.Receipt) {
		t.Error("valid receipt rejected")
	}

	forged := *res.Receipt
	forged.ContentHash = "0000"
	if p.VerifyReceipt(forged) {
		t.Error("forged receipt verified")
	}

	// Rejections get receipts too.
	rej, err := p.ProcessCommit(context.Background(), testCommit("c2", "wf-1", types.Null()))
	if err != nil {
		t.Fatal(err)
	}
	if rej.Receipt == nil || !p.VerifyReceipt(*rej.Receipt) {
		t.Errorf("rejection receipt = %+v", rej.Receipt)
	}
}

func TestProcessCommit_NoSignerNoReceipt(t *testing.T) {
	t.Parallel()

	p := buildTestPlane(t, nil)
	res, err := p.ProcessCommit(context.Background(),
		testCommit("c1", "wf-1", types.MustValue(map[string]interface{}{"v": 1})))
	if err != nil {
		t.Fatal(err)
	}
	if res.Receipt != nil {
		t.Errorf("receipt = %+v without a signer", res.Receipt)
	}
}

func TestBuild_SealedSnapshotsRoundTripThroughRollback(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	p, err := NewBuilder(config.Default()).WithMasterKey(key).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })

	checkpoint := types.MustValue(map[string]interface{}{"v": 1})
	if _, err := p.ProcessCommit(context.Background(), testCommit("c1", "wf", checkpoint)); err != nil {
		t.Fatal(err)
	}
	snap, err := p.Snapshots().Take(context.Background(), true, store.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.ProcessCommit(context.Background(),
		testCommit("c2", "wf", types.MustValue(map[string]interface{}{"v": 2}))); err != nil {
		t.Fatal(err)
	}

	// Rollback loads through the sealed store: the state must unseal back
	// to the checkpoint, not the ciphertext blob.
	restored, err := p.Snapshots().RollbackTo(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.State.Equal(checkpoint) {
		t.Errorf("restored state = %v", restored.State)
	}
	if !p.Snapshots().State().Equal(checkpoint) {
		t.Errorf("tracked state = %v", p.Snapshots().State())
	}
}

func TestBuild_RejectsShortMasterKey(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder(config.Default()).WithMasterKey([]byte("short")).Build(context.Background())
	if !errors.Is(err, secrets.ErrBadMaster) {
		t.Errorf("err = %v, want ErrBadMaster", err)
	}
}

// =============================================================================
// INTEGRITY TESTS
// =============================================================================

func TestBuild_RefusesTamperedAuditLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.AuditDir = dir

	p, err := NewBuilder(cfg).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.ProcessCommit(context.Background(),
			testCommit("c", "wf", types.MustValue(map[string]interface{}{"i": i}))); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Mutate entry 1 out of band.
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.ndjson"))
	if err != nil || len(files) == 0 {
		t.Fatalf("audit files = %v (%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("audit lines = %d", len(lines))
	}
	lines[1] = strings.Replace(lines[1], `"agent-1"`, `"intruder"`, 1)
	if err := os.WriteFile(files[0], []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = NewBuilder(cfg).Build(context.Background())
	if !errors.Is(err, memory.ErrIntegrity) {
		t.Errorf("rebuild err = %v, want ErrIntegrity", err)
	}
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Effort.RejectThreshold = 0.9
	cfg.Effort.ApproveThreshold = 0.5
	if _, err := NewBuilder(cfg).Build(context.Background()); err == nil {
		t.Error("invalid config accepted")
	}
}
