// Package plane wires the control plane together: one Plane value carries
// the validation pipeline, policy gate, effort evaluator, execution wrapper,
// audit chain, and snapshot manager, all injected at construction. There is
// no global mutable state; tests build fresh planes.
package plane

import (
	"context"
	"fmt"
	"sort"
	"time"

	"execplane/internal/config"
	"execplane/internal/effort"
	"execplane/internal/executor"
	"execplane/internal/logging"
	"execplane/internal/memory"
	"execplane/internal/outbox"
	"execplane/internal/pipeline"
	"execplane/internal/policy"
	"execplane/internal/secrets"
	"execplane/internal/store"
	"execplane/internal/telemetry"
	"execplane/internal/types"

	"golang.org/x/sync/errgroup"
)

// Commit is the unit of work entering the plane: a proposed state change.
// Immutable once created.
type Commit struct {
	ID      string
	Payload types.Value

	// PrevState optionally references the state the commit expects to
	// replace, for monotonic checks in the validation pipeline.
	PrevState *types.Value

	WorkflowID    string
	TaskID        string
	StepID        string
	SourceEventID string
	Timestamp     time.Time

	Principal policy.Principal

	// Action is the commit's policy view; nil skips the gate.
	Action *policy.Action

	// Constraints feed the effort evaluator.
	Constraints []effort.SoftConstraint
}

// CommitResult is the plane's answer for one commit. A rejection carries
// the failure code, the remediation hint, and the id of the single
// rejection audit entry.
type CommitResult struct {
	CommitID     string
	Accepted     bool
	Gate         types.GateResult
	Verdict      *policy.Verdict
	Effort       *effort.Evaluation
	FailureCode  types.FailureCode
	Remediation  string
	Reason       string
	AuditEntryID string

	// Receipt is the signed proof of recording. Nil without a signer.
	Receipt *Receipt
}

// Receipt proves the plane recorded a commit outcome: the audit entry, its
// content hash, and an ed25519 signature over that hash.
type Receipt struct {
	AuditEntryID string `json:"audit_entry_id"`
	ContentHash  string `json:"content_hash"`
	Signature    []byte `json:"signature"`
}

// Plane is the assembled control plane.
type Plane struct {
	cfg        *config.Config
	validation *pipeline.Pipeline
	gate       *policy.Gate
	watcher    *policy.Watcher
	evaluator  *effort.Evaluator
	registry   *executor.Registry
	wrapper    *executor.Wrapper
	chain      *memory.Chain
	recorder   *memory.Recorder
	snapshots  *memory.SnapshotManager
	retention  *memory.RetentionManager
	outbox     *outbox.Service
	bus        *telemetry.Bus
	signer     *secrets.Signer
	closers    []func() error
}

// Accessors for the wired components.
func (p *Plane) Chain() *memory.Chain                 { return p.chain }
func (p *Plane) Gate() *policy.Gate                   { return p.gate }
func (p *Plane) Registry() *executor.Registry         { return p.registry }
func (p *Plane) Snapshots() *memory.SnapshotManager   { return p.snapshots }
func (p *Plane) Retention() *memory.RetentionManager  { return p.retention }
func (p *Plane) Outbox() *outbox.Service              { return p.outbox }
func (p *Plane) Telemetry() *telemetry.Bus            { return p.bus }
func (p *Plane) Signer() *secrets.Signer              { return p.signer }

// ProcessCommit runs one commit through validation, policy, and effort,
// then records the outcome. A blocked commit produces exactly one rejection
// audit entry and never reaches the outbox; an accepted commit becomes the
// new tracked state and a snapshot candidate.
func (p *Plane) ProcessCommit(ctx context.Context, c Commit) (CommitResult, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "ProcessCommit")
	defer timer.Stop()

	res := CommitResult{CommitID: c.ID}

	// 1. Validation pipeline.
	if p.validation != nil {
		gate := p.validation.Run(ctx, c.Payload)
		res.Gate = gate
		if gate.Blocked() {
			res.FailureCode = gate.FailureCode
			res.Remediation = gate.Remediation
			if ff := gate.FirstFailure(); ff != nil {
				res.Reason = ff.Reason
			}
			return p.reject(ctx, c, res)
		}
	} else {
		res.Gate = types.GateResult{Status: types.GatePassed}
	}

	// 2. Policy gate.
	if p.gate != nil && c.Action != nil {
		verdict := p.gate.Evaluate(c.Principal, *c.Action)
		res.Verdict = &verdict
		if !verdict.Allowed() {
			res.FailureCode = types.FailurePolicyViolation
			res.Remediation = types.RemediationFor(types.FailurePolicyViolation)
			res.Reason = verdict.Reason
			return p.reject(ctx, c, res)
		}
	}

	// 3. Effort evaluator; only reject short-circuits.
	if p.evaluator != nil && c.Action != nil {
		eval := p.evaluator.Evaluate(*c.Action, c.Constraints)
		res.Effort = &eval
		if eval.ShortCircuits() {
			res.FailureCode = types.FailureLowConfidence
			res.Remediation = types.RemediationFor(types.FailureLowConfidence)
			res.Reason = fmt.Sprintf("effort score %.2f rejected", eval.Score)
			return p.reject(ctx, c, res)
		}
	}

	// 4. Accept: audit, then advance tracked state.
	res.Accepted = true
	entry, err := p.chain.Append(ctx, store.AuditEntry{
		Actor:       actorFor(c),
		Action:      "commit:accepted",
		StateBefore: c.PrevState,
		StateAfter:  &c.Payload,
		Provenance:  provenanceFor(c),
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("accepted commit %s but audit append failed: %w", c.ID, err)
	}
	res.AuditEntryID = entry.ID
	res.Receipt = p.receiptFor(entry)

	if p.snapshots != nil {
		if _, err := p.snapshots.ObserveStateChange(ctx, c.Payload); err != nil {
			logging.Get(logging.CategoryMemory).Warn("snapshot after commit %s failed: %v", c.ID, err)
		}
	}
	return res, nil
}

// reject appends the single rejection audit entry and finishes the result.
func (p *Plane) reject(ctx context.Context, c Commit, res CommitResult) (CommitResult, error) {
	after := types.MustValue(map[string]interface{}{
		"failure_code": string(res.FailureCode),
		"remediation":  res.Remediation,
		"reason":       res.Reason,
	})
	entry, err := p.chain.Append(ctx, store.AuditEntry{
		Actor:       actorFor(c),
		Action:      "commit:rejected",
		StateBefore: valueRef(c.Payload),
		StateAfter:  &after,
		Provenance:  provenanceFor(c),
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("rejected commit %s but audit append failed: %w", c.ID, err)
	}
	res.AuditEntryID = entry.ID
	res.Receipt = p.receiptFor(entry)
	logging.Get(logging.CategoryPipeline).Info("commit %s rejected: %s (%s)", c.ID, res.FailureCode, res.Reason)
	return res, nil
}

// receiptFor signs the entry's content hash. Nil without a signer.
func (p *Plane) receiptFor(e store.AuditEntry) *Receipt {
	if p.signer == nil {
		return nil
	}
	return &Receipt{
		AuditEntryID: e.ID,
		ContentHash:  e.ContentHash,
		Signature:    p.signer.Sign([]byte(e.ContentHash)),
	}
}

// VerifyReceipt checks a receipt against the plane's signing key.
func (p *Plane) VerifyReceipt(r Receipt) bool {
	if p.signer == nil {
		return false
	}
	return secrets.Verify(p.signer.Public(), []byte(r.ContentHash), r.Signature)
}

// ExecuteTool runs one tool invocation through the execution wrapper.
func (p *Plane) ExecuteTool(ctx context.Context, inv executor.Invocation) (executor.InvocationResult, error) {
	return p.wrapper.Execute(ctx, inv)
}

// ProcessBatch processes commits in parallel while preserving per-workflow
// ordering: commits sharing a workflow id run sequentially in input order,
// distinct workflows run concurrently. Results come back in input order.
func (p *Plane) ProcessBatch(ctx context.Context, commits []Commit) ([]CommitResult, error) {
	results := make([]CommitResult, len(commits))

	lanes := map[string][]int{}
	for i, c := range commits {
		lanes[c.WorkflowID] = append(lanes[c.WorkflowID], i)
	}
	keys := make([]string, 0, len(lanes))
	for k := range lanes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		indices := lanes[k]
		g.Go(func() error {
			for _, i := range indices {
				res, err := p.ProcessCommit(gctx, commits[i])
				if err != nil {
					return err
				}
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close releases everything the builder acquired, in reverse order.
func (p *Plane) Close() error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func actorFor(c Commit) string {
	if c.Principal.ID != "" {
		return c.Principal.ID
	}
	return "system"
}

func provenanceFor(c Commit) store.Provenance {
	return store.Provenance{
		TaskID:        c.TaskID,
		StepID:        c.StepID,
		SourceEventID: c.SourceEventID,
	}
}

func valueRef(v types.Value) *types.Value {
	if v.Kind == "" {
		return nil
	}
	return &v
}
