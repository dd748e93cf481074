package memory

import (
	"context"

	"execplane/internal/executor"
	"execplane/internal/logging"
	"execplane/internal/sandbox"
	"execplane/internal/store"
	"execplane/internal/types"
)

// =============================================================================
// AUDIT ADAPTERS
// =============================================================================

// Recorder adapts the chain to the execution wrapper and the sandbox
// runtime: every finished invocation and every sandbox event becomes one
// chain entry.
type Recorder struct {
	chain *Chain
}

// NewRecorder wraps a chain.
func NewRecorder(chain *Chain) *Recorder {
	return &Recorder{chain: chain}
}

// Chain exposes the underlying chain for queries.
func (r *Recorder) Chain() *Chain { return r.chain }

// RecordInvocation appends one entry per finished tool invocation. The args
// become state-before and the outcome envelope becomes state-after, so a
// rejection still produces exactly one entry with no outbox trace.
func (r *Recorder) RecordInvocation(ctx context.Context, rec executor.InvocationRecord) error {
	actor := rec.PrincipalID
	if actor == "" {
		actor = "system"
	}

	after := map[string]interface{}{
		"outcome":     rec.Outcome,
		"workflow_id": rec.WorkflowID,
	}
	if rec.FailureCode != "" {
		after["failure_code"] = string(rec.FailureCode)
	}
	if rec.Key != "" {
		after["idempotency_key"] = rec.Key
	}
	if rec.Output != nil {
		after["output"] = rec.Output.ToInterface()
	}
	afterVal := types.MustValue(after)

	_, err := r.chain.Append(ctx, store.AuditEntry{
		Actor:       actor,
		Action:      "tool_call:" + rec.ToolID,
		StateBefore: valuePtr(rec.Args),
		StateAfter:  &afterVal,
		Provenance: store.Provenance{
			TaskID: rec.TaskID,
			StepID: rec.StepID,
		},
	})
	return err
}

// AppendSandboxEvent appends one entry per sandbox lifecycle event or
// permission check. Sink errors are logged, not surfaced; the sandbox must
// not fail a permission check because the log is slow.
func (r *Recorder) AppendSandboxEvent(rec sandbox.Record) {
	actor := rec.PrincipalID
	if actor == "" {
		actor = "system"
	}

	data := map[string]interface{}{"sandbox_id": rec.SandboxID}
	for k, v := range rec.Data {
		data[k] = v
	}
	if rec.ToolID != "" {
		data["tool_id"] = rec.ToolID
	}
	if rec.WorkflowID != "" {
		data["workflow_id"] = rec.WorkflowID
	}
	dataVal := types.MustValue(data)

	_, err := r.chain.Append(context.Background(), store.AuditEntry{
		Actor:      actor,
		Action:     "sandbox:" + string(rec.EventType),
		StateAfter: &dataVal,
		Provenance: store.Provenance{TaskID: rec.TaskID},
	})
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("failed to append sandbox event %s: %v", rec.EventType, err)
	}
}
