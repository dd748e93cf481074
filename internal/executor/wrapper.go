package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execplane/internal/effort"
	"execplane/internal/logging"
	"execplane/internal/outbox"
	"execplane/internal/policy"
	"execplane/internal/sandbox"
	"execplane/internal/telemetry"
	"execplane/internal/types"
)

// =============================================================================
// INVOCATIONS
// =============================================================================

// Invocation is one tool invocation request.
type Invocation struct {
	WorkflowID string
	TaskID     string
	StepID     string
	ToolID     string
	Args       types.Value

	Principal policy.Principal

	// Action overrides the tool's declared policy view.
	Action *policy.Action

	// Constraints feed the effort evaluator.
	Constraints []effort.SoftConstraint

	// Permissions configures a sandbox for this invocation. Nil executes
	// without sandbox isolation.
	Permissions *sandbox.Permissions

	// MaxAttempts overrides the wrapper default.
	MaxAttempts int
}

// InvocationResult is the typed outcome of one invocation. Expected
// failures land here, not in an error.
type InvocationResult struct {
	Status      types.GateStatus
	Output      types.Value
	Replayed    bool
	FailureCode types.FailureCode
	Remediation string
	Reason      string
	Attempts    int
	Usage       sandbox.Usage
	Key         string

	// ApprovalRequired is set when policy wants a human in the loop.
	ApprovalRequired *policy.ApprovalRequest
}

// Succeeded reports whether the effect completed (fresh or replayed).
func (r InvocationResult) Succeeded() bool { return r.Status != types.GateBlocked }

// AuditRecorder receives one record per finished invocation. The memory
// package's chain implements this through the plane.
type AuditRecorder interface {
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
}

// InvocationRecord is the audit view of an invocation.
type InvocationRecord struct {
	WorkflowID  string
	TaskID      string
	StepID      string
	ToolID      string
	PrincipalID string
	Key         string
	Outcome     string
	FailureCode types.FailureCode
	Args        types.Value
	Output      *types.Value
}

// =============================================================================
// WRAPPER
// =============================================================================

// Wrapper chains every gate around tool execution. All dependencies are
// optional except the registry: a nil gate skips policy, a nil evaluator
// skips effort scoring, a nil outbox falls back to the result cache, and a
// nil cache executes unconditionally.
type Wrapper struct {
	Registry   *Registry
	Gate       *policy.Gate
	Effort     *effort.Evaluator
	Outbox     *outbox.Service
	Cache      outbox.ResultCache
	Provider   sandbox.Provider
	Escalation *sandbox.EscalationManager
	SandboxLog sandbox.AuditSink
	Recorder   AuditRecorder
	Telemetry  telemetry.Sink

	// Timeout bounds each execute call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// MaxAttempts is the default attempt budget.
	MaxAttempts int

	// CacheTTL bounds cached results when only the cache is wired.
	CacheTTL time.Duration
}

// Defaults applied when the corresponding field is zero.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Execute runs one invocation through the full flow. The returned error is
// reserved for infrastructure faults; expected failures are in the result.
func (w *Wrapper) Execute(ctx context.Context, inv Invocation) (InvocationResult, error) {
	log := logging.Get(logging.CategoryExecutor)
	timer := logging.StartTimer(logging.CategoryExecutor, "Execute:"+inv.ToolID)
	defer timer.Stop()

	spec, err := w.Registry.Get(inv.ToolID)
	if err != nil {
		return w.reject(ctx, inv, types.FailureToolError, err.Error()), nil
	}

	w.emit(telemetry.EventToolCall, inv, map[string]interface{}{
		"tool": inv.ToolID, "step": inv.StepID, "args": inv.Args.ToInterface(),
	})

	// 1. Input schema.
	if err := spec.CheckInput(inv.Args); err != nil {
		return w.reject(ctx, inv, types.FailureConflict, fmt.Sprintf("input schema: %v", err)), nil
	}

	// 2. Policy gate.
	if w.Gate != nil {
		verdict := w.Gate.Evaluate(inv.Principal, w.actionFor(spec, inv))
		w.emit(telemetry.EventPolicyCheck, inv, map[string]interface{}{
			"state": string(verdict.State), "hint": verdict.AuditHint,
		})
		if !verdict.Allowed() {
			res := w.reject(ctx, inv, types.FailurePolicyViolation, verdict.Reason)
			res.ApprovalRequired = verdict.RequiredApproval
			return res, nil
		}
	}

	// 3. Effort evaluator; only reject short-circuits.
	if w.Effort != nil {
		eval := w.Effort.Evaluate(w.actionFor(spec, inv), inv.Constraints)
		if eval.ShortCircuits() {
			return w.reject(ctx, inv, types.FailureLowConfidence,
				fmt.Sprintf("effort score %.2f rejected", eval.Score)), nil
		}
	}

	// 4. CRV input gate.
	args := inv.Args
	if spec.InputGate != nil {
		gate := spec.InputGate.Run(ctx, args)
		w.emitCRV(inv, "input", gate)
		if gate.Blocked() {
			return w.rejectGate(ctx, inv, gate), nil
		}
		if gate.Output != nil {
			args = *gate.Output
		}
	}

	key := ""
	if spec.Idempotency != IdempotencyNone {
		if key, err = IdempotencyKey(inv.TaskID, inv.StepID, inv.ToolID, args); err != nil {
			return InvocationResult{}, err
		}
	}

	// Opportunistic cache read; the outbox remains the authority.
	if key != "" && w.Cache != nil && w.Outbox == nil {
		if cached, ok, cacheErr := w.Cache.Get(ctx, key); cacheErr == nil && ok {
			log.Debug("cache replay for %s", inv.ToolID)
			return w.finish(ctx, inv, spec, key, InvocationResult{
				Status: types.GatePassed, Output: cached, Replayed: true, Key: key,
			}), nil
		}
	}

	// 5. Sandbox acquisition, scoped so destruction happens on every path.
	var sb *sandbox.Sandbox
	if inv.Permissions != nil {
		sb = sandbox.New(sandbox.Meta{
			WorkflowID:  inv.WorkflowID,
			TaskID:      inv.TaskID,
			ToolID:      inv.ToolID,
			PrincipalID: inv.Principal.ID,
		}, *inv.Permissions, w.Escalation, w.SandboxLog)
		defer sb.Destroy()
	}

	// 6-7. Execute with timeout, then output checks, inside the
	// execute-once boundary so a failed output check never commits.
	executed := false
	run := func(runCtx context.Context) (types.Value, error) {
		output, _, execErr := w.executeOnce(runCtx, spec, sb, args)
		if execErr != nil {
			return types.Value{}, execErr
		}
		executed = true
		if err := spec.CheckOutput(output); err != nil {
			return types.Value{}, fmt.Errorf("output schema: %w", err)
		}
		if spec.OutputGate != nil {
			gate := spec.OutputGate.Run(runCtx, output)
			w.emitCRV(inv, "output", gate)
			if gate.Blocked() {
				return types.Value{}, fmt.Errorf("output gate blocked: %s", gate.FailureCode)
			}
			if gate.Output != nil {
				output = *gate.Output
			}
		}
		return output, nil
	}

	attempts := inv.MaxAttempts
	if attempts <= 0 {
		attempts = w.MaxAttempts
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var result InvocationResult
	result.Key = key

	// 8. Commit through the outbox when wired and the tool has effects.
	if w.Outbox != nil && spec.SideEffect && key != "" {
		obRes, obErr := w.Outbox.Execute(ctx, outbox.ExecuteRequest{
			WorkflowID:  inv.WorkflowID,
			TaskID:      inv.TaskID,
			ToolID:      inv.ToolID,
			Key:         key,
			Executor:    run,
			MaxAttempts: attempts,
		})
		result.Attempts = obRes.Attempts
		if obErr != nil {
			result.Status = types.GateBlocked
			result.FailureCode, result.Reason = classifyExecError(ctx, obErr)
			result.Remediation = types.RemediationFor(result.FailureCode)
			// 9. Compensation when the effect may have landed.
			w.compensate(ctx, spec, inv, args, executed, key)
			return w.finish(ctx, inv, spec, key, result), nil
		}
		result.Status = types.GatePassed
		result.Output = obRes.Value
		result.Replayed = obRes.Replayed
	} else {
		output, runErr := run(ctx)
		result.Attempts = 1
		if runErr != nil {
			result.Status = types.GateBlocked
			result.FailureCode, result.Reason = classifyExecError(ctx, runErr)
			result.Remediation = types.RemediationFor(result.FailureCode)
			w.compensate(ctx, spec, inv, args, executed, key)
			return w.finish(ctx, inv, spec, key, result), nil
		}
		result.Status = types.GatePassed
		result.Output = output
		if key != "" && w.Cache != nil {
			// Cache successes only.
			if err := w.Cache.Put(ctx, key, output, w.CacheTTL); err != nil {
				log.Warn("failed to cache result for %s: %v", inv.ToolID, err)
			}
		}
	}

	if sb != nil {
		result.Usage = sb.Usage()
	}
	return w.finish(ctx, inv, spec, key, result), nil
}

// executeOnce runs the provider under the wall-clock timeout.
func (w *Wrapper) executeOnce(ctx context.Context, spec *ToolSpec, sb *sandbox.Sandbox, args types.Value) (types.Value, sandbox.Usage, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	invoke := sandbox.Invocation{
		ToolID: spec.ID,
		Args:   args,
		Run: func(c context.Context) (types.Value, error) {
			return spec.Handler(c, args)
		},
	}

	var (
		res sandbox.ExecResult
		err error
	)
	if w.Provider != nil {
		res, err = w.Provider.Execute(execCtx, sb, invoke)
	} else {
		out, handlerErr := spec.Handler(execCtx, args)
		res, err = sandbox.ExecResult{Output: out}, handlerErr
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return types.Value{}, res.Usage, fmt.Errorf("timeout")
	}
	if err != nil {
		return types.Value{}, res.Usage, err
	}
	return res.Output, res.Usage, nil
}

// compensate runs the tool's inverse when a failure happened after the
// effect may have been performed. A failing compensation flags the outbox
// entry for manual intervention.
func (w *Wrapper) compensate(ctx context.Context, spec *ToolSpec, inv Invocation, args types.Value, executed bool, key string) {
	if !executed || spec.Compensate == nil {
		return
	}
	log := logging.Get(logging.CategoryExecutor)
	if err := spec.Compensate(ctx, args, types.Value{}); err != nil {
		log.Error("compensation for %s failed: %v", inv.ToolID, err)
		if w.Outbox != nil && key != "" {
			if markErr := w.Outbox.MarkManual(ctx, key); markErr != nil {
				log.Error("failed to flag %s for manual intervention: %v", key, markErr)
			}
		}
		return
	}
	log.Info("compensated failed invocation of %s", inv.ToolID)
}

// actionFor resolves the policy view: per-invocation override, then the
// tool's declared action, then a conservative synthetic one.
func (w *Wrapper) actionFor(spec *ToolSpec, inv Invocation) policy.Action {
	if inv.Action != nil {
		return *inv.Action
	}
	if spec.Action != nil {
		a := *spec.Action
		if a.Tool == "" {
			a.Tool = spec.ID
		}
		return a
	}
	intent := policy.IntentRead
	tier := policy.RiskLow
	if spec.SideEffect {
		intent = policy.IntentWrite
		tier = policy.RiskMedium
	}
	return policy.Action{ID: inv.ToolID, Name: spec.Name, RiskTier: tier, Intent: intent, Tool: spec.ID}
}

func (w *Wrapper) reject(ctx context.Context, inv Invocation, code types.FailureCode, reason string) InvocationResult {
	res := InvocationResult{
		Status:      types.GateBlocked,
		FailureCode: code,
		Remediation: types.RemediationFor(code),
		Reason:      reason,
	}
	return w.finish(ctx, inv, nil, "", res)
}

func (w *Wrapper) rejectGate(ctx context.Context, inv Invocation, gate types.GateResult) InvocationResult {
	reason := string(gate.FailureCode)
	if ff := gate.FirstFailure(); ff != nil {
		reason = ff.Reason
	}
	res := InvocationResult{
		Status:      types.GateBlocked,
		FailureCode: gate.FailureCode,
		Remediation: gate.Remediation,
		Reason:      reason,
	}
	return w.finish(ctx, inv, nil, "", res)
}

// finish records the invocation in the audit chain and returns the result.
func (w *Wrapper) finish(ctx context.Context, inv Invocation, spec *ToolSpec, key string, res InvocationResult) InvocationResult {
	if w.Recorder == nil {
		return res
	}
	outcome := "committed"
	switch {
	case res.Status == types.GateBlocked && res.FailureCode == types.FailurePolicyViolation:
		outcome = "rejected"
	case res.Status == types.GateBlocked:
		outcome = "failed"
	case res.Replayed:
		outcome = "replayed"
	}
	rec := InvocationRecord{
		WorkflowID:  inv.WorkflowID,
		TaskID:      inv.TaskID,
		StepID:      inv.StepID,
		ToolID:      inv.ToolID,
		PrincipalID: inv.Principal.ID,
		Key:         key,
		Outcome:     outcome,
		FailureCode: res.FailureCode,
		Args:        inv.Args,
	}
	if res.Status != types.GateBlocked {
		out := res.Output
		rec.Output = &out
	}
	if err := w.Recorder.RecordInvocation(ctx, rec); err != nil {
		logging.Get(logging.CategoryExecutor).Error("failed to record invocation of %s: %v", inv.ToolID, err)
	}
	return res
}

func (w *Wrapper) emit(t telemetry.EventType, inv Invocation, data map[string]interface{}) {
	if w.Telemetry == nil {
		return
	}
	w.Telemetry.Emit(telemetry.Event{
		Type:       t,
		WorkflowID: inv.WorkflowID,
		TaskID:     inv.TaskID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

func (w *Wrapper) emitCRV(inv Invocation, stage string, gate types.GateResult) {
	w.emit(telemetry.EventCRVResult, inv, map[string]interface{}{
		"stage":  stage,
		"status": string(gate.Status),
		"code":   string(gate.FailureCode),
	})
}

// classifyExecError maps an execution error onto the failure taxonomy.
// Denied permission checks are policy violations, not tool faults.
func classifyExecError(ctx context.Context, err error) (types.FailureCode, string) {
	msg := err.Error()
	if errors.Is(err, sandbox.ErrPermissionDenied) {
		return types.FailurePolicyViolation, msg
	}
	if msg == "timeout" || ctx.Err() == context.DeadlineExceeded {
		return types.FailureToolError, "timeout"
	}
	return types.FailureToolError, msg
}
