// Package executor implements the tool execution wrapper: registered tool
// specs with compiled JSON-Schema contracts, idempotency keys over
// canonical arguments, and an invocation flow that chains schema checks,
// the policy gate, the effort evaluator, CRV gates, sandboxed execution,
// and transactional outbox commit.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"execplane/internal/canonical"
	"execplane/internal/pipeline"
	"execplane/internal/policy"
	"execplane/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// IdempotencyStrategy declares how a tool avoids duplicate effects.
type IdempotencyStrategy string

const (
	// IdempotencyCacheReplay replays the committed result for a repeated key.
	IdempotencyCacheReplay IdempotencyStrategy = "cache_replay"
	// IdempotencyNatural marks tools whose effect is naturally idempotent.
	IdempotencyNatural IdempotencyStrategy = "natural"
	// IdempotencyRequestID marks tools that deduplicate on a request id
	// passed through to the backing system.
	IdempotencyRequestID IdempotencyStrategy = "request_id"
	// IdempotencyNone disables deduplication.
	IdempotencyNone IdempotencyStrategy = "none"
)

// ToolFunc performs the tool's effect.
type ToolFunc func(ctx context.Context, args types.Value) (types.Value, error)

// CompensateFunc undoes a completed effect.
type CompensateFunc func(ctx context.Context, args, result types.Value) error

// ToolSpec declares one executable tool.
type ToolSpec struct {
	ID          string
	Name        string
	Description string

	// InputSchema and OutputSchema are JSON-Schema documents, compiled at
	// registration. Nil disables the check.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// SideEffect marks tools that mutate the world; only side-effecting
	// tools go through the outbox.
	SideEffect  bool
	Idempotency IdempotencyStrategy

	// Compensate optionally undoes the effect during rollback.
	Compensate CompensateFunc

	// Handler performs the effect.
	Handler ToolFunc

	// InputGate and OutputGate are optional CRV pipelines run around
	// execution.
	InputGate  *pipeline.Pipeline
	OutputGate *pipeline.Pipeline

	// Action is the tool's default policy view; per-invocation actions
	// override it.
	Action *policy.Action

	compiledInput  *jsonschema.Schema
	compiledOutput *jsonschema.Schema
}

// compile compiles both schemas. Called once at registration.
func (s *ToolSpec) compile() error {
	var err error
	if s.compiledInput, err = compileSchema(s.ID+"/input", s.InputSchema); err != nil {
		return fmt.Errorf("tool %s input schema: %w", s.ID, err)
	}
	if s.compiledOutput, err = compileSchema(s.ID+"/output", s.OutputSchema); err != nil {
		return fmt.Errorf("tool %s output schema: %w", s.ID, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// CheckInput validates args against the compiled input schema.
func (s *ToolSpec) CheckInput(args types.Value) error {
	return validate(s.compiledInput, args)
}

// CheckOutput validates output against the compiled output schema.
func (s *ToolSpec) CheckOutput(output types.Value) error {
	return validate(s.compiledOutput, output)
}

func validate(schema *jsonschema.Schema, v types.Value) error {
	if schema == nil {
		return nil
	}
	return schema.Validate(v.ToInterface())
}

// IdempotencyKey derives the execute-once key:
// sha256(task_id || step_id || tool_id || canonical_json(args)).
func IdempotencyKey(taskID, stepID, toolID string, args types.Value) (string, error) {
	argBytes, err := canonical.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize args: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte(stepID))
	h.Write([]byte(toolID))
	h.Write(argBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}
