package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execplane/internal/types"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// Invocation is one tool execution request handed to a provider.
type Invocation struct {
	ToolID string
	Args   types.Value

	// Run performs the tool's actual effect. Simulation providers never
	// call it.
	Run func(ctx context.Context) (types.Value, error)
}

// ExecResult is what a provider produced.
type ExecResult struct {
	Output types.Value
	Usage  Usage
}

// Provider executes invocations inside a sandbox.
type Provider interface {
	Name() string
	Execute(ctx context.Context, sb *Sandbox, inv Invocation) (ExecResult, error)
}

// =============================================================================
// SIMULATION PROVIDER
// =============================================================================

// Effect is one side effect a simulated invocation intended to perform.
type Effect struct {
	ToolID string      `json:"tool_id"`
	Args   types.Value `json:"args"`
	At     time.Time   `json:"at"`
}

// SimulationProvider captures intended effects without performing them.
// Reported resource usage is always zero. Useful for dry-runs: the full
// gate/audit path executes, the world stays untouched.
type SimulationProvider struct {
	mu      sync.Mutex
	effects []Effect

	// Stub optionally fabricates outputs per invocation. Nil produces a
	// marker map.
	Stub func(inv Invocation) types.Value
}

// NewSimulationProvider creates an empty simulation provider.
func NewSimulationProvider() *SimulationProvider {
	return &SimulationProvider{}
}

// Name implements Provider.
func (p *SimulationProvider) Name() string { return "simulation" }

// Execute records the intended effect and fabricates an output.
func (p *SimulationProvider) Execute(_ context.Context, sb *Sandbox, inv Invocation) (ExecResult, error) {
	if sb != nil && sb.CurrentState() == StateDestroyed {
		return ExecResult{}, ErrDestroyed
	}

	p.mu.Lock()
	p.effects = append(p.effects, Effect{ToolID: inv.ToolID, Args: inv.Args, At: time.Now().UTC()})
	p.mu.Unlock()

	output := types.MapValue(map[string]types.Value{
		"simulated": types.BoolValue(true),
		"tool":      types.StringValue(inv.ToolID),
	})
	if p.Stub != nil {
		output = p.Stub(inv)
	}
	return ExecResult{Output: output, Usage: Usage{}}, nil
}

// Effects returns a copy of the recorded intended effects.
func (p *SimulationProvider) Effects() []Effect {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Effect, len(p.effects))
	copy(out, p.effects)
	return out
}

// Reset clears recorded effects.
func (p *SimulationProvider) Reset() {
	p.mu.Lock()
	p.effects = nil
	p.mu.Unlock()
}

// =============================================================================
// LOCAL PROVIDER
// =============================================================================

// LocalProvider performs invocations in-process and measures them.
// Wall time is charged against the sandbox's execution-time limit.
type LocalProvider struct{}

// NewLocalProvider creates a local provider.
func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

// Name implements Provider.
func (p *LocalProvider) Name() string { return "local" }

// Execute runs the invocation and charges measured usage to the sandbox.
func (p *LocalProvider) Execute(ctx context.Context, sb *Sandbox, inv Invocation) (ExecResult, error) {
	if inv.Run == nil {
		return ExecResult{}, fmt.Errorf("invocation for %s has no run function", inv.ToolID)
	}
	if sb != nil && sb.CurrentState() == StateDestroyed {
		return ExecResult{}, ErrDestroyed
	}

	start := time.Now()
	output, err := inv.Run(ctx)
	elapsed := time.Since(start)

	usage := Usage{ExecutionMS: elapsed.Milliseconds()}
	if sb != nil {
		if chargeErr := sb.Charge(ResourceExecutionTime, usage.ExecutionMS); chargeErr != nil && err == nil {
			err = chargeErr
		}
	}
	if err != nil {
		return ExecResult{Usage: usage}, err
	}
	return ExecResult{Output: output, Usage: usage}, nil
}
