package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execplane/internal/types"
)

// recordingSink collects audit records in order.
type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) AppendSandboxEvent(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSink) ofType(t EventType) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.EventType == t {
			out = append(out, r)
		}
	}
	return out
}

// scriptedHandler answers every escalation with a fixed decision.
type scriptedHandler struct {
	decision EscalationDecision
	err      error
	requests []EscalationRequest
	mu       sync.Mutex
}

func (h *scriptedHandler) Decide(_ context.Context, req EscalationRequest) (EscalationDecision, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
	return h.decision, h.err
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestSandbox_LifecycleAudited(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sb := New(Meta{WorkflowID: "wf", TaskID: "t1", ToolID: "file_read", PrincipalID: "agent"}, Permissions{}, nil, sink)
	sb.Destroy()

	if len(sink.ofType(EventCreated)) != 1 {
		t.Error("missing created record")
	}
	if len(sink.ofType(EventDestroyed)) != 1 {
		t.Error("missing destroyed record")
	}
	if r := sink.ofType(EventCreated)[0]; r.WorkflowID != "wf" || r.ToolID != "file_read" {
		t.Errorf("record = %+v", r)
	}
}

func TestSandbox_DestroyIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sb := New(Meta{}, Permissions{}, nil, sink)
	sb.Destroy()
	sb.Destroy()
	sb.Destroy()

	if got := len(sink.ofType(EventDestroyed)); got != 1 {
		t.Errorf("destroyed records = %d", got)
	}
	if sb.CurrentState() != StateDestroyed {
		t.Errorf("state = %s", sb.CurrentState())
	}
}

func TestSandbox_ChecksAfterDestroyDenied(t *testing.T) {
	t.Parallel()

	sb := New(Meta{}, Permissions{FS: FSPermissions{ReadOnly: []string{"/tmp"}}}, nil, nil)
	sb.Destroy()

	if got := sb.ReadCheck(context.Background(), "/tmp/x"); got.Granted {
		t.Error("destroyed sandbox granted a check")
	}
	if err := sb.Charge(ResourceMemory, 1); !errors.Is(err, ErrDestroyed) {
		t.Errorf("charge error = %v", err)
	}
}

// =============================================================================
// ESCALATION TESTS
// =============================================================================

func TestSandbox_EscalationApprovedWidensGrant(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{decision: EscalationDecision{Approved: true, Reason: "operator ok"}}
	sink := &recordingSink{}
	sb := New(Meta{ToolID: "file_read", PrincipalID: "agent"},
		Permissions{FS: FSPermissions{Denied: []string{"/etc"}}},
		NewEscalationManager(handler), sink)

	got := sb.ReadCheck(context.Background(), "/etc/hosts")
	if !got.Granted {
		t.Fatalf("approved escalation still denied: %+v", got)
	}

	// The grant persists for the sandbox's remaining life.
	handler.mu.Lock()
	calls := len(handler.requests)
	handler.mu.Unlock()
	if again := sb.ReadCheck(context.Background(), "/etc/hosts"); !again.Granted {
		t.Errorf("grant did not persist: %+v", again)
	}
	handler.mu.Lock()
	if len(handler.requests) != calls {
		t.Error("second check re-escalated")
	}
	handler.mu.Unlock()
}

func TestSandbox_EscalationDenied(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{decision: EscalationDecision{Approved: false, Reason: "no"}}
	sink := &recordingSink{}
	sb := New(Meta{ToolID: "file_read"},
		Permissions{FS: FSPermissions{Denied: []string{"/etc"}}},
		NewEscalationManager(handler), sink)

	got := sb.ReadCheck(context.Background(), "/etc/passwd")
	if got.Granted {
		t.Fatal("denied escalation granted access")
	}

	// Audit order: denied permission_check, then denied escalation_requested.
	checks := sink.ofType(EventPermissionCheck)
	escs := sink.ofType(EventEscalationRequested)
	if len(checks) != 1 || checks[0].Data["granted"] != false {
		t.Errorf("checks = %+v", checks)
	}
	if len(escs) != 1 || escs[0].Data["approved"] != false {
		t.Errorf("escalations = %+v", escs)
	}
	if sb.Usage() != (Usage{}) {
		t.Errorf("usage = %+v, denial must not consume resources", sb.Usage())
	}
}

func TestSandbox_HandlerErrorCountsAsDenial(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{err: errors.New("approval service down")}
	sb := New(Meta{}, Permissions{FS: FSPermissions{Denied: []string{"/etc"}}},
		NewEscalationManager(handler), nil)

	if got := sb.ReadCheck(context.Background(), "/etc/hosts"); got.Granted {
		t.Error("handler error granted access")
	}
}

func TestSandbox_ExecutionTimeNeverEscalates(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{decision: EscalationDecision{Approved: true}}
	sb := New(Meta{}, Permissions{Resources: ResourceLimits{MaxExecutionMS: 100}},
		NewEscalationManager(handler), nil)

	got := sb.ResourceCheck(context.Background(), ResourceExecutionTime, 200)
	if got.Granted {
		t.Fatal("hard limit granted via escalation")
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.requests) != 0 {
		t.Error("hard-limit denial reached the handler")
	}
}

func TestSandbox_SoftResourceEscalationDoublesLimit(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{decision: EscalationDecision{Approved: true}}
	sb := New(Meta{}, Permissions{Resources: ResourceLimits{MaxMemoryBytes: 100}},
		NewEscalationManager(handler), nil)

	if err := sb.Charge(ResourceMemory, 90); err != nil {
		t.Fatal(err)
	}
	got := sb.ResourceCheck(context.Background(), ResourceMemory, 50)
	if !got.Granted {
		t.Fatalf("escalated soft limit still denied: %+v", got)
	}
	if err := sb.Charge(ResourceMemory, 50); err != nil {
		t.Errorf("charge after escalation: %v", err)
	}
}

// =============================================================================
// PROVIDER TESTS
// =============================================================================

func TestSimulationProvider_ZeroUsageAndEffects(t *testing.T) {
	t.Parallel()

	p := NewSimulationProvider()
	sb := New(Meta{}, Permissions{}, nil, nil)
	defer sb.Destroy()

	ran := false
	res, err := p.Execute(context.Background(), sb, Invocation{
		ToolID: "file_write",
		Args:   types.MustValue(map[string]interface{}{"path": "/tmp/x"}),
		Run: func(context.Context) (types.Value, error) {
			ran = true
			return types.Null(), nil
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ran {
		t.Error("simulation performed the real effect")
	}
	if res.Usage != (Usage{}) {
		t.Errorf("usage = %+v, simulation must report zero", res.Usage)
	}
	effects := p.Effects()
	if len(effects) != 1 || effects[0].ToolID != "file_write" {
		t.Errorf("effects = %+v", effects)
	}
	if sim, _ := res.Output.Field("simulated"); !sim.Bool {
		t.Errorf("output = %s", res.Output)
	}
}

func TestLocalProvider_MeasuresAndCharges(t *testing.T) {
	t.Parallel()

	p := NewLocalProvider()
	sb := New(Meta{}, Permissions{}, nil, nil)
	defer sb.Destroy()

	res, err := p.Execute(context.Background(), sb, Invocation{
		ToolID: "sleepy",
		Run: func(context.Context) (types.Value, error) {
			time.Sleep(20 * time.Millisecond)
			return types.StringValue("done"), nil
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Output.Str != "done" {
		t.Errorf("output = %s", res.Output)
	}
	if res.Usage.ExecutionMS < 15 {
		t.Errorf("measured %dms", res.Usage.ExecutionMS)
	}
	if sb.Usage().ExecutionMS < 15 {
		t.Errorf("sandbox not charged: %+v", sb.Usage())
	}
}

func TestLocalProvider_RunErrorPropagates(t *testing.T) {
	t.Parallel()

	p := NewLocalProvider()
	want := errors.New("tool broke")
	_, err := p.Execute(context.Background(), nil, Invocation{
		ToolID: "broken",
		Run:    func(context.Context) (types.Value, error) { return types.Value{}, want },
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
}
