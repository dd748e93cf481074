package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execplane/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT RECORDS
// =============================================================================

// EventType names a sandbox lifecycle or check event.
type EventType string

const (
	EventCreated             EventType = "sandbox_created"
	EventDestroyed           EventType = "sandbox_destroyed"
	EventPermissionCheck     EventType = "permission_check"
	EventEscalationRequested EventType = "escalation_requested"
	EventExecution           EventType = "execution"
)

// Record is one structured sandbox audit record.
type Record struct {
	SandboxID   string                 `json:"sandbox_id"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	ToolID      string                 `json:"tool_id,omitempty"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	EventType   EventType              `json:"event_type"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditSink receives sandbox audit records. The memory package's audit
// chain implements this; a nil sink drops records.
type AuditSink interface {
	AppendSandboxEvent(Record)
}

// =============================================================================
// SANDBOX
// =============================================================================

// Meta identifies whose work a sandbox isolates.
type Meta struct {
	WorkflowID  string
	TaskID      string
	ToolID      string
	PrincipalID string
}

// State is the sandbox lifecycle state.
type State string

const (
	StateActive    State = "active"
	StateDestroyed State = "destroyed"
)

// ErrDestroyed is returned by operations on a destroyed sandbox.
var ErrDestroyed = fmt.Errorf("sandbox destroyed")

// Sandbox is one isolation context. Every check is audited; denials that
// permit escalation are routed to the escalation manager, and an approval
// mutates the permissions for the rest of the sandbox's life. Grants never
// survive destruction.
type Sandbox struct {
	ID   string
	Meta Meta

	mu         sync.RWMutex
	perms      Permissions
	checker    *Checker
	accountant *Accountant
	escalation *EscalationManager
	sink       AuditSink
	state      State
}

// New creates an active sandbox with the given permissions.
func New(meta Meta, perms Permissions, escalation *EscalationManager, sink AuditSink) *Sandbox {
	sb := &Sandbox{
		ID:         uuid.NewString(),
		Meta:       meta,
		perms:      perms,
		checker:    NewChecker(perms),
		accountant: NewAccountant(perms.Resources),
		escalation: escalation,
		sink:       sink,
		state:      StateActive,
	}
	sb.audit(EventCreated, map[string]interface{}{"permissions": perms})
	logging.Get(logging.CategorySandbox).Info("sandbox %s created for tool %s", sb.ID, meta.ToolID)
	return sb
}

// State returns the lifecycle state.
func (s *Sandbox) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Permissions returns a copy of the current permission set.
func (s *Sandbox) Permissions() Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perms
}

// Usage returns the cumulative resource usage.
func (s *Sandbox) Usage() Usage {
	return s.accountant.Snapshot()
}

// Destroy tears the sandbox down. Idempotent: the second and later calls
// are no-ops.
func (s *Sandbox) Destroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateDestroyed
	s.mu.Unlock()

	s.audit(EventDestroyed, map[string]interface{}{"usage": s.accountant.Snapshot()})
	logging.Get(logging.CategorySandbox).Info("sandbox %s destroyed", s.ID)
}

// =============================================================================
// CHECKS
// =============================================================================

// ReadCheck checks filesystem read access, escalating on denial.
func (s *Sandbox) ReadCheck(ctx context.Context, path string) CheckResult {
	return s.check(ctx, CheckFSRead, path, func(c *Checker) CheckResult {
		return c.CheckFilesystemRead(path)
	})
}

// WriteCheck checks filesystem write access, escalating on denial.
func (s *Sandbox) WriteCheck(ctx context.Context, path string) CheckResult {
	return s.check(ctx, CheckFSWrite, path, func(c *Checker) CheckResult {
		return c.CheckFilesystemWrite(path)
	})
}

// NetworkCheck checks network access, escalating on denial.
func (s *Sandbox) NetworkCheck(ctx context.Context, domain, ip string, port int) CheckResult {
	detail := domain
	if detail == "" {
		detail = fmt.Sprintf("%s:%d", ip, port)
	}
	return s.check(ctx, CheckNetwork, detail, func(c *Checker) CheckResult {
		return c.CheckNetworkAccess(domain, ip, port)
	})
}

// CapabilityCheck checks a capability, escalating on denial.
func (s *Sandbox) CapabilityCheck(ctx context.Context, name string) CheckResult {
	return s.check(ctx, CheckCapability, name, func(c *Checker) CheckResult {
		return c.CheckCapability(name)
	})
}

// EnvCheck checks an environment variable, escalating on denial.
func (s *Sandbox) EnvCheck(ctx context.Context, name string) CheckResult {
	return s.check(ctx, CheckEnvVar, name, func(c *Checker) CheckResult {
		return c.CheckEnvVar(name)
	})
}

// ResourceCheck checks headroom for a resource charge. Execution-time
// denials are hard and never escalate.
func (s *Sandbox) ResourceCheck(ctx context.Context, kind ResourceKind, amount int64) CheckResult {
	usage := s.accountant.Snapshot()
	var current int64
	switch kind {
	case ResourceCPU:
		current = usage.CPUMillis
	case ResourceMemory:
		current = usage.MemoryBytes
	case ResourceExecutionTime:
		current = usage.ExecutionMS
	case ResourceProcesses:
		current = usage.Processes
	}
	return s.check(ctx, CheckResource, string(kind), func(c *Checker) CheckResult {
		return c.CheckResourceLimit(kind, current, amount)
	})
}

// Charge consumes resources through the accountant.
func (s *Sandbox) Charge(kind ResourceKind, amount int64) error {
	s.mu.RLock()
	destroyed := s.state == StateDestroyed
	s.mu.RUnlock()
	if destroyed {
		return ErrDestroyed
	}
	return s.accountant.Charge(kind, amount)
}

// check runs the checker, audits the result, and routes escalable denials
// through the escalation manager. An approved escalation mutates the
// permissions and re-runs the check.
func (s *Sandbox) check(ctx context.Context, kind CheckKind, detail string, run func(*Checker) CheckResult) CheckResult {
	s.mu.RLock()
	if s.state == StateDestroyed {
		s.mu.RUnlock()
		return denied("sandbox destroyed", false)
	}
	checker := s.checker
	s.mu.RUnlock()

	result := run(checker)
	s.audit(EventPermissionCheck, map[string]interface{}{
		"check":   string(kind),
		"detail":  detail,
		"granted": result.Granted,
		"reason":  result.Reason,
	})
	if result.Granted || !result.CanEscalate || s.escalation == nil {
		return result
	}

	decision := s.escalation.Request(ctx, EscalationRequest{
		SandboxID:   s.ID,
		PrincipalID: s.Meta.PrincipalID,
		ToolID:      s.Meta.ToolID,
		Kind:        kind,
		Detail:      detail,
		Reason:      result.Reason,
	})
	s.audit(EventEscalationRequested, map[string]interface{}{
		"check":    string(kind),
		"detail":   detail,
		"approved": decision.Approved,
		"reason":   decision.Reason,
	})
	if !decision.Approved {
		return result
	}

	s.grant(kind, detail)

	s.mu.RLock()
	checker = s.checker
	s.mu.RUnlock()
	return run(checker)
}

// grant widens the permissions for the rest of the sandbox's life.
func (s *Sandbox) grant(kind CheckKind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case CheckFSRead:
		s.perms.FS.ReadOnly = append(s.perms.FS.ReadOnly, detail)
		s.perms.FS.Denied = removeCovering(s.perms.FS.Denied, detail)
	case CheckFSWrite:
		s.perms.FS.ReadWrite = append(s.perms.FS.ReadWrite, detail)
		s.perms.FS.Denied = removeCovering(s.perms.FS.Denied, detail)
	case CheckNetwork:
		s.perms.Net.Enabled = true
		s.perms.Net.AllowedDomains = append(s.perms.Net.AllowedDomains, detail)
		s.perms.Net.DeniedDomains = removeDomainCovering(s.perms.Net.DeniedDomains, detail)
	case CheckCapability:
		s.perms.Capabilities = append(s.perms.Capabilities, detail)
	case CheckEnvVar:
		s.perms.EnvAllowlist = append(s.perms.EnvAllowlist, detail)
	case CheckResource:
		// Soft limits double on approval; the hard execution-time limit is
		// preserved by SetLimits.
		limits := s.perms.Resources
		switch ResourceKind(detail) {
		case ResourceCPU:
			limits.MaxCPUMillis *= 2
		case ResourceMemory:
			limits.MaxMemoryBytes *= 2
		case ResourceProcesses:
			limits.MaxProcesses *= 2
		}
		s.perms.Resources = limits
		s.accountant.SetLimits(limits)
	}
	s.checker = NewChecker(s.perms)
}

// removeCovering drops denied patterns that cover the newly granted path.
func removeCovering(patterns []string, p string) []string {
	var kept []string
	for _, pattern := range patterns {
		if _, covers := matchPath([]string{pattern}, normalizePath(p)); !covers {
			kept = append(kept, pattern)
		}
	}
	return kept
}

// removeDomainCovering drops denied domain patterns matching the grant.
func removeDomainCovering(patterns []string, domain string) []string {
	var kept []string
	for _, pattern := range patterns {
		if _, covers := matchDomain([]string{pattern}, domain); !covers {
			kept = append(kept, pattern)
		}
	}
	return kept
}

func (s *Sandbox) audit(event EventType, data map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.AppendSandboxEvent(Record{
		SandboxID:   s.ID,
		WorkflowID:  s.Meta.WorkflowID,
		TaskID:      s.Meta.TaskID,
		ToolID:      s.Meta.ToolID,
		PrincipalID: s.Meta.PrincipalID,
		EventType:   event,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	})
}
