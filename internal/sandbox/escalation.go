package sandbox

import (
	"context"
	"fmt"

	"execplane/internal/logging"
)

// CheckKind names which check a denial came from.
type CheckKind string

const (
	CheckFSRead     CheckKind = "fs_read"
	CheckFSWrite    CheckKind = "fs_write"
	CheckNetwork    CheckKind = "network"
	CheckResource   CheckKind = "resource"
	CheckCapability CheckKind = "capability"
	CheckEnvVar     CheckKind = "env_var"
)

// EscalationRequest is routed synchronously to the handler when a denied
// check permits escalation.
type EscalationRequest struct {
	SandboxID   string    `json:"sandbox_id"`
	PrincipalID string    `json:"principal_id"`
	ToolID      string    `json:"tool_id"`
	Kind        CheckKind `json:"kind"`

	// Detail identifies what was denied: the path, domain, capability, or
	// resource kind.
	Detail string `json:"detail"`

	// Reason is the checker's denial reason.
	Reason string `json:"reason"`
}

// EscalationDecision is the handler's answer.
type EscalationDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// EscalationHandler decides escalation requests. Implementations typically
// prompt a human or consult an approval service.
type EscalationHandler interface {
	Decide(ctx context.Context, req EscalationRequest) (EscalationDecision, error)
}

// EscalationManager routes denials to the handler. A nil handler denies
// everything.
type EscalationManager struct {
	handler EscalationHandler
}

// NewEscalationManager creates a manager with the given handler.
func NewEscalationManager(handler EscalationHandler) *EscalationManager {
	return &EscalationManager{handler: handler}
}

// Request routes one escalation synchronously. A handler error counts as a
// denial.
func (m *EscalationManager) Request(ctx context.Context, req EscalationRequest) EscalationDecision {
	log := logging.Get(logging.CategorySandbox)

	if m == nil || m.handler == nil {
		return EscalationDecision{Approved: false, Reason: "no escalation handler configured"}
	}

	decision, err := m.handler.Decide(ctx, req)
	if err != nil {
		log.Warn("escalation handler error for sandbox %s: %v", req.SandboxID, err)
		return EscalationDecision{Approved: false, Reason: fmt.Sprintf("handler error: %v", err)}
	}

	log.Info("escalation %s/%s for sandbox %s: approved=%v", req.Kind, req.Detail, req.SandboxID, decision.Approved)
	return decision
}
