// Package sandbox provides resource-limited isolation for tool execution:
// a permission checker over filesystem, network, resource, capability, and
// environment rules; cumulative resource accounting; synchronous permission
// escalation; and pluggable execution providers including a simulation
// provider for dry-runs.
package sandbox

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied marks an execution failure caused by a denied
// permission check. Tool handlers and providers wrap it so callers can
// classify the failure as a policy violation rather than a tool fault.
var ErrPermissionDenied = errors.New("permission denied")

// Permissions is the complete grant set for one sandbox.
type Permissions struct {
	FS           FSPermissions  `json:"fs"`
	Net          NetPermissions `json:"net"`
	Resources    ResourceLimits `json:"resources"`
	Capabilities []string       `json:"capabilities,omitempty"`
	EnvAllowlist []string       `json:"env_allowlist,omitempty"`
}

// FSPermissions grants filesystem access by path pattern. Patterns are
// cleaned paths; a directory pattern grants its subtree; `*` globs match
// within one path segment.
type FSPermissions struct {
	ReadOnly     []string `json:"read_only,omitempty"`
	ReadWrite    []string `json:"read_write,omitempty"`
	Denied       []string `json:"denied,omitempty"`
	MaxDiskBytes int64    `json:"max_disk_bytes,omitempty"`
	MaxFiles     int      `json:"max_files,omitempty"`
}

// NetPermissions grants network access. The Enabled flag wins: when false
// every network check is denied regardless of the allow-lists.
type NetPermissions struct {
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	DeniedDomains  []string `json:"denied_domains,omitempty"`
	AllowedPorts   []int    `json:"allowed_ports,omitempty"`
	AllowedCIDRs   []string `json:"allowed_cidrs,omitempty"`
	MaxBandwidth   int64    `json:"max_bandwidth,omitempty"`
}

// ResourceLimits caps cumulative consumption. Zero means unlimited.
// The execution-time limit is hard: it can never be escalated.
type ResourceLimits struct {
	MaxCPUMillis   int64 `json:"max_cpu_millis,omitempty"`
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`
	MaxExecutionMS int64 `json:"max_execution_ms,omitempty"`
	MaxProcesses   int   `json:"max_processes,omitempty"`
}

// CheckResult answers one permission check.
type CheckResult struct {
	Granted     bool   `json:"granted"`
	Reason      string `json:"reason"`
	CanEscalate bool   `json:"can_escalate"`
}

// Deny converts a denial into an error wrapping ErrPermissionDenied,
// carrying the denial reason. Granted checks return nil.
func (r CheckResult) Deny() error {
	if r.Granted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, r.Reason)
}

// granted is the affirmative result.
func granted(reason string) CheckResult {
	return CheckResult{Granted: true, Reason: reason}
}

// denied produces a denial; escalable marks it as a candidate for the
// escalation manager.
func denied(reason string, escalable bool) CheckResult {
	return CheckResult{Granted: false, Reason: reason, CanEscalate: escalable}
}
