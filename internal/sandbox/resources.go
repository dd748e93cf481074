package sandbox

import (
	"fmt"
	"sync"
)

// ResourceKind names one tracked resource dimension.
type ResourceKind string

const (
	ResourceCPU           ResourceKind = "cpu_millis"
	ResourceMemory        ResourceKind = "memory_bytes"
	ResourceExecutionTime ResourceKind = "execution_ms"
	ResourceProcesses     ResourceKind = "processes"
)

// Usage is a snapshot of cumulative consumption.
type Usage struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
	ExecutionMS int64 `json:"execution_ms"`
	Processes   int64 `json:"processes"`
}

// Accountant tracks cumulative resource consumption for one sandbox and
// rejects charges that would exceed a limit.
type Accountant struct {
	mu     sync.Mutex
	limits ResourceLimits
	usage  Usage
}

// NewAccountant creates an accountant enforcing the given limits.
func NewAccountant(limits ResourceLimits) *Accountant {
	return &Accountant{limits: limits}
}

// Charge consumes amount of the resource, failing if the charge would push
// the counter over its limit. Failed charges leave usage unchanged.
func (a *Accountant) Charge(kind ResourceKind, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative charge %d for %s", amount, kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	counter, limit := a.counterLocked(kind)
	if counter == nil {
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	if limit > 0 && *counter+amount > limit {
		return fmt.Errorf("resource %s: %d + %d exceeds limit %d", kind, *counter, amount, limit)
	}
	*counter += amount
	return nil
}

// Release returns amount of the resource, flooring at zero. Meaningful for
// memory and process counts; time never goes backward.
func (a *Accountant) Release(kind ResourceKind, amount int64) {
	if amount <= 0 || kind == ResourceCPU || kind == ResourceExecutionTime {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	counter, _ := a.counterLocked(kind)
	if counter == nil {
		return
	}
	*counter -= amount
	if *counter < 0 {
		*counter = 0
	}
}

// Snapshot returns current usage.
func (a *Accountant) Snapshot() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// SetLimits replaces the limit set. Existing usage is retained; the
// execution-time limit is never raised this way (hard limit).
func (a *Accountant) SetLimits(limits ResourceLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	limits.MaxExecutionMS = a.limits.MaxExecutionMS
	a.limits = limits
}

func (a *Accountant) counterLocked(kind ResourceKind) (*int64, int64) {
	switch kind {
	case ResourceCPU:
		return &a.usage.CPUMillis, a.limits.MaxCPUMillis
	case ResourceMemory:
		return &a.usage.MemoryBytes, a.limits.MaxMemoryBytes
	case ResourceExecutionTime:
		return &a.usage.ExecutionMS, a.limits.MaxExecutionMS
	case ResourceProcesses:
		return &a.usage.Processes, int64(a.limits.MaxProcesses)
	}
	return nil, 0
}
