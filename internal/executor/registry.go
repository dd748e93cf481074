package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"execplane/internal/logging"
)

// Registry sentinel errors.
var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Registry holds all registered tool specs. Thread-safe; supports
// registration at runtime. Schemas compile at registration so invocation
// never pays the compile cost.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register adds a tool spec, compiling its schemas.
func (r *Registry) Register(spec *ToolSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("tool spec has empty id")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.ID)
	}
	if spec.Idempotency == "" {
		spec.Idempotency = IdempotencyNone
	}
	if err := spec.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, spec.ID)
	}
	r.tools[spec.ID] = spec

	logging.Get(logging.CategoryExecutor).Debug("registered tool %s (side_effect=%v, idempotency=%s)",
		spec.ID, spec.SideEffect, spec.Idempotency)
	return nil
}

// MustRegister registers a tool spec and panics on error. For static
// registration at init time.
func (r *Registry) MustRegister(spec *ToolSpec) {
	if err := r.Register(spec); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", spec.ID, err))
	}
}

// Get returns a tool spec by id.
func (r *Registry) Get(id string) (*ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return spec, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// List returns all registered tool ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
