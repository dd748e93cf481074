package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory reference drivers. One type per contract; used by tests and as
// the default storage driver.

// =============================================================================
// SNAPSHOTS
// =============================================================================

// MemorySnapshotStore keeps snapshots in a map.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]Snapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = s
	return nil
}

func (m *MemorySnapshotStore) Load(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

func (m *MemorySnapshotStore) LoadAll(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemorySnapshotStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return ErrNotFound
	}
	delete(m.snapshots, id)
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

// MemoryAuditStore keeps audit entries in append order.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (m *MemoryAuditStore) Append(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryAuditStore) LoadAll(_ context.Context) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

// MemoryOutboxStore keeps outbox entries keyed by idempotency key.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	entries map[string]OutboxEntry
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{entries: make(map[string]OutboxEntry)}
}

func (m *MemoryOutboxStore) Get(_ context.Context, key string) (OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return OutboxEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryOutboxStore) CreatePending(_ context.Context, e OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.Key]; ok && existing.State == OutboxCommitted {
		return ErrKeyCommitted
	}
	e.State = OutboxPending
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryOutboxStore) Update(_ context.Context, e OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Key]; !ok {
		return ErrNotFound
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryOutboxStore) LoadAll(_ context.Context) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// =============================================================================
// MEMORY ENTRIES
// =============================================================================

// MemoryEntryMapStore keeps long-lived memory entries in a map.
type MemoryEntryMapStore struct {
	mu      sync.RWMutex
	entries map[string]MemoryEntry
}

func NewMemoryEntryMapStore() *MemoryEntryMapStore {
	return &MemoryEntryMapStore{entries: make(map[string]MemoryEntry)}
}

func (m *MemoryEntryMapStore) Put(_ context.Context, e MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return nil
}

func (m *MemoryEntryMapStore) Get(_ context.Context, id string) (MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return MemoryEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryEntryMapStore) List(_ context.Context) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryEntryMapStore) UpdateRetention(_ context.Context, id string, tier RetentionTier, accessCount int, lastAccessed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Tier = tier
	e.AccessCount = accessCount
	e.LastAccessed = lastAccessed
	m.entries[id] = e
	return nil
}
