// Package store defines the persistence records and the narrow storage
// contracts the control plane depends on, with three drivers: an in-memory
// reference implementation, SQLite, and newline-delimited JSON audit files.
package store

import (
	"context"
	"errors"
	"time"

	"execplane/internal/types"
)

// Sentinel errors shared across drivers.
var (
	ErrNotFound = errors.New("not found")

	// ErrKeyCommitted is returned when a conditional outbox insert finds a
	// committed entry already holding the key.
	ErrKeyCommitted = errors.New("idempotency key already committed")
)

// =============================================================================
// RECORDS
// =============================================================================

// Provenance ties a record back to the work that produced it.
type Provenance struct {
	TaskID        string `json:"task_id,omitempty"`
	StepID        string `json:"step_id,omitempty"`
	SourceEventID string `json:"source_event_id,omitempty"`
}

// AuditEntry is one link of the hash chain. Immutable post-append.
// ContentHash covers the canonical form of the entry with both hash fields
// cleared; PrevHash is the previous entry's content hash.
type AuditEntry struct {
	Sequence    uint64       `json:"sequence"`
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Actor       string       `json:"actor"`
	Action      string       `json:"action"`
	StateBefore *types.Value `json:"state_before,omitempty"`
	StateAfter  *types.Value `json:"state_after,omitempty"`
	Diff        string       `json:"diff,omitempty"`
	ContentHash string       `json:"content_hash"`
	PrevHash    string       `json:"prev_hash"`
	Provenance  Provenance   `json:"provenance,omitempty"`
}

// SnapshotTrigger names what caused a snapshot.
type SnapshotTrigger string

const (
	TriggerScheduled       SnapshotTrigger = "scheduled"
	TriggerStateChange     SnapshotTrigger = "state_change"
	TriggerMemoryThreshold SnapshotTrigger = "memory_threshold"
	TriggerTimeThreshold   SnapshotTrigger = "time_threshold"
	TriggerManual          SnapshotTrigger = "manual"
)

// Snapshot is one state checkpoint.
type Snapshot struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	State     types.Value     `json:"state"`
	Verified  bool            `json:"verified"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Cycle     int             `json:"cycle"`
	Trigger   SnapshotTrigger `json:"trigger"`

	// MemoryPointers references the audit/memory entries committed since
	// the previous snapshot.
	MemoryPointers []string `json:"memory_pointers,omitempty"`
}

// OutboxState is the lifecycle of one side-effecting execution.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxCommitted OutboxState = "committed"
	OutboxFailed    OutboxState = "failed"

	// OutboxManual marks an entry whose compensation failed; a human must
	// reconcile it.
	OutboxManual OutboxState = "needs_manual_intervention"
)

// OutboxEntry is the authority on whether an effect occurred. One entry
// per idempotency key.
type OutboxEntry struct {
	Key       string       `json:"key"`
	State     OutboxState  `json:"state"`
	Result    *types.Value `json:"result,omitempty"`
	Attempts  int          `json:"attempts"`
	UpdatedAt time.Time    `json:"updated_at"`

	WorkflowID string `json:"workflow_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ToolID     string `json:"tool_id,omitempty"`
}

// MemoryType classifies a long-lived memory entry.
type MemoryType string

const (
	MemoryEpisodicNote MemoryType = "episodic_note"
	MemoryArtifact     MemoryType = "artifact"
	MemorySnapshot     MemoryType = "snapshot"
)

// RetentionTier is the storage temperature of a memory entry.
type RetentionTier string

const (
	TierHot      RetentionTier = "hot"
	TierWarm     RetentionTier = "warm"
	TierCold     RetentionTier = "cold"
	TierArchived RetentionTier = "archived"
)

// MemoryEntry is a long-lived record. Content is immutable once written;
// only the retention bookkeeping evolves.
type MemoryEntry struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Type       MemoryType             `json:"type"`
	Provenance Provenance             `json:"provenance,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	Tier         RetentionTier `json:"tier"`
	CreatedAt    time.Time     `json:"created_at"`
	AccessCount  int           `json:"access_count"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

// SnapshotStore persists snapshots. Save is durable before return.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
	LoadAll(ctx context.Context) ([]Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// AuditStore persists audit entries in append order. Hash computation and
// chain verification belong to the memory package; the store only holds
// what it is given.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	LoadAll(ctx context.Context) ([]AuditEntry, error)
}

// OutboxStore persists outbox entries keyed by idempotency key.
// CreatePending is conditional: it fails with ErrKeyCommitted when a
// committed entry already holds the key, and otherwise upserts a pending
// entry (re-arming failed entries for retry).
type OutboxStore interface {
	Get(ctx context.Context, key string) (OutboxEntry, error)
	CreatePending(ctx context.Context, e OutboxEntry) error
	Update(ctx context.Context, e OutboxEntry) error
	LoadAll(ctx context.Context) ([]OutboxEntry, error)
}

// MemoryEntryStore persists long-lived memory entries.
type MemoryEntryStore interface {
	Put(ctx context.Context, e MemoryEntry) error
	Get(ctx context.Context, id string) (MemoryEntry, error)
	List(ctx context.Context) ([]MemoryEntry, error)

	// UpdateRetention rewrites only the retention bookkeeping fields.
	UpdateRetention(ctx context.Context, id string, tier RetentionTier, accessCount int, lastAccessed time.Time) error
}
