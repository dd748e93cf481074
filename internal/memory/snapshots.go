package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"execplane/internal/logging"
	"execplane/internal/store"
	"execplane/internal/types"

	"github.com/google/uuid"
)

// Snapshot sentinel errors.
var (
	ErrNoVerifiedSnapshot = errors.New("no verified snapshot to roll back to")
	ErrUnverifiedSnapshot = errors.New("rollback target is not verified")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
)

// SnapshotConfig tunes the always-on snapshot manager. Zero fields use the
// defaults.
type SnapshotConfig struct {
	// Interval triggers a scheduled snapshot once elapsed.
	Interval time.Duration

	// MaxInterval forces a snapshot regardless of activity.
	MaxInterval time.Duration

	// StateChangeThreshold triggers after this many state changes.
	StateChangeThreshold int

	// MemoryWriteThreshold triggers after this many memory writes.
	MemoryWriteThreshold int

	// RetainCount bounds stored snapshots; pruning keeps the newest,
	// preferring verified ones.
	RetainCount int

	// Adaptive scales the count thresholds down as activity rises, so busy
	// periods checkpoint more often.
	Adaptive bool
}

// Snapshot manager defaults.
const (
	DefaultSnapshotInterval     = 5 * time.Minute
	DefaultSnapshotMaxInterval  = 30 * time.Minute
	DefaultStateChangeThreshold = 25
	DefaultMemoryWriteThreshold = 50
	DefaultRetainCount          = 20
)

func (c SnapshotConfig) withDefaults() SnapshotConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultSnapshotInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultSnapshotMaxInterval
	}
	if c.StateChangeThreshold <= 0 {
		c.StateChangeThreshold = DefaultStateChangeThreshold
	}
	if c.MemoryWriteThreshold <= 0 {
		c.MemoryWriteThreshold = DefaultMemoryWriteThreshold
	}
	if c.RetainCount <= 0 {
		c.RetainCount = DefaultRetainCount
	}
	return c
}

// =============================================================================
// SNAPSHOT MANAGER
// =============================================================================

// SnapshotManager checkpoints agent state. Snapshots carry a pointer set
// covering exactly the audit and memory entries committed since the previous
// snapshot; creation reads the chain's committed prefix, so no snapshot
// observes an uncommitted entry.
type SnapshotManager struct {
	mu    sync.Mutex
	cfg   SnapshotConfig
	store store.SnapshotStore
	chain *Chain

	agentID   string
	sessionID string

	state        types.Value
	cycle        int
	lastSnapshot time.Time
	lastSequence uint64
	stateChanges int
	memoryWrites int
	memoryIDs    []string

	now func() time.Time
}

// NewSnapshotManager creates a manager over st, tracking chain for pointer
// sets. The chain may be nil when only explicit snapshots are taken.
func NewSnapshotManager(cfg SnapshotConfig, st store.SnapshotStore, chain *Chain, agentID, sessionID string) *SnapshotManager {
	m := &SnapshotManager{
		cfg:       cfg.withDefaults(),
		store:     st,
		chain:     chain,
		agentID:   agentID,
		sessionID: sessionID,
		state:     types.Null(),
		now:       time.Now,
	}
	m.lastSnapshot = m.now()
	if chain != nil {
		m.lastSequence = chain.LastSequence()
	}
	return m
}

// State returns the current tracked state.
func (m *SnapshotManager) State() types.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ObserveStateChange records a new state and takes a snapshot when a
// threshold trips. The returned snapshot is nil when nothing triggered.
func (m *SnapshotManager) ObserveStateChange(ctx context.Context, state types.Value) (*store.Snapshot, error) {
	m.mu.Lock()
	m.state = state
	m.stateChanges++
	m.mu.Unlock()
	return m.maybeSnapshot(ctx)
}

// ObserveMemoryWrite records a memory entry committed since the previous
// snapshot and takes a snapshot when a threshold trips.
func (m *SnapshotManager) ObserveMemoryWrite(ctx context.Context, entryID string) (*store.Snapshot, error) {
	m.mu.Lock()
	m.memoryWrites++
	m.memoryIDs = append(m.memoryIDs, entryID)
	m.mu.Unlock()
	return m.maybeSnapshot(ctx)
}

// maybeSnapshot evaluates the triggers and snapshots on the first that
// fires: forced max interval, state changes, memory writes, then the
// scheduled interval.
func (m *SnapshotManager) maybeSnapshot(ctx context.Context) (*store.Snapshot, error) {
	m.mu.Lock()
	trigger, due := m.due()
	m.mu.Unlock()
	if !due {
		return nil, nil
	}
	s, err := m.Take(ctx, false, trigger)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *SnapshotManager) due() (store.SnapshotTrigger, bool) {
	elapsed := m.now().Sub(m.lastSnapshot)
	changeThreshold, writeThreshold := m.effectiveThresholds(elapsed)

	switch {
	case elapsed >= m.cfg.MaxInterval:
		return store.TriggerTimeThreshold, true
	case m.stateChanges >= changeThreshold:
		return store.TriggerStateChange, true
	case m.memoryWrites >= writeThreshold:
		return store.TriggerMemoryThreshold, true
	case elapsed >= m.cfg.Interval:
		return store.TriggerScheduled, true
	}
	return "", false
}

// effectiveThresholds scales the count thresholds in adaptive mode. The
// activity score is state_changes + memory_writes + elapsed intervals; the
// effective threshold is base/(1+score/base), monotone non-increasing in
// activity, floored at one.
func (m *SnapshotManager) effectiveThresholds(elapsed time.Duration) (int, int) {
	change, write := m.cfg.StateChangeThreshold, m.cfg.MemoryWriteThreshold
	if !m.cfg.Adaptive {
		return change, write
	}
	score := float64(m.stateChanges+m.memoryWrites) + float64(elapsed)/float64(m.cfg.Interval)
	scale := func(base int) int {
		eff := int(float64(base) / (1 + score/float64(base)))
		if eff < 1 {
			return 1
		}
		return eff
	}
	return scale(change), scale(write)
}

// Take creates and persists a snapshot of the current state. The pointer
// set covers the audit entries appended and the memory entries written since
// the previous snapshot, and the counters reset.
func (m *SnapshotManager) Take(ctx context.Context, verified bool, trigger store.SnapshotTrigger) (store.Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "snapshot")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	pointers := append([]string(nil), m.memoryIDs...)
	lastSeq := m.lastSequence
	if m.chain != nil {
		entries, err := m.chain.EntriesSince(ctx, lastSeq)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("failed to collect audit pointers: %w", err)
		}
		for _, e := range entries {
			pointers = append(pointers, e.ID)
			if e.Sequence > lastSeq {
				lastSeq = e.Sequence
			}
		}
	}

	m.cycle++
	s := store.Snapshot{
		ID:             uuid.NewString(),
		Timestamp:      m.now().UTC(),
		State:          m.state,
		Verified:       verified,
		AgentID:        m.agentID,
		SessionID:      m.sessionID,
		Cycle:          m.cycle,
		Trigger:        trigger,
		MemoryPointers: pointers,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}

	m.lastSnapshot = m.now()
	m.lastSequence = lastSeq
	m.stateChanges = 0
	m.memoryWrites = 0
	m.memoryIDs = nil

	logging.Get(logging.CategoryMemory).Info("snapshot %s cycle=%d trigger=%s verified=%v pointers=%d",
		s.ID, s.Cycle, s.Trigger, s.Verified, len(s.MemoryPointers))

	if err := m.pruneLocked(ctx); err != nil {
		logging.Get(logging.CategoryMemory).Warn("snapshot pruning failed: %v", err)
	}
	return s, nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// RollbackToLastVerified restores the most recent verified snapshot's state
// and appends a rollback entry attributed to system.
func (m *SnapshotManager) RollbackToLastVerified(ctx context.Context) (store.Snapshot, error) {
	all, err := m.store.LoadAll(ctx)
	if err != nil {
		return store.Snapshot{}, err
	}
	var target *store.Snapshot
	for i := range all {
		if !all[i].Verified {
			continue
		}
		if target == nil || all[i].Timestamp.After(target.Timestamp) {
			target = &all[i]
		}
	}
	if target == nil {
		return store.Snapshot{}, ErrNoVerifiedSnapshot
	}
	return m.rollback(ctx, *target)
}

// RollbackTo restores a named snapshot. Only verified snapshots are valid
// targets; rolling back across unverified territory is refused.
func (m *SnapshotManager) RollbackTo(ctx context.Context, id string) (store.Snapshot, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return store.Snapshot{}, err
	}
	if !s.Verified {
		return store.Snapshot{}, fmt.Errorf("%w: %s", ErrUnverifiedSnapshot, id)
	}
	return m.rollback(ctx, s)
}

func (m *SnapshotManager) rollback(ctx context.Context, target store.Snapshot) (store.Snapshot, error) {
	m.mu.Lock()
	before := m.state
	m.state = target.State
	m.mu.Unlock()

	if m.chain != nil {
		after := target.State
		_, err := m.chain.Append(ctx, store.AuditEntry{
			Actor:       "system",
			Action:      "rollback:" + target.ID,
			StateBefore: valuePtr(before),
			StateAfter:  &after,
		})
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("rollback applied but audit append failed: %w", err)
		}
	}
	logging.Get(logging.CategoryMemory).Info("rolled back to snapshot %s (cycle %d)", target.ID, target.Cycle)
	return target, nil
}

// =============================================================================
// PRUNING
// =============================================================================

// Prune deletes the oldest snapshots beyond the retain count, dropping
// unverified ones first.
func (m *SnapshotManager) Prune(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(ctx)
}

func (m *SnapshotManager) pruneLocked(ctx context.Context) error {
	all, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	excess := len(all) - m.cfg.RetainCount
	if excess <= 0 {
		return nil
	}

	// Oldest first within each class; unverified snapshots go before any
	// verified one.
	sort.Slice(all, func(i, j int) bool {
		if all[i].Verified != all[j].Verified {
			return !all[i].Verified
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	for _, s := range all[:excess] {
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("failed to prune snapshot %s: %w", s.ID, err)
		}
		logging.Get(logging.CategoryMemory).Debug("pruned snapshot %s (verified=%v)", s.ID, s.Verified)
	}
	return nil
}
