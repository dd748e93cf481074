// Package memory implements the durable memory layer: the hash-chained
// append-only audit log, the snapshot manager with rollback-to-last-verified,
// and the retention manager for long-lived memory entries. The chain is
// exclusive-writer, many-reader; a broken chain at load time is fatal.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execplane/internal/canonical"
	"execplane/internal/logging"
	"execplane/internal/store"
	"execplane/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// ErrIntegrity is returned when the chain fails verification. Wrapped by
// NewChain so a broken log refuses to initialize.
var ErrIntegrity = errors.New("audit log integrity check failed")

// =============================================================================
// HASH CHAIN
// =============================================================================

// Chain is the single writer over an audit store. Every append links to the
// previous entry: sequence increments by one, prev_hash carries the previous
// content hash, and content_hash covers the canonical form of the entry with
// both hash fields cleared.
type Chain struct {
	mu       sync.Mutex
	store    store.AuditStore
	last     store.AuditEntry
	haveLast bool
	redactor *Redactor
}

// NewChain loads and verifies the persisted chain. A verification failure is
// fatal: the chain refuses to initialize and the caller must repair the log
// before the plane can accept work.
func NewChain(ctx context.Context, st store.AuditStore, redactor *Redactor) (*Chain, error) {
	if redactor == nil {
		redactor = NewRedactor()
	}

	entries, err := st.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	report := VerifyEntries(entries)
	if !report.Valid {
		return nil, fmt.Errorf("%w: entry %d: %s", ErrIntegrity, report.BrokenSequence, report.Reason)
	}

	c := &Chain{store: st, redactor: redactor}
	if n := len(entries); n > 0 {
		c.last = entries[n-1]
		c.haveLast = true
	}
	logging.Get(logging.CategoryMemory).Info("audit chain loaded: %d entries verified", len(entries))
	return c, nil
}

// Append links e into the chain and persists it. The chain fills Sequence,
// ID, Timestamp, PrevHash, and ContentHash; state payloads are redacted
// before hashing so secrets never enter the durable log. When both states
// are present and no diff was supplied, a structural diff is computed.
func (c *Chain) Append(ctx context.Context, e store.AuditEntry) (store.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	if c.haveLast {
		e.Sequence = c.last.Sequence + 1
		e.PrevHash = c.last.ContentHash
	} else {
		e.Sequence = 1
		e.PrevHash = ""
	}

	e.StateBefore = c.redactor.ValuePtr(e.StateBefore)
	e.StateAfter = c.redactor.ValuePtr(e.StateAfter)
	if e.Diff == "" && e.StateBefore != nil && e.StateAfter != nil {
		e.Diff = cmp.Diff(e.StateBefore.ToInterface(), e.StateAfter.ToInterface())
	}

	hash, err := contentHash(e)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("failed to hash audit entry: %w", err)
	}
	e.ContentHash = hash

	if err := c.store.Append(ctx, e); err != nil {
		return store.AuditEntry{}, fmt.Errorf("failed to append audit entry: %w", err)
	}
	c.last = e
	c.haveLast = true

	logging.Get(logging.CategoryMemory).Debug("audit append seq=%d actor=%s action=%s", e.Sequence, e.Actor, e.Action)
	return e, nil
}

// LastSequence returns the newest committed sequence, zero when empty.
func (c *Chain) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveLast {
		return 0
	}
	return c.last.Sequence
}

// EntriesSince returns all entries with sequence strictly greater than seq.
func (c *Chain) EntriesSince(ctx context.Context, seq uint64) ([]store.AuditEntry, error) {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify re-verifies the full persisted chain.
func (c *Chain) Verify(ctx context.Context) (VerifyReport, error) {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyEntries(entries), nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyReport is the outcome of a chain walk. BrokenSequence identifies the
// first entry that failed, zero when valid.
type VerifyReport struct {
	Valid          bool
	Entries        int
	BrokenSequence uint64
	Reason         string
}

// VerifyEntries walks entries in order, recomputing every content hash and
// checking sequence continuity and prev-hash linkage. It reports the first
// break.
func VerifyEntries(entries []store.AuditEntry) VerifyReport {
	report := VerifyReport{Valid: true, Entries: len(entries)}
	var prev store.AuditEntry
	for i, e := range entries {
		if i == 0 {
			if e.PrevHash != "" {
				return broken(e, "genesis entry has a prev hash")
			}
		} else {
			if e.Sequence != prev.Sequence+1 {
				return broken(e, fmt.Sprintf("sequence gap: %d follows %d", e.Sequence, prev.Sequence))
			}
			if e.PrevHash != prev.ContentHash {
				return broken(e, "prev hash does not match previous content hash")
			}
		}
		hash, err := contentHash(e)
		if err != nil {
			return broken(e, fmt.Sprintf("unhashable entry: %v", err))
		}
		if hash != e.ContentHash {
			return broken(e, "content hash mismatch")
		}
		prev = e
	}
	return report
}

func broken(e store.AuditEntry, reason string) VerifyReport {
	return VerifyReport{BrokenSequence: e.Sequence, Reason: reason}
}

// contentHash hashes the canonical form of e with both hash fields cleared.
func contentHash(e store.AuditEntry) (string, error) {
	e.ContentHash = ""
	e.PrevHash = ""
	return canonical.HashHex(e)
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	Actor         string
	Action        string
	Since         time.Time
	Until         time.Time
	TaskID        string
	StepID        string
	SourceEventID string
}

func (f Filter) matches(e store.AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.TaskID != "" && e.Provenance.TaskID != f.TaskID {
		return false
	}
	if f.StepID != "" && e.Provenance.StepID != f.StepID {
		return false
	}
	if f.SourceEventID != "" && e.Provenance.SourceEventID != f.SourceEventID {
		return false
	}
	return true
}

// Query returns the entries matching f, in chain order.
func (c *Chain) Query(ctx context.Context, f Filter) ([]store.AuditEntry, error) {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// valuePtr wraps v unless it is the zero Value.
func valuePtr(v types.Value) *types.Value {
	if v.Kind == "" {
		return nil
	}
	return &v
}
