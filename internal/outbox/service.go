// Package outbox implements the transactional outbox: the authority on
// whether a side effect has occurred. One entry per idempotency key;
// committed entries replay their stored result, pending and failed entries
// re-execute.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"execplane/internal/logging"
	"execplane/internal/store"
	"execplane/internal/types"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("attempt budget exhausted")

// ExecuteRequest is one execute-once request.
type ExecuteRequest struct {
	WorkflowID string
	TaskID     string
	ToolID     string
	Key        string

	// Executor performs the actual effect.
	Executor func(ctx context.Context) (types.Value, error)

	// MaxAttempts bounds retries. Zero means one attempt.
	MaxAttempts int
}

// Result is a committed outcome.
type Result struct {
	Value    types.Value
	Replayed bool
	Attempts int
}

// Service coordinates execute-once semantics over an outbox store.
type Service struct {
	store       store.OutboxStore
	backoffBase time.Duration
}

// NewService creates an outbox service. backoffBase seeds the exponential
// retry backoff; zero uses 200ms.
func NewService(st store.OutboxStore, backoffBase time.Duration) *Service {
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	return &Service{store: st, backoffBase: backoffBase}
}

// Get inspects the entry for an idempotency key.
func (s *Service) Get(ctx context.Context, key string) (store.OutboxEntry, error) {
	return s.store.Get(ctx, key)
}

// Execute runs the request with execute-once semantics:
//
//   - a committed entry short-circuits with its stored result, replayed
//   - pending and failed entries re-arm and re-execute
//   - the executor runs under an attempt budget with exponential backoff
//   - success commits the result; exhaustion marks the entry failed,
//     keeping the key available for a later retry
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	log := logging.Get(logging.CategoryOutbox)

	if req.Key == "" {
		return Result{}, fmt.Errorf("empty idempotency key")
	}
	if req.Executor == nil {
		return Result{}, fmt.Errorf("nil executor")
	}

	if existing, err := s.store.Get(ctx, req.Key); err == nil && existing.State == store.OutboxCommitted {
		log.Debug("key %s committed, replaying result", req.Key)
		return replay(existing)
	}

	entry := store.OutboxEntry{
		Key:        req.Key,
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		ToolID:     req.ToolID,
	}
	if err := s.store.CreatePending(ctx, entry); err != nil {
		if errors.Is(err, store.ErrKeyCommitted) {
			// Lost a race to a concurrent commit; replay its result.
			existing, getErr := s.store.Get(ctx, req.Key)
			if getErr != nil {
				return Result{}, fmt.Errorf("committed entry vanished for %s: %w", req.Key, getErr)
			}
			return replay(existing)
		}
		return Result{}, fmt.Errorf("failed to arm outbox entry: %w", err)
	}

	attempts := req.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			cancelled := false
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				cancelled = true
			case <-time.After(backoff(s.backoffBase, attempt-1)):
			}
			if cancelled {
				break
			}
		}

		output, err := req.Executor(ctx)
		if err == nil {
			committed := store.OutboxEntry{
				Key:        req.Key,
				State:      store.OutboxCommitted,
				Result:     &output,
				Attempts:   attempt,
				WorkflowID: req.WorkflowID,
				TaskID:     req.TaskID,
				ToolID:     req.ToolID,
			}
			if updateErr := s.store.Update(ctx, committed); updateErr != nil {
				return Result{}, fmt.Errorf("effect performed but commit failed for %s: %w", req.Key, updateErr)
			}
			return Result{Value: output, Attempts: attempt}, nil
		}

		lastErr = err
		log.Warn("attempt %d/%d for %s failed: %v", attempt, attempts, req.ToolID, err)
		if ctx.Err() != nil {
			break
		}
	}

	failed := store.OutboxEntry{
		Key:        req.Key,
		State:      store.OutboxFailed,
		Attempts:   attempts,
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		ToolID:     req.ToolID,
	}
	if updateErr := s.store.Update(ctx, failed); updateErr != nil {
		log.Error("failed to mark entry %s failed: %v", req.Key, updateErr)
	}
	return Result{Attempts: attempts}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// MarkManual flags an entry as needing human reconciliation, used when a
// compensation itself fails.
func (s *Service) MarkManual(ctx context.Context, key string) error {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.State = store.OutboxManual
	entry.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, entry)
}

func replay(e store.OutboxEntry) (Result, error) {
	if e.Result == nil {
		return Result{}, fmt.Errorf("committed entry %s has no result", e.Key)
	}
	return Result{Value: *e.Result, Replayed: true, Attempts: e.Attempts}, nil
}

// backoff is exponential with up to 50% jitter.
func backoff(base time.Duration, n int) time.Duration {
	d := base << uint(n)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
