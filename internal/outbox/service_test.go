package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"execplane/internal/store"
	"execplane/internal/types"
)

// =============================================================================
// EXECUTE-ONCE TESTS
// =============================================================================

func TestExecute_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, time.Millisecond)

	calls := 0
	res, err := svc.Execute(context.Background(), ExecuteRequest{
		WorkflowID: "wf", TaskID: "t1", ToolID: "file_write", Key: "k1",
		Executor: func(context.Context) (types.Value, error) {
			calls++
			return types.StringValue("written"), nil
		},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Replayed || res.Attempts != 1 || calls != 1 {
		t.Errorf("res = %+v, calls = %d", res, calls)
	}

	entry, err := st.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != store.OutboxCommitted {
		t.Errorf("state = %s", entry.State)
	}
}

func TestExecute_ReplaysCommitted(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, time.Millisecond)
	ctx := context.Background()

	exec := func(context.Context) (types.Value, error) { return types.NumberValue(42), nil }
	first, err := svc.Execute(ctx, ExecuteRequest{Key: "k1", ToolID: "t", Executor: exec})
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	second, err := svc.Execute(ctx, ExecuteRequest{Key: "k1", ToolID: "t", Executor: func(context.Context) (types.Value, error) {
		calls++
		return types.NumberValue(99), nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Error("replay re-executed the effect")
	}
	if !second.Replayed || !second.Value.Equal(first.Value) {
		t.Errorf("second = %+v", second)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, time.Millisecond)

	calls := 0
	res, err := svc.Execute(context.Background(), ExecuteRequest{
		Key: "k1", ToolID: "flaky",
		Executor: func(context.Context) (types.Value, error) {
			calls++
			if calls < 3 {
				return types.Value{}, errors.New("transient")
			}
			return types.BoolValue(true), nil
		},
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d", res.Attempts, calls)
	}
}

func TestExecute_ExhaustionMarksFailedAndReArms(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, time.Millisecond)
	ctx := context.Background()

	_, err := svc.Execute(ctx, ExecuteRequest{
		Key: "k1", ToolID: "broken",
		Executor:    func(context.Context) (types.Value, error) { return types.Value{}, errors.New("down") },
		MaxAttempts: 2,
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}

	entry, _ := st.Get(ctx, "k1")
	if entry.State != store.OutboxFailed {
		t.Errorf("state = %s", entry.State)
	}

	// A failed key stays available: the next invocation re-executes.
	res, err := svc.Execute(ctx, ExecuteRequest{
		Key: "k1", ToolID: "broken",
		Executor: func(context.Context) (types.Value, error) { return types.StringValue("recovered"), nil },
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if res.Replayed {
		t.Error("failed entry replayed instead of re-executing")
	}
}

func TestExecute_CancelledContextMarksFailed(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Execute(ctx, ExecuteRequest{
		Key: "k1", ToolID: "slow",
		Executor: func(context.Context) (types.Value, error) {
			cancel()
			return types.Value{}, errors.New("first attempt fails")
		},
		MaxAttempts: 5,
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	entry, _ := st.Get(context.Background(), "k1")
	if entry.State != store.OutboxFailed {
		t.Errorf("state = %s", entry.State)
	}
}

func TestMarkManual(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryOutboxStore()
	svc := NewService(st, time.Millisecond)
	ctx := context.Background()

	if err := st.CreatePending(ctx, store.OutboxEntry{Key: "k1"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkManual(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	entry, _ := st.Get(ctx, "k1")
	if entry.State != store.OutboxManual {
		t.Errorf("state = %s", entry.State)
	}
}

// =============================================================================
// RESULT CACHE TESTS
// =============================================================================

func TestMemoryCache_TTL(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Put(ctx, "k", types.StringValue("v"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || got.Str != "v" {
		t.Fatalf("got = %v, ok = %v, err = %v", got, ok, err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry still present")
	}
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Put(ctx, "k", types.NumberValue(1), 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Error("zero-TTL entry evicted")
	}
}
