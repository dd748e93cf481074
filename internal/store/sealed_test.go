package store

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"execplane/internal/secrets"
	"execplane/internal/types"
)

func newSealedStore(t *testing.T) (*SealedSnapshotStore, *MemorySnapshotStore) {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	env, err := secrets.NewEnvelope(key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	inner := NewMemorySnapshotStore()
	return NewSealedSnapshotStore(inner, env), inner
}

func sealedSnapshot(id string) Snapshot {
	return Snapshot{
		ID:        id,
		Timestamp: time.Now().UTC(),
		State:     types.MustValue(map[string]interface{}{"password": "hunter2", "v": 1}),
		Verified:  true,
		Cycle:     1,
		Trigger:   TriggerManual,
	}
}

// =============================================================================
// SEALED SNAPSHOT STORE TESTS
// =============================================================================

func TestSealedSnapshotStore_RoundTrip(t *testing.T) {
	t.Parallel()

	sealed, _ := newSealedStore(t)
	want := sealedSnapshot("s-1")
	if err := sealed.Save(context.Background(), want); err != nil {
		t.Fatal(err)
	}

	got, err := sealed.Load(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.State.Equal(want.State) {
		t.Errorf("state = %v", got.State)
	}

	all, err := sealed.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].State.Equal(want.State) {
		t.Errorf("loadall = %+v", all)
	}
}

func TestSealedSnapshotStore_CiphertextAtRest(t *testing.T) {
	t.Parallel()

	sealed, inner := newSealedStore(t)
	if err := sealed.Save(context.Background(), sealedSnapshot("s-1")); err != nil {
		t.Fatal(err)
	}

	raw, err := inner.Load(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if raw.State.Kind != types.KindString {
		t.Fatalf("stored state kind = %s", raw.State.Kind)
	}
	if strings.Contains(raw.State.Str, "hunter2") {
		t.Error("plaintext leaked into stored state")
	}
}

func TestSealedSnapshotStore_BlobBoundToSnapshot(t *testing.T) {
	t.Parallel()

	sealed, inner := newSealedStore(t)
	if err := sealed.Save(context.Background(), sealedSnapshot("s-1")); err != nil {
		t.Fatal(err)
	}

	// Graft s-1's sealed state onto another snapshot id.
	raw, err := inner.Load(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	grafted := raw
	grafted.ID = "s-2"
	if err := inner.Save(context.Background(), grafted); err != nil {
		t.Fatal(err)
	}

	if _, err := sealed.Load(context.Background(), "s-2"); err == nil {
		t.Error("grafted blob unsealed under a different snapshot id")
	}
}
