package store

import (
	"context"
	"encoding/json"
	"fmt"

	"execplane/internal/secrets"
	"execplane/internal/types"
)

// SealedSnapshotStore envelope-encrypts snapshot state at rest. The inner
// store only ever sees the ciphertext blob; callers read and write plain
// state. The encryption context is bound to the snapshot id, so a blob
// copied onto another snapshot fails to open.
type SealedSnapshotStore struct {
	inner SnapshotStore
	env   *secrets.Envelope
}

// NewSealedSnapshotStore wraps inner with state sealing.
func NewSealedSnapshotStore(inner SnapshotStore, env *secrets.Envelope) *SealedSnapshotStore {
	return &SealedSnapshotStore{inner: inner, env: env}
}

func sealContext(id string) string { return "snapshot:" + id }

// Save seals the state and stores the snapshot.
func (s *SealedSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	plain, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	blob, err := s.env.Encrypt(plain, sealContext(snap.ID))
	if err != nil {
		return fmt.Errorf("failed to seal snapshot %s: %w", snap.ID, err)
	}
	snap.State = types.StringValue(string(blob))
	return s.inner.Save(ctx, snap)
}

// Load retrieves and unseals one snapshot.
func (s *SealedSnapshotStore) Load(ctx context.Context, id string) (Snapshot, error) {
	snap, err := s.inner.Load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.unseal(snap)
}

// LoadAll retrieves and unseals every snapshot.
func (s *SealedSnapshotStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	snaps, err := s.inner.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		opened, err := s.unseal(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

// Delete removes a snapshot.
func (s *SealedSnapshotStore) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

func (s *SealedSnapshotStore) unseal(snap Snapshot) (Snapshot, error) {
	if snap.State.Kind != types.KindString {
		return Snapshot{}, fmt.Errorf("snapshot %s is not sealed", snap.ID)
	}
	plain, err := s.env.Decrypt([]byte(snap.State.Str), sealContext(snap.ID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to unseal snapshot %s: %w", snap.ID, err)
	}
	var state types.Value
	if err := json.Unmarshal(plain, &state); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot state: %w", err)
	}
	snap.State = state
	return snap, nil
}
