// Package secrets implements the control plane's cryptographic duties:
// Ed25519 signing for provenance attestation and envelope encryption for
// payloads at rest. Data keys are wrapped by a master key, bound to an
// encryption context, and cached with a TTL.
package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer holds an Ed25519 key pair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh key pair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed derives a deterministic key pair from a 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign signs data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// Public returns the verification key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.pub
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig)
}
