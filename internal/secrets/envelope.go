package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/singleflight"
)

// Envelope sentinel errors.
var (
	ErrDecrypt   = errors.New("decryption failed")
	ErrBadMaster = errors.New("master key must be 32 bytes")
)

// DefaultDataKeyTTL bounds how long a data key stays cached per context.
const DefaultDataKeyTTL = 15 * time.Minute

// Blob is one encrypted payload. The data key travels wrapped inside the
// blob, so decryption never depends on the cache.
type Blob struct {
	// WrappedKey is the data key sealed by the master key, nonce-prefixed.
	WrappedKey []byte `json:"wrapped_key"`

	// Nonce and Ciphertext seal the payload under the data key.
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type cachedKey struct {
	key     []byte
	wrapped []byte
	expires time.Time
}

// Envelope performs envelope encryption: per-context data keys wrapped by a
// master key, payloads sealed with XChaCha20-Poly1305. The encryption
// context binds as AAD on both layers, so a decrypt under a different
// context fails. Data keys are cached per context with a TTL; concurrent
// generation requests for one context collapse into a single flight.
type Envelope struct {
	master cipher.AEAD
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedKey
	group singleflight.Group

	now         func() time.Time
	generations int
}

// NewEnvelope creates an envelope over a 32-byte master key. Zero ttl uses
// the default.
func NewEnvelope(masterKey []byte, ttl time.Duration) (*Envelope, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, ErrBadMaster
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build master AEAD: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultDataKeyTTL
	}
	return &Envelope{
		master: aead,
		ttl:    ttl,
		cache:  make(map[string]cachedKey),
		now:    time.Now,
	}, nil
}

// Encrypt seals plaintext under encCtx's data key.
func (e *Envelope) Encrypt(plaintext []byte, encCtx string) ([]byte, error) {
	dk, err := e.dataKey(encCtx)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(dk.key)
	if err != nil {
		return nil, fmt.Errorf("failed to build data AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	blob := Blob{
		WrappedKey: dk.wrapped,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(encCtx)),
	}
	return json.Marshal(blob)
}

// Decrypt opens a blob produced by Encrypt. The same encryption context
// must be supplied; anything else fails with ErrDecrypt.
func (e *Envelope) Decrypt(data []byte, encCtx string) ([]byte, error) {
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("malformed blob: %w", err)
	}

	key, err := e.unwrap(blob.WrappedKey, encCtx)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build data AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(encCtx))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// dataKey returns the cached data key for encCtx, generating one when the
// cache misses or the entry expired. The context is part of the cache key.
func (e *Envelope) dataKey(encCtx string) (cachedKey, error) {
	e.mu.Lock()
	if dk, ok := e.cache[encCtx]; ok && e.now().Before(dk.expires) {
		e.mu.Unlock()
		return dk, nil
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do(encCtx, func() (interface{}, error) {
		// Double-check under the lock: a concurrent flight may have
		// refreshed the entry while this one queued.
		e.mu.Lock()
		if dk, ok := e.cache[encCtx]; ok && e.now().Before(dk.expires) {
			e.mu.Unlock()
			return dk, nil
		}
		e.mu.Unlock()

		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		nonce := make([]byte, e.master.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to draw nonce: %w", err)
		}
		wrapped := e.master.Seal(nonce, nonce, key, []byte(encCtx))

		dk := cachedKey{key: key, wrapped: wrapped, expires: e.now().Add(e.ttl)}
		e.mu.Lock()
		e.cache[encCtx] = dk
		e.generations++
		e.mu.Unlock()
		return dk, nil
	})
	if err != nil {
		return cachedKey{}, err
	}
	return v.(cachedKey), nil
}

// unwrap opens a wrapped data key under the master key and context.
func (e *Envelope) unwrap(wrapped []byte, encCtx string) ([]byte, error) {
	ns := e.master.NonceSize()
	if len(wrapped) < ns {
		return nil, ErrDecrypt
	}
	key, err := e.master.Open(nil, wrapped[:ns], wrapped[ns:], []byte(encCtx))
	if err != nil {
		return nil, ErrDecrypt
	}
	return key, nil
}
