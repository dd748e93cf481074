package secrets

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"
)

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

// =============================================================================
// SIGNING TESTS
// =============================================================================

func TestSigner_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("commit: deploy v2")
	sig := s.Sign(msg)

	if !Verify(s.Public(), msg, sig) {
		t.Error("valid signature rejected")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	if Verify(s.Public(), tampered, sig) {
		t.Error("tampered message verified")
	}
	if Verify(s.Public(), msg, sig[:len(sig)-1]) {
		t.Error("truncated signature verified")
	}
	if Verify(nil, msg, sig) {
		t.Error("empty public key verified")
	}
}

func TestSigner_SeedIsDeterministic(t *testing.T) {
	t.Parallel()

	seed := make([]byte, 32)
	a, err := NewSignerFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewSignerFromSeed(seed)
	if !bytes.Equal(a.Public(), b.Public()) {
		t.Error("same seed produced different keys")
	}
	if _, err := NewSignerFromSeed(seed[:16]); err == nil {
		t.Error("short seed accepted")
	}
}

// =============================================================================
// ENVELOPE TESTS
// =============================================================================

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(testMasterKey(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte(`{"password":"hunter2"}`)

	blob, err := env.Encrypt(plaintext, "workflow:wf-1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Decrypt(blob, "workflow:wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q", got)
	}
}

func TestEnvelope_ContextIsBound(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(testMasterKey(t), 0)
	blob, err := env.Encrypt([]byte("payload"), "ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Decrypt(blob, "ctx-b"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("cross-context decrypt err = %v", err)
	}
}

func TestEnvelope_TamperFails(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(testMasterKey(t), 0)
	blob, err := env.Encrypt([]byte("payload"), "ctx")
	if err != nil {
		t.Fatal(err)
	}
	// Flip one ciphertext byte inside the JSON blob.
	tampered := bytes.Replace(blob, []byte(`"ciphertext":"`), []byte(`"ciphertext":"A`), 1)
	if _, err := env.Decrypt(tampered, "ctx"); err == nil {
		t.Error("tampered blob decrypted")
	}
}

func TestEnvelope_RejectsBadMasterKey(t *testing.T) {
	t.Parallel()

	if _, err := NewEnvelope([]byte("short"), 0); !errors.Is(err, ErrBadMaster) {
		t.Errorf("err = %v", err)
	}
}

// =============================================================================
// DATA-KEY CACHE TESTS
// =============================================================================

func TestEnvelope_DataKeyCachedPerContext(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(testMasterKey(t), time.Hour)
	if _, err := env.Encrypt([]byte("a"), "ctx-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Encrypt([]byte("b"), "ctx-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Encrypt([]byte("c"), "ctx-2"); err != nil {
		t.Fatal(err)
	}
	if env.generations != 2 {
		t.Errorf("generations = %d, want 2 (one per context)", env.generations)
	}
}

func TestEnvelope_DataKeyExpiresByTTL(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(testMasterKey(t), time.Minute)
	base := time.Now()
	env.now = func() time.Time { return base }

	blob, err := env.Encrypt([]byte("a"), "ctx")
	if err != nil {
		t.Fatal(err)
	}
	env.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := env.Encrypt([]byte("b"), "ctx"); err != nil {
		t.Fatal(err)
	}
	if env.generations != 2 {
		t.Errorf("generations = %d, want 2 after expiry", env.generations)
	}

	// Old blobs stay decryptable: the wrapped key travels with the blob.
	if _, err := env.Decrypt(blob, "ctx"); err != nil {
		t.Errorf("old blob undecryptable after key rotation: %v", err)
	}
}

func TestEnvelope_ConcurrentLookupsDeduplicate(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(testMasterKey(t), time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Encrypt([]byte("x"), "shared"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if env.generations != 1 {
		t.Errorf("generations = %d, want 1", env.generations)
	}
}
