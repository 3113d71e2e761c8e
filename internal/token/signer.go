package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"
)

// ErrNoSecret is returned when no signing secret can be resolved from the
// configuration. Callers must surface this as a server misconfiguration,
// never as a client error.
var ErrNoSecret = errors.New("no signing secret configured")

// Signer signs and verifies byte strings with HMAC-SHA256.
//
// Imported keys are cached per distinct secret value for the lifetime of
// the Signer. A config reload constructs a fresh token Service (and Signer),
// so secret rotation takes effect without a process restart.
type Signer struct {
	mu   sync.Mutex
	keys map[string][]byte // secret value -> key material
}

// NewSigner creates an empty Signer. Keys are imported lazily on first use.
func NewSigner() *Signer {
	return &Signer{keys: make(map[string][]byte)}
}

// importKey returns the cached key material for the secret, deriving it on
// first use. The derivation is a plain copy today; the indirection exists so
// key stretching can be added without touching call sites.
func (s *Signer) importKey(secret string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[secret]; ok {
		return k
	}
	k := []byte(secret)
	s.keys[secret] = k
	return k
}

// Sign returns the HMAC-SHA256 signature of payload under secret.
func (s *Signer) Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, s.importKey(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify reports whether sig is a valid signature of payload under secret.
// Comparison is constant-time via hmac.Equal.
func (s *Signer) Verify(payload, sig []byte, secret string) bool {
	expected := s.Sign(payload, secret)
	return hmac.Equal(expected, sig)
}

// ResolveSecret picks the signing secret: the explicit secret when non-empty,
// otherwise a deterministic derivation from the two provider credentials.
// Returns ErrNoSecret when neither source is available.
func ResolveSecret(explicit, providerToken, providerUser string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if providerToken != "" && providerUser != "" {
		return providerToken + ":" + providerUser, nil
	}
	return "", ErrNoSecret
}
