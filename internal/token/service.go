package token

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// Version is the fixed payload version literal, for forward compatibility.
const Version = "1"

// Field format bounds. Location tokens are opaque identifiers for a physical
// table/spot; session and token ids are generated server-side but re-validated
// on parse so a forged payload can never smuggle arbitrary bytes past the
// boundary.
var (
	locationPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	bindingPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidLocationToken reports whether s is a well-formed location token.
func ValidLocationToken(s string) bool { return locationPattern.MatchString(s) }

// ValidID reports whether s is a well-formed session or token id.
func ValidID(s string) bool { return idPattern.MatchString(s) }

// Payload is the signed unit. It exists only in encoded form on the wire;
// a Payload value always represents fully validated fields.
type Payload struct {
	Version       string `json:"v"`
	LocationToken string `json:"loc"`
	ExpiresAtMs   int64  `json:"exp"`
	SessionID     string `json:"sid"`
	TokenID       string `json:"jti"`
	ClientBinding string `json:"cb"`
}

func (p *Payload) valid() bool {
	return p.Version == Version &&
		locationPattern.MatchString(p.LocationToken) &&
		p.ExpiresAtMs > 0 &&
		idPattern.MatchString(p.SessionID) &&
		idPattern.MatchString(p.TokenID) &&
		bindingPattern.MatchString(p.ClientBinding)
}

// VerifyError identifies which verification check failed. Handlers collapse
// every variant to one generic unauthorized outcome; the distinction exists
// for logging and tests only.
type VerifyError int

const (
	VerifyOK VerifyError = iota
	VerifyMalformed
	VerifyLocationMismatch
	VerifySessionMismatch
	VerifyBindingMismatch
	VerifyExpired
	VerifyBadSignature
)

func (e VerifyError) String() string {
	switch e {
	case VerifyOK:
		return "ok"
	case VerifyMalformed:
		return "malformed"
	case VerifyLocationMismatch:
		return "location_mismatch"
	case VerifySessionMismatch:
		return "session_mismatch"
	case VerifyBindingMismatch:
		return "binding_mismatch"
	case VerifyExpired:
		return "expired"
	case VerifyBadSignature:
		return "bad_signature"
	}
	return "unknown"
}

// Issued is the result of a successful token issuance.
type Issued struct {
	Token       string
	ExpiresAtMs int64
}

// Service builds, parses, and verifies signed auth tokens.
type Service struct {
	signer *Signer
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// ErrTTLOutOfRange is returned by NewService for a TTL outside the accepted bounds.
var ErrTTLOutOfRange = errors.New("token ttl out of range")

// TTL clamp bounds. Tokens are meant to cover a single guest interaction.
const (
	MinTTL = 30 * time.Second
	MaxTTL = 10 * time.Minute
)

// NewService creates a token Service using the given signing secret and TTL.
// An empty secret yields ErrNoSecret so misconfiguration fails loudly at
// startup rather than silently issuing unverifiable tokens.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return nil, ErrTTLOutOfRange
	}
	return &Service{
		signer: NewSigner(),
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source. Tests use this to cross expiry
// boundaries deterministically.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue constructs, signs, and encodes a token for the given location,
// session, and client binding.
func (s *Service) Issue(locationToken, sessionID, clientBinding string) (*Issued, error) {
	exp := s.now().Add(s.ttl).UnixMilli()
	p := Payload{
		Version:       Version,
		LocationToken: locationToken,
		ExpiresAtMs:   exp,
		SessionID:     sessionID,
		TokenID:       NewID(),
		ClientBinding: clientBinding,
	}
	if !p.valid() {
		return nil, errors.New("refusing to issue token with invalid fields")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	encoded := Encode(raw)
	sig := s.signer.Sign([]byte(encoded), s.secret)

	return &Issued{
		Token:       encoded + Separator + Encode(sig),
		ExpiresAtMs: exp,
	}, nil
}

// Parse decodes and validates a token string without checking the signature.
// Any structural or format violation yields (nil, false) — a partial or
// unvalidated payload is never returned.
func (s *Service) Parse(tokenString string) (*Payload, bool) {
	encoded, _, ok := SplitToken(tokenString)
	if !ok {
		return nil, false
	}
	raw, ok := Decode(encoded)
	if !ok {
		return nil, false
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if !p.valid() {
		return nil, false
	}
	return &p, true
}

// Verify parses the token and checks, in order: location match, session
// match, client-binding match, expiry, and signature over the exact encoded
// payload bytes. The first failing check wins.
//
// The expiry boundary is exclusive: a token presented at exactly ExpiresAtMs
// is rejected.
func (s *Service) Verify(tokenString, expectedLocation, expectedSession, expectedBinding string) (*Payload, VerifyError) {
	encoded, sigPart, ok := SplitToken(tokenString)
	if !ok {
		return nil, VerifyMalformed
	}
	p, ok := s.Parse(tokenString)
	if !ok {
		return nil, VerifyMalformed
	}
	if p.LocationToken != expectedLocation {
		return nil, VerifyLocationMismatch
	}
	if p.SessionID != expectedSession {
		return nil, VerifySessionMismatch
	}
	if p.ClientBinding != expectedBinding {
		return nil, VerifyBindingMismatch
	}
	if p.ExpiresAtMs <= s.now().UnixMilli() {
		return nil, VerifyExpired
	}
	sig, ok := Decode(sigPart)
	if !ok {
		return nil, VerifyBadSignature
	}
	if !s.signer.Verify([]byte(encoded), sig, s.secret) {
		return nil, VerifyBadSignature
	}
	return p, VerifyOK
}

// ClientBinding hashes client fingerprint material (IP + user agent) into
// the form embedded in tokens. Recomputed at verification time and compared
// for equality, so a stolen token replayed from a different client fails.
func ClientBinding(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return Encode(sum[:])
}
