package token

import "github.com/google/uuid"

// NewID returns a random identifier suitable for session ids and token ids
// (jti). UUIDv4 strings satisfy the safe-token-component pattern.
func NewID() string {
	return uuid.NewString()
}
