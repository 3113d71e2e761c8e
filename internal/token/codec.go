// Package token implements the signed auth-token protocol: a base64url
// JSON payload joined to an HMAC-SHA256 signature by a single dot. A token
// proves that a client was authorized to submit an order for a specific
// location and session, and embeds a fingerprint binding it to that client.
package token

import (
	"encoding/base64"
	"strings"
)

// Separator joins the encoded payload and signature segments.
const Separator = "."

// Encode returns the base64url (unpadded) encoding of raw bytes.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode reverses Encode. Returns (nil, false) on any malformed input;
// it never panics and never returns a partial result.
func Decode(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// SplitToken splits a token string into its payload and signature segments.
// Anything other than exactly two non-empty dot-separated segments is rejected.
func SplitToken(s string) (payload, signature string, ok bool) {
	first := strings.IndexByte(s, '.')
	if first < 0 {
		return "", "", false
	}
	payload, signature = s[:first], s[first+1:]
	if payload == "" || signature == "" || strings.ContainsRune(signature, '.') {
		return "", "", false
	}
	return payload, signature, true
}
