package admission

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Body decoding failures, distinguished so the handler can map them to the
// right status code (415 / 413 / 400).
var (
	ErrContentType = errors.New("content type must be application/json")
	ErrTooLarge    = errors.New("request body too large")
	ErrMalformed   = errors.New("malformed JSON body")
)

// DecodeJSONBody enforces the body constraints for state-changing routes:
// the Content-Type must include application/json, the declared and actual
// body size must not exceed maxBytes, and the body must be a single JSON
// object decodable into dst. The size cap is enforced both on the declared
// Content-Length and on the streamed byte count via http.MaxBytesReader,
// so a lying client cannot sneak an oversized body past the check.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	ct := r.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "application/json") {
		return ErrContentType
	}

	if r.ContentLength > maxBytes {
		return ErrTooLarge
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrTooLarge
		}
		return ErrMalformed
	}

	// A trailing second value means the body was not a single JSON document.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrTooLarge
		}
		return ErrMalformed
	}

	return nil
}
