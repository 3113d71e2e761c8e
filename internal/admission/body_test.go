package admission

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBody struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func TestDecodeJSONBody(t *testing.T) {
	const maxBytes = 64

	decode := func(t *testing.T, contentType, body string) error {
		t.Helper()
		r := httptest.NewRequest("POST", "http://gw.example/notify", strings.NewReader(body))
		if contentType != "" {
			r.Header.Set("Content-Type", contentType)
		}
		var dst testBody
		return DecodeJSONBody(httptest.NewRecorder(), r, maxBytes, &dst)
	}

	t.Run("accepts a valid JSON object", func(t *testing.T) {
		r := httptest.NewRequest("POST", "http://gw.example/notify", strings.NewReader(`{"title":"t","message":"m"}`))
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		var dst testBody
		require.NoError(t, DecodeJSONBody(httptest.NewRecorder(), r, maxBytes, &dst))
		assert.Equal(t, "t", dst.Title)
		assert.Equal(t, "m", dst.Message)
	})

	t.Run("rejects missing content type", func(t *testing.T) {
		assert.ErrorIs(t, decode(t, "", `{}`), ErrContentType)
	})

	t.Run("rejects non-json content type", func(t *testing.T) {
		assert.ErrorIs(t, decode(t, "text/plain", `{}`), ErrContentType)
	})

	t.Run("rejects a declared oversize body", func(t *testing.T) {
		big := `{"title":"` + strings.Repeat("a", maxBytes) + `"}`
		assert.ErrorIs(t, decode(t, "application/json", big), ErrTooLarge)
	})

	t.Run("rejects a streamed oversize body with a lying length", func(t *testing.T) {
		big := `{"title":"` + strings.Repeat("a", maxBytes) + `"}`
		r := httptest.NewRequest("POST", "http://gw.example/notify", strings.NewReader(big))
		r.Header.Set("Content-Type", "application/json")
		r.ContentLength = -1 // chunked transfer: no declared length
		var dst testBody
		assert.ErrorIs(t, DecodeJSONBody(httptest.NewRecorder(), r, maxBytes, &dst), ErrTooLarge)
	})

	t.Run("accepts a body exactly at the limit", func(t *testing.T) {
		pad := maxBytes - len(`{"title":""}`)
		body := `{"title":"` + strings.Repeat("a", pad) + `"}`
		require.Len(t, body, maxBytes)
		assert.NoError(t, decode(t, "application/json", body))
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		assert.ErrorIs(t, decode(t, "application/json", `{"title":`), ErrMalformed)
	})

	t.Run("rejects trailing data after the object", func(t *testing.T) {
		assert.ErrorIs(t, decode(t, "application/json", `{}{}`), ErrMalformed)
	})

	t.Run("rejects an empty body", func(t *testing.T) {
		assert.ErrorIs(t, decode(t, "application/json", ``), ErrMalformed)
	})
}
