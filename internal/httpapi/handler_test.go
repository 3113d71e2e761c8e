package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RaphaelGuerra/ez-order/internal/admission"
	"github.com/RaphaelGuerra/ez-order/internal/catalog"
	"github.com/RaphaelGuerra/ez-order/internal/notify"
	"github.com/RaphaelGuerra/ez-order/internal/observability"
	"github.com/RaphaelGuerra/ez-order/internal/replay"
	"github.com/RaphaelGuerra/ez-order/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin   = "https://menu.example"
	testLocation = "table-12"
	testAgent    = "guest-browser/1.0"
	testAddr     = "203.0.113.7:40000"
)

var testLogger = slog.Default()

type fixture struct {
	handler  *Handler
	pipeline *Pipeline
	metrics  *observability.Metrics
	provider *httptest.Server
}

// newFixture wires a full pipeline around an in-process provider stub.
// Callers mutate the pipeline before issuing requests to model degraded
// configurations.
func newFixture(t *testing.T, providerHandler http.HandlerFunc) *fixture {
	t.Helper()

	if providerHandler == nil {
		providerHandler = func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":1}`))
		}
	}
	provider := httptest.NewServer(providerHandler)
	t.Cleanup(provider.Close)

	tokens, err := token.NewService("test-secret", 2*time.Minute)
	require.NoError(t, err)

	limiter := admission.NewWindowLimiter(60)
	t.Cleanup(limiter.Close)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pipeline := &Pipeline{
		Path:       "/notify",
		Origins:    admission.NewOriginPolicy([]string{testOrigin}),
		Limiter:    limiter,
		Tokens:     tokens,
		Locations:  catalog.NewStatic([]string{testLocation}, testLogger),
		Dispatcher: notify.NewDispatcher(provider.URL, "tok", "usr", 2*time.Second, testLogger),
		Replays:    replay.NewGuard(),
		BodyCap:    8192,
	}

	return &fixture{
		handler:  NewHandler(pipeline, testLogger, metrics),
		pipeline: pipeline,
		metrics:  metrics,
		provider: provider,
	}
}

func (f *fixture) issueRequest(locationToken string) *http.Request {
	r := httptest.NewRequest("GET", "http://gw.example/notify?locationToken="+locationToken, nil)
	r.Header.Set("Origin", testOrigin)
	r.Header.Set("User-Agent", testAgent)
	r.RemoteAddr = testAddr
	return r
}

func (f *fixture) submitRequest(body string) *http.Request {
	r := httptest.NewRequest("POST", "http://gw.example/notify", strings.NewReader(body))
	r.Header.Set("Origin", testOrigin)
	r.Header.Set("User-Agent", testAgent)
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = testAddr
	return r
}

// issueToken runs a successful GET and returns the auth token and session
// cookie for a follow-up submission.
func (f *fixture) issueToken(t *testing.T) (authToken string, cookie *http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.issueRequest(testLocation))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK          bool   `json:"ok"`
		AuthToken   string `json:"authToken"`
		ExpiresAtMs int64  `json:"expiresAtMs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.AuthToken)

	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "issuance must set the session cookie")
	return resp.AuthToken, cookie
}

func submitBodyJSON(authToken string) string {
	b, _ := json.Marshal(map[string]string{
		"title":         "Table 12",
		"message":       "2x espresso",
		"locationToken": testLocation,
		"authToken":     authToken,
	})
	return string(b)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	return resp.Error
}

func TestIssue(t *testing.T) {
	t.Run("issues a token with a session cookie", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))

		var cookie *http.Cookie
		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookie {
				cookie = c
			}
		}
		require.NotNil(t, cookie)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
		assert.Equal(t, "/notify", cookie.Path)
		assert.Equal(t, int((2 * time.Minute).Seconds()), cookie.MaxAge)
		assert.Equal(t, int64(1), f.metrics.Issued())
	})

	t.Run("reuses an existing session cookie", func(t *testing.T) {
		f := newFixture(t, nil)
		_, cookie := f.issueToken(t)

		r := f.issueRequest(testLocation)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookie {
				assert.Equal(t, cookie.Value, c.Value)
			}
		}
	})

	t.Run("rejects a disallowed origin", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.issueRequest(testLocation)
		r.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, CodeForbidden, errorCode(t, w))
	})

	t.Run("rejects a malformed location token", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest("bad%20token%21"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an unknown location", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest("table-99"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("fails with 500 when no signing secret is configured", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.Tokens = nil
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, CodeServerError, errorCode(t, w))
	})

	t.Run("fails with 500 when the allow-list is misconfigured", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.Locations = catalog.NewStatic([]string{"not valid!"}, testLogger)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("fails with 503 when the catalog is unreachable", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.Locations = catalog.NewDynamic(
			"http://127.0.0.1:1/catalog.json", time.Minute, 200*time.Millisecond, testLogger)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestSubmit(t *testing.T) {
	t.Run("end-to-end issue then submit", func(t *testing.T) {
		var gotTitle, gotMessage string
		f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			gotTitle = r.PostForm.Get("title")
			gotMessage = r.PostForm.Get("message")
			_, _ = w.Write([]byte(`{"status":1}`))
		})

		authToken, cookie := f.issueToken(t)
		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())
		assert.Equal(t, "Table 12", gotTitle)
		assert.Equal(t, "2x espresso", gotMessage)
		assert.Equal(t, int64(1), f.metrics.Dispatched())
	})

	t.Run("missing session cookie yields generic 401", func(t *testing.T) {
		f := newFixture(t, nil)
		authToken, _ := f.issueToken(t)

		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.submitRequest(submitBodyJSON(authToken)))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, CodeUnauthorized, errorCode(t, w))
		assert.Equal(t, int64(1), f.metrics.Unauthorized())
	})

	t.Run("token bound to another client yields 401", func(t *testing.T) {
		f := newFixture(t, nil)
		authToken, cookie := f.issueToken(t)

		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		r.RemoteAddr = "198.51.100.9:40000"
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token for another location yields 401", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.Locations = catalog.NewStatic([]string{testLocation, "table-2"}, testLogger)
		authToken, cookie := f.issueToken(t)

		body, _ := json.Marshal(map[string]string{
			"title": "t", "message": "m",
			"locationToken": "table-2",
			"authToken":     authToken,
		})
		r := f.submitRequest(string(body))
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("second use of a token yields 409", func(t *testing.T) {
		f := newFixture(t, nil)
		authToken, cookie := f.issueToken(t)

		for i, want := range []int{http.StatusOK, http.StatusConflict} {
			r := f.submitRequest(submitBodyJSON(authToken))
			r.AddCookie(cookie)
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, r)
			assert.Equal(t, want, w.Code, "submission %d", i)
		}
		assert.Equal(t, int64(1), f.metrics.Replays())
	})

	t.Run("cross-site fetch metadata yields 403", func(t *testing.T) {
		f := newFixture(t, nil)
		authToken, cookie := f.issueToken(t)

		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		r.Header.Set("Sec-Fetch-Site", "cross-site")
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("wrong content type yields 415", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.submitRequest(`{}`)
		r.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("oversized body yields 413", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.BodyCap = 32
		r := f.submitRequest(`{"title":"` + strings.Repeat("a", 64) + `"}`)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("malformed JSON yields 400", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.submitRequest(`{"title":`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("field validation failures yield 400", func(t *testing.T) {
		bodies := map[string]map[string]string{
			"missing title":    {"message": "m", "locationToken": testLocation, "authToken": "a.b"},
			"blank title":      {"title": "   ", "message": "m", "locationToken": testLocation, "authToken": "a.b"},
			"title too long":   {"title": strings.Repeat("a", 101), "message": "m", "locationToken": testLocation, "authToken": "a.b"},
			"missing message":  {"title": "t", "locationToken": testLocation, "authToken": "a.b"},
			"message too long": {"title": "t", "message": strings.Repeat("a", 1025), "locationToken": testLocation, "authToken": "a.b"},
			"bad location":     {"title": "t", "message": "m", "locationToken": "nope!", "authToken": "a.b"},
			"missing token":    {"title": "t", "message": "m", "locationToken": testLocation},
		}

		for name, fields := range bodies {
			t.Run(name, func(t *testing.T) {
				f := newFixture(t, nil)
				b, _ := json.Marshal(fields)
				w := httptest.NewRecorder()
				f.handler.ServeHTTP(w, f.submitRequest(string(b)))
				assert.Equal(t, http.StatusBadRequest, w.Code)
			})
		}
	})

	t.Run("provider timeout yields 504", func(t *testing.T) {
		f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(10 * time.Second):
			case <-r.Context().Done():
			}
		})
		f.pipeline.Dispatcher = notify.NewDispatcher(
			f.provider.URL, "tok", "usr", notify.MinTimeout, testLogger)

		authToken, cookie := f.issueToken(t)
		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, CodeGatewayTimeout, errorCode(t, w))
	})

	t.Run("provider rejection yields 502", func(t *testing.T) {
		f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":0}`))
		})

		authToken, cookie := f.issueToken(t)
		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("missing provider credentials yield 500", func(t *testing.T) {
		f := newFixture(t, nil)
		f.pipeline.Dispatcher = nil

		authToken, cookie := f.issueToken(t)
		r := f.submitRequest(submitBodyJSON(authToken))
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	limiter := admission.NewWindowLimiter(2)
	t.Cleanup(limiter.Close)
	f.pipeline.Limiter = limiter

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.issueRequest(testLocation))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, errorCode(t, w))
}

func TestPreflight(t *testing.T) {
	t.Run("answers preflight for an allowed origin", func(t *testing.T) {
		f := newFixture(t, nil)
		r := httptest.NewRequest("OPTIONS", "http://gw.example/notify", nil)
		r.Header.Set("Origin", testOrigin)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("rejects preflight from a foreign origin", func(t *testing.T) {
		f := newFixture(t, nil)
		r := httptest.NewRequest("OPTIONS", "http://gw.example/notify", nil)
		r.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRouting(t *testing.T) {
	t.Run("unknown paths yield 404", func(t *testing.T) {
		f := newFixture(t, nil)
		r := httptest.NewRequest("GET", "http://gw.example/other", nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unsupported methods yield 405", func(t *testing.T) {
		f := newFixture(t, nil)
		r := httptest.NewRequest("DELETE", "http://gw.example/notify", nil)
		r.Header.Set("Origin", testOrigin)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.NotEmpty(t, w.Header().Get("Allow"))
	})

	t.Run("swap installs a new pipeline", func(t *testing.T) {
		f := newFixture(t, nil)
		replacement := *f.pipeline
		replacement.Path = "/order"
		old := f.handler.Swap(&replacement)
		assert.Same(t, f.pipeline, old)

		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, f.issueRequest(testLocation))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
