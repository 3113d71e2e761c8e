// Package httpapi implements the guest-facing notify endpoint: GET issues a
// signed single-use auth token for a location, POST submits an order under
// that token and forwards it to the staff notification provider.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RaphaelGuerra/ez-order/internal/admission"
	"github.com/RaphaelGuerra/ez-order/internal/catalog"
	"github.com/RaphaelGuerra/ez-order/internal/notify"
	"github.com/RaphaelGuerra/ez-order/internal/observability"
	"github.com/RaphaelGuerra/ez-order/internal/replay"
	"github.com/RaphaelGuerra/ez-order/internal/token"
)

// SessionCookie is the name of the path-scoped session cookie set at token
// issuance and required at order submission.
const SessionCookie = "notify_session"

// Field caps applied after trimming.
const (
	maxTitleLen   = 100
	maxMessageLen = 1024
)

// Pipeline is the request-processing dependency set built from one
// configuration snapshot. Reloads build a fresh Pipeline and swap it in
// atomically; in-flight requests keep the snapshot they started with.
//
// Tokens and Dispatcher may be nil when credentials or the signing secret
// are absent from the environment. Requests that need them fail with 500
// while the rest of the flow keeps serving.
type Pipeline struct {
	Path       string
	Origins    *admission.OriginPolicy
	Limiter    *admission.WindowLimiter
	Tokens     *token.Service
	Locations  *catalog.Validator
	Dispatcher *notify.Dispatcher
	Replays    *replay.Guard
	BodyCap    int64
}

// Handler serves the notify endpoint. It holds an atomically swappable
// Pipeline so configuration reloads never tear down in-flight requests.
type Handler struct {
	pipeline atomic.Pointer[Pipeline]
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewHandler creates a Handler around the initial pipeline.
func NewHandler(p *Pipeline, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	h := &Handler{
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	h.pipeline.Store(p)
	return h
}

// WithClock overrides the time source for tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Swap installs a new pipeline (configuration reload) and returns the
// previous one so the caller can release its resources after a drain delay.
func (h *Handler) Swap(p *Pipeline) *Pipeline {
	return h.pipeline.Swap(p)
}

// submitRequest is the order-submission body.
type submitRequest struct {
	Title         string `json:"title"`
	Message       string `json:"message"`
	LocationToken string `json:"locationToken"`
	AuthToken     string `json:"authToken"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline.Load()

	if r.URL.Path != p.Path {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown path")
		return
	}

	switch r.Method {
	case http.MethodOptions:
		h.handlePreflight(w, r, p)
	case http.MethodGet:
		h.handleIssue(w, r, p)
	case http.MethodPost:
		h.handleSubmit(w, r, p)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	}
}

// handlePreflight answers CORS preflight for allowed origins and rejects
// everything else.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request, p *Pipeline) {
	origin, ok := p.Origins.Check(r)
	if !ok {
		h.rejectAdmission(w, observability.StageOrigin, "origin not allowed")
		return
	}
	setCORSHeaders(w, origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleIssue validates the requested location and issues a signed auth
// token bound to the caller's session and client fingerprint.
func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request, p *Pipeline) {
	origin, ok := p.Origins.Check(r)
	if !ok {
		h.rejectAdmission(w, observability.StageOrigin, "origin not allowed")
		return
	}
	setCORSHeaders(w, origin)

	ip := admission.ClientIP(r)
	if allowed, retryAfter := p.Limiter.Allow(ip); !allowed {
		h.rejectRateLimited(w, retryAfter)
		return
	}

	locationToken := r.URL.Query().Get("locationToken")
	if !token.ValidLocationToken(locationToken) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid locationToken")
		return
	}
	if !h.checkLocation(w, r, p, locationToken) {
		return
	}

	if p.Tokens == nil {
		h.logger.Error("token issuance requested but no signing secret is configured")
		writeError(w, http.StatusInternalServerError, CodeServerError, "service not configured")
		return
	}

	sessionID := h.sessionID(r)
	issueNewCookie := sessionID == ""
	if issueNewCookie {
		sessionID = token.NewID()
	}

	binding := token.ClientBinding(ip, r.Header.Get("User-Agent"))
	issued, err := p.Tokens.Issue(locationToken, sessionID, binding)
	if err != nil {
		h.logger.Error("token issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeServerError, "token issuance failed")
		return
	}

	h.setSessionCookie(w, r, p, sessionID)
	h.metrics.IncIssued()
	h.logger.Info("token issued",
		"location", locationToken,
		"new_session", issueNewCookie,
		"expires_at_ms", issued.ExpiresAtMs,
	)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, issueBody{
		OK:          true,
		AuthToken:   issued.Token,
		ExpiresAtMs: issued.ExpiresAtMs,
	})
}

// handleSubmit runs the full admission pipeline, verifies the auth token,
// consumes its id, and forwards the order to the provider.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request, p *Pipeline) {
	origin, ok := p.Origins.Check(r)
	if !ok {
		h.rejectAdmission(w, observability.StageOrigin, "origin not allowed")
		return
	}
	setCORSHeaders(w, origin)

	if !admission.CheckFetchMetadata(r) {
		h.rejectAdmission(w, observability.StageFetchMetadata, "cross-site request blocked")
		return
	}

	ip := admission.ClientIP(r)
	if allowed, retryAfter := p.Limiter.Allow(ip); !allowed {
		h.rejectRateLimited(w, retryAfter)
		return
	}

	var req submitRequest
	if err := admission.DecodeJSONBody(w, r, p.BodyCap, &req); err != nil {
		switch {
		case errors.Is(err, admission.ErrContentType):
			h.metrics.PromAdmissionRejected.WithLabelValues(observability.StageContentType).Inc()
			writeError(w, http.StatusUnsupportedMediaType, CodeUnsupportedType, "Content-Type must be application/json")
		case errors.Is(err, admission.ErrTooLarge):
			h.metrics.PromAdmissionRejected.WithLabelValues(observability.StageBodySize).Inc()
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
		default:
			writeError(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		}
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if msg, ok := validateFields(&req); !ok {
		h.metrics.PromAdmissionRejected.WithLabelValues(observability.StageFields).Inc()
		writeError(w, http.StatusBadRequest, CodeBadRequest, msg)
		return
	}

	if !h.checkLocation(w, r, p, req.LocationToken) {
		return
	}

	if p.Tokens == nil {
		h.logger.Error("order submitted but no signing secret is configured")
		writeError(w, http.StatusInternalServerError, CodeServerError, "service not configured")
		return
	}

	sessionID := h.sessionID(r)
	binding := token.ClientBinding(ip, r.Header.Get("User-Agent"))

	// A missing cookie and every failed verification check collapse to the
	// same generic 401: the response must not reveal which check failed.
	payload, verr := p.Tokens.Verify(req.AuthToken, req.LocationToken, sessionID, binding)
	if sessionID == "" || verr != token.VerifyOK {
		h.metrics.IncUnauthorized()
		h.logger.Warn("unauthorized submission",
			"reason", verr.String(),
			"has_session", sessionID != "",
		)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}

	if !p.Replays.CheckAndRemember(payload.TokenID, payload.ExpiresAtMs, h.now()) {
		h.metrics.IncReplays()
		h.logger.Warn("replayed token rejected", "location", payload.LocationToken)
		writeError(w, http.StatusConflict, CodeReplay, "token already used")
		return
	}

	if p.Dispatcher == nil {
		h.logger.Error("order accepted but provider credentials are not configured")
		writeError(w, http.StatusInternalServerError, CodeServerError, "service not configured")
		return
	}

	err := p.Dispatcher.Send(r.Context(), notify.Notification{
		Title:   req.Title,
		Message: req.Message,
	})
	if err != nil {
		h.dispatchFailed(w, err)
		return
	}

	h.metrics.IncDispatched()
	h.logger.Info("order dispatched", "location", payload.LocationToken)
	writeJSON(w, http.StatusOK, submitBody{OK: true})
}

// checkLocation resolves the location token against the allow-list or
// catalog and writes the error response on failure.
func (h *Handler) checkLocation(w http.ResponseWriter, r *http.Request, p *Pipeline, locationToken string) bool {
	valid, err := p.Locations.Valid(r.Context(), locationToken)
	switch {
	case errors.Is(err, catalog.ErrMisconfigured):
		h.logger.Error("location validation misconfigured", "error", err)
		writeError(w, http.StatusInternalServerError, CodeServerError, "location validation misconfigured")
		return false
	case err != nil:
		h.logger.Warn("catalog unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "location catalog unavailable")
		return false
	case !valid:
		writeError(w, http.StatusBadRequest, CodeBadRequest, "unknown location")
		return false
	}
	return true
}

func (h *Handler) dispatchFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrTimeout):
		h.metrics.PromDispatchFailures.WithLabelValues(observability.ReasonTimeout).Inc()
		h.logger.Error("provider call timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, CodeGatewayTimeout, "notification provider timed out")
	case errors.Is(err, notify.ErrRejected):
		h.metrics.PromDispatchFailures.WithLabelValues(observability.ReasonRejected).Inc()
		writeError(w, http.StatusBadGateway, CodeBadGateway, "notification provider rejected the message")
	default:
		h.metrics.PromDispatchFailures.WithLabelValues(observability.ReasonTransport).Inc()
		h.logger.Error("provider call failed", "error", err)
		writeError(w, http.StatusBadGateway, CodeBadGateway, "notification provider unreachable")
	}
}

func (h *Handler) rejectAdmission(w http.ResponseWriter, stage, message string) {
	h.metrics.PromAdmissionRejected.WithLabelValues(stage).Inc()
	writeError(w, http.StatusForbidden, CodeForbidden, message)
}

func (h *Handler) rejectRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	h.metrics.PromAdmissionRejected.WithLabelValues(observability.StageRateLimit).Inc()
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
}

func validateFields(req *submitRequest) (string, bool) {
	if req.Title == "" {
		return "title is required", false
	}
	if len(req.Title) > maxTitleLen {
		return "title too long", false
	}
	if req.Message == "" {
		return "message is required", false
	}
	if len(req.Message) > maxMessageLen {
		return "message too long", false
	}
	if !token.ValidLocationToken(req.LocationToken) {
		return "invalid locationToken", false
	}
	if req.AuthToken == "" {
		return "authToken is required", false
	}
	return "", true
}

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil || !token.ValidID(c.Value) {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, p *Pipeline, sessionID string) {
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     p.Path,
		MaxAge:   int(p.Tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// setCORSHeaders echoes the allowed origin. Credentials are allowed because
// the session cookie must accompany cross-origin submissions from the
// configured ordering frontends.
func setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Add("Vary", "Origin")
}
