// Package admission implements the ordered set of cheap rejection checks
// applied to every request before any token or catalog work: origin
// allow-list, fetch-metadata, per-IP rate limiting, and bounded JSON body
// parsing. Each check is a hard gate; the first failure wins.
package admission

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP derives the rate-limit and fingerprint IP for a request. The
// gateway is expected to sit behind a CDN or reverse proxy, so the
// connecting-IP header is preferred, then the first (client-provided) entry
// of X-Forwarded-For, then the transport address. "unknown" pools all
// unattributable traffic into one bucket rather than letting it bypass the
// limiter.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// CheckFetchMetadata applies the Sec-Fetch-* checks for state-changing
// routes. A request fails when Sec-Fetch-Site is present and not
// "same-origin", or Sec-Fetch-Mode is present and neither "cors" nor
// "same-origin". Absent headers pass: older browsers do not send them.
func CheckFetchMetadata(r *http.Request) bool {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" && site != "same-origin" {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" && mode != "cors" && mode != "same-origin" {
		return false
	}
	return true
}
