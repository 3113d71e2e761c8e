package admission

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides whether a request's browser origin is acceptable.
// With an explicit allow-list, only listed origins pass. Without one, the
// policy is same-origin only: the resolved origin must match the request's
// own scheme and host.
type OriginPolicy struct {
	allowed map[string]struct{} // canonical (lowercase, no trailing slash); nil = same-origin only
}

// NewOriginPolicy compiles an origin allow-list. Entries are expected to be
// pre-normalized by the config layer (lowercase scheme://host[:port]).
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{}
	if len(origins) > 0 {
		p.allowed = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// ResolveOrigin extracts the caller's origin from the Origin header or,
// failing that, from the Referer. Returns "" when neither yields one.
func ResolveOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return canonicalOrigin(o)
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		u, err := url.Parse(ref)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ""
		}
		return canonicalOrigin(u.Scheme + "://" + u.Host)
	}
	return ""
}

// Check resolves the request origin and reports whether it is allowed.
// The resolved origin is returned either way so handlers can echo it in
// CORS headers when allowed.
func (p *OriginPolicy) Check(r *http.Request) (origin string, ok bool) {
	origin = ResolveOrigin(r)
	if origin == "" {
		return "", false
	}

	if p.allowed != nil {
		_, ok = p.allowed[origin]
		return origin, ok
	}

	return origin, origin == requestOrigin(r)
}

// requestOrigin reconstructs the origin of the request's own host, used for
// the same-origin default. The scheme honors TLS termination upstream via
// X-Forwarded-Proto.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return canonicalOrigin(scheme + "://" + r.Host)
}

func canonicalOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(o), "/")
}
