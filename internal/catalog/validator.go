// Package catalog resolves whether a location token names a real
// table/spot. Two mutually exclusive modes: a static configured allow-list,
// or a dynamic set fetched from the external catalog document and cached
// with a TTL. The catalog itself is owned by the UI subsystem; this package
// only consumes it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/RaphaelGuerra/ez-order/internal/token"
	"golang.org/x/sync/singleflight"
)

// maxCatalogBytes bounds the catalog document read (1 MiB).
const maxCatalogBytes = 1 << 20

var (
	// ErrMisconfigured means a static allow-list was configured but empty
	// after normalization. The validator fails closed (500), never open.
	ErrMisconfigured = errors.New("location allow-list configured but empty")

	// ErrUnavailable means the catalog could not be fetched or parsed in
	// dynamic mode. Surfaced as 503 so clients know to retry.
	ErrUnavailable = errors.New("catalog unavailable")
)

// catalogDoc is the subset of the catalog document this package reads.
type catalogDoc struct {
	Locations []struct {
		Token string `json:"token"`
	} `json:"locations"`
}

// Validator resolves location tokens against the allow-list or catalog.
type Validator struct {
	static map[string]struct{} // nil in dynamic mode
	miscfg bool                // static mode configured with zero usable entries

	url          string
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time

	// OnRefresh and OnRefreshError are optional metric hooks.
	OnRefresh      func()
	OnRefreshError func()

	mu        sync.Mutex
	cached    map[string]struct{}
	fetchedAt time.Time

	sf singleflight.Group
}

// NewStatic creates a validator backed by a configured allow-list. Entries
// that fail the location-token format are dropped; if nothing usable
// remains the validator is marked misconfigured and rejects everything
// with ErrMisconfigured.
func NewStatic(tokens []string, logger *slog.Logger) *Validator {
	v := &Validator{logger: logger, now: time.Now}
	v.static = make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if token.ValidLocationToken(t) {
			v.static[t] = struct{}{}
		} else {
			logger.Warn("dropping invalid static location token", "token_len", len(t))
		}
	}
	if len(v.static) == 0 {
		v.miscfg = true
		logger.Error("static location allow-list is empty after normalization; failing closed")
	}
	return v
}

// NewDynamic creates a validator that fetches the location set from the
// catalog document at url, caching it for cacheTTL. Concurrent cache-miss
// callers share one in-flight fetch.
func NewDynamic(url string, cacheTTL, fetchTimeout time.Duration, logger *slog.Logger) *Validator {
	return &Validator{
		url:          url,
		cacheTTL:     cacheTTL,
		fetchTimeout: fetchTimeout,
		client:       &http.Client{Timeout: fetchTimeout},
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock overrides the time source for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Valid reports whether locationToken is a legitimate location. In dynamic
// mode a stale or missing cache triggers a (deduplicated) catalog fetch;
// fetch failure returns ErrUnavailable rather than guessing.
func (v *Validator) Valid(ctx context.Context, locationToken string) (bool, error) {
	if v.miscfg {
		return false, ErrMisconfigured
	}
	if v.static != nil {
		_, ok := v.static[locationToken]
		return ok, nil
	}

	set, err := v.locationSet(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[locationToken]
	return ok, nil
}

// Ping probes the catalog endpoint. Used by deep readiness checks.
func (v *Validator) Ping(ctx context.Context) error {
	if v.static != nil || v.miscfg {
		return nil
	}
	_, err := v.locationSet(ctx)
	return err
}

func (v *Validator) locationSet(ctx context.Context) (map[string]struct{}, error) {
	v.mu.Lock()
	if v.cached != nil && v.now().Sub(v.fetchedAt) < v.cacheTTL {
		set := v.cached
		v.mu.Unlock()
		return set, nil
	}
	v.mu.Unlock()

	// Singleflight keyed by URL: concurrent cache-miss callers await the
	// same underlying fetch instead of stampeding the catalog host.
	res, err, _ := v.sf.Do(v.url, func() (any, error) {
		// Re-check under the lock: another caller may have refreshed the
		// cache while this one was queued behind the flight.
		v.mu.Lock()
		if v.cached != nil && v.now().Sub(v.fetchedAt) < v.cacheTTL {
			set := v.cached
			v.mu.Unlock()
			return set, nil
		}
		v.mu.Unlock()

		set, fetchErr := v.fetch(ctx)
		if fetchErr != nil {
			if v.OnRefreshError != nil {
				v.OnRefreshError()
			}
			return nil, fetchErr
		}

		v.mu.Lock()
		v.cached = set
		v.fetchedAt = v.now()
		v.mu.Unlock()

		if v.OnRefresh != nil {
			v.OnRefresh()
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]struct{}), nil
}

// fetch retrieves and parses the catalog document.
func (v *Validator) fetch(ctx context.Context) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog returned %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var doc catalogDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	set := make(map[string]struct{}, len(doc.Locations))
	for _, loc := range doc.Locations {
		if token.ValidLocationToken(loc.Token) {
			set[loc.Token] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: catalog has no usable location tokens", ErrUnavailable)
	}

	v.logger.Debug("catalog refreshed", "locations", len(set))
	return set, nil
}
