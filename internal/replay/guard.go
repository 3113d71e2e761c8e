// Package replay tracks consumed token ids so that a signed token can
// authorize at most one order submission. State is process-local and is
// rebuilt empty on restart; tokens are short-lived by design, so the window
// where a restart could permit a replay is bounded by the token TTL.
package replay

import (
	"sync"
	"time"
)

// sweepThreshold is the set size that triggers a full sweep of expired
// entries after an insertion.
const sweepThreshold = 10_000

// Guard is an in-memory set of consumed token ids with expiry-based eviction.
type Guard struct {
	mu   sync.Mutex
	used map[string]int64 // token id -> expiresAtMs
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{used: make(map[string]int64)}
}

// Seen reports whether the token id has been consumed and is not yet
// expired. Expired hits are evicted on the spot.
func (g *Guard) Seen(tokenID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seenLocked(tokenID, now.UnixMilli())
}

// Remember marks the token id as consumed until expiresAtMs. Already-expired
// ids are ignored. When the set exceeds the size cap after insertion, all
// expired entries are swept.
func (g *Guard) Remember(tokenID string, expiresAtMs int64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rememberLocked(tokenID, expiresAtMs, now.UnixMilli())
}

// CheckAndRemember atomically checks for a prior use and records this one.
// Returns false when the id was already consumed (a replay). Doing both
// under one lock closes the check/remember race between concurrent
// duplicate submissions.
func (g *Guard) CheckAndRemember(tokenID string, expiresAtMs int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	nowMs := now.UnixMilli()
	if g.seenLocked(tokenID, nowMs) {
		return false
	}
	g.rememberLocked(tokenID, expiresAtMs, nowMs)
	return true
}

// Len returns the current number of tracked ids, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.used)
}

func (g *Guard) seenLocked(tokenID string, nowMs int64) bool {
	exp, ok := g.used[tokenID]
	if !ok {
		return false
	}
	if exp <= nowMs {
		delete(g.used, tokenID)
		return false
	}
	return true
}

func (g *Guard) rememberLocked(tokenID string, expiresAtMs, nowMs int64) {
	if expiresAtMs <= nowMs {
		return
	}
	g.used[tokenID] = expiresAtMs
	if len(g.used) > sweepThreshold {
		for id, exp := range g.used {
			if exp <= nowMs {
				delete(g.used, id)
			}
		}
	}
}
