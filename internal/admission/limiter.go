package admission

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// Window is the fixed rate-limit window length.
const Window = time.Minute

// defaultMaxCost is the memory budget for the bucket table (8 MiB). Far
// more than a single venue's guest traffic needs; the point is a hard upper
// bound so a spoofed-IP flood cannot grow the table without limit.
const defaultMaxCost = 8 << 20

// bucketCost is the approximate memory footprint of a single bucket entry,
// used so ristretto evicts by real memory rather than key count.
var bucketCost = int64(unsafe.Sizeof(bucket{}))

type bucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// WindowLimiter enforces a per-key fixed-window request cap. Buckets live
// in a ristretto cache with a TTL of one window, which replaces manual
// sweeping of stale entries: an idle key's bucket simply expires.
//
// State is process-local. Deployments running multiple instances get
// independent counters per instance; acceptable for this system's
// single-venue scale.
type WindowLimiter struct {
	cache *ristretto.Cache[string, *bucket]
	limit int
	now   func() time.Time
}

// NewWindowLimiter creates a limiter allowing `limit` requests per key per
// 60-second window.
func NewWindowLimiter(limit int) *WindowLimiter {
	estimatedItems := defaultMaxCost / bucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &WindowLimiter{
		cache: cache,
		limit: limit,
		now:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *WindowLimiter) WithClock(now func() time.Time) *WindowLimiter {
	l.now = now
	return l
}

// Allow records a request for key and reports whether it is within the
// window cap. When denied, retryAfter is the time until the window resets.
func (l *WindowLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.now()

	b, found := l.cache.Get(key)
	if !found {
		b = &bucket{count: 1, windowStart: now}
		l.cache.SetWithTTL(key, b, bucketCost, Window)
		// Wait makes the bucket visible to subsequent Gets. Only the first
		// request for a key pays this; cache hits take the fast path.
		l.cache.Wait()
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.windowStart)
	if elapsed >= Window {
		b.count = 1
		b.windowStart = now
		return true, 0
	}

	if b.count >= l.limit {
		return false, Window - elapsed
	}
	b.count++
	return true, 0
}

// Close releases resources held by the bucket table.
func (l *WindowLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
