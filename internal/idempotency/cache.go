// Package idempotency deduplicates retried intervention requests. A
// response generated for an Idempotency-Key is returned verbatim for
// repeats of that key within the TTL, and concurrent requests for the
// same key result in at most one provider invocation.
package idempotency

import (
	"sync"
	"time"

	"github.com/Jackela/impetus/internal/intervention"
)

// DefaultTTL matches the client retry window: a retried request lands
// well within 15 seconds of the original.
const DefaultTTL = 15 * time.Second

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects a time source, letting tests simulate expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type entry struct {
	resp      *intervention.Response
	expiresAt time.Time
}

// Cache is a TTL-bounded in-memory response cache keyed by
// Idempotency-Key. Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	pending map[string]chan struct{}
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
		pending: make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached response for key, or nil if absent or expired.
func (c *Cache) Get(key string) *intervention.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) *intervention.Response {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e.resp
}

// Set stores a response for key with the cache TTL.
func (c *Cache) Set(key string, resp *intervention.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{resp: resp, expiresAt: c.now().Add(c.ttl)}
}

// Do returns the cached response for key if present, otherwise invokes
// fn exactly once — even under concurrent callers with the same key —
// and caches a successful result. The bool reports a cache hit. Errors
// are never cached; a failed invocation lets the next retry run fn again.
func (c *Cache) Do(key string, fn func() (*intervention.Response, error)) (*intervention.Response, bool, error) {
	for {
		c.mu.Lock()
		if resp := c.getLocked(key); resp != nil {
			c.mu.Unlock()
			return resp, true, nil
		}
		if ch, inflight := c.pending[key]; inflight {
			c.mu.Unlock()
			<-ch
			// The winner either cached a response or failed; loop to
			// pick up the cached value or take over the invocation.
			continue
		}
		ch := make(chan struct{})
		c.pending[key] = ch
		c.mu.Unlock()

		resp, err := fn()

		c.mu.Lock()
		delete(c.pending, key)
		if err == nil {
			c.entries[key] = entry{resp: resp, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		close(ch)

		return resp, false, err
	}
}

// CleanupExpired removes expired entries and returns how many were dropped.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Clear removes all entries. Intended for tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of live entries, including any not yet expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
