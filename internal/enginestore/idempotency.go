package enginestore

import (
	"container/list"
	"sync"
	"time"
)

// idempotencyTTL is how long an Idempotency-Key result is retained, the
// same retention window the spec applies to producer ledger entries
// (SPEC_FULL §12 treats this as a distinct, simpler mechanism).
const idempotencyTTL = 7 * 24 * time.Hour

// idempotencyMaxPerStream bounds memory use; the oldest entry is evicted
// once a stream's cache exceeds this size.
const idempotencyMaxPerStream = 10_000

type idempotencyEntry struct {
	key      string
	result   AppendResult
	expiry   time.Time
	element  *list.Element
}

// idempotencyCache is a bounded, TTL-expiring per-stream map from
// Idempotency-Key to the AppendResult it originally produced, so a retried
// request with the same key returns the same result without re-appending.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
	order   *list.List // front = most recently used
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		entries: make(map[string]*idempotencyEntry),
		order:   list.New(),
	}
}

func (c *idempotencyCache) get(key string, now time.Time) (AppendResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return AppendResult{}, false
	}
	if now.After(e.expiry) {
		c.removeLocked(e)
		return AppendResult{}, false
	}
	c.order.MoveToFront(e.element)
	return e.result, true
}

func (c *idempotencyCache) put(key string, result AppendResult, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}
	e := &idempotencyEntry{key: key, result: result, expiry: now.Add(idempotencyTTL)}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
	for len(c.entries) > idempotencyMaxPerStream {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*idempotencyEntry))
	}
}

// removeLocked must be called with c.mu held.
func (c *idempotencyCache) removeLocked(e *idempotencyEntry) {
	delete(c.entries, e.key)
	c.order.Remove(e.element)
}
