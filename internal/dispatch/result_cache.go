package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

// ResultCache remembers finished results of one session by request id for a
// TTL so a resubmitted request is answered without running again.
// Uses sync.Map for lock-free reads on the hot path.
type ResultCache struct {
	store     sync.Map // map[string]*resultCacheEntry
	ttl       time.Duration
	lastSweep atomic.Int64
	now       func() time.Time
}

type resultCacheEntry struct {
	result    toolcall.Result
	expiresAt time.Time
}

// NewResultCache creates a cache with the given TTL. A non-positive TTL
// disables caching.
func NewResultCache(ttl time.Duration) *ResultCache {
	c := &ResultCache{ttl: ttl, now: time.Now}
	c.lastSweep.Store(c.now().UnixNano())
	return c
}

// Get returns the remembered result for requestID if it has not expired.
func (c *ResultCache) Get(requestID string) (toolcall.Result, bool) {
	val, ok := c.store.Load(requestID)
	if !ok {
		return toolcall.Result{}, false
	}
	entry := val.(*resultCacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.store.CompareAndDelete(requestID, entry)
		return toolcall.Result{}, false
	}
	return entry.result, true
}

// Put remembers res under requestID with a fresh TTL and occasionally sweeps
// expired entries.
func (c *ResultCache) Put(requestID string, res toolcall.Result) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.store.Store(requestID, &resultCacheEntry{
		result:    res,
		expiresAt: now.Add(c.ttl),
	})
	c.maybeSweep(now)
}

// maybeSweep drops expired entries at most once per TTL. Only one goroutine
// wins the CAS.
func (c *ResultCache) maybeSweep(now time.Time) {
	last := c.lastSweep.Load()
	if now.UnixNano()-last < int64(c.ttl) {
		return
	}
	if !c.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	c.store.Range(func(key, val any) bool {
		if !now.Before(val.(*resultCacheEntry).expiresAt) {
			c.store.CompareAndDelete(key, val)
		}
		return true
	})
}

// Delete forgets requestID.
func (c *ResultCache) Delete(requestID string) {
	c.store.Delete(requestID)
}

// Clear forgets everything.
func (c *ResultCache) Clear() {
	c.store.Clear()
}

// Len counts stored entries, expired ones included.
func (c *ResultCache) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
