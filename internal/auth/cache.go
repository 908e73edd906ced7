package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Entries are keyed by a digest of the token, never the token itself.
// An entry older than ttl+maxStale is treated as a miss, so a key store
// outage cannot keep a revoked key alive forever.
type AuthCache struct {
	store    sync.Map // [sha256.Size]byte → *cacheEntry
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL. Stale entries are served
// for at most another 10 TTLs while a refresh is pending.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, maxStale: 10 * ttl, now: time.Now}
}

func digest(token string) [sha256.Size]byte {
	return sha256.Sum256([]byte(token))
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(token string) AuthCacheGetResult {
	key := digest(token)
	val, ok := c.store.Load(key)
	if !ok {
		return AuthCacheGetResult{}
	}

	entry := val.(*cacheEntry)
	now := c.now()
	if now.Before(entry.expiresAt) {
		return AuthCacheGetResult{Principal: entry.principal, Hit: true}
	}
	if now.After(entry.expiresAt.Add(c.maxStale)) {
		c.store.CompareAndDelete(key, entry)
		return AuthCacheGetResult{}
	}

	// only one goroutine wins the CAS
	return AuthCacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with a fresh TTL.
func (c *AuthCache) Set(token string, principal *Principal) {
	c.store.Store(digest(token), &cacheEntry{
		principal: principal,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Release lets the next stale lookup retry a refresh that failed.
func (c *AuthCache) Release(token string) {
	if val, ok := c.store.Load(digest(token)); ok {
		val.(*cacheEntry).refreshing.Store(false)
	}
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(token string) {
	c.store.Delete(digest(token))
}
