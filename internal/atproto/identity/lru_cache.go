package identity

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"driftnet/internal/metrics"
)

// entry wraps a cached Identity with its own expiry so a hit past TTL is
// treated the same as a miss: expired entries are evicted
// on access rather than by a background sweeper.
type entry struct {
	identity *Identity
	expires  time.Time
}

// lruCache is the in-process L1 identity cache: a size-bounded LRU keyed
// by identifier, evicting the oldest entry on overflow. It wraps an L2
// cache (typically the Postgres-backed cache) so a miss here still checks
// durable storage before falling through to the base resolver.
type lruCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	ttl   time.Duration
	next  IdentityCache

	hits   uint64
	misses uint64
}

// DefaultCacheSize is the default LRU capacity.
const DefaultCacheSize = 100_000

// NewLRUCache creates an in-process identity cache of the given size that
// falls through to next (an L2 cache, e.g. Postgres) on a local miss.
func NewLRUCache(size int, ttl time.Duration, next IdentityCache) IdentityCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[string, entry](size)
	return &lruCache{cache: c, ttl: ttl, next: next}
}

func (c *lruCache) Get(ctx context.Context, identifier string) (*Identity, error) {
	identifier = normalizeIdentifier(identifier)

	c.mu.Lock()
	e, ok := c.cache.Get(identifier)
	if ok && time.Now().Before(e.expires) {
		c.hits++
		metrics.RecordIdentityCacheHit()
		c.mu.Unlock()
		cached := *e.identity
		cached.Method = MethodCache
		return &cached, nil
	}
	if ok {
		c.cache.Remove(identifier)
	}
	c.misses++
	metrics.RecordIdentityCacheMiss()
	c.mu.Unlock()

	if c.next == nil {
		return nil, &ErrCacheMiss{Identifier: identifier}
	}
	ident, err := c.next.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	// Promote the L2 hit into L1 so the next lookup avoids the round trip.
	c.store(identifier, ident)
	return ident, nil
}

func (c *lruCache) Set(ctx context.Context, identity *Identity) error {
	c.store(normalizeIdentifier(identity.Handle), identity)
	c.store(normalizeIdentifier(identity.DID), identity)
	if c.next == nil {
		return nil
	}
	return c.next.Set(ctx, identity)
}

func (c *lruCache) store(key string, identity *Identity) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.cache.Add(key, entry{identity: identity, expires: time.Now().Add(c.ttl)})
	c.mu.Unlock()
}

func (c *lruCache) Delete(ctx context.Context, identifier string) error {
	identifier = normalizeIdentifier(identifier)
	c.mu.Lock()
	c.cache.Remove(identifier)
	c.mu.Unlock()
	if c.next == nil {
		return nil
	}
	return c.next.Delete(ctx, identifier)
}

func (c *lruCache) Purge(ctx context.Context, identifier string) error {
	c.mu.Lock()
	c.cache.Remove(normalizeIdentifier(identifier))
	c.mu.Unlock()
	if c.next == nil {
		return nil
	}
	return c.next.Purge(ctx, identifier)
}

// Stats returns cumulative hit/miss counters for observability.
func (c *lruCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
