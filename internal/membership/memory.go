package membership

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache with the same TTL semantics as the Redis
// backend. Used by tests and by single-node deployments that run without Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[Key]memEntry
	ttls    TTLs
	rng     *rand.Rand

	// now is swappable for tests.
	now func() time.Time

	ops        uint64
	pruneEvery uint64
}

type memEntry struct {
	member  bool
	expires time.Time
}

func NewMemoryCache(ttls TTLs) *MemoryCache {
	return &MemoryCache{
		entries:    map[Key]memEntry{},
		ttls:       ttls.WithDefaults(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		pruneEvery: 512,
	}
}

func (c *MemoryCache) Get(_ context.Context, k Key) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return false, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, k)
		return false, false, nil
	}
	return e.member, true, nil
}

func (c *MemoryCache) Set(_ context.Context, k Key, member bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := EffectiveTTL(c.ttls.For(member), c.ttls.JitterPct, c.rng)
	c.entries[k] = memEntry{member: member, expires: c.now().Add(ttl)}
	c.ops++
	if c.ops%c.pruneEvery == 0 {
		c.pruneLocked()
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	return nil
}

func (c *MemoryCache) pruneLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of live entries (expired entries may be counted until
// the next prune).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
