package auth

import (
	"sync"
	"time"

	"github.com/agentmesh/controlplane/internal/clock"
)

// tokenCache is a bounded TTL map from token fingerprint to subject.
// Expired entries are swept on insertion; negative results are never cached.
type tokenCache struct {
	mu      sync.RWMutex
	clk     clock.Clock
	entries map[string]cacheEntry
	max     int
}

func newTokenCache(clk clock.Clock, max int) *tokenCache {
	if max <= 0 {
		max = 10000
	}
	return &tokenCache{
		clk:     clk,
		entries: make(map[string]cacheEntry),
		max:     max,
	}
}

func (c *tokenCache) get(fingerprint string) (Subject, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok || !c.clk.Now().Before(entry.expiresAt) {
		return Subject{}, false
	}
	return entry.subject, true
}

func (c *tokenCache) put(fingerprint string, subject Subject, ttl time.Duration) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for fp, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, fp)
		}
	}
	// Still full after the sweep: refuse rather than grow without bound.
	// The entry will be revalidated against the proxy on next use.
	if len(c.entries) >= c.max {
		return
	}
	c.entries[fingerprint] = cacheEntry{subject: subject, expiresAt: now.Add(ttl)}
}

func (c *tokenCache) remove(fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
