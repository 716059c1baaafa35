// Package cache provides freshness-tiered caching for permission decisions
package cache

import (
	"sync/atomic"

	"github.com/docreview/permengine/pkg/types"
)

// HybridCache layers a local LRU (L1) in front of Redis (L2).
// L1 holds hot pairs for fast access; L2 shares decisions across processes.
// If Redis is unreachable at construction time, the cache runs L1-only.
type HybridCache struct {
	l1        *LRU
	l2        *RedisCache
	l2Enabled bool

	hits     uint64
	misses   uint64
	l1Hits   uint64
	l2Hits   uint64
	l2Misses uint64
}

// HybridConfig contains configuration for the hybrid cache
type HybridConfig struct {
	// L1 (local) cache capacity
	L1Capacity int

	// L2 (Redis) settings; L2Enabled false runs L1-only
	L2Enabled bool
	L2Config  *RedisConfig
}

// DefaultHybridConfig returns an L1-only configuration
func DefaultHybridConfig() *HybridConfig {
	return &HybridConfig{
		L1Capacity: 100000,
		L2Enabled:  false,
	}
}

// NewHybridCache creates a hybrid cache, falling back to L1-only when Redis
// is unavailable
func NewHybridCache(config *HybridConfig) (*HybridCache, error) {
	if config == nil {
		config = DefaultHybridConfig()
	}

	l1 := NewLRU(config.L1Capacity)

	var l2 *RedisCache
	l2Enabled := config.L2Enabled
	if l2Enabled {
		var err error
		l2, err = NewRedisCache(config.L2Config)
		if err != nil {
			l2Enabled = false
			l2 = nil
		}
	}

	return &HybridCache{
		l1:        l1,
		l2:        l2,
		l2Enabled: l2Enabled && l2 != nil,
	}, nil
}

// Get checks L1 first, then L2, promoting L2 hits into L1
func (c *HybridCache) Get(userID, key string) (types.Decision, Freshness, bool) {
	if d, f, ok := c.l1.Get(userID, key); ok {
		atomic.AddUint64(&c.hits, 1)
		atomic.AddUint64(&c.l1Hits, 1)
		return d, f, true
	}

	if c.l2Enabled {
		if d, f, ok := c.l2.Get(userID, key); ok {
			c.l1.Set(d)
			atomic.AddUint64(&c.hits, 1)
			atomic.AddUint64(&c.l2Hits, 1)
			return d, f, true
		}
		atomic.AddUint64(&c.l2Misses, 1)
	}

	atomic.AddUint64(&c.misses, 1)
	return types.Decision{}, Stale, false
}

// GetAny returns decisions at any tier, including expired L1 entries
func (c *HybridCache) GetAny(userID, key string) (types.Decision, Freshness, bool) {
	if d, f, ok := c.l1.GetAny(userID, key); ok {
		atomic.AddUint64(&c.hits, 1)
		atomic.AddUint64(&c.l1Hits, 1)
		return d, f, true
	}

	if c.l2Enabled {
		if d, f, ok := c.l2.GetAny(userID, key); ok {
			c.l1.Set(d)
			atomic.AddUint64(&c.hits, 1)
			atomic.AddUint64(&c.l2Hits, 1)
			return d, f, true
		}
		atomic.AddUint64(&c.l2Misses, 1)
	}

	atomic.AddUint64(&c.misses, 1)
	return types.Decision{}, Stale, false
}

// Set writes through to both layers
func (c *HybridCache) Set(d types.Decision) {
	c.l1.Set(d)
	if c.l2Enabled {
		c.l2.Set(d)
	}
}

// Invalidate removes a user's decisions from both layers
func (c *HybridCache) Invalidate(userID string) int {
	removed := c.l1.Invalidate(userID)
	if c.l2Enabled {
		removed += c.l2.Invalidate(userID)
	}
	return removed
}

// InvalidateAll clears both layers
func (c *HybridCache) InvalidateAll() {
	c.l1.InvalidateAll()
	if c.l2Enabled {
		c.l2.InvalidateAll()
	}
}

// EntriesForUser returns the L1 view of a user's decisions; L2 is consulted
// only when L1 has none
func (c *HybridCache) EntriesForUser(userID string) []types.Decision {
	if entries := c.l1.EntriesForUser(userID); len(entries) > 0 {
		return entries
	}
	if c.l2Enabled {
		return c.l2.EntriesForUser(userID)
	}
	return nil
}

// Stats returns combined statistics
func (c *HybridCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	size := c.l1.Stats().Size
	if c.l2Enabled {
		size += c.l2.Stats().Size
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}

// LayerStats returns per-layer hit counters
func (c *HybridCache) LayerStats() map[string]uint64 {
	return map[string]uint64{
		"l1_hits":   atomic.LoadUint64(&c.l1Hits),
		"l2_hits":   atomic.LoadUint64(&c.l2Hits),
		"l2_misses": atomic.LoadUint64(&c.l2Misses),
		"misses":    atomic.LoadUint64(&c.misses),
	}
}

// L2Enabled reports whether the Redis layer is active
func (c *HybridCache) L2Enabled() bool { return c.l2Enabled }

// Close closes the Redis layer if present
func (c *HybridCache) Close() error {
	if c.l2Enabled {
		return c.l2.Close()
	}
	return nil
}
