// Package cache provides freshness-tiered caching for permission decisions
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docreview/permengine/pkg/types"
)

// Freshness classifies the age of a cached decision relative to its TTL
type Freshness int

const (
	// Fresh means age < ttl/2
	Fresh Freshness = iota
	// NearStale means ttl/2 <= age < ttl
	NearStale
	// Stale means age >= ttl; treated as a miss except in fast mode
	Stale
)

// String returns the freshness tier name
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case NearStale:
		return "near_stale"
	default:
		return "stale"
	}
}

// Classify computes the freshness tier of a decision at a given instant
func Classify(d types.Decision, now time.Time) Freshness {
	age := d.Age(now)
	switch {
	case age < d.TTL/2:
		return Fresh
	case age < d.TTL:
		return NearStale
	default:
		return Stale
	}
}

// DecisionCache is the cache interface consumed by the evaluator and preloader.
// Cache-layer failures never surface to callers; they degrade to misses.
type DecisionCache interface {
	// Get returns a non-expired decision with its freshness tier
	Get(userID, key string) (types.Decision, Freshness, bool)
	// GetAny also returns expired decisions, flagged Stale (fast mode)
	GetAny(userID, key string) (types.Decision, Freshness, bool)
	Set(d types.Decision)
	// Invalidate drops all decisions for a user, returning the count removed
	Invalidate(userID string) int
	InvalidateAll()
	// EntriesForUser snapshots the locally cached decisions for a user
	EntriesForUser(userID string) []types.Decision
	Stats() Stats
	Close() error
}

// Stats contains cache statistics
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

const keySep = "\x1f"

func entryKey(userID, key string) string {
	return userID + keySep + key
}

// LRU implements DecisionCache with an in-process LRU keyed by (user, permission).
// Reads and writes are key-scoped under a single mutex; there is no cross-key
// invariant to protect, so last-write-wins is sufficient.
type LRU struct {
	capacity int

	items map[string]*list.Element
	order *list.List
	mu    sync.Mutex

	hits   uint64
	misses uint64
}

type lruEntry struct {
	key      string
	decision types.Decision
}

// NewLRU creates a new LRU decision cache
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 100000
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a non-expired decision
func (c *LRU) Get(userID, key string) (types.Decision, Freshness, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey(userID, key)]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	entry := elem.Value.(*lruEntry)
	now := time.Now()
	if entry.decision.Expired(now) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	c.order.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return entry.decision, Classify(entry.decision, now), true
}

// GetAny retrieves a decision at any freshness tier, including expired
func (c *LRU) GetAny(userID, key string) (types.Decision, Freshness, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey(userID, key)]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	entry := elem.Value.(*lruEntry)
	c.order.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return entry.decision, Classify(entry.decision, time.Now()), true
}

// Set adds or overwrites a decision; concurrent writers race last-write-wins
func (c *LRU) Set(d types.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ek := entryKey(d.UserID, d.Key)
	if elem, ok := c.items[ek]; ok {
		elem.Value.(*lruEntry).decision = d
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&lruEntry{key: ek, decision: d})
	c.items[ek] = elem
}

// Invalidate removes all decisions for a user
func (c *LRU) Invalidate(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := userID + keySep
	removed := 0
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if strings.HasPrefix(elem.Value.(*lruEntry).key, prefix) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// InvalidateAll removes every entry
func (c *LRU) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// EntriesForUser returns the cached decisions for a user, most recent first
func (c *LRU) EntriesForUser(userID string) []types.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := userID + keySep
	var out []types.Decision
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*lruEntry)
		if strings.HasPrefix(entry.key, prefix) {
			out = append(out, entry.decision)
		}
	}
	return out
}

// Cleanup removes expired entries and returns the count removed
func (c *LRU) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()
	var next *list.Element
	for elem := c.order.Back(); elem != nil; elem = next {
		next = elem.Prev()
		if elem.Value.(*lruEntry).decision.Expired(now) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Stats returns cache statistics
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}

// Close is a no-op for the in-process cache
func (c *LRU) Close() error { return nil }

func (c *LRU) removeElement(elem *list.Element) {
	delete(c.items, elem.Value.(*lruEntry).key)
	c.order.Remove(elem)
}

func (c *LRU) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
