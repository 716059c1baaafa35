// Package cache provides freshness-tiered caching for permission decisions
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docreview/permengine/pkg/types"
)

// RedisCache implements DecisionCache against Redis as a distributed L2.
// Every Redis failure degrades to a cache miss; nothing is surfaced to callers.
type RedisCache struct {
	client redis.UniversalClient
	config *RedisConfig
	hits   uint64
	misses uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisCache creates a new Redis decision cache and verifies connectivity
func NewRedisCache(config *RedisConfig) (*RedisCache, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var client redis.UniversalClient
	switch {
	case config.ClusterEnabled:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        []string{net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))},
			Password:     config.Password,
			PoolSize:     config.PoolSize,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			DialTimeout:  config.DialTimeout,
			TLSConfig:    config.TLS,
		})
	case config.SentinelEnabled && len(config.SentinelMasters) > 0:
		sentinelAddrs := make([]string, len(config.SentinelMasters))
		for i, master := range config.SentinelMasters {
			sentinelAddrs[i] = fmt.Sprintf("%s:%d", master, config.Port)
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			SentinelAddrs: sentinelAddrs,
			MasterName:    "mymaster",
			Password:      config.Password,
			DB:            config.DB,
			PoolSize:      config.PoolSize,
			ReadTimeout:   config.ReadTimeout,
			WriteTimeout:  config.WriteTimeout,
			DialTimeout:   config.DialTimeout,
			TLSConfig:     config.TLS,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port)),
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			PoolTimeout:  config.PoolTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			DialTimeout:  config.DialTimeout,
			TLSConfig:    config.TLS,
		})
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, ErrConnectionFailed(err)
	}

	return &RedisCache{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *RedisCache) decisionKey(userID, key string) string {
	return c.config.KeyPrefix + userID + ":" + key
}

func (c *RedisCache) userPattern(userID string) string {
	return c.config.KeyPrefix + userID + ":*"
}

// Get retrieves a non-expired decision; Redis evicts at TTL so any entry found
// is at most near-stale
func (c *RedisCache) Get(userID, key string) (types.Decision, Freshness, bool) {
	data, err := c.client.Get(c.ctx, c.decisionKey(userID, key)).Bytes()
	if err != nil {
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	var d types.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	now := time.Now()
	if d.Expired(now) {
		atomic.AddUint64(&c.misses, 1)
		return types.Decision{}, Stale, false
	}

	atomic.AddUint64(&c.hits, 1)
	return d, Classify(d, now), true
}

// GetAny behaves like Get; expired entries are evicted by Redis itself
func (c *RedisCache) GetAny(userID, key string) (types.Decision, Freshness, bool) {
	return c.Get(userID, key)
}

// Set stores a decision with its own TTL as the Redis expiry
func (c *RedisCache) Set(d types.Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	ttl := d.TTL
	if ttl <= 0 {
		return
	}
	// Set failure is non-fatal; the entry simply stays uncached
	c.client.Set(c.ctx, c.decisionKey(d.UserID, d.Key), data, ttl)
}

// Invalidate removes all decisions for a user
func (c *RedisCache) Invalidate(userID string) int {
	keys := c.scanKeys(c.userPattern(userID))
	if len(keys) == 0 {
		return 0
	}
	removed, err := c.client.Del(c.ctx, keys...).Result()
	if err != nil {
		return 0
	}
	return int(removed)
}

// InvalidateAll removes every entry under the key prefix
func (c *RedisCache) InvalidateAll() {
	keys := c.scanKeys(c.config.KeyPrefix + "*")
	if len(keys) > 0 {
		c.client.Del(c.ctx, keys...)
	}
}

// EntriesForUser returns the cached decisions for a user
func (c *RedisCache) EntriesForUser(userID string) []types.Decision {
	keys := c.scanKeys(c.userPattern(userID))
	var out []types.Decision
	for _, k := range keys {
		data, err := c.client.Get(c.ctx, k).Bytes()
		if err != nil {
			continue
		}
		var d types.Decision
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (c *RedisCache) scanKeys(pattern string) []string {
	iter := c.client.Scan(c.ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(c.ctx) {
		keys = append(keys, iter.Val())
	}
	return keys
}

// Stats returns cache statistics
func (c *RedisCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	size := 0
	if dbSize, err := c.client.DBSize(c.ctx).Result(); err == nil {
		size = int(dbSize)
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	c.cancel()
	return c.client.Close()
}
