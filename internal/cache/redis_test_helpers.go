package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupMiniredisTest creates a test Redis cache backed by miniredis
func setupMiniredisTest(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)

	port := 0
	if _, err := fmt.Sscanf(s.Port(), "%d", &port); err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	config := &RedisConfig{
		Host:         s.Host(),
		Port:         port,
		PoolSize:     10,
		PoolTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
		KeyPrefix:    "test:",
	}

	// Build the client directly; CLIENT SETINFO is not supported by miniredis
	client := redis.NewClient(&redis.Options{
		Addr:             fmt.Sprintf("%s:%d", config.Host, config.Port),
		PoolSize:         config.PoolSize,
		PoolTimeout:      config.PoolTimeout,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
		DialTimeout:      config.DialTimeout,
		DisableIndentity: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisCache{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}

	t.Cleanup(func() {
		c.Close()
	})

	return c, s
}

// newRedisCacheWithClient wires a cache around an injected client (for redismock)
func newRedisCacheWithClient(client redis.UniversalClient, config *RedisConfig) *RedisCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisCache{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}
