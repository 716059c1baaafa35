package cache

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCacheSetGet(t *testing.T) {
	c, _ := setupMiniredisTest(t)

	c.Set(decisionAged("u1", "DOC_READ", 0, time.Minute))

	d, f, ok := c.Get("u1", "DOC_READ")
	require.True(t, ok)
	assert.True(t, d.Allowed)
	assert.Equal(t, "u1", d.UserID)
	assert.Equal(t, Fresh, f)

	_, _, ok = c.Get("u1", "DOC_WRITE")
	assert.False(t, ok)
}

func TestRedisCacheInvalidate(t *testing.T) {
	c, _ := setupMiniredisTest(t)

	c.Set(decisionAged("u1", "DOC_READ", 0, time.Minute))
	c.Set(decisionAged("u1", "DOC_WRITE", 0, time.Minute))
	c.Set(decisionAged("u2", "DOC_READ", 0, time.Minute))

	removed := c.Invalidate("u1")
	assert.Equal(t, 2, removed)

	_, _, ok := c.Get("u1", "DOC_READ")
	assert.False(t, ok)
	_, _, ok = c.Get("u2", "DOC_READ")
	assert.True(t, ok)

	c.InvalidateAll()
	_, _, ok = c.Get("u2", "DOC_READ")
	assert.False(t, ok)
}

func TestRedisCacheEntryExpiresWithTTL(t *testing.T) {
	c, s := setupMiniredisTest(t)

	c.Set(decisionAged("u1", "DOC_READ", 0, time.Minute))

	// Advance the server clock past the decision TTL
	s.FastForward(2 * time.Minute)

	_, _, ok := c.Get("u1", "DOC_READ")
	assert.False(t, ok, "Redis must evict at TTL")
}

func TestRedisCacheEntriesForUser(t *testing.T) {
	c, _ := setupMiniredisTest(t)

	c.Set(decisionAged("u1", "DOC_READ", 0, time.Minute))
	c.Set(decisionAged("u1", "DOC_WRITE", 0, time.Minute))

	entries := c.EntriesForUser("u1")
	require.Len(t, entries, 2)
}

// Redis failures must degrade to cache-miss behavior, never to an error the
// caller can see.
func TestRedisCacheFailureDegradesToMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	config := DefaultRedisConfig()
	config.KeyPrefix = "test:"
	c := newRedisCacheWithClient(client, config)
	defer c.Close()

	mock.ExpectGet("test:u1:DOC_READ").SetErr(assert.AnError)

	_, _, ok := c.Get("u1", "DOC_READ")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.GreaterOrEqual(t, stats.Misses, uint64(1))
}

func TestRedisCacheCorruptPayloadDegradesToMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	config := DefaultRedisConfig()
	config.KeyPrefix = "test:"
	c := newRedisCacheWithClient(client, config)
	defer c.Close()

	mock.ExpectGet("test:u1:DOC_READ").SetVal("{not json")

	_, _, ok := c.Get("u1", "DOC_READ")
	assert.False(t, ok)
}

func TestRedisConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RedisConfig)
		wantErr bool
	}{
		{"defaults are valid", func(c *RedisConfig) {}, false},
		{"missing host", func(c *RedisConfig) { c.Host = "" }, true},
		{"port too large", func(c *RedisConfig) { c.Port = 99999 }, true},
		{"zero pool size", func(c *RedisConfig) { c.PoolSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRedisConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
