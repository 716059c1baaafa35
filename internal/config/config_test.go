package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int                        { return &v }
func durPtr(v time.Duration) *time.Duration    { return &v }
func boolPtr(v bool) *bool                     { return &v }

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"negative max batch size", func(c *Config) { c.MaxBatchSize = -1 }},
		{"zero cache ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"zero parallel threshold", func(c *Config) { c.ParallelThreshold = 0 }},
		{"zero users per batch", func(c *Config) { c.MaxUsersPerBatch = 0 }},
		{"zero permissions per batch", func(c *Config) { c.MaxPermissionsPerBatch = 0 }},
		{"zero preload workers", func(c *Config) { c.PreloadWorkers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *ErrValidation
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestStoreUpdateApplied(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	err = store.Update(Partial{
		MaxBatchSize: intPtr(500),
		CacheTTL:     durPtr(time.Minute),
	})
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	// Untouched fields keep their values
	assert.Equal(t, DefaultConfig().ParallelThreshold, cfg.ParallelThreshold)
}

func TestStoreUpdateRejectedLeavesPriorConfig(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)
	prior := store.Get()

	err = store.Update(Partial{
		MaxBatchSize: intPtr(0),
		CacheTTL:     durPtr(time.Minute),
	})
	require.Error(t, err)

	// All-or-nothing: even the valid CacheTTL change must not land
	assert.Equal(t, prior, store.Get())
}

func TestStoreConcurrentReaders(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				cfg := store.Get()
				// A reader sees a fully consistent snapshot
				assert.NoError(t, cfg.Validate())
			}
		}()
	}

	for j := 0; j < 100; j++ {
		v := 100 + j
		require.NoError(t, store.Update(Partial{MaxBatchSize: &v}))
	}
	wg.Wait()
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permengine.yaml")
	content := []byte("max_batch_size: 250\ncache_ttl: 2m\nredis_enabled: true\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.MaxBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.RedisEnabled)
	// Unset keys fall back to defaults
	assert.Equal(t, DefaultConfig().PreloadWorkers, cfg.PreloadWorkers)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReloadsValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 100\n"), 0o644))

	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	w, err := NewWatcher(path, store, nil)
	require.NoError(t, err)
	w.debounceTimeout = 50 * time.Millisecond
	require.NoError(t, w.Watch())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 777\n"), 0o644))

	require.Eventually(t, func() bool {
		return store.Get().MaxBatchSize == 777
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 100\n"), 0o644))

	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)
	prior := store.Get()

	w, err := NewWatcher(path, store, nil)
	require.NoError(t, err)
	w.debounceTimeout = 50 * time.Millisecond
	require.NoError(t, w.Watch())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: -5\n"), 0o644))

	// Give the watcher time to see the event and reject the file
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, prior, store.Get())
}
