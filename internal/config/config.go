// Package config provides runtime configuration with atomic updates and hot reload
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrValidation wraps a config validation failure; a failed update leaves the
// running configuration untouched
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("config validation failed: %s %s", e.Field, e.Reason)
}

// Config holds the runtime tuning parameters of the decision engine.
// A single live instance is swapped atomically on update.
type Config struct {
	// Batch limits
	MaxBatchSize           int `yaml:"max_batch_size"`
	MaxUsersPerBatch       int `yaml:"max_users_per_batch"`
	MaxPermissionsPerBatch int `yaml:"max_permissions_per_batch"`

	// Cache tuning
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	L1Capacity int           `yaml:"l1_capacity"`

	// Evaluation
	ParallelThreshold int `yaml:"parallel_threshold"`
	OptimizationLevel int `yaml:"optimization_level"`

	// Preloading
	EnablePreloading  bool          `yaml:"enable_preloading"`
	PreloadWorkers    int           `yaml:"preload_workers"`
	PreloadQueueSize  int           `yaml:"preload_queue_size"`
	PreloadMaxRetries int           `yaml:"preload_max_retries"`
	AutoPreloadTopN   int           `yaml:"auto_preload_top_n"`
	AutoPreloadLimit  int           `yaml:"auto_preload_limit"`
	AutoPreloadWindow time.Duration `yaml:"auto_preload_window"`

	// Access pattern tracking
	PatternWindow     time.Duration `yaml:"pattern_window"`
	PatternBufferSize int           `yaml:"pattern_buffer_size"`

	// L2 cache (Redis)
	RedisEnabled   bool   `yaml:"redis_enabled"`
	RedisHost      string `yaml:"redis_host"`
	RedisPort      int    `yaml:"redis_port"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:           1000,
		MaxUsersPerBatch:       200,
		MaxPermissionsPerBatch: 50,
		CacheTTL:               5 * time.Minute,
		L1Capacity:             100000,
		ParallelThreshold:      16,
		OptimizationLevel:      1,
		EnablePreloading:       true,
		PreloadWorkers:         4,
		PreloadQueueSize:       1000,
		PreloadMaxRetries:      3,
		AutoPreloadTopN:        50,
		AutoPreloadLimit:       10,
		AutoPreloadWindow:      time.Minute,
		PatternWindow:          30 * 24 * time.Hour,
		PatternBufferSize:      4096,
		RedisEnabled:           false,
		RedisHost:              "localhost",
		RedisPort:              6379,
		RedisKeyPrefix:         "permengine:",
	}
}

// Validate checks the configuration for validity
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return &ErrValidation{Field: "max_batch_size", Reason: "must be greater than 0"}
	}
	if c.MaxUsersPerBatch <= 0 {
		return &ErrValidation{Field: "max_users_per_batch", Reason: "must be greater than 0"}
	}
	if c.MaxPermissionsPerBatch <= 0 {
		return &ErrValidation{Field: "max_permissions_per_batch", Reason: "must be greater than 0"}
	}
	if c.CacheTTL <= 0 {
		return &ErrValidation{Field: "cache_ttl", Reason: "must be greater than 0"}
	}
	if c.ParallelThreshold < 1 {
		return &ErrValidation{Field: "parallel_threshold", Reason: "must be at least 1"}
	}
	if c.PreloadWorkers < 1 {
		return &ErrValidation{Field: "preload_workers", Reason: "must be at least 1"}
	}
	if c.PreloadQueueSize < 1 {
		return &ErrValidation{Field: "preload_queue_size", Reason: "must be at least 1"}
	}
	if c.AutoPreloadLimit < 0 {
		return &ErrValidation{Field: "auto_preload_limit", Reason: "must not be negative"}
	}
	if c.PatternBufferSize < 1 {
		return &ErrValidation{Field: "pattern_buffer_size", Reason: "must be at least 1"}
	}
	return nil
}

// Load reads a YAML file over the defaults
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Partial describes a partial configuration update; nil fields are left as-is
type Partial struct {
	MaxBatchSize           *int           `json:"max_batch_size,omitempty"`
	MaxUsersPerBatch       *int           `json:"max_users_per_batch,omitempty"`
	MaxPermissionsPerBatch *int           `json:"max_permissions_per_batch,omitempty"`
	CacheTTL               *time.Duration `json:"cache_ttl,omitempty"`
	ParallelThreshold      *int           `json:"parallel_threshold,omitempty"`
	OptimizationLevel      *int           `json:"optimization_level,omitempty"`
	EnablePreloading       *bool          `json:"enable_preloading,omitempty"`
	AutoPreloadTopN        *int           `json:"auto_preload_top_n,omitempty"`
	AutoPreloadLimit       *int           `json:"auto_preload_limit,omitempty"`
	PatternWindow          *time.Duration `json:"pattern_window,omitempty"`
}

func (p Partial) applyTo(cfg Config) Config {
	if p.MaxBatchSize != nil {
		cfg.MaxBatchSize = *p.MaxBatchSize
	}
	if p.MaxUsersPerBatch != nil {
		cfg.MaxUsersPerBatch = *p.MaxUsersPerBatch
	}
	if p.MaxPermissionsPerBatch != nil {
		cfg.MaxPermissionsPerBatch = *p.MaxPermissionsPerBatch
	}
	if p.CacheTTL != nil {
		cfg.CacheTTL = *p.CacheTTL
	}
	if p.ParallelThreshold != nil {
		cfg.ParallelThreshold = *p.ParallelThreshold
	}
	if p.OptimizationLevel != nil {
		cfg.OptimizationLevel = *p.OptimizationLevel
	}
	if p.EnablePreloading != nil {
		cfg.EnablePreloading = *p.EnablePreloading
	}
	if p.AutoPreloadTopN != nil {
		cfg.AutoPreloadTopN = *p.AutoPreloadTopN
	}
	if p.AutoPreloadLimit != nil {
		cfg.AutoPreloadLimit = *p.AutoPreloadLimit
	}
	if p.PatternWindow != nil {
		cfg.PatternWindow = *p.PatternWindow
	}
	return cfg
}
