// Package engine wires the decision components together behind one facade
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/cache"
	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/evaluator"
	"github.com/docreview/permengine/internal/metrics"
	"github.com/docreview/permengine/internal/optimizer"
	"github.com/docreview/permengine/internal/patterns"
	"github.com/docreview/permengine/internal/preload"
	"github.com/docreview/permengine/pkg/types"
)

// ErrPreloadingDisabled is returned for preload operations while preloading is
// turned off in the configuration
var ErrPreloadingDisabled = errors.New("engine: preloading disabled")

// Options collects the engine's external collaborators
type Options struct {
	Config   *config.Store
	Cache    cache.DecisionCache
	Resolver evaluator.Resolver

	// DB enables index maintenance; nil disables ApplyIndexOptimizations
	DB      *sql.DB
	Logger  *zap.Logger
	Metrics metrics.Metrics
}

// Engine is the batched permission decision engine facade
type Engine struct {
	cfg       *config.Store
	cache     cache.DecisionCache
	evaluator *evaluator.BatchEvaluator
	preloader *preload.Preloader
	tracker   *patterns.Tracker
	optimizer *optimizer.QueryOptimizer
	registry  *metrics.StatsRegistry
	logger    *zap.Logger
	started   time.Time
}

// New assembles an engine from its components
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config store is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("engine: cache is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("engine: resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}

	cfg := opts.Config.Get()
	registry := metrics.NewStatsRegistry()

	tracker := patterns.NewTracker(patterns.Config{
		Window:     cfg.PatternWindow,
		BufferSize: cfg.PatternBufferSize,
		Metrics:    m,
		Source:     opts.Config,
	}, logger.Named("patterns"))

	preloader := preload.NewPreloader(preload.Config{
		Workers:           cfg.PreloadWorkers,
		QueueSize:         cfg.PreloadQueueSize,
		MaxRetries:        cfg.PreloadMaxRetries,
		CacheTTL:          cfg.CacheTTL,
		AutoPreloadTopN:   cfg.AutoPreloadTopN,
		AutoPreloadLimit:  cfg.AutoPreloadLimit,
		AutoPreloadWindow: cfg.AutoPreloadWindow,
	}, opts.Cache, opts.Resolver, logger.Named("preload"),
		preload.WithMetrics(m),
		preload.WithStatsRegistry(registry),
		preload.WithKeyRanker(tracker),
		preload.WithConfigSource(opts.Config),
	)

	opt := optimizer.NewQueryOptimizer(optimizer.DefaultConfig(), opts.DB,
		logger.Named("optimizer"), optimizer.WithPatternSource(tracker))

	eval := evaluator.NewBatchEvaluator(opts.Cache, opts.Resolver, opts.Config,
		logger.Named("evaluator"),
		evaluator.WithMetrics(m),
		evaluator.WithStatsRegistry(registry),
		evaluator.WithPatternRecorder(tracker),
		evaluator.WithCostRecorder(opt),
		evaluator.WithPreloadScheduler(preloader),
	)

	return &Engine{
		cfg:       opts.Config,
		cache:     opts.Cache,
		evaluator: eval,
		preloader: preloader,
		tracker:   tracker,
		optimizer: opt,
		registry:  registry,
		logger:    logger,
		started:   time.Now(),
	}, nil
}

// BatchCheck evaluates the cross-product of users and permission codes
func (e *Engine) BatchCheck(ctx context.Context, req *types.BatchRequest) (*types.ResultMatrix, error) {
	return e.evaluator.BatchCheck(ctx, req)
}

// BatchCheckResources evaluates the cross-product of users and resource checks
func (e *Engine) BatchCheckResources(ctx context.Context, req *types.BatchRequest) (*types.ResultMatrix, error) {
	return e.evaluator.BatchCheckResources(ctx, req)
}

// RequestPreload schedules a background cache warm for users × permissions
func (e *Engine) RequestPreload(ctx context.Context, userIDs, permissionCodes []string, priority int) (*preload.Task, error) {
	if !e.cfg.Get().EnablePreloading {
		return nil, ErrPreloadingDisabled
	}
	return e.preloader.Request(ctx, userIDs, permissionCodes, priority)
}

// AutoPreload warms the hottest keys observed by the tracker
func (e *Engine) AutoPreload(ctx context.Context) (int, error) {
	if !e.cfg.Get().EnablePreloading {
		return 0, ErrPreloadingDisabled
	}
	return e.preloader.AutoPreload(ctx)
}

// PreloadStats returns preloader counters
func (e *Engine) PreloadStats() preload.Stats {
	return e.preloader.Stats()
}

// AccessPatterns returns the ranked access distribution
func (e *Engine) AccessPatterns() []patterns.Pattern {
	return e.tracker.Patterns()
}

// CheckStats aggregates the engine counters with cache statistics
type CheckStats struct {
	Counters metrics.StatsView `json:"counters"`
	Cache    cache.Stats       `json:"cache"`
	Patterns patterns.Stats    `json:"patterns"`
	UptimeS  float64           `json:"uptime_seconds"`
}

// BatchCheckStats returns the aggregated check counters
func (e *Engine) BatchCheckStats() CheckStats {
	return CheckStats{
		Counters: e.registry.View(),
		Cache:    e.cache.Stats(),
		Patterns: e.tracker.Stats(),
		UptimeS:  time.Since(e.started).Seconds(),
	}
}

// QueryOptimizerStats returns the cost ledger summary
func (e *Engine) QueryOptimizerStats() optimizer.Stats {
	return e.optimizer.Stats()
}

// UsageAnalysis aggregates query costs with access pattern rankings
func (e *Engine) UsageAnalysis(days int) optimizer.Analysis {
	return e.optimizer.UsageAnalysis(days)
}

// IndexSuggestions returns the current index recommendations
func (e *Engine) IndexSuggestions() []optimizer.Suggestion {
	return e.optimizer.SuggestIndexes()
}

// ApplyIndexOptimizations applies the current suggestions to the store
func (e *Engine) ApplyIndexOptimizations(ctx context.Context) []optimizer.ApplyResult {
	return e.optimizer.ApplyIndexOptimizations(ctx)
}

// UpdateConfig applies a validated partial configuration update atomically
func (e *Engine) UpdateConfig(p config.Partial) error {
	if err := e.cfg.Update(p); err != nil {
		return err
	}
	e.logger.Info("configuration updated")
	return nil
}

// Config returns a copy of the live configuration
func (e *Engine) Config() config.Config {
	return e.cfg.Get()
}

// ResetStats atomically zeroes the engine counters
func (e *Engine) ResetStats() {
	e.registry.Reset()
}

// UserSummary describes a user's cached decision footprint
type UserSummary struct {
	UserID    string           `json:"user_id"`
	Cached    int              `json:"cached_decisions"`
	Allowed   int              `json:"allowed"`
	Denied    int              `json:"denied"`
	Decisions []types.Decision `json:"decisions"`
}

// UserPermissionSummary reports the locally cached decisions for a user
func (e *Engine) UserPermissionSummary(userID string) UserSummary {
	decisions := e.cache.EntriesForUser(userID)
	s := UserSummary{UserID: userID, Cached: len(decisions), Decisions: decisions}
	for _, d := range decisions {
		if d.Allowed {
			s.Allowed++
		} else {
			s.Denied++
		}
	}
	return s
}

// InvalidateUser drops every cached decision for a user
func (e *Engine) InvalidateUser(userID string) int {
	removed := e.cache.Invalidate(userID)
	e.logger.Info("user cache invalidated",
		zap.String("user_id", userID),
		zap.Int("removed", removed))
	return removed
}

// Close shuts the engine's background components down
func (e *Engine) Close() {
	e.preloader.Close()
	e.tracker.Close()
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("cache close failed", zap.Error(err))
	}
}
