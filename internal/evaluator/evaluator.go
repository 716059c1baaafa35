// Package evaluator executes batched permission checks against the cache and
// the permission resolver
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/cache"
	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/metrics"
	"github.com/docreview/permengine/pkg/types"
)

// ErrInvalidRequest marks a request rejected before any side effects
var ErrInvalidRequest = errors.New("evaluator: invalid request")

const (
	reasonFastMiss     = "fast-mode cache miss"
	reasonTimeout      = "deadline exceeded before resolution"
	refreshPriority    = 1
	maxPreloadPriority = 5
)

// ConfigSource supplies the live engine configuration
type ConfigSource interface {
	Get() config.Config
}

// BatchEvaluator runs batch permission checks. Per-pair failures are isolated:
// a resolver error denies that pair and leaves the rest of the batch intact.
type BatchEvaluator struct {
	cache     cache.DecisionCache
	resolver  Resolver
	cfg       ConfigSource
	logger    *zap.Logger
	metrics   metrics.Metrics
	registry  *metrics.StatsRegistry
	tracker   PatternRecorder
	costs     CostRecorder
	preloader PreloadScheduler
}

// Option customizes evaluator construction
type Option func(*BatchEvaluator)

// WithMetrics sets the metrics sink
func WithMetrics(m metrics.Metrics) Option {
	return func(e *BatchEvaluator) { e.metrics = m }
}

// WithStatsRegistry sets the shared counter registry
func WithStatsRegistry(r *metrics.StatsRegistry) Option {
	return func(e *BatchEvaluator) { e.registry = r }
}

// WithPatternRecorder sets the access pattern sink
func WithPatternRecorder(t PatternRecorder) Option {
	return func(e *BatchEvaluator) { e.tracker = t }
}

// WithCostRecorder sets the query cost sink
func WithCostRecorder(c CostRecorder) Option {
	return func(e *BatchEvaluator) { e.costs = c }
}

// WithPreloadScheduler sets the background cache warmer
func WithPreloadScheduler(p PreloadScheduler) Option {
	return func(e *BatchEvaluator) { e.preloader = p }
}

// NewBatchEvaluator creates a batch evaluator
func NewBatchEvaluator(dc cache.DecisionCache, resolver Resolver, cfg ConfigSource, logger *zap.Logger, opts ...Option) *BatchEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &BatchEvaluator{
		cache:    dc,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewNoOpMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = metrics.NewStatsRegistry()
	}
	return e
}

// BatchCheck evaluates the cross-product of users and permission codes
func (e *BatchEvaluator) BatchCheck(ctx context.Context, req *types.BatchRequest) (*types.ResultMatrix, error) {
	if len(req.PermissionCodes) == 0 {
		e.registry.IncInvalidRequest()
		return nil, fmt.Errorf("%w: permission_codes is empty", ErrInvalidRequest)
	}
	return e.evaluate(ctx, req)
}

// BatchCheckResources evaluates the cross-product of users and resource checks
func (e *BatchEvaluator) BatchCheckResources(ctx context.Context, req *types.BatchRequest) (*types.ResultMatrix, error) {
	if len(req.ResourceChecks) == 0 {
		e.registry.IncInvalidRequest()
		return nil, fmt.Errorf("%w: resource_checks is empty", ErrInvalidRequest)
	}
	return e.evaluate(ctx, req)
}

func (e *BatchEvaluator) evaluate(ctx context.Context, req *types.BatchRequest) (*types.ResultMatrix, error) {
	start := time.Now()
	cfg := e.cfg.Get()

	mode, strategy, err := e.validate(req, cfg)
	if err != nil {
		e.registry.IncInvalidRequest()
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	keys := req.Keys()
	pairs := len(req.UserIDs) * len(keys)
	decisions := make([]types.Decision, pairs)

	// Cache scan in user-major, permission-minor order
	var missIdx []int
	cacheHits := 0
	for u, uid := range req.UserIDs {
		for k, key := range keys {
			i := u*len(keys) + k
			if e.tracker != nil {
				e.tracker.Record(uid, key)
			}
			if !req.UseCache {
				missIdx = append(missIdx, i)
				continue
			}

			d, tier, ok := e.lookup(mode, uid, key)
			if !ok {
				e.registry.IncCacheMiss()
				e.metrics.RecordCacheMiss()
				missIdx = append(missIdx, i)
				continue
			}

			d.Source = types.SourceCache
			if tier == cache.Stale {
				d.Stale = true
			}
			decisions[i] = d
			cacheHits++
			e.registry.IncCacheHit()
			e.metrics.RecordCacheHit(tier.String())

			if mode == types.ModeBalanced && tier == cache.NearStale && cfg.EnablePreloading {
				e.scheduleRefresh(uid, key)
			}
		}
	}

	resolved, errored := e.resolveMisses(ctx, req, cfg, mode, strategy, keys, decisions, missIdx)

	matrix := &types.ResultMatrix{
		RequestID:  req.RequestID,
		Decisions:  decisions,
		CacheHits:  cacheHits,
		Resolved:   resolved,
		Errors:     errored,
		DurationUs: float64(time.Since(start).Microseconds()),
		Mode:       mode,
		Strategy:   strategy,
	}

	e.registry.AddChecks(pairs)
	e.metrics.RecordBatch(pairs, time.Since(start))
	for _, d := range decisions {
		e.metrics.RecordCheck(string(d.Source), d.Allowed, time.Since(start))
	}

	if req.PreloadMissing && cfg.EnablePreloading && len(missIdx) > 0 && e.preloader != nil {
		e.schedulePreload(decisions, missIdx, pairs)
	}

	e.logger.Debug("batch check complete",
		zap.String("request_id", req.RequestID),
		zap.Int("pairs", pairs),
		zap.Int("cache_hits", cacheHits),
		zap.Int("resolved", resolved),
		zap.Int("errors", errored),
		zap.String("mode", string(mode)),
		zap.String("strategy", string(strategy)))

	return matrix, nil
}

// validate rejects malformed requests before any side effects and settles the
// effective mode and strategy
func (e *BatchEvaluator) validate(req *types.BatchRequest, cfg config.Config) (types.Mode, types.Strategy, error) {
	if len(req.UserIDs) == 0 {
		return "", "", fmt.Errorf("%w: user_ids is empty", ErrInvalidRequest)
	}
	if len(req.PermissionCodes) > 0 && len(req.ResourceChecks) > 0 {
		return "", "", fmt.Errorf("%w: permission_codes and resource_checks are mutually exclusive", ErrInvalidRequest)
	}
	keyCount := len(req.PermissionCodes) + len(req.ResourceChecks)
	if len(req.UserIDs) > cfg.MaxUsersPerBatch {
		return "", "", fmt.Errorf("%w: %d users exceeds limit %d", ErrInvalidRequest, len(req.UserIDs), cfg.MaxUsersPerBatch)
	}
	if keyCount > cfg.MaxPermissionsPerBatch {
		return "", "", fmt.Errorf("%w: %d permissions exceeds limit %d", ErrInvalidRequest, keyCount, cfg.MaxPermissionsPerBatch)
	}
	if pairs := len(req.UserIDs) * keyCount; pairs > cfg.MaxBatchSize {
		return "", "", fmt.Errorf("%w: %d pairs exceeds batch limit %d", ErrInvalidRequest, pairs, cfg.MaxBatchSize)
	}

	mode, err := types.ParseMode(string(req.Mode))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	strategy, err := types.ParseStrategy(string(req.Strategy))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// Accurate mode resolves each pair individually, so grouped resolution
	// degenerates to parallel fan-out
	if mode == types.ModeAccurate && strategy == types.StrategyBatchOptimized {
		strategy = types.StrategyParallel
	}
	return mode, strategy, nil
}

// lookup consults the cache under the mode's freshness policy
func (e *BatchEvaluator) lookup(mode types.Mode, userID, key string) (types.Decision, cache.Freshness, bool) {
	switch mode {
	case types.ModeFast:
		return e.cache.GetAny(userID, key)
	case types.ModeAccurate:
		d, tier, ok := e.cache.Get(userID, key)
		if !ok || tier != cache.Fresh {
			return types.Decision{}, cache.Stale, false
		}
		return d, tier, true
	default:
		return e.cache.Get(userID, key)
	}
}

// resolveMisses fills the miss slots of the decision slice and returns the
// resolved and errored pair counts
func (e *BatchEvaluator) resolveMisses(ctx context.Context, req *types.BatchRequest, cfg config.Config, mode types.Mode, strategy types.Strategy, keys []string, decisions []types.Decision, missIdx []int) (resolved, errored int) {
	if len(missIdx) == 0 {
		return 0, 0
	}

	// Fast mode never calls the resolver; a true miss is a fail-closed deny
	if mode == types.ModeFast {
		for _, i := range missIdx {
			uid, key := pairAt(req, keys, i)
			d := types.Deny(uid, key, reasonFastMiss)
			d.Stale = true
			decisions[i] = d
			errored++
			e.metrics.RecordCheckError("fast_miss")
		}
		return 0, errored
	}

	switch strategy {
	case types.StrategySequential:
		resolved, errored = e.resolveSequential(ctx, req, cfg, keys, decisions, missIdx)
	case types.StrategyParallel:
		resolved, errored = e.resolveConcurrent(ctx, req, cfg, keys, decisions, missIdx, nil)
	default:
		resolved, errored = e.resolveBatchOptimized(ctx, req, cfg, keys, decisions, missIdx)
	}
	return resolved, errored
}

func (e *BatchEvaluator) resolveSequential(ctx context.Context, req *types.BatchRequest, cfg config.Config, keys []string, decisions []types.Decision, missIdx []int) (resolved, errored int) {
	detached := context.WithoutCancel(ctx)
	for n, i := range missIdx {
		uid, key := pairAt(req, keys, i)

		// The in-flight call keeps running past the deadline and still
		// populates the cache; the batch fail-closes without it
		ch := make(chan types.Decision, 1)
		go func() { ch <- e.resolvePair(detached, cfg, uid, key) }()
		select {
		case d := <-ch:
			decisions[i] = d
			if d.Error {
				errored++
			} else {
				resolved++
			}
		case <-ctx.Done():
			e.failRemaining(req, keys, decisions, missIdx[n:])
			return resolved, errored + len(missIdx[n:])
		}
	}
	return resolved, errored
}

type pairResult struct {
	idx int
	d   types.Decision
}

// resolveConcurrent fans misses out over a bounded pool. The collector stops
// at the deadline and fail-closes uncollected pairs; started resolver calls
// run to completion on a detached context and still populate the cache.
func (e *BatchEvaluator) resolveConcurrent(ctx context.Context, req *types.BatchRequest, cfg config.Config, keys []string, decisions []types.Decision, missIdx []int, groups [][]int) (resolved, errored int) {
	results := make(chan pairResult, len(missIdx))
	detached := context.WithoutCancel(ctx)

	var jobs []func()
	if groups == nil {
		for _, i := range missIdx {
			i := i
			jobs = append(jobs, func() {
				uid, key := pairAt(req, keys, i)
				if ctx.Err() != nil {
					results <- pairResult{idx: i, d: types.Deny(uid, key, reasonTimeout)}
					return
				}
				results <- pairResult{idx: i, d: e.resolvePair(detached, cfg, uid, key)}
			})
		}
	} else {
		for _, group := range groups {
			group := group
			jobs = append(jobs, func() {
				e.resolveGroup(ctx, detached, req, cfg, keys, group, results)
			})
		}
	}
	go runBounded(cfg.ParallelThreshold, jobs)

	collected := 0
	filled := make(map[int]bool, len(missIdx))
	for collected < len(missIdx) {
		select {
		case r := <-results:
			decisions[r.idx] = r.d
			filled[r.idx] = true
			collected++
			if r.d.Error {
				errored++
			} else {
				resolved++
			}
		case <-ctx.Done():
			var remaining []int
			for _, i := range missIdx {
				if !filled[i] {
					remaining = append(remaining, i)
				}
			}
			e.failRemaining(req, keys, decisions, remaining)
			return resolved, errored + len(remaining)
		}
	}
	return resolved, errored
}

// resolveBatchOptimized groups misses by permission key so one store
// round-trip can answer many users, chunked by the configured batch limits
func (e *BatchEvaluator) resolveBatchOptimized(ctx context.Context, req *types.BatchRequest, cfg config.Config, keys []string, decisions []types.Decision, missIdx []int) (resolved, errored int) {
	byKey := make(map[string][]int)
	var order []string
	for _, i := range missIdx {
		_, key := pairAt(req, keys, i)
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], i)
	}

	var groups [][]int
	for _, key := range order {
		idxs := byKey[key]
		for len(idxs) > cfg.MaxUsersPerBatch {
			groups = append(groups, idxs[:cfg.MaxUsersPerBatch])
			idxs = idxs[cfg.MaxUsersPerBatch:]
		}
		groups = append(groups, idxs)
	}
	return e.resolveConcurrent(ctx, req, cfg, keys, decisions, missIdx, groups)
}

// resolveGroup answers one permission key for a set of users, using the
// resolver's batch interface when it offers one
func (e *BatchEvaluator) resolveGroup(ctx, detached context.Context, req *types.BatchRequest, cfg config.Config, keys []string, group []int, results chan<- pairResult) {
	if len(group) == 0 {
		return
	}
	_, key := pairAt(req, keys, group[0])

	if ctx.Err() != nil {
		for _, i := range group {
			uid, _ := pairAt(req, keys, i)
			results <- pairResult{idx: i, d: types.Deny(uid, key, reasonTimeout)}
		}
		return
	}

	br, ok := e.resolver.(BatchResolver)
	if !ok || signatureOf(key) != types.PermissionSignature {
		for _, i := range group {
			uid, _ := pairAt(req, keys, i)
			results <- pairResult{idx: i, d: e.resolvePair(detached, cfg, uid, key)}
		}
		return
	}

	userIDs := make([]string, len(group))
	for n, i := range group {
		userIDs[n], _ = pairAt(req, keys, i)
	}

	start := time.Now()
	answers, err := br.ResolveBatch(detached, userIDs, key)
	dur := time.Since(start)
	e.registry.IncResolverCall()
	e.metrics.RecordResolverCall(types.PermissionSignature, dur, err != nil)
	if e.costs != nil {
		e.costs.RecordQueryCost(types.PermissionSignature, dur)
	}

	if err != nil {
		e.registry.IncResolverError()
		e.metrics.RecordCheckError("resolver")
		e.logger.Warn("batch resolver call failed",
			zap.String("permission", key),
			zap.Int("users", len(userIDs)),
			zap.Error(err))
		for _, i := range group {
			uid, _ := pairAt(req, keys, i)
			results <- pairResult{idx: i, d: types.Deny(uid, key, "resolver error: "+err.Error())}
		}
		return
	}

	now := time.Now()
	for _, i := range group {
		uid, _ := pairAt(req, keys, i)
		d := types.Decision{
			UserID:     uid,
			Key:        key,
			Allowed:    answers[uid],
			ResolvedAt: now,
			TTL:        cfg.CacheTTL,
			Source:     types.SourceResolver,
		}
		e.cache.Set(d)
		results <- pairResult{idx: i, d: d}
	}
}

// resolvePair answers one (user, key) pair and writes a successful decision
// back into the cache. Resolver errors deny the pair fail-closed.
func (e *BatchEvaluator) resolvePair(ctx context.Context, cfg config.Config, userID, key string) types.Decision {
	sig := signatureOf(key)

	start := time.Now()
	var allowed bool
	var err error
	if rc, ok := types.ParseKey(key); ok {
		allowed, err = e.resolver.ResolveResource(ctx, userID, rc.Type, rc.ID, rc.Action)
	} else {
		allowed, err = e.resolver.Resolve(ctx, userID, key)
	}
	dur := time.Since(start)

	e.registry.IncResolverCall()
	e.metrics.RecordResolverCall(sig, dur, err != nil)
	if e.costs != nil {
		e.costs.RecordQueryCost(sig, dur)
	}

	if err != nil {
		e.registry.IncResolverError()
		e.metrics.RecordCheckError("resolver")
		e.logger.Warn("resolver call failed",
			zap.String("user_id", userID),
			zap.String("key", key),
			zap.Error(err))
		return types.Deny(userID, key, "resolver error: "+err.Error())
	}

	d := types.Decision{
		UserID:     userID,
		Key:        key,
		Allowed:    allowed,
		ResolvedAt: time.Now(),
		TTL:        cfg.CacheTTL,
		Source:     types.SourceResolver,
	}
	e.cache.Set(d)
	return d
}

// failRemaining denies pairs that never started resolving before the deadline
func (e *BatchEvaluator) failRemaining(req *types.BatchRequest, keys []string, decisions []types.Decision, idxs []int) {
	for _, i := range idxs {
		uid, key := pairAt(req, keys, i)
		decisions[i] = types.Deny(uid, key, reasonTimeout)
		e.registry.IncTimeout()
		e.metrics.RecordCheckError("timeout")
	}
}

// scheduleRefresh queues a low-priority background re-resolution for a
// near-stale hit so it comes back fresh before expiring
func (e *BatchEvaluator) scheduleRefresh(userID, key string) {
	if e.preloader == nil {
		return
	}
	pair := []types.PairKey{{UserID: userID, Key: key}}
	if _, err := e.preloader.RequestPairs(context.Background(), pair, refreshPriority); err != nil {
		e.logger.Debug("near-stale refresh not scheduled",
			zap.String("user_id", userID),
			zap.String("key", key),
			zap.Error(err))
	}
}

// schedulePreload queues the batch's miss set for warming; small batches are
// treated as more urgent than bulk scans
func (e *BatchEvaluator) schedulePreload(decisions []types.Decision, missIdx []int, pairs int) {
	missing := make([]types.PairKey, len(missIdx))
	for n, i := range missIdx {
		missing[n] = types.PairKey{UserID: decisions[i].UserID, Key: decisions[i].Key}
	}

	priority := maxPreloadPriority - pairs/25
	if priority < 1 {
		priority = 1
	}
	if _, err := e.preloader.RequestPairs(context.Background(), missing, priority); err != nil {
		e.logger.Debug("miss preload not scheduled", zap.Int("keys", len(missing)), zap.Error(err))
	}
}

func pairAt(req *types.BatchRequest, keys []string, i int) (userID, key string) {
	return req.UserIDs[i/len(keys)], keys[i%len(keys)]
}
