// Package preload warms the decision cache ahead of demand through a
// priority-ordered worker pool
package preload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/docreview/permengine/internal/cache"
	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/metrics"
	"github.com/docreview/permengine/pkg/types"
)

var (
	// ErrEmptyRequest is returned for a preload request with no keys
	ErrEmptyRequest = errors.New("preload: empty request")
	// ErrQueueFull is returned when the task queue is at capacity
	ErrQueueFull = errors.New("preload: queue full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("preload: closed")
)

// Resolver answers individual permission lookups against the backing store
type Resolver interface {
	Resolve(ctx context.Context, userID, permissionCode string) (bool, error)
	ResolveResource(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error)
}

// KeyRanker supplies the hottest keys for auto-preloading
type KeyRanker interface {
	TopKeys(n int) []types.PairKey
}

// ConfigSource supplies the live engine configuration. Tunables read through
// it (cache TTL, auto-preload caps) take effect without a preloader rebuild.
type ConfigSource interface {
	Get() config.Config
}

// Config configures the preloader
type Config struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration

	// CacheTTL is the TTL stamped on preloaded decisions
	CacheTTL time.Duration

	AutoPreloadTopN     int
	AutoPreloadLimit    int
	AutoPreloadWindow   time.Duration
	AutoPreloadSchedule string
}

// DefaultConfig returns the default preloader configuration
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         1000,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		CacheTTL:          5 * time.Minute,
		AutoPreloadTopN:   50,
		AutoPreloadLimit:  10,
		AutoPreloadWindow: time.Minute,
	}
}

// Stats reports preloader counters
type Stats struct {
	QueueDepth   int     `json:"queue_depth"`
	Completed    uint64  `json:"completed"`
	Failed       uint64  `json:"failed"`
	Dropped      uint64  `json:"dropped"`
	Merged       uint64  `json:"merged"`
	Retried      uint64  `json:"retried"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Preloader resolves permission keys in the background and writes the results
// into the cache as fresh decisions. Requests covered by an in-flight task are
// merged into it, and concurrent lookups of the same key are deduplicated.
type Preloader struct {
	cfg      Config
	cache    cache.DecisionCache
	resolver Resolver
	ranker   KeyRanker
	source   ConfigSource
	logger   *zap.Logger
	metrics  metrics.Metrics
	registry *metrics.StatsRegistry

	queue      *taskQueue
	sf         singleflight.Group
	limiter    *rate.Limiter
	limiterCap int
	cron       *cron.Cron

	inflight map[string]*Task
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	completed    uint64
	failed       uint64
	dropped      uint64
	merged       uint64
	retried      uint64
	latencyNanos uint64
}

// Option customizes preloader construction
type Option func(*Preloader)

// WithMetrics sets the metrics sink
func WithMetrics(m metrics.Metrics) Option {
	return func(p *Preloader) { p.metrics = m }
}

// WithStatsRegistry sets the shared counter registry
func WithStatsRegistry(r *metrics.StatsRegistry) Option {
	return func(p *Preloader) { p.registry = r }
}

// WithKeyRanker sets the source of hot keys for auto-preloading
func WithKeyRanker(r KeyRanker) Option {
	return func(p *Preloader) { p.ranker = r }
}

// WithConfigSource makes the cache TTL and auto-preload tunables track the
// live configuration instead of the construction-time snapshot
func WithConfigSource(src ConfigSource) Option {
	return func(p *Preloader) { p.source = src }
}

// NewPreloader creates and starts a preloader
func NewPreloader(cfg Config, dc cache.DecisionCache, resolver Resolver, logger *zap.Logger, opts ...Option) *Preloader {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.AutoPreloadWindow <= 0 {
		cfg.AutoPreloadWindow = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preloader{
		cfg:      cfg,
		cache:    dc,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics.NewNoOpMetrics(),
		queue:    newTaskQueue(cfg.QueueSize),
		inflight: make(map[string]*Task),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = metrics.NewStatsRegistry()
	}

	if cfg.AutoPreloadLimit > 0 {
		per := rate.Limit(float64(cfg.AutoPreloadLimit) / cfg.AutoPreloadWindow.Seconds())
		p.limiter = rate.NewLimiter(per, cfg.AutoPreloadLimit)
	}
	p.limiterCap = cfg.AutoPreloadLimit

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	if cfg.AutoPreloadSchedule != "" {
		p.cron = cron.New()
		if _, err := p.cron.AddFunc(cfg.AutoPreloadSchedule, func() {
			if _, err := p.AutoPreload(context.Background()); err != nil {
				p.logger.Warn("scheduled auto-preload failed", zap.Error(err))
			}
		}); err != nil {
			p.logger.Error("invalid auto-preload schedule",
				zap.String("schedule", cfg.AutoPreloadSchedule),
				zap.Error(err))
			p.cron = nil
		} else {
			p.cron.Start()
		}
	}

	return p
}

// Request schedules the cross-product of users and permission codes for
// preloading. An in-flight task covering the same keys is reused.
func (p *Preloader) Request(ctx context.Context, userIDs, permissionCodes []string, priority int) (*Task, error) {
	if len(userIDs) == 0 || len(permissionCodes) == 0 {
		return nil, ErrEmptyRequest
	}
	pairs := make([]types.PairKey, 0, len(userIDs)*len(permissionCodes))
	for _, uid := range userIDs {
		for _, code := range permissionCodes {
			pairs = append(pairs, types.PairKey{UserID: uid, Key: code})
		}
	}
	return p.RequestPairs(ctx, pairs, priority)
}

// RequestPairs schedules an explicit key set for preloading
func (p *Preloader) RequestPairs(ctx context.Context, pairs []types.PairKey, priority int) (*Task, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if len(pairs) == 0 {
		return nil, ErrEmptyRequest
	}
	if priority < 1 {
		priority = 1
	} else if priority > 5 {
		priority = 5
	}

	keys := canonicalize(pairs)
	sig := signatureFor(keys)

	p.mu.Lock()
	if existing, ok := p.inflight[sig]; ok {
		p.mu.Unlock()
		atomic.AddUint64(&p.merged, 1)
		p.registry.IncPreloadMerged()
		return existing, nil
	}
	// A request fully covered by a larger in-flight task merges into it too
	for _, inflight := range p.inflight {
		if covers(inflight.Keys, keys) {
			p.mu.Unlock()
			atomic.AddUint64(&p.merged, 1)
			p.registry.IncPreloadMerged()
			return inflight, nil
		}
	}
	task := newTask(keys, priority)
	p.inflight[sig] = task
	p.mu.Unlock()

	if !p.queue.push(task) {
		p.finish(task, TaskDropped, 0)
		p.logger.Warn("preload task dropped at enqueue",
			zap.String("task_id", task.ID),
			zap.Int("keys", len(task.Keys)))
		return nil, ErrQueueFull
	}
	p.metrics.UpdatePreloadQueueDepth(p.queue.depth())
	return task, nil
}

// AutoPreload schedules the hottest non-fresh keys, capped by the configured
// rate limit per window. Returns the number of keys scheduled.
func (p *Preloader) AutoPreload(ctx context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	topN := p.cfg.AutoPreloadTopN
	limit := p.cfg.AutoPreloadLimit
	if p.source != nil {
		live := p.source.Get()
		topN = live.AutoPreloadTopN
		limit = live.AutoPreloadLimit
	}
	if p.ranker == nil || topN <= 0 {
		return 0, nil
	}
	limiter := p.limiterFor(limit)

	var selected []types.PairKey
	for _, key := range p.ranker.TopKeys(topN) {
		if _, f, ok := p.cache.Get(key.UserID, key.Key); ok && f == cache.Fresh {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			break
		}
		selected = append(selected, key)
	}
	if len(selected) == 0 {
		return 0, nil
	}

	const autoPreloadPriority = 2
	if _, err := p.RequestPairs(ctx, selected, autoPreloadPriority); err != nil {
		return 0, err
	}
	p.logger.Debug("auto-preload scheduled", zap.Int("keys", len(selected)))
	return len(selected), nil
}

// Stats returns preloader counters
func (p *Preloader) Stats() Stats {
	completed := atomic.LoadUint64(&p.completed)
	avgMs := 0.0
	if completed > 0 {
		avgMs = float64(atomic.LoadUint64(&p.latencyNanos)) / float64(completed) / 1e6
	}
	return Stats{
		QueueDepth:   p.queue.depth(),
		Completed:    completed,
		Failed:       atomic.LoadUint64(&p.failed),
		Dropped:      atomic.LoadUint64(&p.dropped),
		Merged:       atomic.LoadUint64(&p.merged),
		Retried:      atomic.LoadUint64(&p.retried),
		AvgLatencyMs: avgMs,
	}
}

// Close stops the workers and cron schedule; queued tasks are discarded
func (p *Preloader) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cron != nil {
		p.cron.Stop()
	}
	p.cancel()
	p.queue.close()
	p.wg.Wait()
}

// cacheTTL returns the TTL stamped on preloaded decisions, tracking the live
// configuration when one is wired
func (p *Preloader) cacheTTL() time.Duration {
	if p.source != nil {
		if ttl := p.source.Get().CacheTTL; ttl > 0 {
			return ttl
		}
	}
	return p.cfg.CacheTTL
}

// limiterFor returns the auto-preload rate limiter, rebuilding it when a
// configuration update changed the per-window cap
func (p *Preloader) limiterFor(limit int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit != p.limiterCap {
		if limit > 0 {
			per := rate.Limit(float64(limit) / p.cfg.AutoPreloadWindow.Seconds())
			p.limiter = rate.NewLimiter(per, limit)
		} else {
			p.limiter = nil
		}
		p.limiterCap = limit
	}
	return p.limiter
}

func (p *Preloader) worker(id int) {
	defer p.wg.Done()

	for {
		task, ok := p.queue.pop()
		if !ok {
			return
		}
		p.metrics.UpdatePreloadQueueDepth(p.queue.depth())
		p.runTask(task)
	}
}

func (p *Preloader) runTask(task *Task) {
	task.setState(TaskRunning)

	var failedKeys int
	for _, key := range task.Keys {
		if p.ctx.Err() != nil {
			p.finish(task, TaskDropped, time.Since(task.enqueuedAt))
			return
		}
		// A concurrent batch check may already have resolved this key
		if _, f, ok := p.cache.Get(key.UserID, key.Key); ok && f == cache.Fresh {
			continue
		}
		allowed, err := p.resolveKey(p.ctx, key)
		if err != nil {
			failedKeys++
			continue
		}
		p.cache.Set(types.Decision{
			UserID:     key.UserID,
			Key:        key.Key,
			Allowed:    allowed,
			ResolvedAt: time.Now(),
			TTL:        p.cacheTTL(),
			Source:     types.SourceResolver,
		})
	}

	if failedKeys == 0 {
		p.finish(task, TaskCompleted, time.Since(task.enqueuedAt))
		return
	}
	p.retryOrDrop(task, failedKeys)
}

func (p *Preloader) resolveKey(ctx context.Context, key types.PairKey) (bool, error) {
	v, err, _ := p.sf.Do(key.String(), func() (any, error) {
		if rc, ok := types.ParseKey(key.Key); ok {
			return p.resolver.ResolveResource(ctx, key.UserID, rc.Type, rc.ID, rc.Action)
		}
		return p.resolver.Resolve(ctx, key.UserID, key.Key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Preloader) retryOrDrop(task *Task, failedKeys int) {
	task.mu.Lock()
	task.attempts++
	attempts := task.attempts
	task.mu.Unlock()

	if attempts <= p.cfg.MaxRetries {
		task.setState(TaskRetrying)
		atomic.AddUint64(&p.retried, 1)
		backoff := p.cfg.RetryBackoff << (attempts - 1)
		p.logger.Debug("preload task retrying",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		time.AfterFunc(backoff, func() {
			if !p.queue.push(task) {
				p.finish(task, TaskDropped, time.Since(task.enqueuedAt))
			}
		})
		return
	}

	p.logger.Warn("preload task failed",
		zap.String("task_id", task.ID),
		zap.Int("failed_keys", failedKeys),
		zap.Int("attempts", attempts))
	p.finish(task, TaskFailed, time.Since(task.enqueuedAt))
}

// finish moves a task to a terminal state and releases its in-flight slot
func (p *Preloader) finish(task *Task, state TaskState, latency time.Duration) {
	p.mu.Lock()
	if p.inflight[task.signature] == task {
		delete(p.inflight, task.signature)
	}
	p.mu.Unlock()

	task.setState(state)
	switch state {
	case TaskCompleted:
		atomic.AddUint64(&p.completed, 1)
		atomic.AddUint64(&p.latencyNanos, uint64(latency))
		p.registry.IncPreloadComplete()
	case TaskFailed:
		atomic.AddUint64(&p.failed, 1)
		p.registry.IncPreloadFailed()
	case TaskDropped:
		atomic.AddUint64(&p.dropped, 1)
		p.registry.IncPreloadDropped()
	}
	p.metrics.RecordPreloadTask(state.String(), latency)
}
