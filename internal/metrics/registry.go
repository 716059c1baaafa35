package metrics

import (
	"sync/atomic"
	"time"
)

// snapshot holds one generation of counters. All fields are incremented
// atomically; Reset swaps in a whole new generation so concurrent readers see
// either the pre- or post-reset counters, never a partially-reset mixture.
type snapshot struct {
	startedAt time.Time

	checks          atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	resolverCalls   atomic.Uint64
	resolverErrors  atomic.Uint64
	timeouts        atomic.Uint64
	invalidRequests atomic.Uint64
	preloadComplete atomic.Uint64
	preloadFailed   atomic.Uint64
	preloadDropped  atomic.Uint64
	preloadMerged   atomic.Uint64
	patternsDropped atomic.Uint64
}

// StatsView is a plain-value copy of the registry counters
type StatsView struct {
	StartedAt       time.Time `json:"started_at"`
	Checks          uint64    `json:"checks"`
	CacheHits       uint64    `json:"cache_hits"`
	CacheMisses     uint64    `json:"cache_misses"`
	ResolverCalls   uint64    `json:"resolver_calls"`
	ResolverErrors  uint64    `json:"resolver_errors"`
	Timeouts        uint64    `json:"timeouts"`
	InvalidRequests uint64    `json:"invalid_requests"`
	PreloadComplete uint64    `json:"preload_completed"`
	PreloadFailed   uint64    `json:"preload_failed"`
	PreloadDropped  uint64    `json:"preload_dropped"`
	PreloadMerged   uint64    `json:"preload_merged"`
	PatternsDropped uint64    `json:"patterns_dropped"`
}

// StatsRegistry is the process-scoped counter registry shared by all
// components. Incrementers touch the current snapshot; Reset replaces it.
type StatsRegistry struct {
	current atomic.Pointer[snapshot]
}

// NewStatsRegistry creates a registry with a fresh snapshot
func NewStatsRegistry() *StatsRegistry {
	r := &StatsRegistry{}
	r.current.Store(&snapshot{startedAt: time.Now()})
	return r
}

// Reset atomically swaps in a fresh counters snapshot
func (r *StatsRegistry) Reset() {
	r.current.Store(&snapshot{startedAt: time.Now()})
}

// View returns a consistent copy of the current counters
func (r *StatsRegistry) View() StatsView {
	s := r.current.Load()
	return StatsView{
		StartedAt:       s.startedAt,
		Checks:          s.checks.Load(),
		CacheHits:       s.cacheHits.Load(),
		CacheMisses:     s.cacheMisses.Load(),
		ResolverCalls:   s.resolverCalls.Load(),
		ResolverErrors:  s.resolverErrors.Load(),
		Timeouts:        s.timeouts.Load(),
		InvalidRequests: s.invalidRequests.Load(),
		PreloadComplete: s.preloadComplete.Load(),
		PreloadFailed:   s.preloadFailed.Load(),
		PreloadDropped:  s.preloadDropped.Load(),
		PreloadMerged:   s.preloadMerged.Load(),
		PatternsDropped: s.patternsDropped.Load(),
	}
}

func (r *StatsRegistry) AddChecks(n int)      { r.current.Load().checks.Add(uint64(n)) }
func (r *StatsRegistry) IncCacheHit()         { r.current.Load().cacheHits.Add(1) }
func (r *StatsRegistry) IncCacheMiss()        { r.current.Load().cacheMisses.Add(1) }
func (r *StatsRegistry) IncResolverCall()     { r.current.Load().resolverCalls.Add(1) }
func (r *StatsRegistry) IncResolverError()    { r.current.Load().resolverErrors.Add(1) }
func (r *StatsRegistry) IncTimeout()          { r.current.Load().timeouts.Add(1) }
func (r *StatsRegistry) IncInvalidRequest()   { r.current.Load().invalidRequests.Add(1) }
func (r *StatsRegistry) IncPreloadComplete()  { r.current.Load().preloadComplete.Add(1) }
func (r *StatsRegistry) IncPreloadFailed()    { r.current.Load().preloadFailed.Add(1) }
func (r *StatsRegistry) IncPreloadDropped()   { r.current.Load().preloadDropped.Add(1) }
func (r *StatsRegistry) IncPreloadMerged()    { r.current.Load().preloadMerged.Add(1) }
func (r *StatsRegistry) IncPatternsDropped()  { r.current.Load().patternsDropped.Add(1) }
