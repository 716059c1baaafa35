// Package patterns tracks (user, permission) lookup frequency over a rolling window
package patterns

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/metrics"
	"github.com/docreview/permengine/pkg/types"
)

// ConfigSource supplies the live engine configuration; the window length is
// read through it on every rollover check
type ConfigSource interface {
	Get() config.Config
}

// Pattern is one ranked entry of the access distribution
type Pattern struct {
	Key         types.PairKey `json:"key"`
	Count       uint64        `json:"count"`
	LastSeen    time.Time     `json:"last_seen"`
	WindowStart time.Time     `json:"window_start"`
}

// Stats reports tracker counters
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Tracked  int    `json:"tracked_keys"`
}

type record struct {
	count    uint64
	lastSeen time.Time
}

// Tracker records lookups best-effort through a buffered channel. Record never
// blocks the hot authorization path; events are dropped under backpressure.
// One previous window is retained so rankings don't zero out at rollover.
type Tracker struct {
	events  chan types.PairKey
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	metrics metrics.Metrics
	source  ConfigSource

	window      time.Duration
	windowStart time.Time
	current     map[types.PairKey]*record
	previous    map[types.PairKey]*record
	mu          sync.RWMutex

	recorded uint64
	dropped  uint64
}

// Config configures the tracker
type Config struct {
	Window     time.Duration
	BufferSize int
	Metrics    metrics.Metrics

	// Source, when set, makes the window length track the live configuration
	Source ConfigSource
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		Window:     30 * 24 * time.Hour,
		BufferSize: 4096,
	}
}

// NewTracker creates and starts a tracker
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		events:      make(chan types.PairKey, cfg.BufferSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
		metrics:     cfg.Metrics,
		source:      cfg.Source,
		window:      cfg.Window,
		windowStart: time.Now(),
		current:     make(map[types.PairKey]*record),
		previous:    make(map[types.PairKey]*record),
	}

	go t.run()
	return t
}

// Record notes one lookup. It never blocks and never fails the caller; on a
// full buffer the event is silently dropped.
func (t *Tracker) Record(userID, key string) {
	select {
	case t.events <- types.PairKey{UserID: userID, Key: key}:
		t.metrics.RecordPatternEvent(false)
	default:
		atomic.AddUint64(&t.dropped, 1)
		t.metrics.RecordPatternEvent(true)
	}
}

// run is the single goroutine that owns the pattern maps
func (t *Tracker) run() {
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			return
		case key := <-t.events:
			t.apply(key)
		}
	}
}

// windowLength returns the rolling window duration, preferring the live
// configuration when a source is wired
func (t *Tracker) windowLength() time.Duration {
	if t.source != nil {
		if w := t.source.Get().PatternWindow; w > 0 {
			return w
		}
	}
	return t.window
}

func (t *Tracker) apply(key types.PairKey) {
	now := time.Now()
	window := t.windowLength()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.windowStart) >= window {
		t.previous = t.current
		t.current = make(map[types.PairKey]*record)
		t.windowStart = now
	}

	rec, ok := t.current[key]
	if !ok {
		rec = &record{}
		t.current[key] = rec
	}
	rec.count++
	rec.lastSeen = now
	atomic.AddUint64(&t.recorded, 1)
}

// Patterns returns the access distribution ranked by count, merging the
// current window with the retained previous one
func (t *Tracker) Patterns() []Pattern {
	window := t.windowLength()
	t.mu.RLock()

	merged := make(map[types.PairKey]Pattern, len(t.current)+len(t.previous))
	for key, rec := range t.previous {
		merged[key] = Pattern{
			Key:         key,
			Count:       rec.count,
			LastSeen:    rec.lastSeen,
			WindowStart: t.windowStart.Add(-window),
		}
	}
	for key, rec := range t.current {
		p := merged[key]
		p.Key = key
		p.Count += rec.count
		if rec.lastSeen.After(p.LastSeen) {
			p.LastSeen = rec.lastSeen
		}
		p.WindowStart = t.windowStart
		merged[key] = p
	}
	t.mu.RUnlock()

	out := make([]Pattern, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// TopKeys returns the n hottest keys
func (t *Tracker) TopKeys(n int) []types.PairKey {
	ranked := t.Patterns()
	if n > len(ranked) {
		n = len(ranked)
	}
	keys := make([]types.PairKey, n)
	for i := 0; i < n; i++ {
		keys[i] = ranked[i].Key
	}
	return keys
}

// Stats returns tracker counters
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	tracked := len(t.current)
	t.mu.RUnlock()

	return Stats{
		Recorded: atomic.LoadUint64(&t.recorded),
		Dropped:  atomic.LoadUint64(&t.dropped),
		Tracked:  tracked,
	}
}

// Close stops the drain goroutine; pending buffered events are discarded
func (t *Tracker) Close() {
	close(t.stop)
	<-t.done
}
