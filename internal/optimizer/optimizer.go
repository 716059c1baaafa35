// Package optimizer tracks resolver query costs and recommends storage indexes
package optimizer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/patterns"
	"github.com/docreview/permengine/pkg/types"
)

// Suggestion recommends one index for a query signature. Suggestions are
// recomputed wholesale from the ledger, never mutated in place.
type Suggestion struct {
	QuerySignature string  `json:"query_signature"`
	IndexName      string  `json:"index_name"`
	EstimatedGain  float64 `json:"estimated_gain"`
	Rationale      string  `json:"rationale"`

	ddl string
}

// ApplyResult reports the outcome for one suggestion during index application
type ApplyResult struct {
	QuerySignature string `json:"query_signature"`
	IndexName      string `json:"index_name"`
	Status         string `json:"status"` // applied, skipped, failed
	Error          string `json:"error,omitempty"`
}

// SignatureCost is the aggregated cost of one query signature
type SignatureCost struct {
	Signature   string  `json:"signature"`
	Queries     uint64  `json:"queries"`
	TotalCostMs float64 `json:"total_cost_ms"`
	AvgCostMs   float64 `json:"avg_cost_ms"`
}

// Analysis combines the cost ledger with access pattern rankings
type Analysis struct {
	Days         int                `json:"days"`
	GeneratedAt  time.Time          `json:"generated_at"`
	TotalQueries uint64             `json:"total_queries"`
	Signatures   []SignatureCost    `json:"signatures"`
	HotKeys      []patterns.Pattern `json:"hot_keys,omitempty"`
}

// Stats summarizes the ledger
type Stats struct {
	TrackedSignatures int     `json:"tracked_signatures"`
	TotalQueries      uint64  `json:"total_queries"`
	TotalCostMs       float64 `json:"total_cost_ms"`
}

// PatternSource supplies access pattern rankings for usage analysis
type PatternSource interface {
	Patterns() []patterns.Pattern
}

type costEntry struct {
	count      uint64
	totalNanos uint64
}

type indexSpec struct {
	name string
	ddl  string
}

// Known query shapes map onto a fixed set of candidate indexes over the
// permission tables
var (
	permissionIndex = indexSpec{
		name: "idx_user_permissions_user_code",
		ddl: "CREATE INDEX IF NOT EXISTS idx_user_permissions_user_code " +
			"ON user_permissions (user_id, permission_code)",
	}
	resourceIndex = indexSpec{
		name: "idx_resource_grants_lookup",
		ddl: "CREATE INDEX IF NOT EXISTS idx_resource_grants_lookup " +
			"ON resource_grants (user_id, resource_type, action)",
	}
)

// Config configures the optimizer
type Config struct {
	MaxSuggestions int
}

// DefaultConfig returns the default optimizer configuration
func DefaultConfig() Config {
	return Config{MaxSuggestions: 10}
}

// QueryOptimizer aggregates resolver latencies by query signature and turns
// them into index suggestions. Applying suggestions is an explicit maintenance
// operation; nothing is ever applied automatically.
type QueryOptimizer struct {
	cfg      Config
	db       *sql.DB
	logger   *zap.Logger
	patterns PatternSource

	mu     sync.RWMutex
	ledger map[string]*costEntry

	hottest uint64 // highest per-signature query count, for gain normalization
}

// Option customizes optimizer construction
type Option func(*QueryOptimizer)

// WithPatternSource wires access pattern rankings into usage analysis
func WithPatternSource(p PatternSource) Option {
	return func(o *QueryOptimizer) { o.patterns = p }
}

// NewQueryOptimizer creates a query optimizer. db may be nil, in which case
// ApplyIndexOptimizations reports every suggestion as failed.
func NewQueryOptimizer(cfg Config, db *sql.DB, logger *zap.Logger, opts ...Option) *QueryOptimizer {
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &QueryOptimizer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		ledger: make(map[string]*costEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RecordQueryCost adds one resolver round-trip to the ledger
func (o *QueryOptimizer) RecordQueryCost(signature string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.ledger[signature]
	if !ok {
		entry = &costEntry{}
		o.ledger[signature] = entry
	}
	entry.count++
	entry.totalNanos += uint64(d)
	if entry.count > o.hottest {
		o.hottest = entry.count
	}
}

// SuggestIndexes recomputes index suggestions ranked by frequency times mean
// cost. Unknown signatures yield no suggestion.
func (o *QueryOptimizer) SuggestIndexes() []Suggestion {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Suggestion, 0, len(o.ledger))
	for sig, entry := range o.ledger {
		spec, ok := specFor(sig)
		if !ok {
			continue
		}
		avgMs := float64(entry.totalNanos) / float64(entry.count) / 1e6
		out = append(out, Suggestion{
			QuerySignature: sig,
			IndexName:      spec.name,
			EstimatedGain:  float64(entry.count) * avgMs,
			Rationale:      fmt.Sprintf("observed %d queries averaging %.1fms", entry.count, avgMs),
			ddl:            spec.ddl,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EstimatedGain != out[j].EstimatedGain {
			return out[i].EstimatedGain > out[j].EstimatedGain
		}
		return out[i].QuerySignature < out[j].QuerySignature
	})
	if len(out) > o.cfg.MaxSuggestions {
		out = out[:o.cfg.MaxSuggestions]
	}
	return out
}

// ApplyIndexOptimizations applies the current suggestions to the store.
// Existing indexes are skipped and the DDL itself is idempotent, so repeated
// invocations converge.
func (o *QueryOptimizer) ApplyIndexOptimizations(ctx context.Context) []ApplyResult {
	suggestions := o.SuggestIndexes()
	results := make([]ApplyResult, 0, len(suggestions))
	seen := make(map[string]string) // index name -> status of first attempt

	for _, s := range suggestions {
		r := ApplyResult{QuerySignature: s.QuerySignature, IndexName: s.IndexName}

		if status, ok := seen[s.IndexName]; ok {
			r.Status = status
			results = append(results, r)
			continue
		}

		switch {
		case o.db == nil:
			r.Status = "failed"
			r.Error = "no database connection"
		case o.indexExists(ctx, s.IndexName):
			r.Status = "skipped"
		default:
			if _, err := o.db.ExecContext(ctx, s.ddl); err != nil {
				r.Status = "failed"
				r.Error = err.Error()
				o.logger.Warn("index creation failed",
					zap.String("index", s.IndexName),
					zap.Error(err))
			} else {
				r.Status = "applied"
				o.logger.Info("index created", zap.String("index", s.IndexName))
			}
		}
		seen[s.IndexName] = r.Status
		results = append(results, r)
	}
	return results
}

// UsageAnalysis aggregates the cost ledger with the hottest access patterns
func (o *QueryOptimizer) UsageAnalysis(days int) Analysis {
	if days <= 0 {
		days = 30
	}

	o.mu.RLock()
	sigs := make([]SignatureCost, 0, len(o.ledger))
	var total uint64
	for sig, entry := range o.ledger {
		totalMs := float64(entry.totalNanos) / 1e6
		sigs = append(sigs, SignatureCost{
			Signature:   sig,
			Queries:     entry.count,
			TotalCostMs: totalMs,
			AvgCostMs:   totalMs / float64(entry.count),
		})
		total += entry.count
	}
	o.mu.RUnlock()

	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].TotalCostMs != sigs[j].TotalCostMs {
			return sigs[i].TotalCostMs > sigs[j].TotalCostMs
		}
		return sigs[i].Signature < sigs[j].Signature
	})

	a := Analysis{
		Days:         days,
		GeneratedAt:  time.Now(),
		TotalQueries: total,
		Signatures:   sigs,
	}
	if o.patterns != nil {
		ranked := o.patterns.Patterns()
		if len(ranked) > 10 {
			ranked = ranked[:10]
		}
		a.HotKeys = ranked
	}
	return a
}

// Stats summarizes the ledger
func (o *QueryOptimizer) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Stats{TrackedSignatures: len(o.ledger)}
	for _, entry := range o.ledger {
		s.TotalQueries += entry.count
		s.TotalCostMs += float64(entry.totalNanos) / 1e6
	}
	return s
}

func (o *QueryOptimizer) indexExists(ctx context.Context, name string) bool {
	var exists bool
	err := o.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE indexname = $1)", name,
	).Scan(&exists)
	if err != nil {
		o.logger.Warn("index existence check failed",
			zap.String("index", name),
			zap.Error(err))
		return false
	}
	return exists
}

func specFor(signature string) (indexSpec, bool) {
	if signature == types.PermissionSignature {
		return permissionIndex, true
	}
	if strings.HasPrefix(signature, "resource:") {
		return resourceIndex, true
	}
	return indexSpec{}, false
}

