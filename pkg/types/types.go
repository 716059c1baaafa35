// Package types provides shared types for the permission decision engine
package types

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the accuracy/latency trade-off for a batch check
type Mode string

const (
	// ModeFast serves from cache at any freshness tier; true misses are denied fail-closed
	ModeFast Mode = "fast"
	// ModeAccurate accepts only fresh cache entries; everything else hits the resolver
	ModeAccurate Mode = "accurate"
	// ModeBalanced accepts fresh and near-stale entries and resolves true misses in groups
	ModeBalanced Mode = "balanced"
)

// ParseMode converts a string selector into a Mode, defaulting to balanced
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFast, ModeAccurate, ModeBalanced:
		return Mode(s), nil
	case "":
		return ModeBalanced, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Valid reports whether the mode is a known variant
func (m Mode) Valid() bool {
	switch m {
	case ModeFast, ModeAccurate, ModeBalanced:
		return true
	}
	return false
}

// Strategy selects how miss resolution is executed
type Strategy string

const (
	// StrategySequential evaluates pairs one at a time in user-major, permission-minor order
	StrategySequential Strategy = "sequential"
	// StrategyParallel fans out independent lookups across a bounded worker pool
	StrategyParallel Strategy = "parallel"
	// StrategyBatchOptimized groups misses by shared query shape to minimize resolver round-trips
	StrategyBatchOptimized Strategy = "batch_optimized"
)

// ParseStrategy converts a string selector into a Strategy, defaulting to batch_optimized
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyParallel, StrategyBatchOptimized:
		return Strategy(s), nil
	case "":
		return StrategyBatchOptimized, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Valid reports whether the strategy is a known variant
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyBatchOptimized:
		return true
	}
	return false
}

// Source records where a decision came from
type Source string

const (
	// SourceCache marks a decision served from the cache
	SourceCache Source = "cache"
	// SourceResolver marks a decision resolved against the permission store
	SourceResolver Source = "resolver"
	// SourceDenied marks a fail-closed deny produced by the engine itself
	SourceDenied Source = "denied"
)

// Decision is a resolved permission decision for a single (user, key) pair
type Decision struct {
	UserID     string        `json:"user_id"`
	Key        string        `json:"key"`
	Allowed    bool          `json:"allowed"`
	ResolvedAt time.Time     `json:"resolved_at"`
	TTL        time.Duration `json:"ttl"`
	Error      bool          `json:"error,omitempty"`
	Stale      bool          `json:"stale,omitempty"`
	Source     Source        `json:"source"`
	Reason     string        `json:"reason,omitempty"`
}

// Age returns the elapsed time since the decision was resolved
func (d Decision) Age(now time.Time) time.Duration {
	return now.Sub(d.ResolvedAt)
}

// Expired reports whether the decision has outlived its TTL
func (d Decision) Expired(now time.Time) bool {
	return d.Age(now) >= d.TTL
}

// Deny builds a fail-closed denial for a pair
func Deny(userID, key, reason string) Decision {
	return Decision{
		UserID:     userID,
		Key:        key,
		Allowed:    false,
		ResolvedAt: time.Now(),
		TTL:        time.Second,
		Error:      true,
		Source:     SourceDenied,
		Reason:     reason,
	}
}

// ResourceCheck identifies a (resource_type, resource_id, action) triple
type ResourceCheck struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Key returns the composite cache key for a resource check
func (r ResourceCheck) Key() string {
	return "res:" + r.Type + ":" + r.ID + ":" + r.Action
}

// Signature returns the query shape used for cost tracking, without the resource id
func (r ResourceCheck) Signature() string {
	return "resource:" + r.Type + ":" + r.Action
}

// PermissionSignature is the query shape of a plain permission-code lookup
const PermissionSignature = "permission_code"

// ParseKey recognizes a composite resource key of the form "res:type:id:action".
// Plain permission codes return ok=false.
func ParseKey(key string) (ResourceCheck, bool) {
	if !strings.HasPrefix(key, "res:") {
		return ResourceCheck{}, false
	}
	parts := strings.SplitN(key[len("res:"):], ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return ResourceCheck{}, false
	}
	return ResourceCheck{Type: parts[0], ID: parts[1], Action: parts[2]}, true
}

// BatchRequest asks for decisions over the cross-product of users and permission keys
type BatchRequest struct {
	RequestID       string          `json:"request_id,omitempty"`
	UserIDs         []string        `json:"user_ids"`
	PermissionCodes []string        `json:"permission_codes,omitempty"`
	ResourceChecks  []ResourceCheck `json:"resource_checks,omitempty"`
	Mode            Mode            `json:"mode,omitempty"`
	Strategy        Strategy        `json:"strategy,omitempty"`
	UseCache        bool            `json:"use_cache"`
	PreloadMissing  bool            `json:"preload_missing"`

	// Timeout bounds the whole batch; zero means no explicit deadline.
	// Pairs unresolved at the deadline come back as fail-closed denials.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Keys returns the permission keys of the request in request order
func (r *BatchRequest) Keys() []string {
	if len(r.PermissionCodes) > 0 {
		return r.PermissionCodes
	}
	keys := make([]string, len(r.ResourceChecks))
	for i, rc := range r.ResourceChecks {
		keys[i] = rc.Key()
	}
	return keys
}

// ResultMatrix holds one decision per (user, key) pair in user-major,
// permission-minor request order
type ResultMatrix struct {
	RequestID  string        `json:"request_id,omitempty"`
	Decisions  []Decision    `json:"decisions"`
	CacheHits  int           `json:"cache_hits"`
	Resolved   int           `json:"resolved"`
	Errors     int           `json:"errors"`
	DurationUs float64       `json:"duration_us"`
	Mode       Mode          `json:"mode"`
	Strategy   Strategy      `json:"strategy"`
}

// Get looks up the decision for a specific pair
func (m *ResultMatrix) Get(userID, key string) (Decision, bool) {
	for _, d := range m.Decisions {
		if d.UserID == userID && d.Key == key {
			return d, true
		}
	}
	return Decision{}, false
}

// PairKey identifies a (user, permission key) pair
type PairKey struct {
	UserID string `json:"user_id"`
	Key    string `json:"key"`
}

// String renders the pair as "user|key"
func (p PairKey) String() string {
	return p.UserID + "|" + p.Key
}

// ParsePairKey splits a "user|key" string back into a pair
func ParsePairKey(s string) (PairKey, error) {
	idx := strings.IndexByte(s, '|')
	if idx <= 0 || idx == len(s)-1 {
		return PairKey{}, fmt.Errorf("malformed pair key %q", s)
	}
	return PairKey{UserID: s[:idx], Key: s[idx+1:]}, nil
}
