package evaluator

import (
	"context"
	"time"

	"github.com/docreview/permengine/internal/preload"
	"github.com/docreview/permengine/pkg/types"
)

// Resolver answers individual permission lookups against the backing store
type Resolver interface {
	Resolve(ctx context.Context, userID, permissionCode string) (bool, error)
	ResolveResource(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error)
}

// BatchResolver is an optional upgrade a Resolver may implement to answer one
// permission code for many users in a single store round-trip. The
// batch-optimized strategy uses it when present.
type BatchResolver interface {
	ResolveBatch(ctx context.Context, userIDs []string, permissionCode string) (map[string]bool, error)
}

// PatternRecorder receives every evaluated (user, key) pair
type PatternRecorder interface {
	Record(userID, key string)
}

// CostRecorder receives resolver latencies by query signature
type CostRecorder interface {
	RecordQueryCost(signature string, d time.Duration)
}

// PreloadScheduler schedules background cache warming
type PreloadScheduler interface {
	RequestPairs(ctx context.Context, pairs []types.PairKey, priority int) (*preload.Task, error)
}

// signatureOf returns the query shape of a permission key for cost tracking
func signatureOf(key string) string {
	if rc, ok := types.ParseKey(key); ok {
		return rc.Signature()
	}
	return types.PermissionSignature
}
