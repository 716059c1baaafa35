package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/cache"
	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/preload"
	"github.com/docreview/permengine/pkg/types"
)

type staticConfig struct{ cfg config.Config }

func (s staticConfig) Get() config.Config { return s.cfg }

type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]error // "user|key" -> error
	denyFor map[string]bool
	delay   time.Duration
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{failFor: make(map[string]error), denyFor: make(map[string]bool)}
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, code string) (bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	pair := userID + "|" + code
	if err := f.failFor[pair]; err != nil {
		return false, err
	}
	return !f.denyFor[pair], nil
}

func (f *fakeResolver) ResolveResource(ctx context.Context, userID, rtype, rid, action string) (bool, error) {
	rc := types.ResourceCheck{Type: rtype, ID: rid, Action: action}
	return f.Resolve(ctx, userID, rc.Key())
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// batchCapableResolver additionally implements BatchResolver
type batchCapableResolver struct {
	fakeResolver
	batchCalls int
}

func (b *batchCapableResolver) ResolveBatch(ctx context.Context, userIDs []string, code string) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchCalls++
	out := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		out[uid] = !b.denyFor[uid+"|"+code]
	}
	return out, nil
}

type captureScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

type scheduled struct {
	pairs    []types.PairKey
	priority int
}

func (c *captureScheduler) RequestPairs(ctx context.Context, pairs []types.PairKey, priority int) (*preload.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, scheduled{pairs: pairs, priority: priority})
	return nil, nil
}

func (c *captureScheduler) all() []scheduled {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scheduled(nil), c.calls...)
}

func newTestEvaluator(resolver Resolver, opts ...Option) (*BatchEvaluator, *cache.LRU) {
	lru := cache.NewLRU(1000)
	e := NewBatchEvaluator(lru, resolver, staticConfig{cfg: config.DefaultConfig()}, zap.NewNop(), opts...)
	return e, lru
}

func seedDecision(c *cache.LRU, userID, key string, allowed bool, age, ttl time.Duration) {
	c.Set(types.Decision{
		UserID:     userID,
		Key:        key,
		Allowed:    allowed,
		ResolvedAt: time.Now().Add(-age),
		TTL:        ttl,
		Source:     types.SourceResolver,
	})
}

func TestBatchCheckCrossProductOrder(t *testing.T) {
	resolver := newFakeResolver()
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob"},
		PermissionCodes: []string{"documents.read", "documents.write"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
	})
	require.NoError(t, err)
	require.Len(t, m.Decisions, 4)

	// User-major, permission-minor request order
	want := []types.PairKey{
		{UserID: "alice", Key: "documents.read"},
		{UserID: "alice", Key: "documents.write"},
		{UserID: "bob", Key: "documents.read"},
		{UserID: "bob", Key: "documents.write"},
	}
	for i, p := range want {
		assert.Equal(t, p.UserID, m.Decisions[i].UserID)
		assert.Equal(t, p.Key, m.Decisions[i].Key)
		assert.True(t, m.Decisions[i].Allowed)
	}
	assert.Equal(t, 4, m.Resolved)
	assert.Equal(t, 0, m.CacheHits)
}

func TestBatchCheckCachedIdempotence(t *testing.T) {
	resolver := newFakeResolver()
	e, _ := newTestEvaluator(resolver)

	req := &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		UseCache:        true,
	}
	first, err := e.BatchCheck(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, first.Resolved)

	second, err := e.BatchCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.CacheHits)
	assert.Equal(t, 0, second.Resolved)
	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, first.Decisions[0].Allowed, second.Decisions[0].Allowed)
}

func TestFastModeMissFailsClosed(t *testing.T) {
	resolver := newFakeResolver()
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Mode:            types.ModeFast,
		UseCache:        true,
	})
	require.NoError(t, err)

	d := m.Decisions[0]
	assert.False(t, d.Allowed)
	assert.True(t, d.Error)
	assert.True(t, d.Stale)
	assert.Equal(t, types.SourceDenied, d.Source)
	assert.Equal(t, 0, resolver.callCount())
}

func TestFastModeServesStaleEntries(t *testing.T) {
	resolver := newFakeResolver()
	e, lru := newTestEvaluator(resolver)
	seedDecision(lru, "alice", "documents.read", true, 2*time.Hour, time.Minute)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Mode:            types.ModeFast,
		UseCache:        true,
	})
	require.NoError(t, err)

	d := m.Decisions[0]
	assert.True(t, d.Allowed)
	assert.True(t, d.Stale)
	assert.Equal(t, types.SourceCache, d.Source)
	assert.Equal(t, 0, resolver.callCount())
}

func TestAccurateModeRejectsNearStale(t *testing.T) {
	resolver := newFakeResolver()
	e, lru := newTestEvaluator(resolver)
	// Age puts the entry in the near-stale band
	seedDecision(lru, "alice", "documents.read", false, 40*time.Second, time.Minute)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Mode:            types.ModeAccurate,
		UseCache:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Resolved)
	assert.Equal(t, 0, m.CacheHits)
	assert.True(t, m.Decisions[0].Allowed)
	assert.Equal(t, 1, resolver.callCount())
}

func TestBalancedModeAcceptsNearStaleAndSchedulesRefresh(t *testing.T) {
	resolver := newFakeResolver()
	sched := &captureScheduler{}
	e, lru := newTestEvaluator(resolver, WithPreloadScheduler(sched))
	seedDecision(lru, "alice", "documents.read", true, 40*time.Second, time.Minute)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Mode:            types.ModeBalanced,
		UseCache:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 0, resolver.callCount())

	calls := sched.all()
	require.Len(t, calls, 1)
	assert.Equal(t, refreshPriority, calls[0].priority)
	assert.Equal(t, []types.PairKey{{UserID: "alice", Key: "documents.read"}}, calls[0].pairs)
}

func TestPerPairFailureIsolation(t *testing.T) {
	resolver := newFakeResolver()
	resolver.failFor["bob|documents.read"] = errors.New("store timeout")
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob", "carol"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
	})
	require.NoError(t, err)

	alice, _ := m.Get("alice", "documents.read")
	bob, _ := m.Get("bob", "documents.read")
	carol, _ := m.Get("carol", "documents.read")

	assert.True(t, alice.Allowed)
	assert.True(t, carol.Allowed)
	assert.False(t, bob.Allowed)
	assert.True(t, bob.Error)
	assert.Equal(t, 2, m.Resolved)
	assert.Equal(t, 1, m.Errors)
}

func TestResolverErrorsAreNotCached(t *testing.T) {
	resolver := newFakeResolver()
	resolver.failFor["alice|documents.read"] = errors.New("store timeout")
	e, lru := newTestEvaluator(resolver)

	_, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
	})
	require.NoError(t, err)

	// The failure must not poison the cache; the next check retries
	delete(resolver.failFor, "alice|documents.read")
	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
	})
	require.NoError(t, err)
	assert.True(t, m.Decisions[0].Allowed)
	_, _, ok := lru.Get("alice", "documents.read")
	assert.True(t, ok)
}

func TestInvalidRequests(t *testing.T) {
	e, _ := newTestEvaluator(newFakeResolver())

	tests := []struct {
		name string
		req  *types.BatchRequest
	}{
		{"empty users", &types.BatchRequest{PermissionCodes: []string{"p"}}},
		{"empty permissions", &types.BatchRequest{UserIDs: []string{"u"}}},
		{"both key kinds", &types.BatchRequest{
			UserIDs:         []string{"u"},
			PermissionCodes: []string{"p"},
			ResourceChecks:  []types.ResourceCheck{{Type: "document", ID: "1", Action: "read"}},
		}},
		{"too many users", &types.BatchRequest{
			UserIDs:         make([]string, 201),
			PermissionCodes: []string{"p"},
		}},
		{"unknown mode", &types.BatchRequest{
			UserIDs:         []string{"u"},
			PermissionCodes: []string{"p"},
			Mode:            "turbo",
		}},
		{"unknown strategy", &types.BatchRequest{
			UserIDs:         []string{"u"},
			PermissionCodes: []string{"p"},
			Strategy:        "quantum",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.BatchCheck(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPairLimitRejected(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxBatchSize = 4
	resolver := newFakeResolver()
	e := NewBatchEvaluator(cache.NewLRU(100), resolver, staticConfig{cfg: cfg}, zap.NewNop())

	_, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"a", "b", "c"},
		PermissionCodes: []string{"p1", "p2"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, resolver.callCount())
}

func TestDeadlineFailsClosedUnresolvedPairs(t *testing.T) {
	resolver := newFakeResolver()
	resolver.delay = 200 * time.Millisecond
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob", "carol", "dave"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
		Timeout:         50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, m.Decisions, 4)

	timedOut := 0
	for _, d := range m.Decisions {
		if d.Error && d.Reason == reasonTimeout {
			assert.False(t, d.Allowed)
			timedOut++
		}
	}
	assert.Greater(t, timedOut, 0, "some pairs should fail closed at the deadline")
}

func TestParallelDeadlineStillReturnsFullMatrix(t *testing.T) {
	resolver := newFakeResolver()
	resolver.delay = 300 * time.Millisecond
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob", "carol"},
		PermissionCodes: []string{"documents.read", "documents.write"},
		Strategy:        types.StrategyParallel,
		UseCache:        true,
		Timeout:         30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, m.Decisions, 6)
	for _, d := range m.Decisions {
		assert.NotEmpty(t, d.UserID)
		assert.NotEmpty(t, d.Key)
		assert.False(t, d.Allowed)
	}
}

func TestBatchOptimizedUsesBatchResolver(t *testing.T) {
	resolver := &batchCapableResolver{fakeResolver: *newFakeResolver()}
	e, lru := newTestEvaluator(resolver)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob", "carol"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategyBatchOptimized,
		UseCache:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, m.Resolved)
	resolver.mu.Lock()
	assert.Equal(t, 1, resolver.batchCalls)
	assert.Equal(t, 0, resolver.calls)
	resolver.mu.Unlock()

	// Resolved pairs land in the cache
	for _, uid := range []string{"alice", "bob", "carol"} {
		_, _, ok := lru.Get(uid, "documents.read")
		assert.True(t, ok)
	}
}

func TestPreloadMissingSchedulesMisses(t *testing.T) {
	resolver := newFakeResolver()
	sched := &captureScheduler{}
	e, _ := newTestEvaluator(resolver, WithPreloadScheduler(sched))

	_, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob"},
		PermissionCodes: []string{"documents.read", "documents.write"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
		PreloadMissing:  true,
	})
	require.NoError(t, err)

	calls := sched.all()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].pairs, 4)
	// Small batch, highest urgency
	assert.Equal(t, 5, calls[0].priority)
}

func TestBatchCheckResources(t *testing.T) {
	resolver := newFakeResolver()
	check := types.ResourceCheck{Type: "document", ID: "doc-7", Action: "approve"}
	resolver.denyFor["bob|"+check.Key()] = true
	e, _ := newTestEvaluator(resolver)

	m, err := e.BatchCheckResources(context.Background(), &types.BatchRequest{
		UserIDs:        []string{"alice", "bob"},
		ResourceChecks: []types.ResourceCheck{check},
		Strategy:       types.StrategySequential,
		UseCache:       true,
	})
	require.NoError(t, err)

	alice, _ := m.Get("alice", check.Key())
	bob, _ := m.Get("bob", check.Key())
	assert.True(t, alice.Allowed)
	assert.False(t, bob.Allowed)
	assert.False(t, bob.Error)
}

func TestUseCacheFalseBypassesCacheReads(t *testing.T) {
	resolver := newFakeResolver()
	e, lru := newTestEvaluator(resolver)
	seedDecision(lru, "alice", "documents.read", false, 0, time.Hour)

	m, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        false,
	})
	require.NoError(t, err)

	// The stale cached deny is ignored; the resolver answer wins
	assert.True(t, m.Decisions[0].Allowed)
	assert.Equal(t, 1, m.Resolved)
	assert.Equal(t, 1, resolver.callCount())
}

func TestPatternTrackingSeesEveryPair(t *testing.T) {
	resolver := newFakeResolver()
	rec := &captureRecorder{}
	e, _ := newTestEvaluator(resolver, WithPatternRecorder(rec))

	_, err := e.BatchCheck(context.Background(), &types.BatchRequest{
		UserIDs:         []string{"alice", "bob"},
		PermissionCodes: []string{"documents.read"},
		Strategy:        types.StrategySequential,
		UseCache:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())
}

type captureRecorder struct {
	mu    sync.Mutex
	pairs []types.PairKey
}

func (c *captureRecorder) Record(userID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append(c.pairs, types.PairKey{UserID: userID, Key: key})
}

func (c *captureRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}
