package preload

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
	"github.com/docreview/permengine/pkg/types"
)

type liveConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func newLiveConfig(mutate func(*config.Config)) *liveConfig {
	src := &liveConfig{cfg: config.DefaultConfig()}
	if mutate != nil {
		mutate(&src.cfg)
	}
	return src
}

func (s *liveConfig) Get() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *liveConfig) set(mutate func(*config.Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.cfg)
}

type fakeResolver struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]int // pair string -> remaining failures
	allowAll bool
	block    chan struct{} // when set, Resolve waits until closed
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{failFor: make(map[string]int), allowAll: true}
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, code string) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	pair := userID + "|" + code
	if n := f.failFor[pair]; n > 0 {
		f.failFor[pair] = n - 1
		return false, errors.New("store unavailable")
	}
	return f.allowAll, nil
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

type staticRanker struct{ keys []types.PairKey }

func (r staticRanker) TopKeys(n int) []types.PairKey {
	if n > len(r.keys) {
		n = len(r.keys)
	}
	return r.keys[:n]
}

func newTestPreloader(t *testing.T, cfg Config, resolver Resolver, opts ...Option) (*Preloader, *cache.LRU) {
	t.Helper()
	lru := cache.NewLRU(1000)
	p := NewPreloader(cfg, lru, resolver, zap.NewNop(), opts...)
	t.Cleanup(p.Close)
	return p, lru
}

func awaitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish, state=%s", task.ID, task.State())
	}
}

func TestPreloaderResolvesAndCaches(t *testing.T) {
	resolver := newFakeResolver()
	p, lru := newTestPreloader(t, DefaultConfig(), resolver)

	task, err := p.Request(context.Background(), []string{"alice", "bob"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	assert.Equal(t, TaskCompleted, task.State())
	for _, uid := range []string{"alice", "bob"} {
		d, f, ok := lru.Get(uid, "documents.read")
		require.True(t, ok)
		assert.Equal(t, cache.Fresh, f)
		assert.True(t, d.Allowed)
		assert.Equal(t, types.SourceResolver, d.Source)
	}
	assert.Equal(t, uint64(1), p.Stats().Completed)
}

func TestPreloaderResolvesResourceKeys(t *testing.T) {
	resolver := newFakeResolver()
	p, lru := newTestPreloader(t, DefaultConfig(), resolver)

	key := types.ResourceCheck{Type: "document", ID: "doc-1", Action: "approve"}.Key()
	task, err := p.RequestPairs(context.Background(), []types.PairKey{{UserID: "alice", Key: key}}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	_, _, ok := lru.Get("alice", key)
	assert.True(t, ok)
}

func TestPreloaderMergesIdenticalKeySets(t *testing.T) {
	resolver := newFakeResolver()
	resolver.block = make(chan struct{})
	p, _ := newTestPreloader(t, DefaultConfig(), resolver)

	// First task blocks inside the resolver; the second request arrives while
	// it is still in flight and must merge, regardless of request order
	t1, err := p.Request(context.Background(), []string{"alice", "bob"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	t2, err := p.Request(context.Background(), []string{"bob", "alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, uint64(1), p.Stats().Merged)

	close(resolver.block)
	awaitTask(t, t1)
}

func TestPreloaderMergesSubsetIntoInflightTask(t *testing.T) {
	resolver := newFakeResolver()
	resolver.block = make(chan struct{})
	p, _ := newTestPreloader(t, DefaultConfig(), resolver)

	t1, err := p.Request(context.Background(), []string{"alice", "bob"}, []string{"documents.read"}, 3)
	require.NoError(t, err)

	// A request fully covered by the in-flight task rides along with it
	t2, err := p.RequestPairs(context.Background(), []types.PairKey{{UserID: "bob", Key: "documents.read"}}, 3)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, uint64(1), p.Stats().Merged)

	// A key outside the in-flight set still gets its own task
	t3, err := p.RequestPairs(context.Background(), []types.PairKey{{UserID: "carol", Key: "documents.read"}}, 3)
	require.NoError(t, err)
	assert.NotSame(t, t1, t3)

	close(resolver.block)
	awaitTask(t, t1)
	awaitTask(t, t3)
}

func TestPreloaderStampsLiveCacheTTL(t *testing.T) {
	resolver := newFakeResolver()
	src := newLiveConfig(func(c *config.Config) { c.CacheTTL = time.Hour })
	p, lru := newTestPreloader(t, DefaultConfig(), resolver, WithConfigSource(src))

	task, err := p.Request(context.Background(), []string{"alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	d, _, ok := lru.Get("alice", "documents.read")
	require.True(t, ok)
	assert.Equal(t, time.Hour, d.TTL)

	// A config update changes the TTL stamped on subsequent preloads
	src.set(func(c *config.Config) { c.CacheTTL = time.Minute })

	task, err = p.Request(context.Background(), []string{"alice"}, []string{"documents.write"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	d, _, ok = lru.Get("alice", "documents.write")
	require.True(t, ok)
	assert.Equal(t, time.Minute, d.TTL)
}

func TestPreloaderSkipsFreshKeys(t *testing.T) {
	resolver := newFakeResolver()
	p, lru := newTestPreloader(t, DefaultConfig(), resolver)

	lru.Set(types.Decision{
		UserID:     "alice",
		Key:        "documents.read",
		Allowed:    true,
		ResolvedAt: time.Now(),
		TTL:        time.Hour,
		Source:     types.SourceResolver,
	})

	task, err := p.Request(context.Background(), []string{"alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	assert.Equal(t, TaskCompleted, task.State())
	assert.Equal(t, 0, resolver.callCount())
}

func TestPreloaderRetriesTransientFailures(t *testing.T) {
	resolver := newFakeResolver()
	resolver.failFor["alice|documents.read"] = 2

	cfg := DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	p, lru := newTestPreloader(t, cfg, resolver)

	task, err := p.Request(context.Background(), []string{"alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	assert.Equal(t, TaskCompleted, task.State())
	assert.GreaterOrEqual(t, p.Stats().Retried, uint64(2))
	_, _, ok := lru.Get("alice", "documents.read")
	assert.True(t, ok)
}

func TestPreloaderFailsAfterMaxRetries(t *testing.T) {
	resolver := newFakeResolver()
	resolver.failFor["alice|documents.read"] = 100

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 5 * time.Millisecond
	p, _ := newTestPreloader(t, cfg, resolver)

	task, err := p.Request(context.Background(), []string{"alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	awaitTask(t, task)

	assert.Equal(t, TaskFailed, task.State())
	// Retry exhaustion counts as exactly one failure, not a failure plus a drop
	s := p.Stats()
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, uint64(0), s.Dropped)

	// The slot is released; a new request over the same keys gets a new task
	t2, err := p.Request(context.Background(), []string{"alice"}, []string{"documents.read"}, 3)
	require.NoError(t, err)
	assert.NotSame(t, task, t2)
}

func TestPreloaderQueueFull(t *testing.T) {
	resolver := newFakeResolver()
	resolver.block = make(chan struct{})
	defer close(resolver.block)

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	p, _ := newTestPreloader(t, cfg, resolver)

	// Occupy the single worker, then fill the single queue slot
	_, err := p.Request(context.Background(), []string{"u0"}, []string{"p"}, 3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.queue.depth() == 0 }, time.Second, time.Millisecond)
	_, err = p.Request(context.Background(), []string{"u1"}, []string{"p"}, 3)
	require.NoError(t, err)

	_, err = p.Request(context.Background(), []string{"u2"}, []string{"p"}, 3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPreloaderEmptyRequest(t *testing.T) {
	p, _ := newTestPreloader(t, DefaultConfig(), newFakeResolver())

	_, err := p.Request(context.Background(), nil, []string{"p"}, 3)
	assert.ErrorIs(t, err, ErrEmptyRequest)
	_, err = p.RequestPairs(context.Background(), nil, 3)
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestPreloaderPriorityOrdering(t *testing.T) {
	low := newTask([]types.PairKey{{UserID: "a", Key: "p"}}, 1)
	high := newTask([]types.PairKey{{UserID: "b", Key: "p"}}, 5)

	q := newTaskQueue(10)
	require.True(t, q.push(low))
	require.True(t, q.push(high))

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, high.ID, first.ID)
	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, low.ID, second.ID)
}

func TestAutoPreloadRateCap(t *testing.T) {
	resolver := newFakeResolver()
	keys := make([]types.PairKey, 20)
	for i := range keys {
		keys[i] = types.PairKey{UserID: "user-" + string(rune('a'+i)), Key: "documents.read"}
	}

	cfg := DefaultConfig()
	cfg.AutoPreloadTopN = 20
	cfg.AutoPreloadLimit = 5
	cfg.AutoPreloadWindow = time.Hour
	p, _ := newTestPreloader(t, cfg, resolver, WithKeyRanker(staticRanker{keys: keys}))

	scheduled, err := p.AutoPreload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, scheduled)

	// The window's budget is spent; a second round schedules nothing
	scheduled, err = p.AutoPreload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, scheduled)
}

func TestAutoPreloadHonorsLiveRateLimit(t *testing.T) {
	resolver := newFakeResolver()
	keys := make([]types.PairKey, 20)
	for i := range keys {
		keys[i] = types.PairKey{UserID: "user-" + string(rune('a'+i)), Key: "documents.read"}
	}

	cfg := DefaultConfig()
	cfg.AutoPreloadTopN = 20
	cfg.AutoPreloadLimit = 5
	cfg.AutoPreloadWindow = time.Hour
	src := newLiveConfig(func(c *config.Config) {
		c.AutoPreloadTopN = 20
		c.AutoPreloadLimit = 2
	})
	p, _ := newTestPreloader(t, cfg, resolver,
		WithKeyRanker(staticRanker{keys: keys}),
		WithConfigSource(src))

	// The live limit of 2 wins over the construction-time limit of 5
	scheduled, err := p.AutoPreload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled)
}

func TestAutoPreloadSkipsFreshKeys(t *testing.T) {
	resolver := newFakeResolver()
	keys := []types.PairKey{{UserID: "alice", Key: "documents.read"}}

	cfg := DefaultConfig()
	cfg.AutoPreloadLimit = 10
	p, lru := newTestPreloader(t, cfg, resolver, WithKeyRanker(staticRanker{keys: keys}))

	lru.Set(types.Decision{
		UserID:     "alice",
		Key:        "documents.read",
		Allowed:    true,
		ResolvedAt: time.Now(),
		TTL:        time.Hour,
	})

	scheduled, err := p.AutoPreload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, scheduled)
}

func TestPreloaderClose(t *testing.T) {
	resolver := newFakeResolver()
	lru := cache.NewLRU(100)
	p := NewPreloader(DefaultConfig(), lru, resolver, zap.NewNop())
	p.Close()

	_, err := p.Request(context.Background(), []string{"alice"}, []string{"p"}, 3)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.AutoPreload(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Idempotent
	p.Close()
}
