package preload

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docreview/permengine/pkg/types"
)

// TaskState tracks a preload task through its lifecycle
type TaskState int32

const (
	// TaskQueued means the task is waiting for a worker
	TaskQueued TaskState = iota
	// TaskRunning means a worker is resolving the task's keys
	TaskRunning
	// TaskCompleted means every key resolved and was written to the cache
	TaskCompleted
	// TaskRetrying means a transient failure occurred and the task is backing off
	TaskRetrying
	// TaskFailed means the task exhausted its retries
	TaskFailed
	// TaskDropped means the task was discarded before running, at enqueue or
	// during shutdown
	TaskDropped
)

// String returns the state name
func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskRetrying:
		return "retrying"
	case TaskFailed:
		return "failed"
	default:
		return "dropped"
	}
}

// Task is one preload unit of work over a canonical key set. Concurrent
// requests over the same key set share a single task.
type Task struct {
	ID       string
	Keys     []types.PairKey
	Priority int

	signature  string
	enqueuedAt time.Time
	attempts   int

	mu    sync.Mutex
	state TaskState
	done  chan struct{}
}

func newTask(keys []types.PairKey, priority int) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Keys:       keys,
		Priority:   priority,
		signature:  signatureFor(keys),
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// State returns the current task state
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskDropped {
		return
	}
	t.state = s
	if s == TaskCompleted || s == TaskFailed || s == TaskDropped {
		close(t.done)
	}
}

// canonicalize dedupes and sorts pairs so identical key sets produce identical
// signatures regardless of request order
func canonicalize(pairs []types.PairKey) []types.PairKey {
	seen := make(map[types.PairKey]struct{}, len(pairs))
	out := make([]types.PairKey, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// covers reports whether super contains every key of sub. Both slices must be
// in canonical order.
func covers(super, sub []types.PairKey) bool {
	if len(sub) > len(super) {
		return false
	}
	i := 0
	for _, k := range sub {
		for i < len(super) && super[i].String() < k.String() {
			i++
		}
		if i == len(super) || super[i] != k {
			return false
		}
		i++
	}
	return true
}

func signatureFor(sorted []types.PairKey) string {
	var b strings.Builder
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.String())
	}
	return b.String()
}
