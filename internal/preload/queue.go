package preload

import (
	"container/heap"
	"sync"
)

// taskHeap orders tasks by priority (higher first), then enqueue time
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// taskQueue is a bounded priority queue shared by the worker pool
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	limit  int
	closed bool
}

func newTaskQueue(limit int) *taskQueue {
	q := &taskQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task; returns false when the queue is full or closed
func (q *taskQueue) push(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.tasks) >= q.limit {
		return false
	}
	heap.Push(&q.tasks, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed
func (q *taskQueue) pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	return heap.Pop(&q.tasks).(*Task), true
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
