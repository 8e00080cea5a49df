package orchestrator

import (
	"container/heap"
	"sync"

	"github.com/xkilldash9x/shroud/api/schemas"
)

// pendingIntent is one submitted intent while it waits for, or moves
// through, dispatch. The exclusion sets accumulate ids implicated by failed
// attempts so a retry never reuses them.
type pendingIntent struct {
	handle string
	intent schemas.Intent
	domain string

	seq      uint64
	attempts int
	index    int

	excludeProfiles map[string]struct{}
	excludeProxies  map[string]struct{}
	lastOutcome     *schemas.Outcome
}

// intentHeap orders by priority descending, then submission sequence
// ascending so a tier drains FIFO.
type intentHeap []*pendingIntent

func (h intentHeap) Len() int { return len(h) }

func (h intentHeap) Less(i, j int) bool {
	if h[i].intent.Priority != h[j].intent.Priority {
		return h[i].intent.Priority > h[j].intent.Priority
	}
	return h[i].seq < h[j].seq
}

func (h intentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *intentHeap) Push(x any) {
	it := x.(*pendingIntent)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *intentHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// intentQueue is the blocking priority queue the dispatch workers drain.
// Withdrawal by handle supports cancellation of not-yet-claimed intents.
type intentQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    intentHeap
	byHandle map[string]*pendingIntent
	capacity int
	closed   bool
}

func newIntentQueue(capacity int) *intentQueue {
	q := &intentQueue{
		byHandle: make(map[string]*pendingIntent),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues an intent. It reports false when the queue is closed or at
// capacity; it never blocks, so callers holding no locks can fail fast.
func (q *intentQueue) push(it *pendingIntent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	heap.Push(&q.items, it)
	q.byHandle[it.handle] = it
	q.notEmpty.Signal()
	return true
}

// pop blocks until an intent is available or the queue closes. A nil return
// means the queue is closed and drained; the worker should exit.
func (q *intentQueue) pop() *pendingIntent {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*pendingIntent)
	delete(q.byHandle, it.handle)
	return it
}

// withdraw removes a queued intent before any worker claims it.
func (q *intentQueue) withdraw(handle string) (*pendingIntent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byHandle[handle]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byHandle, handle)
	return it, true
}

// close wakes every blocked worker. Already-queued intents are still handed
// out so a graceful stop drains the backlog.
func (q *intentQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *intentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
