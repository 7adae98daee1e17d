package grocerycrawler

import (
	"sort"
	"sync"
)

// WorkQueue hands detail work from the list context to the detail context.
// Entries are keyed by detail URL; enqueueing a URL twice is a no-op, even
// after the first copy was dequeued.
type WorkQueue struct {
	mu      sync.Mutex
	items   []WorkQueueEntry
	seen    map[string]bool
	closed  bool
	metrics *Metrics
}

func NewWorkQueue(m *Metrics) *WorkQueue {
	return &WorkQueue{seen: map[string]bool{}, metrics: m}
}

// Enqueue adds e unless its URL was seen before. Higher PriorityScore
// entries are dequeued first; equal scores keep FIFO order.
func (q *WorkQueue) Enqueue(e WorkQueueEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	key := normalizeURL(e.DetailURL)
	if key == "" || q.seen[key] {
		return false, nil
	}
	q.seen[key] = true
	q.insert(e)
	return true, nil
}

func (q *WorkQueue) insert(e WorkQueueEntry) {
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].PriorityScore < e.PriorityScore })
	q.items = append(q.items, WorkQueueEntry{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
	q.metrics.SetQueueDepth(len(q.items))
}

// TryDequeue never blocks; ok is false when the queue is empty.
func (q *WorkQueue) TryDequeue() (WorkQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkQueueEntry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	q.metrics.SetQueueDepth(len(q.items))
	return e, true
}

// Drain removes and returns everything still queued.
func (q *WorkQueue) Drain() []WorkQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.metrics.SetQueueDepth(0)
	return out
}

// Close stops further enqueues. Queued entries stay available.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *WorkQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
