package batch

import (
	"container/heap"
	"context"
	"sync"
)

// workItem schedules one phase of one file.
type workItem struct {
	batchID  string
	fileIdx  int
	phase    Phase
	priority Priority
	seq      uint64
}

type itemHeap []workItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if ri, rj := h[i].priority.rank(), h[j].priority.rank(); ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(workItem)) } //nolint:forcetypeassert

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// workQueue is the process-wide priority queue shared by every batch. It has a
// single consumer, the dispatcher.
type workQueue struct {
	mu     sync.Mutex
	items  itemHeap
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{signal: make(chan struct{}, 1)}
}

func (q *workQueue) Push(items ...workItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for _, it := range items {
		heap.Push(&q.items, it)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available or ctx is done.
func (q *workQueue) Pop(ctx context.Context) (workItem, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(workItem) //nolint:forcetypeassert
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return workItem{}, false
		}
	}
}

// RemoveBatch pulls every queued item of a batch and returns them in queue order.
func (q *workQueue) RemoveBatch(batchID string) []workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []workItem
	kept := q.items[:0]
	for _, it := range q.items {
		if it.batchID == batchID {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	heap.Init(&q.items)
	sortItems(removed)
	return removed
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func sortItems(items []workItem) {
	h := itemHeap(items)
	heap.Init(&h)
	out := make([]workItem, 0, len(items))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(workItem)) //nolint:forcetypeassert
	}
	copy(items, out)
}
