package runner

import (
	"sync"

	"github.com/loemraw/fast-fstests/internal/model"
)

// workQueue is the dispatcher's single shared mutable structure (spec.md
// §5): a bounded FIFO with blocking pop and non-blocking push, supporting
// a front-priority push for the one bounded requeue-to-front retries are
// allowed (spec.md §4.3 "ordering guarantees").
//
// The queue tracks how many WorkItems are still outstanding (queued or
// in flight) and closes itself once that count reaches zero, which is
// how Pop reports "drained" to idle workers without a separate signal.
type workQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []*model.WorkItem
	outstanding int
	closed      bool
}

func newWorkQueue(initial []*model.WorkItem) *workQueue {
	q := &workQueue{
		items:       append([]*model.WorkItem{}, initial...),
		outstanding: len(initial),
	}
	q.cond = sync.NewCond(&q.mu)
	if q.outstanding == 0 {
		q.closed = true
	}
	return q
}

// PushBack enqueues w at the back of the queue (the default requeue
// position, and the position for crash-triggered requeues).
func (q *workQueue) PushBack(w *model.WorkItem) {
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushFront enqueues w at the front of the queue (used once per item for
// a retried Failed/TimedOut attempt).
func (q *workQueue) PushFront(w *model.WorkItem) {
	q.mu.Lock()
	q.items = append([]*model.WorkItem{w}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until an item is available, or returns (nil, false) once the
// queue has drained (no items queued or outstanding) or been closed by
// cancellation.
func (q *workQueue) Pop() (*model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w, true
}

// Done marks one outstanding WorkItem as finalized (not requeued). Once
// outstanding reaches zero the queue closes, waking any blocked Pop.
func (q *workQueue) Done() {
	q.mu.Lock()
	q.outstanding--
	if q.outstanding <= 0 {
		q.closed = true
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Cancel closes the queue immediately regardless of outstanding count,
// and returns any items still sitting in the queue (never dispatched)
// so the caller can finalize them as cancelled.
func (q *workQueue) Cancel() []*model.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.items
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return remaining
}

// Len reports the number of items currently queued (not including items
// in flight with a worker).
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
