package slotrunner

import (
	"sync"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

// TaskQueue is the multi-producer, single-drainer queue between callers and
// the scheduler loop. Submit is safe for concurrent use; Drain, Defer and
// RemoveDeferred are called only from the scheduler goroutine.
type TaskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextID  int64
	pending []*Task

	// deferred holds admitted-later tasks keyed by submit id so Drain can
	// merge them back in their original order.
	deferred *pq.Queue[*Task]

	closed bool
}

func taskOrder(a, b *Task) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		deferred: pq.NewWith(taskOrder),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit assigns the task its id, enqueues it and wakes the scheduler.
// It never blocks.
func (q *TaskQueue) Submit(t *Task) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.ID = q.nextID
	q.nextID++

	q.pending = append(q.pending, t)
	q.cond.Signal()
	return t.ID
}

// Drain removes and returns everything currently queued, merging previously
// deferred tasks with fresh submissions in submit-id order.
func (q *TaskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	fresh := q.pending
	q.pending = nil

	if q.deferred.Empty() {
		return fresh
	}

	// both streams are already ascending by id
	merged := make([]*Task, 0, len(fresh)+q.deferred.Size())
	for {
		head, ok := q.deferred.Peek()
		if !ok {
			merged = append(merged, fresh...)
			break
		}
		if len(fresh) == 0 || head.ID < fresh[0].ID {
			q.deferred.Dequeue()
			merged = append(merged, head)
			continue
		}
		merged = append(merged, fresh[0])
		fresh = fresh[1:]
	}

	return merged
}

// Defer re-queues a task that could not be admitted this iteration. Its
// original id keeps it ahead of later submissions on the next Drain.
func (q *TaskQueue) Defer(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deferred.Enqueue(t)
}

// RemoveDeferred removes and returns the deferred task with the given id,
// or nil if it is not deferred.
func (q *TaskQueue) RemoveDeferred(id int64) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed *Task
	kept := make([]*Task, 0, q.deferred.Size())
	for {
		t, ok := q.deferred.Dequeue()
		if !ok {
			break
		}
		if t.ID == id && removed == nil {
			removed = t
			continue
		}
		kept = append(kept, t)
	}
	for _, t := range kept {
		q.deferred.Enqueue(t)
	}

	return removed
}

// DeferredLen reports how many tasks are waiting for a free slot.
func (q *TaskQueue) DeferredLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deferred.Size()
}

// Wait blocks until a task is submitted or the queue is closed. Reports
// false once closed.
func (q *TaskQueue) Wait() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	return !q.closed
}

// Close wakes any waiter and marks the queue finished. Submit after Close is
// a no-op for the scheduler since Drain is never called again.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
