package core

import (
	"container/heap"
	"sync"
	"time"
)

// queueItem is what the ready queue knows about a job. The job record itself
// stays in the store.
type queueItem struct {
	JobID       string
	Priority    Priority
	ScheduledAt time.Time
	order       uint64
	index       int
}

// ReadyQueue orders queued jobs for dispatch: urgent before low, FIFO within
// a tier. Jobs with a future ScheduledAt wait in a delayed set until due.
// Pop hands each job to exactly one caller.
type ReadyQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	items   map[string]*queueItem
	order   uint64
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{items: make(map[string]*queueItem)}
}

// Push adds a job. A job already present is left where it is.
func (q *ReadyQueue) Push(item queueItem, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.push(item, now)
}

// PushAll adds every item under one lock so no Pop observes a partial set.
func (q *ReadyQueue) PushAll(items []queueItem, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range items {
		if q.push(it, now) {
			n++
		}
	}
	return n
}

func (q *ReadyQueue) push(item queueItem, now time.Time) bool {
	if _, ok := q.items[item.JobID]; ok {
		return false
	}
	if item.order == 0 {
		q.order++
		item.order = q.order
	}
	it := &item
	q.items[it.JobID] = it
	if it.ScheduledAt.After(now) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	return true
}

// Pop removes and returns the best ready job, promoting delayed jobs that
// have come due first.
func (q *ReadyQueue) Pop(now time.Time) (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(now)
	if q.ready.Len() == 0 {
		return queueItem{}, false
	}
	it := heap.Pop(&q.ready).(*queueItem)
	delete(q.items, it.JobID)
	return *it, true
}

func (q *ReadyQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].ScheduledAt.After(now) {
		it := heap.Pop(&q.delayed).(*queueItem)
		heap.Push(&q.ready, it)
	}
}

// Remove drops a job that has not been popped yet.
func (q *ReadyQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[jobID]
	if !ok {
		return false
	}
	delete(q.items, jobID)
	if q.inReady(it) {
		heap.Remove(&q.ready, it.index)
	} else {
		heap.Remove(&q.delayed, it.index)
	}
	return true
}

func (q *ReadyQueue) inReady(it *queueItem) bool {
	return it.index < len(q.ready) && q.ready[it.index] == it
}

// Len counts ready and delayed jobs.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NextDue is the earliest ScheduledAt among delayed jobs.
func (q *ReadyQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].ScheduledAt, true
}

type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].order < h[j].order
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type delayedHeap []*queueItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].order < h[j].order
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
