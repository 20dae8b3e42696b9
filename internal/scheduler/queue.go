package scheduler

import (
	"container/heap"
	"sync"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// DefaultQueueCapacity bounds the dispatch queue.
const DefaultQueueCapacity = 1000

// Queue is the bounded in-memory dispatch queue. Pop order is priority
// descending, submission order within a priority. Entries are unique
// per job id so repeated scheduler ticks cannot double-queue a job.
type Queue struct {
	mu     sync.Mutex
	heap   queueHeap
	byID   map[string]*queueItem
	seq    uint64
	maxLen int
}

type queueItem struct {
	info  job.Info
	seq   uint64
	index int
}

// NewQueue creates a queue holding at most capacity jobs; capacity <= 0
// means DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		byID:   make(map[string]*queueItem),
		maxLen: capacity,
	}
}

// Push enqueues a job. A job already queued is left in place; a full
// queue rejects with ErrQueueFull.
func (q *Queue) Push(info job.Info) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[info.JobID]; ok {
		return nil
	}
	if len(q.heap) >= q.maxLen {
		return ErrQueueFull
	}
	q.seq++
	item := &queueItem{info: info, seq: q.seq}
	q.byID[info.JobID] = item
	heap.Push(&q.heap, item)
	return nil
}

// Pop removes and returns the highest-priority job.
func (q *Queue) Pop() (job.Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return job.Info{}, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.info.JobID)
	return item.info, true
}

// Remove drops a queued job by id, reporting whether it was present.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, jobID)
	return true
}

// Contains reports whether a job is waiting in the queue.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[jobID]
	return ok
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].info.Priority != h[j].info.Priority {
		return h[i].info.Priority > h[j].info.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
