// Package queue implements the bounded-parallelism dispatcher a spider uses to
// admit pending jobs into its in-flight set.
package queue

import (
	"errors"
	"sync"

	"github.com/JakeFAU/feedspider/internal/job"
)

// ErrLocked is returned by Resume while the queue is locked.
var ErrLocked = errors.New("queue is locked")

// Queue is an ordered pending list plus an in-flight set of bounded size.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	pending  []*job.Job
	inflight map[string]*job.Job
	capacity int
	paused   bool
	locked   bool
}

// New returns a queue admitting at most concurrency jobs at once. Values below
// one are treated as one.
func New(concurrency int) *Queue {
	return &Queue{
		inflight: make(map[string]*job.Job),
		capacity: clampCapacity(concurrency),
	}
}

func clampCapacity(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Push appends j to the tail of the pending list.
func (q *Queue) Push(j *job.Job) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
}

// PushFront inserts j at the head of the pending list.
func (q *Queue) PushFront(j *job.Job) {
	q.mu.Lock()
	q.pending = append([]*job.Job{j}, q.pending...)
	q.mu.Unlock()
}

// Next moves the head of the pending list into the in-flight set. It reports
// false when the queue is paused, full, or empty.
func (q *Queue) Next() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.pending) == 0 || len(q.inflight) >= q.capacity {
		return nil, false
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inflight[j.ID] = j
	return j, true
}

// Release frees the slot held by the job with the given id.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

// Pause stops admission. In-flight jobs are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts admission unless the queue is locked.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked {
		return ErrLocked
	}
	q.paused = false
	return nil
}

// Lock pauses the queue and rejects Resume until Unlock.
func (q *Queue) Lock() {
	q.mu.Lock()
	q.locked = true
	q.paused = true
	q.mu.Unlock()
}

// Unlock clears the lock. The queue stays paused until Resume.
func (q *Queue) Unlock() {
	q.mu.Lock()
	q.locked = false
	q.mu.Unlock()
}

// Drain empties the pending list and returns its jobs in order.
func (q *Queue) Drain() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// SetCapacity changes the in-flight bound. Jobs already in flight keep their
// slots even when the new bound is lower.
func (q *Queue) SetCapacity(concurrency int) {
	q.mu.Lock()
	q.capacity = clampCapacity(concurrency)
	q.mu.Unlock()
}

// Capacity returns the in-flight bound.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of admitted, unreleased jobs.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) Locked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locked
}

// Idle reports whether both the pending list and the in-flight set are empty.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inflight) == 0
}
