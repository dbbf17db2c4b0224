// Package queue holds the pending FIFO and the in-flight index of spec.md
// §4.D, kept in sync under a single mutex. Operations here do no I/O and
// never acquire the registry lock (§5 lock order: queue → registry).
// Pending is a slice: popping the head is O(1), while RequeueFront,
// RequeueManyFront and RemoveFromPending copy it, O(n) in its length.
package queue

import (
	"sort"
	"sync"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/metrics"
	"github.com/octaskly/octaskly/pkg/types"
)

// Queue is the pending-sequence-plus-in-flight-index pair.
type Queue struct {
	mu       sync.Mutex
	pending  []string
	inFlight map[string]*types.Task
	cap      int
}

// New constructs an empty Queue with the given soft cap on pending length
// (0 means unbounded).
func New(softCap int) *Queue {
	return &Queue{
		inFlight: make(map[string]*types.Task),
		cap:      softCap,
	}
}

// Enqueue appends task to pending and indexes it in in-flight. It fails with
// Conflict if the id is already in-flight, and Overloaded if the pending
// soft cap would be exceeded.
func (q *Queue) Enqueue(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.inFlight[task.ID]; exists {
		return dispatchererr.New(dispatchererr.Conflict, "task id already in flight: "+task.ID)
	}
	if q.cap > 0 && len(q.pending) >= q.cap {
		return dispatchererr.New(dispatchererr.Overloaded, "pending queue at capacity")
	}
	q.pending = append(q.pending, task.ID)
	q.inFlight[task.ID] = task
	q.refreshMetricsLocked()
	return nil
}

// PeekHead returns the id at the front of pending without removing it.
func (q *Queue) PeekHead() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	return q.pending[0], true
}

// PopHead removes and returns the id at the front of pending.
func (q *Queue) PopHead() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.refreshMetricsLocked()
	return id, true
}

// RequeueFront reinserts taskID at the head of pending, used when an
// assignment fails after pop (restores FIFO fairness) or a worker is
// declared Unreachable mid-run. The task's in-flight entry is expected to
// already be present (callers transition it back to Queued before calling
// this).
func (q *Queue) RequeueFront(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]string{taskID}, q.pending...)
	q.refreshMetricsLocked()
}

// RequeueManyFront reinserts multiple task ids at the head of pending in a
// single critical section, ordered by original created_at (ties by id) per
// SPEC_FULL.md §D.2 — used when a worker death requeues several tasks at
// once so their relative order is preserved without repeated lock
// acquisition.
func (q *Queue) RequeueManyFront(ids []string, createdAt map[string]int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := append([]string(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool {
		ci, cj := createdAt[ordered[i]], createdAt[ordered[j]]
		if ci != cj {
			return ci < cj
		}
		return ordered[i] < ordered[j]
	})
	q.pending = append(ordered, q.pending...)
	q.refreshMetricsLocked()
}

// Remove deletes taskID from the in-flight index (used on terminal
// transition) and returns the removed task. It does not search pending;
// callers must have already popped the id via PopHead if it was still
// queued, or the id must belong to a Running task that was never
// re-appended to pending.
func (q *Queue) Remove(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.inFlight[taskID]
	if !ok {
		return nil, dispatchererr.New(dispatchererr.NotFound, "task not in flight: "+taskID)
	}
	delete(q.inFlight, taskID)
	q.refreshMetricsLocked()
	return task, nil
}

// RemoveFromPending removes id from the pending sequence without touching
// the in-flight index, used for cancellation of a still-Queued task.
func (q *Queue) RemoveFromPending(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.refreshMetricsLocked()
			return true
		}
	}
	return false
}

// Get returns a snapshot copy of an in-flight task.
func (q *Queue) Get(taskID string) (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.inFlight[taskID]
	if !ok {
		return types.Task{}, false
	}
	return *task, true
}

// MutateInFlight applies fn to the in-flight task under the queue lock,
// keeping transitions atomic with respect to concurrent queue operations.
// fn must not perform I/O or acquire the registry lock.
func (q *Queue) MutateInFlight(taskID string, fn func(task *types.Task)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.inFlight[taskID]
	if !ok {
		return false
	}
	fn(task)
	return true
}

// Snapshot returns copies of every in-flight task matching the optional
// status filter, for read APIs.
func (q *Queue) Snapshot(status types.TaskStatus) []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Task, 0, len(q.inFlight))
	for _, task := range q.inFlight {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingLen returns the current pending-queue length.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) refreshMetricsLocked() {
	metrics.QueueDepth.Set(float64(len(q.pending)))
	metrics.InFlightTotal.Set(float64(len(q.inFlight)))
}
