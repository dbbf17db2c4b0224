// Package registry is the in-memory index of known workers: their capacity,
// liveness, and current load (spec.md §4.C).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/metrics"
	"github.com/octaskly/octaskly/pkg/types"
)

// Registry is a thread-safe worker_id → Worker map. It is its own critical
// section per §5's locking discipline: reserve/release are atomic, and
// sweep takes the lock only for the scan, returning the eviction list for
// the caller (the scheduler) to act on after the lock is dropped.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		workers: make(map[string]*types.Worker),
	}
}

// Register creates or replaces a worker entry. A re-registration of a known
// id refreshes its address/capacity/capabilities and marks it Active again
// (covering a worker that restarted before eviction).
func (r *Registry) Register(id, address string, maxJobs int, capabilities []string, now time.Time) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		w = &types.Worker{ID: id}
		r.workers[id] = w
	}
	w.Address = address
	w.MaxJobs = maxJobs
	w.Capabilities = capabilities
	w.LastHeartbeatAt = now
	w.Status = types.WorkerActive
	r.refreshMetricsLocked()
	return w
}

// Deregister removes a worker entry outright (explicit departure, not
// liveness-based eviction).
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
	r.refreshMetricsLocked()
}

// MarkHeartbeat records a liveness signal and, if the worker had been
// Unreachable, restores it to Active.
func (r *Registry) MarkHeartbeat(id string, now time.Time, currentJobs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return dispatchererr.New(dispatchererr.NotFound, "unknown worker: "+id)
	}
	w.LastHeartbeatAt = now
	if w.Status == types.WorkerUnreachable {
		w.Status = types.WorkerActive
	}
	r.refreshMetricsLocked()
	return nil
}

// Reserve atomically checks current_jobs < max_jobs and increments on
// success. It returns false if capacity changed between selection and
// reservation (§4.E step 4).
func (r *Registry) Reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || !w.Eligible() {
		return false
	}
	w.CurrentJobs++
	r.refreshMetricsLocked()
	return true
}

// Release decrements a worker's current_jobs, saturating at zero.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	if w.CurrentJobs > 0 {
		w.CurrentJobs--
	}
	r.refreshMetricsLocked()
}

// Drain marks a worker Draining: it keeps serving in-flight tasks but is no
// longer eligible for new assignment. Resolves the supplemented feature of
// SPEC_FULL.md §C.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return dispatchererr.New(dispatchererr.NotFound, "unknown worker: "+id)
	}
	w.Status = types.WorkerDraining
	r.refreshMetricsLocked()
	return nil
}

// Undrain returns a Draining worker to Active.
func (r *Registry) Undrain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return dispatchererr.New(dispatchererr.NotFound, "unknown worker: "+id)
	}
	if w.Status == types.WorkerDraining {
		w.Status = types.WorkerActive
	}
	r.refreshMetricsLocked()
	return nil
}

// Get returns a snapshot copy of a worker entry.
func (r *Registry) Get(id string) (types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return types.Worker{}, false
	}
	return *w, true
}

// EligibleWorkers returns snapshot copies of the eligible workers, ordered by
// least-loaded then by id, for deterministic selection (§4.C).
func (r *Registry) EligibleWorkers() []types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []types.Worker
	for _, w := range r.workers {
		if w.Eligible() {
			eligible = append(eligible, *w)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CurrentJobs != eligible[j].CurrentJobs {
			return eligible[i].CurrentJobs < eligible[j].CurrentJobs
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

// Snapshot returns a copy of every known worker, for read APIs.
func (r *Registry) Snapshot() []types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep marks any worker whose last heartbeat exceeds livenessTimeout as
// Unreachable, and removes entries Unreachable for longer than
// evictionGrace with no remaining load. It returns the ids newly marked
// Unreachable this call, for the scheduler to act on (re-queueing their
// in-flight tasks) after the registry lock is released.
func (r *Registry) Sweep(now time.Time, livenessTimeout, evictionGrace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newlyUnreachable []string
	for id, w := range r.workers {
		switch w.Status {
		case types.WorkerActive, types.WorkerDraining:
			if now.Sub(w.LastHeartbeatAt) > livenessTimeout {
				w.Status = types.WorkerUnreachable
				newlyUnreachable = append(newlyUnreachable, id)
			}
		case types.WorkerUnreachable:
			if now.Sub(w.LastHeartbeatAt) > livenessTimeout+evictionGrace && w.CurrentJobs == 0 {
				delete(r.workers, id)
			}
		}
	}
	sort.Strings(newlyUnreachable)
	r.refreshMetricsLocked()
	return newlyUnreachable
}

// refreshMetricsLocked recomputes the worker-count gauges. Callers must
// already hold r.mu.
func (r *Registry) refreshMetricsLocked() {
	counts := map[types.WorkerStatus]int{
		types.WorkerActive:      0,
		types.WorkerDraining:    0,
		types.WorkerUnreachable: 0,
	}
	for _, w := range r.workers {
		counts[w.Status]++
	}
	for status, count := range counts {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
